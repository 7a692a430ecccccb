// Package users holds the immutable set of users allowed to open sessions.
//
// A Registry is built once at startup from a YAML file, command-line flags,
// or environment variables, and is then shared read-only by every session.
package users

import (
	"fmt"
	"os"
	"strings"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/philsphicas/vlessrelay/internal/protocol"
)

// User is an authorized identity.
type User struct {
	ID    uuid.UUID
	Label string
	Level int
	// AlterID is carried for configuration compatibility and is not used
	// by the protocol.
	AlterID int
}

// Name returns the label, or the hyphenated identifier if no label is set.
func (u *User) Name() string {
	if u.Label != "" {
		return u.Label
	}
	return u.ID.String()
}

// Registry maps 16-byte identifiers to users. It is never modified after
// construction and is safe for concurrent use.
type Registry struct {
	byID map[uuid.UUID]*User
}

// New builds a registry from the given users. Duplicate identifiers are an
// error.
func New(list []User) (*Registry, error) {
	r := &Registry{byID: make(map[uuid.UUID]*User, len(list))}
	for i := range list {
		u := list[i]
		if u.ID == uuid.Nil {
			return nil, fmt.Errorf("user %d: missing id", i)
		}
		if _, dup := r.byID[u.ID]; dup {
			return nil, fmt.Errorf("user %d: duplicate id %s", i, u.ID)
		}
		r.byID[u.ID] = &u
	}
	return r, nil
}

// Len returns the number of users.
func (r *Registry) Len() int { return len(r.byID) }

// Authenticate looks up the user for a raw identifier. Matching is exact on
// all 16 bytes.
func (r *Registry) Authenticate(id [16]byte) (*User, error) {
	if u, ok := r.byID[uuid.UUID(id)]; ok {
		return u, nil
	}
	return nil, fmt.Errorf("id %s: %w", uuid.UUID(id), protocol.ErrAuthFailure)
}

// ParseIDs parses hyphenated (or bare hex) UUIDs, case-insensitively, into
// unlabeled users. Empty entries are skipped.
func ParseIDs(ids []string) ([]User, error) {
	var out []User
	for _, s := range ids {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		id, err := uuid.Parse(s)
		if err != nil {
			return nil, fmt.Errorf("parse user id %q: %w", s, err)
		}
		out = append(out, User{ID: id})
	}
	return out, nil
}

// fileUser is the YAML form of a user entry.
type fileUser struct {
	ID      string `yaml:"id"`
	Label   string `yaml:"label"`
	Level   int    `yaml:"level"`
	AlterID int    `yaml:"alter_id"`
}

type file struct {
	Users []fileUser `yaml:"users"`
}

// LoadFile reads users from a YAML file of the form:
//
//	users:
//	  - id: 86c50e3a-5b87-49dd-bd20-03c7f2735e40
//	    label: alice
//	    level: 0
func LoadFile(path string) ([]User, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read users file: %w", err)
	}
	return parseYAML(data)
}

func parseYAML(data []byte) ([]User, error) {
	var f file
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse users file: %w", err)
	}
	out := make([]User, 0, len(f.Users))
	for i, fu := range f.Users {
		id, err := uuid.Parse(strings.TrimSpace(fu.ID))
		if err != nil {
			return nil, fmt.Errorf("users[%d]: parse id %q: %w", i, fu.ID, err)
		}
		out = append(out, User{ID: id, Label: fu.Label, Level: fu.Level, AlterID: fu.AlterID})
	}
	return out, nil
}
