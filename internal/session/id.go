package session

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/lucsky/cuid"
)

// Session identifier formats.
const (
	IDFormatUUID = "uuid"
	IDFormatCUID = "cuid"
)

// NewIDFunc returns a generator for session identifiers in the given format.
// An empty format selects uuid.
func NewIDFunc(format string) (func() string, error) {
	switch format {
	case "", IDFormatUUID:
		return uuid.NewString, nil
	case IDFormatCUID:
		return cuid.New, nil
	default:
		return nil, fmt.Errorf("unknown session id format %q (want %s or %s)", format, IDFormatUUID, IDFormatCUID)
	}
}
