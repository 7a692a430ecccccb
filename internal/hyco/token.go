// Package hyco carries relay sessions over Azure Relay Hybrid Connections.
//
// A listener holds a control channel open to the relay namespace and, for
// each accept notification, dials the rendezvous WebSocket on which one
// session runs. A client dials the same hybrid connection as a sender.
package hyco

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"
)

const (
	tokenLifetime = time.Hour
	relayScope    = "https://relay.azure.net/.default"
)

// TokenProvider issues the token placed in sb-hc-token and in renewToken
// control messages.
type TokenProvider interface {
	GetToken(ctx context.Context, resourceURI string) (string, error)
}

// SASTokenProvider signs Shared Access Signature tokens from a policy key.
type SASTokenProvider struct {
	KeyName string
	Key     string
}

// GetToken implements TokenProvider.
func (p *SASTokenProvider) GetToken(_ context.Context, resourceURI string) (string, error) {
	if p.KeyName == "" || p.Key == "" {
		return "", errors.New("sas key name and key are required")
	}
	return SASToken(resourceURI, p.KeyName, p.Key, time.Now().Add(tokenLifetime)), nil
}

// EntraTokenProvider obtains Microsoft Entra ID tokens scoped to Azure Relay.
type EntraTokenProvider struct {
	cred azcore.TokenCredential
}

// NewEntraTokenProvider uses DefaultAzureCredential, or cred if non-nil.
func NewEntraTokenProvider(cred azcore.TokenCredential) (*EntraTokenProvider, error) {
	if cred == nil {
		c, err := azidentity.NewDefaultAzureCredential(nil)
		if err != nil {
			return nil, fmt.Errorf("create Azure credential: %w", err)
		}
		cred = c
	}
	return &EntraTokenProvider{cred: cred}, nil
}

// GetToken implements TokenProvider. The resource URI is not used; Entra
// tokens are scoped to the relay service as a whole.
func (p *EntraTokenProvider) GetToken(ctx context.Context, _ string) (string, error) {
	tk, err := p.cred.GetToken(ctx, policy.TokenRequestOptions{Scopes: []string{relayScope}})
	if err != nil {
		return "", fmt.Errorf("acquire Entra token: %w", err)
	}
	return tk.Token, nil
}

// SASToken builds a SharedAccessSignature for resourceURI that expires at
// expiry.
func SASToken(resourceURI, keyName, key string, expiry time.Time) string {
	sr := url.QueryEscape(strings.ToLower(resourceURI))
	se := strconv.FormatInt(expiry.Unix(), 10)
	mac := hmac.New(sha256.New, []byte(key))
	mac.Write([]byte(sr + "\n" + se))
	sig := base64.StdEncoding.EncodeToString(mac.Sum(nil))
	return "SharedAccessSignature sr=" + sr + "&sig=" + url.QueryEscape(sig) + "&se=" + se + "&skn=" + keyName
}

var tokenParam = regexp.MustCompile(`sb-hc-token=[^"\s&]*`)

// redact strips sb-hc-token values from an error so that dial failures can
// be logged without leaking credentials.
func redact(err error) error {
	if err == nil {
		return nil
	}
	s := err.Error()
	if !strings.Contains(s, "sb-hc-token=") {
		return err
	}
	return errors.New(tokenParam.ReplaceAllString(s, "sb-hc-token=REDACTED"))
}
