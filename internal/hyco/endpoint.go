package hyco

import (
	"net/url"
	"strings"
)

// DefaultSuffix is the public-cloud Azure Relay namespace suffix.
const DefaultSuffix = ".servicebus.windows.net"

// Endpoint identifies one hybrid connection.
type Endpoint struct {
	Host       string // namespace FQDN, optionally with :port
	EntityPath string // hybrid connection name
}

// ParseNamespace normalizes a namespace given as a bare name, an FQDN, or
// a URL with any scheme to a host name. Bare names get suffix appended.
func ParseNamespace(input, suffix string) string {
	input = strings.TrimSpace(input)
	if input == "" {
		return ""
	}
	if strings.Contains(input, "://") {
		if u, err := url.Parse(input); err == nil && u.Hostname() != "" {
			input = u.Hostname()
		}
	}
	if strings.Contains(input, ".") {
		return input
	}
	return input + suffix
}

// ResourceURI is the https URI that tokens are issued for.
func (e Endpoint) ResourceURI() string {
	if e.EntityPath == "" {
		return "https://" + e.Host
	}
	return "https://" + e.Host + "/" + e.EntityPath
}

// url builds the wss URL for the given sb-hc-action.
func (e Endpoint) url(action, token string) string {
	q := url.Values{}
	q.Set("sb-hc-action", action)
	q.Set("sb-hc-token", token)
	return "wss://" + e.Host + "/$hc/" + url.PathEscape(e.EntityPath) + "?" + q.Encode()
}
