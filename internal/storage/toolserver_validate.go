package storage

import (
	"fmt"
	"net/url"

	"github.com/haasonsaas/convoai/internal/net/ssrf"
)

// validateEndpointURL rejects a tool-server registration URL that is
// malformed or resolves into the private network ConvoAI itself runs in.
// Registration is the one point a user-supplied tool-server URL enters the
// system, so it is the one place this check belongs — the Dispatcher's
// per-invocation path intentionally does not repeat it (see DESIGN.md).
func validateEndpointURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid endpoint_url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("invalid endpoint_url: scheme must be http or https")
	}
	if u.Hostname() == "" {
		return fmt.Errorf("invalid endpoint_url: missing host")
	}
	if err := ssrf.ValidatePublicHostname(u.Hostname()); err != nil {
		return fmt.Errorf("endpoint_url rejected: %w", err)
	}
	return nil
}
