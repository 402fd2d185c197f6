package oauth

import (
	"fmt"
	"net"
	"net/url"
	"strings"
)

// validateRedirectURL accepts https URLs and plain http only on loopback hosts.
func validateRedirectURL(raw string) error {
	if raw == "" {
		return fmt.Errorf("redirect url required")
	}
	if strings.HasPrefix(raw, "//") {
		return fmt.Errorf("redirect url %q must be absolute", raw)
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("parse redirect url: %w", err)
	}
	if u.Fragment != "" {
		return fmt.Errorf("redirect url %q must not contain a fragment", raw)
	}
	if u.Hostname() == "" {
		return fmt.Errorf("redirect url %q has no host", raw)
	}
	switch u.Scheme {
	case "https":
		return nil
	case "http":
		if isLoopback(u.Hostname()) {
			return nil
		}
		return fmt.Errorf("redirect url %q must use https for non-loopback hosts", raw)
	default:
		return fmt.Errorf("redirect url scheme %q not allowed", u.Scheme)
	}
}

func isLoopback(host string) bool {
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
