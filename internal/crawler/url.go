package crawler

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// ErrUnsupportedScheme is returned for links that cannot be fetched, such as
// mailto: or javascript: hrefs.
var ErrUnsupportedScheme = errors.New("unsupported url scheme")

var defaultPorts = map[string]string{"http": ":80", "https": ":443"}

// NormalizeURL returns the canonical form of rawURL used for de-duplication:
// lowercase scheme and host, no default port, no fragment and sorted query
// parameters.
func NormalizeURL(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("parse url: %w", err)
	}
	return canonical(u), nil
}

// ResolveURL resolves href against base and normalizes the result. Only
// http and https targets are accepted.
func ResolveURL(base, href string) (string, error) {
	b, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("parse base url: %w", err)
	}
	ref, err := url.Parse(strings.TrimSpace(href))
	if err != nil {
		return "", fmt.Errorf("parse href: %w", err)
	}
	abs := b.ResolveReference(ref)
	if _, ok := defaultPorts[strings.ToLower(abs.Scheme)]; !ok {
		return "", fmt.Errorf("%w: %q", ErrUnsupportedScheme, abs.Scheme)
	}
	return canonical(abs), nil
}

func canonical(u *url.URL) string {
	out := *u
	out.Scheme = strings.ToLower(out.Scheme)
	out.Host = strings.TrimSuffix(strings.ToLower(out.Host), defaultPorts[out.Scheme])
	out.Fragment = ""
	out.RawFragment = ""
	if out.RawQuery != "" {
		out.RawQuery = out.Query().Encode()
	}
	return out.String()
}
