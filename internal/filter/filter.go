// Package filter decides whether the browser may fetch a sub-resource
// while a page is loading.
package filter

import (
	"net/url"
	"regexp"
	"strings"
)

// Decision is the outcome of a filter check.
type Decision int

const (
	// Allow lets the request through.
	Allow Decision = iota
	// Deny aborts the request.
	Deny
)

// String returns the string representation of Decision.
func (d Decision) String() string {
	if d == Deny {
		return "deny"
	}
	return "allow"
}

var (
	imagePattern = regexp.MustCompile(`\.(tif|tiff|png|jpg|jpeg|gif)($|\?)`)
	cssPattern   = regexp.MustCompile(`\.css($|\?)`)
	baseURLRe    = regexp.MustCompile(`(?i)^https?://[^/]+`)
)

// Options are the per-visit toggles a Policy is built from.
type Options struct {
	Allowed      []string
	Disallowed   []string
	LoadExternal bool
	LoadImages   bool
	LoadCSS      bool
}

// Policy is an immutable request filter for one visit.
type Policy struct {
	BaseURL      string
	Host         string
	Allowed      []string
	Disallowed   []string
	LoadExternal bool
	LoadImages   bool
	LoadCSS      bool
}

// NewPolicy builds the policy for a visit to pageURL. The host drops a
// leading "www." so that the bare domain and all of its subdomains count
// as local.
func NewPolicy(pageURL string, opts Options) Policy {
	p := Policy{
		BaseURL:      baseURLRe.FindString(pageURL),
		Allowed:      append([]string(nil), opts.Allowed...),
		Disallowed:   append([]string(nil), opts.Disallowed...),
		LoadExternal: opts.LoadExternal,
		LoadImages:   opts.LoadImages,
		LoadCSS:      opts.LoadCSS,
	}
	if u, err := url.Parse(pageURL); err == nil {
		p.Host = strings.TrimPrefix(strings.ToLower(u.Hostname()), "www.")
	}
	return p
}

// Admit is Decide bound to p, for use as a backend admission callback.
func (p Policy) Admit(requestURL string) bool {
	return Decide(requestURL, p) == Allow
}

// Decide applies the policy to one request. The checks run in a fixed
// order and the allow-list always wins.
func Decide(requestURL string, p Policy) Decision {
	for _, s := range p.Allowed {
		if s != "" && strings.Contains(requestURL, s) {
			return Allow
		}
	}

	for _, s := range p.Disallowed {
		if s != "" && strings.Contains(requestURL, s) {
			return Deny
		}
	}

	if !p.LoadExternal && p.isExternal(requestURL) {
		return Deny
	}

	if !p.LoadImages && imagePattern.MatchString(requestURL) {
		return Deny
	}

	if !p.LoadCSS && cssPattern.MatchString(requestURL) {
		return Deny
	}

	return Allow
}

func (p Policy) isExternal(requestURL string) bool {
	if strings.HasPrefix(requestURL, "/") {
		return false
	}
	if p.BaseURL != "" && strings.HasPrefix(requestURL, p.BaseURL) {
		return false
	}

	u, err := url.Parse(requestURL)
	if err != nil {
		return true
	}
	host := strings.ToLower(u.Hostname())
	if host == "" {
		// data:, blob: and about: URLs have no host and never leave the page.
		return u.Scheme == "http" || u.Scheme == "https"
	}
	return !isDomainAllowed(host, p.Host)
}

// isDomainAllowed reports whether host is domain or one of its subdomains.
func isDomainAllowed(host, domain string) bool {
	if domain == "" {
		return false
	}
	return host == domain || strings.HasSuffix(host, "."+domain)
}
