package api

import (
	"net/http"
	"net/url"
	"regexp"
	"strings"
)

// Params are request parameters with the mf prefix removed.
type Params map[string]string

var prefixRe = regexp.MustCompile(`(?i)^mf[-_]`)

// Fold turns an external parameter name into its logical name: the
// mf_/mf- prefix is stripped, hyphens become underscores and the result is
// lowercased. Names without the prefix are not parameters.
func Fold(name string) (string, bool) {
	if !prefixRe.MatchString(name) {
		return "", false
	}
	key := prefixRe.ReplaceAllString(name, "")
	key = strings.ReplaceAll(key, "-", "_")
	return strings.ToLower(key), key != ""
}

func collect(src map[string][]string) Params {
	p := make(Params)
	for name, vals := range src {
		key, ok := Fold(name)
		if !ok || len(vals) == 0 {
			continue
		}
		p[key] = vals[0]
	}
	return p
}

// FromQuery extracts parameters from a query string.
func FromQuery(q url.Values) Params {
	return collect(q)
}

// FromHeader extracts parameters from request headers.
func FromHeader(h http.Header) Params {
	return collect(h)
}

// Extract reads the parameters of a control request. Query parameters are
// used when they name an action, headers otherwise. Without a url parameter
// the request URL itself is the target, which is how proxy clients talk to
// the server. A pid cookie stands in for a missing pid parameter.
func Extract(r *http.Request) Params {
	p := FromQuery(r.URL.Query())
	if p["action"] == "" {
		p = FromHeader(r.Header)
		if p["action"] == "" {
			p = make(Params)
		}
	}

	if p["url"] == "" {
		p["url"] = requestTarget(r)
	}

	if p["pid"] == "" {
		if c, err := r.Cookie(pidCookie); err == nil && c.Value != "" && c.Value != "deleted" {
			p["pid"] = c.Value
		}
	}
	return p
}

func requestTarget(r *http.Request) string {
	if r.URL.IsAbs() {
		return r.URL.String()
	}
	if r.RequestURI != "" {
		return r.RequestURI
	}
	return r.URL.RequestURI()
}
