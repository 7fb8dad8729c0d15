package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
)

const (
	pidCookie  = "pid"
	cookiePath = "/mfeddie"

	// Raw page content carries its warnings in headers.
	warningHeader  = "X-Mfeddie-Warning"
	timedOutHeader = "X-Mfeddie-Timed-Out"

	StatusOK      = "OK"
	StatusWarning = "Warning"
	StatusError   = "Error"
)

// Envelope is the JSON body of every response that is not page content.
type Envelope struct {
	Status   string   `json:"status"`
	Message  string   `json:"message"`
	Warnings []string `json:"warnings,omitempty"`
}

// normalizeStatus maps redirects to 200; navigation redirects are resolved
// internally and never forwarded.
func normalizeStatus(code int) int {
	if code == 0 || (code >= 300 && code < 400) {
		return http.StatusOK
	}
	return code
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(normalizeStatus(status))
	json.NewEncoder(w).Encode(body)
}

func writeEnvelope(w http.ResponseWriter, status int, env Envelope) {
	writeJSON(w, status, env)
}

// writeRaw serves page content. Content cut short by the page timeout is
// always flagged, even when warnings are suppressed.
func writeRaw(w http.ResponseWriter, status int, contentType, body string, warnings []string, timedOut bool) {
	if contentType == "" {
		contentType = "text/html"
	}
	w.Header().Set("Content-Type", contentType)
	for _, warning := range warnings {
		w.Header().Add(warningHeader, strings.ReplaceAll(warning, "\n", " "))
	}
	if timedOut {
		w.Header().Set(timedOutHeader, "1")
	}
	w.WriteHeader(normalizeStatus(status))
	w.Write([]byte(body))
}

// setPIDCookie binds the client to a session.
func setPIDCookie(w http.ResponseWriter, pid int) {
	w.Header().Add("Set-Cookie", fmt.Sprintf("%s=%d; path=%s", pidCookie, pid, cookiePath))
}

// clearPIDCookie expires the session cookie and closes the connection.
func clearPIDCookie(w http.ResponseWriter) {
	w.Header().Add("Set-Cookie",
		fmt.Sprintf("%s=deleted; path=%s; expires=Thu, 01 Jan 1970 00:00:00 GMT", pidCookie, cookiePath))
	w.Header().Set("Connection", "close")
}
