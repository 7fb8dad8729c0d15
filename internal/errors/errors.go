// Package errors provides the error taxonomy for session operations.
package errors

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// ErrorType categorizes errors for response and session-fate decisions.
type ErrorType int

const (
	// Unknown is an uncategorized error.
	Unknown ErrorType = iota
	// AdmissionRejected means the pool is at its ceiling.
	AdmissionRejected
	// ClientParam is a missing, invalid or mistyped request parameter.
	ClientParam
	// SessionExpired means no live session has the requested id.
	SessionExpired
	// NavigationFailed means the backend could not open the URL.
	NavigationFailed
	// GatewayTimeout means the page or main resource timed out.
	GatewayTimeout
	// ResourceTimeout means a sub-resource timed out without return_on_timeout.
	ResourceTimeout
	// ElementNotFound means a selector matched nothing.
	ElementNotFound
	// ElementHidden means the matched element has no rendered size.
	ElementHidden
	// SelectorInvalid means the backend rejected the selector expression.
	SelectorInvalid
	// NoHistory means back or forward ran past the end of the history log.
	NoHistory
	// Backend is any unexpected failure of the rendering backend.
	Backend
	// NotEditable means enter_text matched an element without a value
	// attribute.
	NotEditable
	// NoContent means the page returned an empty document.
	NoContent
)

// String returns the string representation of ErrorType.
func (t ErrorType) String() string {
	switch t {
	case AdmissionRejected:
		return "admission_rejected"
	case ClientParam:
		return "client_param"
	case SessionExpired:
		return "session_expired"
	case NavigationFailed:
		return "navigation_failed"
	case GatewayTimeout:
		return "gateway_timeout"
	case ResourceTimeout:
		return "resource_timeout"
	case ElementNotFound:
		return "element_not_found"
	case ElementHidden:
		return "element_hidden"
	case SelectorInvalid:
		return "selector_invalid"
	case NoHistory:
		return "no_history"
	case Backend:
		return "backend"
	case NotEditable:
		return "not_editable"
	case NoContent:
		return "no_content"
	default:
		return "unknown"
	}
}

// StatusCode returns the HTTP status reported for errors of this type.
func (t ErrorType) StatusCode() int {
	switch t {
	case AdmissionRejected, ClientParam:
		return http.StatusServiceUnavailable
	case GatewayTimeout, ResourceTimeout:
		return http.StatusGatewayTimeout
	case ElementHidden, NoHistory, NotEditable:
		return http.StatusOK
	default:
		return http.StatusInternalServerError
	}
}

// IsFatal reports whether an error of this type forces the owning session
// to be destroyed regardless of keep-alive.
func (t ErrorType) IsFatal() bool {
	switch t {
	case NavigationFailed, GatewayTimeout, ResourceTimeout, Backend, Unknown:
		return true
	default:
		return false
	}
}

// IsWarning reports whether errors of this type are reported with a
// Warning status instead of Error.
func (t ErrorType) IsWarning() bool {
	return t == ElementHidden || t == NoHistory || t == NotEditable
}

// SessionError is a categorized error from a session operation.
type SessionError struct {
	Type       ErrorType
	SessionID  int
	Operation  string
	Message    string
	Cause      error
	StatusCode int
}

// Error implements the error interface.
func (e *SessionError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s error during %s: %s (caused by: %v)",
			e.Type.String(), e.Operation, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s error during %s: %s",
		e.Type.String(), e.Operation, e.Message)
}

// Unwrap returns the underlying error.
func (e *SessionError) Unwrap() error {
	return e.Cause
}

// Is reports whether target is a SessionError of the same type.
func (e *SessionError) Is(target error) bool {
	t, ok := target.(*SessionError)
	if !ok {
		return false
	}
	return e.Type == t.Type
}

// WithSession returns a copy of e tagged with a session id.
func (e *SessionError) WithSession(id int) *SessionError {
	c := *e
	c.SessionID = id
	return &c
}

// New creates a SessionError with the default status for its type.
func New(errType ErrorType, operation, message string, cause error) *SessionError {
	return &SessionError{
		Type:       errType,
		Operation:  operation,
		Message:    message,
		Cause:      cause,
		StatusCode: errType.StatusCode(),
	}
}

// NewAdmissionRejected creates an admission error for a full pool.
func NewAdmissionRejected(limit int) *SessionError {
	return New(AdmissionRejected, "create",
		fmt.Sprintf("Too many browser instances running (limit %d).  Try again later.", limit), nil)
}

// NewClientParam creates a parameter error.
func NewClientParam(message string) *SessionError {
	return New(ClientParam, "validate", message, nil)
}

// NewSessionExpired creates a lookup error for a missing session.
func NewSessionExpired(id int) *SessionError {
	err := New(SessionExpired, "lookup",
		fmt.Sprintf("Unable to get phantom instance with process id %d", id), nil)
	err.SessionID = id
	return err
}

// NewNavigationFailed creates an open failure.
func NewNavigationFailed(url string, cause error) *SessionError {
	return New(NavigationFailed, "visit", "Unable to open "+url, cause)
}

// NewGatewayTimeout creates a page or main-resource timeout error.
func NewGatewayTimeout(message string) *SessionError {
	return New(GatewayTimeout, "visit", message, nil)
}

// NewPageTimeout creates the error for a visit that exhausted its page budget.
func NewPageTimeout(url string, budgetMS int64) *SessionError {
	return NewGatewayTimeout(fmt.Sprintf(
		"Gateway Timeout: The page at %s failed to load within the time specified (%d ms)", url, budgetMS))
}

// NewMainResourceTimeout creates the error for a main resource that did not load.
func NewMainResourceTimeout(url string) *SessionError {
	return NewGatewayTimeout(fmt.Sprintf("Resource/Gateway Timeout: %s did not load in time.", url))
}

// NewResourceTimeout creates a sub-resource timeout error.
func NewResourceTimeout(url, pageURL string) *SessionError {
	return New(ResourceTimeout, "visit",
		fmt.Sprintf("Resource Timeout: %s failed to load in time while fetching %s", url, pageURL), nil)
}

// NewNoHistory creates the back/forward bound error.
func NewNoHistory(operation string, cause error) *SessionError {
	direction := "back"
	if operation == "forward" {
		direction = "forward"
	}
	return New(NoHistory, operation,
		fmt.Sprintf("Can't go %s, there are no previously loaded pages.", direction), cause)
}

// NewElementNotFound creates a selector miss.
func NewElementNotFound(operation, kind, selector string) *SessionError {
	return New(ElementNotFound, operation,
		fmt.Sprintf("Could not match an element with %s selector '%s'", kind, selector), nil)
}

// NewElementHidden creates the overridable hidden-element warning.
func NewElementHidden(operation string) *SessionError {
	return New(ElementHidden, operation,
		"Element found but appears to be hidden.  Use force=1 to override.", nil)
}

// NewNotEditable creates the overridable warning for text entry into an
// element that has no value attribute.
func NewNotEditable(selector string) *SessionError {
	return New(NotEditable, "enter_text",
		fmt.Sprintf("%s does not appear to have a value attribute.  Use force=1 to override", selector), nil)
}

// NewNoContent creates the error for an empty page.
func NewNoContent(operation string) *SessionError {
	return New(NoContent, operation, "No content returned", nil)
}

// NewSelectorInvalid creates an invalid selector error.
func NewSelectorInvalid(operation, selector string, cause error) *SessionError {
	return New(SelectorInvalid, operation,
		fmt.Sprintf("Invalid selector '%s'", selector), cause)
}

// NewBackend creates an unexpected backend failure.
func NewBackend(operation string, cause error) *SessionError {
	msg := "browser operation failed"
	if cause != nil {
		msg = cause.Error()
	}
	return New(Backend, operation, msg, cause)
}

// Categorize wraps a generic error as a SessionError.
func Categorize(err error, operation string) *SessionError {
	if err == nil {
		return nil
	}

	var se *SessionError
	if errors.As(err, &se) {
		return se
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return New(GatewayTimeout, operation, "operation timed out", err)
	}

	return NewBackend(operation, err)
}

// GetErrorType extracts the error type from an error.
func GetErrorType(err error) ErrorType {
	var se *SessionError
	if errors.As(err, &se) {
		return se.Type
	}
	return Unknown
}

// StatusCode extracts the HTTP status from an error. A nil error is 200.
func StatusCode(err error) int {
	if err == nil {
		return http.StatusOK
	}
	var se *SessionError
	if errors.As(err, &se) && se.StatusCode != 0 {
		return se.StatusCode
	}
	return http.StatusInternalServerError
}

// Message returns the client-facing message for an error.
func Message(err error) string {
	var se *SessionError
	if errors.As(err, &se) {
		return se.Message
	}
	if err == nil {
		return ""
	}
	return err.Error()
}

// IsFatal reports whether err forces session destruction.
func IsFatal(err error) bool {
	if err == nil {
		return false
	}
	return GetErrorType(err).IsFatal()
}

// IsWarning reports whether err is a warning-class error.
func IsWarning(err error) bool {
	return err != nil && GetErrorType(err).IsWarning()
}
