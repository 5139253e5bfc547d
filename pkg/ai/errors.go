package ai

import (
	"errors"
	"fmt"
	"regexp"
)

// ---------------------------------------------------------------------------
// Transport error taxonomy
// ---------------------------------------------------------------------------

// ErrorKind classifies a transport failure. Retry policies branch on kinds,
// never on provider-specific strings.
type ErrorKind string

const (
	ErrorNetwork   ErrorKind = "network"
	ErrorAuth      ErrorKind = "auth"
	ErrorRateLimit ErrorKind = "rate_limit"
	ErrorOverflow  ErrorKind = "overflow"
	ErrorServer    ErrorKind = "server"
	ErrorOther     ErrorKind = "other"
)

// TransportError is the error type transports should return. Kind drives
// retry decisions; Status and Message are informational.
type TransportError struct {
	Kind     ErrorKind
	Provider string
	Status   int // HTTP status, 0 when not applicable
	Message  string
}

func (e *TransportError) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("%s: %s (%d): %s", e.Provider, e.Kind, e.Status, e.Message)
	}
	return fmt.Sprintf("%s: %s: %s", e.Provider, e.Kind, e.Message)
}

// NewTransportError builds a TransportError for the given provider/status,
// inferring the kind from the status code and message text.
func NewTransportError(provider string, status int, message string) *TransportError {
	return &TransportError{
		Kind:     classify(status, message),
		Provider: provider,
		Status:   status,
		Message:  message,
	}
}

// ---------------------------------------------------------------------------
// Classification
// ---------------------------------------------------------------------------

var (
	authPatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)invalid[ _]api[ _]key`),
		regexp.MustCompile(`(?i)authentication[ _](error|failed)`),
		regexp.MustCompile(`(?i)unauthorized`),
		regexp.MustCompile(`(?i)permission denied`),
		regexp.MustCompile(`(?i)credentials? (are |is )?(invalid|expired|missing)`),
	}
	rateLimitPatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)rate[ _]?limit`),
		regexp.MustCompile(`(?i)too many requests`),
		regexp.MustCompile(`(?i)overloaded`),
		regexp.MustCompile(`(?i)quota exceeded`),
		regexp.MustCompile(`(?i)capacity`),
	}
	serverPatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)internal server error`),
		regexp.MustCompile(`(?i)service unavailable`),
		regexp.MustCompile(`(?i)bad gateway`),
		regexp.MustCompile(`(?i)upstream`),
	}
	networkPatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)connection (refused|reset|closed)`),
		regexp.MustCompile(`(?i)no such host`),
		regexp.MustCompile(`(?i)timeout`),
		regexp.MustCompile(`(?i)deadline exceeded`),
		regexp.MustCompile(`(?i)broken pipe`),
		regexp.MustCompile(`(?i)EOF$`),
	}
)

// Classify returns the ErrorKind of err. A *TransportError carries its own
// kind; anything else is classified by message-pattern matching so scripted
// transports and wrapped errors still land in the right retry bucket.
func Classify(err error) ErrorKind {
	if err == nil {
		return ErrorOther
	}
	var te *TransportError
	if errors.As(err, &te) {
		return te.Kind
	}
	return classify(0, err.Error())
}

// ClassifyMessage classifies a bare error string such as
// AssistantMessage.ErrorMessage.
func ClassifyMessage(msg string) ErrorKind {
	return classify(0, msg)
}

func classify(status int, msg string) ErrorKind {
	switch {
	case status == 401 || status == 403:
		return ErrorAuth
	case status == 429:
		return ErrorRateLimit
	case status >= 500:
		return ErrorServer
	}
	if matchesOverflow(msg) {
		return ErrorOverflow
	}
	for _, re := range rateLimitPatterns {
		if re.MatchString(msg) {
			return ErrorRateLimit
		}
	}
	for _, re := range authPatterns {
		if re.MatchString(msg) {
			return ErrorAuth
		}
	}
	for _, re := range serverPatterns {
		if re.MatchString(msg) {
			return ErrorServer
		}
	}
	for _, re := range networkPatterns {
		if re.MatchString(msg) {
			return ErrorNetwork
		}
	}
	return ErrorOther
}
