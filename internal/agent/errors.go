package agent

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// ErrorKind classifies a provider failure and drives the retry and failover
// decisions the dispatcher makes.
type ErrorKind string

const (
	// ErrKindAuth is a bad or missing API key. Never retried, never
	// failed over (another provider needs another key anyway).
	ErrKindAuth ErrorKind = "auth"

	// ErrKindRateLimit is an HTTP 429 or equivalent. Retried with the
	// server's Retry-After when present.
	ErrKindRateLimit ErrorKind = "rate_limit"

	// ErrKindOverloaded is an HTTP 529 or "overloaded" response. Retried
	// after a long fixed wait.
	ErrKindOverloaded ErrorKind = "overloaded"

	// ErrKindOverflow is a context-window overflow. Never retried and
	// never failed over: it bubbles up so overflow recovery can prune the
	// history and re-issue the call.
	ErrKindOverflow ErrorKind = "token_overflow"

	// ErrKindTimeout is a deadline hit on the provider call.
	ErrKindTimeout ErrorKind = "timeout"

	// ErrKindNetwork is a transport-level failure (DNS, reset, refused).
	ErrKindNetwork ErrorKind = "network"

	// ErrKindServer is a provider-side 5xx.
	ErrKindServer ErrorKind = "server_error"

	// ErrKindInvalidRequest is a 4xx the engine caused; retrying the same
	// payload cannot help, but another provider might accept it.
	ErrKindInvalidRequest ErrorKind = "invalid_request"

	// ErrKindModelUnavailable is a model the provider does not serve.
	ErrKindModelUnavailable ErrorKind = "model_unavailable"

	// ErrKindSchema is a response the adapter could not parse.
	ErrKindSchema ErrorKind = "schema"

	// ErrKindCostCap is the process cost ceiling; checked before I/O.
	ErrKindCostCap ErrorKind = "cost_cap"

	// ErrKindCancelled is a caller-initiated cancellation.
	ErrKindCancelled ErrorKind = "cancelled"

	// ErrKindUnknown is anything the classifier could not place.
	ErrKindUnknown ErrorKind = "unknown"
)

// Retryable reports whether the same call may be re-issued to the same
// provider.
func (k ErrorKind) Retryable() bool {
	switch k {
	case ErrKindRateLimit, ErrKindOverloaded, ErrKindTimeout, ErrKindNetwork, ErrKindServer:
		return true
	}
	return false
}

// ShouldFailover reports whether, after retries are exhausted, the call may
// move to another provider.
func (k ErrorKind) ShouldFailover() bool {
	switch k {
	case ErrKindRateLimit, ErrKindOverloaded, ErrKindTimeout, ErrKindNetwork,
		ErrKindServer, ErrKindSchema, ErrKindModelUnavailable, ErrKindInvalidRequest:
		return true
	}
	return false
}

// ProviderError is the structured error every adapter returns. It wraps the
// raw SDK or transport error and carries the classification the dispatcher
// acts on. Messages are pre-scrubbed by the adapters; anything resembling a
// key is removed before the error leaves the provider layer.
type ProviderError struct {
	Kind     ErrorKind
	Provider string
	Model    string

	// Status is the HTTP status when one was observed, else 0.
	Status int

	// Message is a short human-readable description.
	Message string

	// RetryAfter is the server-requested wait, when one was given.
	RetryAfter time.Duration

	Cause error
}

// NewProviderError wraps cause with an unknown classification; use the
// builder methods or Classify to refine it.
func NewProviderError(provider, model string, cause error) *ProviderError {
	return &ProviderError{
		Kind:     ErrKindUnknown,
		Provider: provider,
		Model:    model,
		Cause:    cause,
	}
}

func (e *ProviderError) Error() string {
	var b strings.Builder
	b.WriteString(e.Provider)
	if e.Model != "" {
		b.WriteString("/")
		b.WriteString(e.Model)
	}
	b.WriteString(": ")
	b.WriteString(string(e.Kind))
	if e.Status != 0 {
		fmt.Fprintf(&b, " (HTTP %d)", e.Status)
	}
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	} else if e.Cause != nil {
		b.WriteString(": ")
		b.WriteString(e.Cause.Error())
	}
	return b.String()
}

// Unwrap exposes the cause to errors.Is/As.
func (e *ProviderError) Unwrap() error { return e.Cause }

// Retryable reports whether this error may be retried in place.
func (e *ProviderError) Retryable() bool { return e.Kind.Retryable() }

// ShouldFailover reports whether this error is failover-eligible.
func (e *ProviderError) ShouldFailover() bool { return e.Kind.ShouldFailover() }

// RetryDelayHint implements the retry package's DelayHinter: Retry-After
// wins, and overload responses get a long fixed wait.
func (e *ProviderError) RetryDelayHint() (time.Duration, bool) {
	if e.RetryAfter > 0 {
		return e.RetryAfter, true
	}
	if e.Kind == ErrKindOverloaded {
		return 30 * time.Second, true
	}
	return 0, false
}

// WithStatus records the HTTP status and classifies from it when the kind
// is still unknown.
func (e *ProviderError) WithStatus(status int) *ProviderError {
	e.Status = status
	if e.Kind == ErrKindUnknown {
		e.Kind = KindFromStatus(status)
	}
	return e
}

// WithMessage sets the human-readable description.
func (e *ProviderError) WithMessage(msg string) *ProviderError {
	e.Message = msg
	return e
}

// WithKind overrides the classification.
func (e *ProviderError) WithKind(kind ErrorKind) *ProviderError {
	e.Kind = kind
	return e
}

// WithRetryAfter records a server-requested wait.
func (e *ProviderError) WithRetryAfter(d time.Duration) *ProviderError {
	if d > 0 {
		e.RetryAfter = d
	}
	return e
}

// KindFromStatus classifies an HTTP status code.
func KindFromStatus(status int) ErrorKind {
	switch status {
	case http.StatusUnauthorized, http.StatusForbidden:
		return ErrKindAuth
	case http.StatusTooManyRequests:
		return ErrKindRateLimit
	case 529:
		return ErrKindOverloaded
	case http.StatusNotFound:
		return ErrKindModelUnavailable
	case http.StatusRequestTimeout, http.StatusGatewayTimeout:
		return ErrKindTimeout
	}
	switch {
	case status >= 500:
		return ErrKindServer
	case status >= 400:
		return ErrKindInvalidRequest
	}
	return ErrKindUnknown
}

// overflowMarkers are the provider strings that signal a context-window
// overflow. Matching is case-insensitive substring.
var overflowMarkers = []string{
	"prompt is too long",
	"maximum context",
	"context length exceeded",
	"context_length_exceeded",
	"input token count exceeds",
}

// Classify wraps err in a *ProviderError with a best-effort classification
// from its text. Errors that already are a *ProviderError pass through.
func Classify(provider, model string, err error) *ProviderError {
	if err == nil {
		return nil
	}
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe
	}

	out := NewProviderError(provider, model, err)
	if errors.Is(err, context.Canceled) {
		return out.WithKind(ErrKindCancelled)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return out.WithKind(ErrKindTimeout)
	}

	msg := strings.ToLower(err.Error())
	switch {
	case hasAny(msg, overflowMarkers...):
		out.Kind = ErrKindOverflow
	case hasAny(msg, "api key", "unauthorized", "authentication", "invalid x-api-key", "permission denied"):
		out.Kind = ErrKindAuth
	case hasAny(msg, "rate limit", "429", "too many requests", "quota", "resource exhausted"):
		out.Kind = ErrKindRateLimit
	case hasAny(msg, "overloaded", "529"):
		out.Kind = ErrKindOverloaded
	case hasAny(msg, "timeout", "deadline exceeded", "timed out"):
		out.Kind = ErrKindTimeout
	case hasAny(msg, "connection refused", "connection reset", "no such host", "broken pipe", "eof"):
		out.Kind = ErrKindNetwork
	case hasAny(msg, "500", "502", "503", "504", "internal server error", "bad gateway", "service unavailable"):
		out.Kind = ErrKindServer
	case hasAny(msg, "model not found", "does not exist", "unknown model"):
		out.Kind = ErrKindModelUnavailable
	}
	return out
}

func hasAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

// IsOverflow reports whether err signals a context-window overflow.
func IsOverflow(err error) bool {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.Kind == ErrKindOverflow
	}
	if err == nil {
		return false
	}
	return hasAny(strings.ToLower(err.Error()), overflowMarkers...)
}

// Loop-level sentinels.
var (
	// ErrLoopDetected fires when a tool signature repeats past the
	// configured threshold.
	ErrLoopDetected = errors.New("tool loop detected")

	// ErrIterationCap fires when the loop reaches its iteration budget
	// without a final text.
	ErrIterationCap = errors.New("iteration cap exceeded")

	// ErrCircuitOpen fires when an iteration produces too many failed
	// tool results.
	ErrCircuitOpen = errors.New("tool error circuit breaker tripped")

	// ErrNotConfigured marks a provider with no resolvable credentials.
	ErrNotConfigured = errors.New("provider not configured")
)

// ErrorSentinel is the rune marking a user-visible error string and a
// failed tool result. Circuit-break accounting counts results whose first
// rune is this sentinel; occurrences elsewhere in a result do not count.
const ErrorSentinel = "❌"

// UserMessage renders err as the short deterministic string shown directly
// to the end user. Every terminal error starts with the error sentinel.
func UserMessage(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrLoopDetected):
		return ErrorSentinel + " I seem to be repeating the same tool call. Stopping here to avoid a loop."
	case errors.Is(err, ErrIterationCap):
		return ErrorSentinel + " This request needed more steps than allowed. Here is what I have so far."
	case errors.Is(err, ErrCircuitOpen):
		return ErrorSentinel + " Too many tool calls failed in a row. Stopping here."
	case errors.Is(err, ErrNotConfigured):
		return ErrorSentinel + " This provider is not configured. Add an API key and try again."
	case errors.Is(err, context.Canceled):
		return ErrorSentinel + " Request cancelled."
	}

	var pe *ProviderError
	if errors.As(err, &pe) {
		switch pe.Kind {
		case ErrKindAuth:
			return ErrorSentinel + " The provider rejected the API key. Check the credentials for " + pe.Provider + "."
		case ErrKindRateLimit:
			return ErrorSentinel + " The provider is rate limiting requests. Try again shortly."
		case ErrKindOverloaded:
			return ErrorSentinel + " The provider is overloaded. Try again shortly."
		case ErrKindOverflow:
			return ErrorSentinel + " The conversation no longer fits the model's context window."
		case ErrKindCostCap:
			return ErrorSentinel + " The cost cap for this process has been reached."
		}
	}
	return ErrorSentinel + " The request failed: " + err.Error()
}
