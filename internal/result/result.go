package result

import (
	"errors"
	"fmt"
)

// Kind classifies why an unsubscribe attempt (or one step of it) failed.
type Kind string

const (
	KindNone              Kind = ""
	KindNoUnsubscribeLink Kind = "no_unsubscribe_link"
	KindCaptchaRequired   Kind = "captcha_required"
	KindPersonalEmail     Kind = "personal_email"
	KindTransient         Kind = "transient_navigation_error"
	KindResourceExhausted Kind = "resource_exhausted"
	KindAllLinksFailed    Kind = "all_links_failed"

	// Internal kinds. They never reach the caller as the final error type.
	KindNavigation     Kind = "navigation_failed"
	KindStrategyFailed Kind = "strategy_failed"
)

// Retryable reports whether a failure of this kind is worth another try on the same link.
func (k Kind) Retryable() bool {
	return k == KindTransient
}

// Aborts reports whether a failure of this kind stops the whole request.
func (k Kind) Aborts() bool {
	return k == KindCaptchaRequired || k == KindResourceExhausted
}

// Error is the typed failure used across the engine.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Msg: msg}
}

func Wrap(err error, kind Kind, msg string) *Error {
	return &Error{Kind: kind, Msg: msg, Err: err}
}

// KindOf extracts the Kind carried by err, or KindNone.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindNone
}

// IsRetryable is shorthand for KindOf(err).Retryable().
func IsRetryable(err error) bool {
	return KindOf(err).Retryable()
}

// FailedLink is a per-link diagnostic entry.
type FailedLink struct {
	URL   string `json:"url"`
	Error string `json:"error"`
}

// AttemptResult is what the caller receives for one unsubscribe request.
type AttemptResult struct {
	AttemptID   string       `json:"attempt_id,omitempty"`
	Success     bool         `json:"success"`
	Message     string       `json:"message"`
	Method      string       `json:"method,omitempty"`
	URL         string       `json:"url,omitempty"`
	ErrorType   Kind         `json:"error_type,omitempty"`
	Steps       []string     `json:"steps"`
	Confidence  int          `json:"confidence,omitempty"`
	FailedLinks []FailedLink `json:"failed_links,omitempty"`
}

// Step appends a formatted entry to the step log.
func (r *AttemptResult) Step(format string, args ...any) {
	r.Steps = append(r.Steps, fmt.Sprintf(format, args...))
}

// Fail marks the result failed with the given kind and message.
func (r *AttemptResult) Fail(kind Kind, msg string) {
	r.Success = false
	r.ErrorType = kind
	r.Message = msg
}
