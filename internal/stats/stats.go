// Package stats records unsubscribe attempts. The orchestrator receives a
// Recorder at construction; nothing here is process-global.
package stats

import (
	"context"
	"net/url"
	"strings"
	"time"

	"github.com/polzovatel/mail-unsubscriber/internal/result"
)

// LinkAttempt is one candidate link tried within a request.
type LinkAttempt struct {
	AttemptID string
	URL       string
	Method    string
	Success   bool
	ErrorType result.Kind
	Duration  time.Duration
}

// Outcome is the final result of one unsubscribe request.
type Outcome struct {
	AttemptID string
	URL       string
	Method    string
	Success   bool
	ErrorType result.Kind
	Links     int
	Duration  time.Duration
}

type Recorder interface {
	RecordAttempt(ctx context.Context, a LinkAttempt)
	RecordResult(ctx context.Context, o Outcome)
}

// Nop discards everything.
type Nop struct{}

func (Nop) RecordAttempt(context.Context, LinkAttempt) {}
func (Nop) RecordResult(context.Context, Outcome)      {}

// Multi fans every record out to each recorder in order.
type Multi []Recorder

func (m Multi) RecordAttempt(ctx context.Context, a LinkAttempt) {
	for _, r := range m {
		r.RecordAttempt(ctx, a)
	}
}

func (m Multi) RecordResult(ctx context.Context, o Outcome) {
	for _, r := range m {
		r.RecordResult(ctx, o)
	}
}

// Domain returns the lower-cased host of u without a leading "www.", or
// "unknown" when u has no host.
func Domain(u string) string {
	parsed, err := url.Parse(u)
	if err != nil || parsed.Hostname() == "" {
		return "unknown"
	}
	return strings.TrimPrefix(strings.ToLower(parsed.Hostname()), "www.")
}
