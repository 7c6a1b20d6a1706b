// Package strategy drives a loaded page through the ordered unsubscribe
// cascade. Every strategy reports an explicit Outcome; page errors never
// escape as panics or raw driver errors.
package strategy

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/polzovatel/mail-unsubscriber/internal/browser"
	"github.com/polzovatel/mail-unsubscriber/internal/fetch"
	"github.com/polzovatel/mail-unsubscriber/internal/oracle"
	"github.com/polzovatel/mail-unsubscriber/internal/result"
)

// MethodPageLoad is reported when the page already showed completion on load.
const MethodPageLoad = "browser_page_load"

type Status int

const (
	// NotApplicable means the strategy found nothing to act on.
	NotApplicable Status = iota
	// Failed means the strategy acted but the oracle did not confirm.
	Failed
	Succeeded
	// Aborted stops the cascade and the whole request.
	Aborted
)

func (s Status) String() string {
	switch s {
	case NotApplicable:
		return "not_applicable"
	case Failed:
		return "failed"
	case Succeeded:
		return "succeeded"
	case Aborted:
		return "aborted"
	}
	return fmt.Sprintf("status(%d)", int(s))
}

type Outcome struct {
	Status  Status
	Method  string
	Verdict oracle.Verdict
	Err     error
}

func notApplicable() Outcome { return Outcome{Status: NotApplicable} }

func failed(err error) Outcome { return Outcome{Status: Failed, Err: err} }

// Env is everything a strategy may touch while working on one page.
type Env struct {
	Page browser.Page
	// Origin is the link the page was opened for.
	Origin    string
	UserEmail string
	Oracle    *oracle.Oracle
	// HTTP enables form_action_replay; nil skips it.
	HTTP *fetch.Client
	// Planner enables llm_guided; nil skips it.
	Planner Planner

	IdleTimeout time.Duration
	SettleDelay time.Duration
	Logger      zerolog.Logger

	Steps []string

	clicked map[string]bool
}

// Step appends an entry to the attempt's step log.
func (e *Env) Step(format string, args ...any) {
	e.Steps = append(e.Steps, fmt.Sprintf(format, args...))
}

func (e *Env) markClicked(ref string) {
	if e.clicked == nil {
		e.clicked = map[string]bool{}
	}
	e.clicked[e.Page.URL()+"#"+ref] = true
}

func (e *Env) wasClicked(ref string) bool {
	return e.clicked[e.Page.URL()+"#"+ref]
}

func (e *Env) click(ctx context.Context, ref string) error {
	e.markClicked(ref)
	return e.Page.Click(ctx, ref)
}

// settle waits for network idle, falling back to a fixed delay.
func (e *Env) settle(ctx context.Context) {
	if err := e.Page.WaitIdle(ctx, e.IdleTimeout); err == nil {
		return
	}
	if e.SettleDelay <= 0 {
		return
	}
	t := time.NewTimer(e.SettleDelay)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

// observe captures the page with Origin as the requested URL.
func (e *Env) observe(ctx context.Context) (oracle.Observation, error) {
	obs, err := oracle.FromPage(ctx, e.Page)
	obs.Requested = e.Origin
	return obs, err
}

// afterAction settles the page and asks the oracle. A captcha that appears
// after an action aborts like one found on load.
func (e *Env) afterAction(ctx context.Context, method string) Outcome {
	e.settle(ctx)
	obs, err := e.observe(ctx)
	if err != nil {
		// The page may still be navigating; give it one more settle.
		e.settle(ctx)
		if obs, err = e.observe(ctx); err != nil {
			return failed(err)
		}
	}
	if marker := oracle.CaptchaMarker(obs); marker != "" {
		e.Step("%s: captcha appeared (%s)", method, marker)
		return Outcome{Status: Aborted, Method: method, Err: result.New(result.KindCaptchaRequired, "captcha detected: "+marker)}
	}
	v := e.Oracle.AnalyzeCompletion(ctx, obs)
	if v.Success {
		e.Step("%s: confirmed (%s)", method, v.Reason)
		return Outcome{Status: Succeeded, Method: method, Verdict: v}
	}
	e.Step("%s: not confirmed (%s)", method, orDefault(v.Reason, "no signal"))
	return Outcome{Status: Failed, Method: method, Verdict: v}
}

// Strategy is one step of the cascade.
type Strategy struct {
	Name string
	Run  func(ctx context.Context, env *Env) Outcome
}

// Default returns the cascade in its fixed order.
func Default() []Strategy {
	return []Strategy{
		{Name: "captcha", Run: captchaCheck},
		{Name: "email_confirmation", Run: emailConfirmation},
		{Name: "form_action_replay", Run: formActionReplay},
		{Name: "form_submit_script", Run: formSubmitScript},
		{Name: "generic_script_probe", Run: genericScriptProbe},
		{Name: "selector_sweep", Run: selectorSweep},
		{Name: "link_fallback", Run: linkFallback},
		{Name: "llm_guided", Run: llmGuided},
	}
}

type Cascade struct {
	strategies []Strategy
	logger     zerolog.Logger
}

// NewCascade builds a cascade; no strategies means Default.
func NewCascade(logger zerolog.Logger, strategies ...Strategy) *Cascade {
	if len(strategies) == 0 {
		strategies = Default()
	}
	return &Cascade{strategies: strategies, logger: logger}
}

// Run works on the page already loaded in env.Page. It stops at the first
// success or abort. When nothing succeeds the returned Err is transient if
// any strategy failed transiently, so the caller may retry the link.
func (c *Cascade) Run(ctx context.Context, env *Env) Outcome {
	obs, err := env.observe(ctx)
	if err != nil {
		return failed(err)
	}
	if v := env.Oracle.QuickCheck(obs); v.Success {
		env.Step("page load: already complete (%s)", v.Reason)
		return Outcome{Status: Succeeded, Method: MethodPageLoad, Verdict: v}
	}

	var transient, last error
	for _, s := range c.strategies {
		if err := ctx.Err(); err != nil {
			env.Step("%s: skipped, time budget spent", s.Name)
			return failed(result.Wrap(err, result.KindTransient, "cascade deadline"))
		}
		start := time.Now()
		out := safeRun(ctx, s, env)
		if out.Method == "" {
			out.Method = s.Name
		}
		c.logger.Debug().
			Str("strategy", s.Name).
			Str("status", out.Status.String()).
			Dur("took", time.Since(start)).
			AnErr("err", out.Err).
			Msg("strategy finished")

		switch out.Status {
		case Succeeded, Aborted:
			return out
		case Failed:
			if out.Err != nil {
				env.Step("%s: %v", s.Name, out.Err)
				last = out.Err
				if result.IsRetryable(out.Err) {
					transient = out.Err
				}
			}
		}
	}

	switch {
	case transient != nil:
		return failed(transient)
	case last != nil:
		return failed(result.Wrap(last, result.KindStrategyFailed, "no strategy confirmed the unsubscribe"))
	}
	return failed(result.New(result.KindStrategyFailed, "no strategy confirmed the unsubscribe"))
}

// safeRun converts a panicking strategy into a failure so one bad page
// cannot take down the orchestrator.
func safeRun(ctx context.Context, s Strategy, env *Env) (out Outcome) {
	defer func() {
		if r := recover(); r != nil {
			env.Logger.Error().Interface("panic", r).Str("strategy", s.Name).Msg("strategy panicked")
			out = failed(result.New(result.KindStrategyFailed, fmt.Sprintf("%s panicked: %v", s.Name, r)))
		}
	}()
	return s.Run(ctx, env)
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}
