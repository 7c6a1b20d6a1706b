package agent

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/polzovatel/mail-unsubscriber/internal/browser"
	"github.com/polzovatel/mail-unsubscriber/internal/extract"
	"github.com/polzovatel/mail-unsubscriber/internal/fetch"
	"github.com/polzovatel/mail-unsubscriber/internal/oracle"
	"github.com/polzovatel/mail-unsubscriber/internal/result"
	"github.com/polzovatel/mail-unsubscriber/internal/stats"
	"github.com/polzovatel/mail-unsubscriber/internal/strategy"
)

const (
	MethodOneClick   = "one_click_post"
	MethodSimpleHTTP = "simple_http"
)

type Config struct {
	LinkTimeout    time.Duration
	RequestTimeout time.Duration
	// MaxRetries bounds extra browser attempts on one link after a transient failure.
	MaxRetries   int
	RetryBackoff time.Duration
	IdleTimeout  time.Duration
	SettleDelay  time.Duration
	UserAgent    string
	HTTPTimeout  time.Duration
}

// Request is one email to unsubscribe from.
type Request struct {
	Body      string
	Headers   map[string]string
	UserEmail string
}

// Deps are the collaborators the orchestrator drives. Extractor and Oracle
// are required; a nil Pool limits attempts to plain HTTP, a nil Planner
// disables llm_guided and a nil Classifier treats every email as bulk mail.
type Deps struct {
	Extractor  *extract.Extractor
	Oracle     *oracle.Oracle
	Pool       *browser.Pool
	Planner    strategy.Planner
	Cascade    *strategy.Cascade
	Classifier Classifier
	Recorder   stats.Recorder
}

type Orchestrator struct {
	cfg  Config
	deps Deps

	logger zerolog.Logger
}

func NewOrchestrator(cfg Config, deps Deps, logger zerolog.Logger) *Orchestrator {
	if cfg.LinkTimeout <= 0 {
		cfg.LinkTimeout = 60 * time.Second
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 180 * time.Second
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = 500 * time.Millisecond
	}
	if deps.Cascade == nil {
		deps.Cascade = strategy.NewCascade(logger.With().Str("comp", "cascade").Logger())
	}
	if deps.Recorder == nil {
		deps.Recorder = stats.Nop{}
	}
	return &Orchestrator{cfg: cfg, deps: deps, logger: logger}
}

// attempt is the per-request state shared by every link.
type attempt struct {
	req     Request
	res     *result.AttemptResult
	http    *fetch.Client
	session *browser.Session
	oneShot map[string]bool
	logger  zerolog.Logger
}

// linkResult is the outcome of working one candidate link.
type linkResult struct {
	method  string
	verdict oracle.Verdict
	err     error
}

// AttemptUnsubscribe runs the whole state machine for one email and always
// returns a result; failures are reported through ErrorType and FailedLinks.
// It blocks until done and is safe to call from many goroutines.
func (o *Orchestrator) AttemptUnsubscribe(ctx context.Context, req Request) result.AttemptResult {
	start := time.Now()
	res := result.AttemptResult{AttemptID: uuid.NewString(), Steps: []string{}}
	logger := o.logger.With().Str("attempt", res.AttemptID).Logger()

	ctx, cancel := context.WithTimeout(ctx, o.cfg.RequestTimeout)
	defer cancel()

	linksTried := 0
	defer func() {
		o.deps.Recorder.RecordResult(ctx, stats.Outcome{
			AttemptID: res.AttemptID,
			URL:       res.URL,
			Method:    res.Method,
			Success:   res.Success,
			ErrorType: res.ErrorType,
			Links:     linksTried,
			Duration:  time.Since(start),
		})
		ev := logger.Info()
		if !res.Success {
			ev = logger.Warn().Str("error_type", string(res.ErrorType))
		}
		ev.Bool("success", res.Success).
			Str("method", res.Method).
			Str("url", res.URL).
			Int("links", linksTried).
			Dur("took", time.Since(start)).
			Msg(res.Message)
	}()

	if o.deps.Classifier != nil && o.deps.Classifier.Personal(req) {
		res.Step("classified as personal email; nothing to unsubscribe from")
		res.Fail(result.KindPersonalEmail, "this looks like a personal email, not a mailing")
		return res
	}

	candidates := o.candidates(ctx, req, &res, logger)
	if len(candidates) == 0 {
		res.Fail(result.KindNoUnsubscribeLink, "no unsubscribe link found")
		return res
	}

	a := &attempt{
		req: req,
		res: &res,
		http: fetch.New(fetch.Options{
			UserAgent: o.cfg.UserAgent,
			Timeout:   o.cfg.HTTPTimeout,
		}, logger.With().Str("comp", "fetch").Logger()),
		oneShot: map[string]bool{},
		logger:  logger,
	}
	if extract.OneClick(req.Headers) {
		for _, u := range extract.HeaderLinks(req.Headers) {
			a.oneShot[u] = true
		}
	}
	if o.deps.Pool != nil {
		a.session = o.deps.Pool.NewSession()
		defer func() {
			if err := a.session.Close(); err != nil {
				logger.Debug().Err(err).Msg("close browser session")
			}
		}()
	}

	for i, c := range candidates {
		if ctx.Err() != nil {
			res.Step("request time budget spent; %d link(s) left untried", len(candidates)-i)
			break
		}
		linksTried++
		res.Step("link %d/%d (%s): %s", i+1, len(candidates), c.Source, c.URL)

		linkStart := time.Now()
		lr := o.tryLink(ctx, a, c)
		o.deps.Recorder.RecordAttempt(ctx, stats.LinkAttempt{
			AttemptID: res.AttemptID,
			URL:       c.URL,
			Method:    lr.method,
			Success:   lr.err == nil,
			ErrorType: result.KindOf(lr.err),
			Duration:  time.Since(linkStart),
		})
		logger.Debug().
			Str("url", c.URL).
			Str("method", lr.method).
			Dur("took", time.Since(linkStart)).
			AnErr("err", lr.err).
			Msg("link finished")

		if lr.err == nil {
			res.Success = true
			res.Method = lr.method
			res.URL = c.URL
			res.Confidence = lr.verdict.Confidence
			res.Message = fmt.Sprintf("unsubscribed via %s", lr.method)
			return res
		}
		if kind := result.KindOf(lr.err); kind.Aborts() {
			res.FailedLinks = append(res.FailedLinks, result.FailedLink{URL: c.URL, Error: lr.err.Error()})
			res.Fail(kind, abortMessage(kind))
			return res
		}
		res.FailedLinks = append(res.FailedLinks, result.FailedLink{URL: c.URL, Error: lr.err.Error()})
	}

	res.Fail(result.KindAllLinksFailed, fmt.Sprintf("all %d unsubscribe link(s) failed", linksTried))
	return res
}

// candidates runs extraction, falling back to the LLM judge only when the
// deterministic steps found nothing.
func (o *Orchestrator) candidates(ctx context.Context, req Request, res *result.AttemptResult, logger zerolog.Logger) []extract.Candidate {
	for _, m := range extract.MailtoLinks(req.Headers) {
		res.Step("skipping mailto unsubscribe %s", m)
	}
	found := o.deps.Extractor.Extract(req.Body, req.Headers)
	if len(found) == 0 {
		judged, err := o.deps.Extractor.JudgeWithLLM(ctx, req.Body, req.Headers)
		if err != nil {
			logger.Warn().Err(err).Msg("llm link judge failed")
			res.Step("llm link judge failed: %v", err)
		}
		found = judged
	}
	res.Step("found %d candidate link(s)", len(found))
	return found
}

// tryLink works one candidate from cheapest to most expensive: one-click
// POST, plain GET, then the browser cascade with transient retries.
func (o *Orchestrator) tryLink(ctx context.Context, a *attempt, c extract.Candidate) linkResult {
	ctx, cancel := context.WithTimeout(ctx, o.cfg.LinkTimeout)
	defer cancel()

	if a.oneShot[c.URL] {
		page, err := a.http.OneClick(ctx, c.URL)
		switch {
		case err != nil:
			a.res.Step("one-click POST failed: %v", err)
		case page.Status >= 200 && page.Status < 300:
			a.res.Step("one-click POST accepted (%d)", page.Status)
			return linkResult{method: MethodOneClick, verdict: oracle.Verdict{Success: true, Decided: true, Confidence: 100, Reason: "one-click accepted"}}
		default:
			a.res.Step("one-click POST answered %d", page.Status)
		}
	}

	page, err := a.http.Get(ctx, c.URL)
	if err != nil {
		a.res.Step("plain GET failed: %v", err)
	} else if v := o.deps.Oracle.QuickCheck(page.Observation()); v.Success {
		a.res.Step("plain GET confirmed (%s)", v.Reason)
		return linkResult{method: MethodSimpleHTTP, verdict: v}
	} else {
		a.res.Step("plain GET %d not confirmed; escalating to browser", page.Status)
	}

	if a.session == nil {
		if err == nil {
			err = result.New(result.KindStrategyFailed, "plain GET did not confirm and no browser is available")
		}
		return linkResult{err: err}
	}

	var lastErr error
	for try := 0; try <= o.cfg.MaxRetries; try++ {
		if try > 0 {
			a.res.Step("retrying after transient failure (%d/%d)", try, o.cfg.MaxRetries)
			if !sleep(ctx, o.cfg.RetryBackoff*time.Duration(try)) {
				break
			}
		}
		lr := o.browse(ctx, a, c.URL)
		if lr.err == nil || !result.IsRetryable(lr.err) {
			return lr
		}
		lastErr = lr.err
		if ctx.Err() != nil {
			break
		}
	}
	return linkResult{err: lastErr}
}

// browse loads url in a fresh page and runs the cascade. The page is always
// released before returning.
func (o *Orchestrator) browse(ctx context.Context, a *attempt, url string) linkResult {
	page, err := a.session.AcquirePage(ctx)
	if err != nil {
		a.res.Step("browser: %v", err)
		return linkResult{err: transientIfDeadline(err)}
	}
	defer func() {
		if err := a.session.ReleasePage(page); err != nil {
			a.logger.Debug().Err(err).Msg("release page")
		}
	}()

	if err := page.Navigate(ctx, url); err != nil {
		a.res.Step("browser: navigation failed: %v", err)
		return linkResult{err: transientIfDeadline(err)}
	}

	env := &strategy.Env{
		Page:        page,
		Origin:      url,
		UserEmail:   a.req.UserEmail,
		Oracle:      o.deps.Oracle,
		HTTP:        a.http,
		Planner:     o.deps.Planner,
		IdleTimeout: o.cfg.IdleTimeout,
		SettleDelay: o.cfg.SettleDelay,
		Logger:      a.logger,
	}
	out := o.deps.Cascade.Run(ctx, env)
	a.res.Steps = append(a.res.Steps, env.Steps...)
	if out.Status == strategy.Succeeded {
		return linkResult{method: out.Method, verdict: out.Verdict}
	}
	err = out.Err
	if err == nil {
		err = result.New(result.KindStrategyFailed, "cascade ended without a verdict")
	}
	return linkResult{method: out.Method, err: err}
}

// transientIfDeadline classifies bare context errors, which the browser
// layer returns without wrapping.
func transientIfDeadline(err error) error {
	if result.KindOf(err) != result.KindNone {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return result.Wrap(err, result.KindTransient, "time budget spent")
	}
	return result.Wrap(err, result.KindNavigation, "browser")
}

func abortMessage(kind result.Kind) string {
	switch kind {
	case result.KindCaptchaRequired:
		return "a CAPTCHA must be solved manually to unsubscribe"
	case result.KindResourceExhausted:
		return "browser memory ceiling reached; try again later"
	}
	return string(kind)
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
