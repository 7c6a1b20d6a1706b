package strategy

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/polzovatel/mail-unsubscriber/internal/browser"
	"github.com/polzovatel/mail-unsubscriber/internal/browser/browsertest"
	"github.com/polzovatel/mail-unsubscriber/internal/fetch"
	"github.com/polzovatel/mail-unsubscriber/internal/oracle"
	"github.com/polzovatel/mail-unsubscriber/internal/result"
	"github.com/polzovatel/mail-unsubscriber/internal/snapshot"
)

const done = `<html><head><title>Newsletter</title></head><body><h1>You have been unsubscribed.</h1></body></html>`

func openPage(t *testing.T, d *browsertest.Driver, u string) *browsertest.Page {
	t.Helper()
	ctx := context.Background()
	b, err := d.Launch(ctx)
	require.NoError(t, err)
	bctx, err := b.NewContext(ctx)
	require.NoError(t, err)
	p, err := bctx.NewPage(ctx)
	require.NoError(t, err)
	require.NoError(t, p.Navigate(ctx, u))
	return p.(*browsertest.Page)
}

func newEnv(page browser.Page) *Env {
	return &Env{
		Page:        page,
		UserEmail:   "me@example.com",
		Oracle:      oracle.New(nil, 70, zerolog.Nop()),
		IdleTimeout: time.Second,
		Logger:      zerolog.Nop(),
	}
}

func run(env *Env) Outcome {
	return NewCascade(zerolog.Nop()).Run(context.Background(), env)
}

func TestResubscribeControlIsSuccessWithoutClicking(t *testing.T) {
	d := &browsertest.Driver{Site: browsertest.Site{
		"https://ex.com/u": `<html><body><p>Sorry to see you go.</p><button>Resubscribe to this list</button></body></html>`,
	}}
	page := openPage(t, d, "https://ex.com/u")

	out := run(newEnv(page))
	assert.Equal(t, Succeeded, out.Status)
	assert.Equal(t, MethodPageLoad, out.Method)
	assert.Equal(t, 0, page.Interactions())
}

func TestResubscribeNeverClickedBySweep(t *testing.T) {
	// The oracle is bypassed here so the strategies themselves are exercised.
	d := &browsertest.Driver{Site: browsertest.Site{
		"https://ex.com/u": `<html><body>
			<button class="btn">Resubscribe to this list</button>
			<a class="btn" href="/again">Subscribe again</a>
		</body></html>`,
	}}
	page := openPage(t, d, "https://ex.com/u")
	env := newEnv(page)

	for _, s := range []Strategy{
		{Name: "generic_script_probe", Run: genericScriptProbe},
		{Name: "selector_sweep", Run: selectorSweep},
		{Name: "link_fallback", Run: linkFallback},
	} {
		out := s.Run(context.Background(), env)
		assert.Equal(t, NotApplicable, out.Status, s.Name)
	}
	assert.Empty(t, page.Clicks)
}

func TestCaptchaAbortsBeforeAnyAction(t *testing.T) {
	d := &browsertest.Driver{Site: browsertest.Site{
		"https://ex.com/u": `<html><body>
			<form action="/unsubscribe" method="post">
				<input type="email" name="email">
				<div class="g-recaptcha" data-sitekey="abc"></div>
				<button type="submit">Unsubscribe</button>
			</form></body></html>`,
	}}
	page := openPage(t, d, "https://ex.com/u")
	env := newEnv(page)
	env.Planner = &fixedPlanner{decisions: []Decision{{Action: "button_click", Target: "Unsubscribe"}}}

	out := run(env)
	assert.Equal(t, Aborted, out.Status)
	assert.Equal(t, result.KindCaptchaRequired, result.KindOf(out.Err))
	assert.Equal(t, 0, page.Interactions())
	assert.Equal(t, 0, env.Planner.(*fixedPlanner).calls)
}

func TestEmailConfirmation(t *testing.T) {
	d := &browsertest.Driver{Site: browsertest.Site{
		"https://ex.com/u": `<html><body><p>Confirm your address to stop emails.</p>
			<form action="/confirm" method="post">
				<input type="email" name="email" placeholder="Email">
				<button type="submit">Unsubscribe</button>
			</form></body></html>`,
		"https://ex.com/confirm": done,
	}}
	page := openPage(t, d, "https://ex.com/u")
	env := newEnv(page)

	out := run(env)
	require.Equal(t, Succeeded, out.Status, env.Steps)
	assert.Equal(t, "email_confirmation", out.Method)
	assert.Equal(t, "me@example.com", page.Filled["email"])
	assert.Equal(t, []string{"Unsubscribe"}, page.Clicks)
}

func TestFormActionReplay(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.NoError(t, r.ParseForm())
		assert.Equal(t, "tok-1", r.PostForm.Get("token"))
		_, _ = io.WriteString(w, `<html><body>Successfully unsubscribed</body></html>`)
	}))
	defer srv.Close()

	d := &browsertest.Driver{Site: browsertest.Site{
		"https://ex.com/u": `<html><body>
			<form action="` + srv.URL + `/unsubscribe/do" method="post">
				<input type="hidden" name="token" value="tok-1">
				<button type="submit">Confirm</button>
			</form></body></html>`,
	}}
	page := openPage(t, d, "https://ex.com/u")
	env := newEnv(page)
	env.HTTP = fetch.New(fetch.Options{Timeout: 2 * time.Second}, zerolog.Nop())

	out := run(env)
	require.Equal(t, Succeeded, out.Status, env.Steps)
	assert.Equal(t, "form_action_replay", out.Method)
	assert.Equal(t, 0, page.Interactions(), "replay happens outside the page")
}

func TestFormSubmitScriptClicksReactStyleButton(t *testing.T) {
	d := &browsertest.Driver{
		Site: browsertest.Site{
			"https://ex.com/u": `<html><body><form><button type="submit">Confirm</button></form></body></html>`,
		},
		Configure: func(p *browsertest.Page) {
			p.OnSubmit = func(p *browsertest.Page, f browser.Form) error {
				p.SetContent("https://ex.com/u", done)
				return nil
			}
		},
	}
	page := openPage(t, d, "https://ex.com/u")

	out := run(newEnv(page))
	require.Equal(t, Succeeded, out.Status)
	assert.Equal(t, "form_submit_script", out.Method)
	assert.Equal(t, 1, page.Submits)
}

func TestGenericScriptProbeCallsKnownFunction(t *testing.T) {
	d := &browsertest.Driver{
		Site: browsertest.Site{"https://ex.com/u": `<html><body><div id="app">Loading preferences</div></body></html>`},
		Configure: func(p *browsertest.Page) {
			p.Functions["confirmUnsubscribe"] = func(p *browsertest.Page) {
				p.SetContent("https://ex.com/u", done)
			}
		},
	}
	page := openPage(t, d, "https://ex.com/u")

	out := run(newEnv(page))
	require.Equal(t, Succeeded, out.Status)
	assert.Equal(t, "generic_script_probe", out.Method)
	assert.Equal(t, []string{"confirmUnsubscribe"}, page.Calls)
}

func TestSelectorSweepClicksConfirmButton(t *testing.T) {
	d := &browsertest.Driver{
		Site: browsertest.Site{
			"https://ex.com/u": `<html><body><p>Are you sure?</p><span class="btn btn-primary" role="button">Confirm</span></body></html>`,
		},
		Configure: func(p *browsertest.Page) {
			p.OnClick = func(p *browsertest.Page, el browser.Element) error {
				p.SetContent("https://ex.com/u", done)
				return nil
			}
		},
	}
	page := openPage(t, d, "https://ex.com/u")

	out := run(newEnv(page))
	require.Equal(t, Succeeded, out.Status)
	assert.Equal(t, "selector_sweep", out.Method)
	assert.Equal(t, []string{"Confirm"}, page.Clicks)
}

func TestLinkFallbackMatchesHref(t *testing.T) {
	d := &browsertest.Driver{Site: browsertest.Site{
		"https://ex.com/mail/1":         `<html><body><p>Do not want these?</p><a href="/unsubscribe/42">Click here</a></body></html>`,
		"https://ex.com/unsubscribe/42": done,
	}}
	page := openPage(t, d, "https://ex.com/mail/1")

	out := run(newEnv(page))
	require.Equal(t, Succeeded, out.Status)
	assert.Equal(t, "link_fallback", out.Method)
}

type fixedPlanner struct {
	decisions []Decision
	calls     int
}

func (f *fixedPlanner) Next(context.Context, PlanState) (Decision, error) {
	f.calls++
	if len(f.decisions) == 0 {
		return Decision{Action: "none"}, nil
	}
	d := f.decisions[0]
	f.decisions = f.decisions[1:]
	return d, nil
}

func TestLLMGuidedFollowsPlanner(t *testing.T) {
	d := &browsertest.Driver{Site: browsertest.Site{
		"https://ex.com/p":     `<html><body><a href="/shop">Shop</a><a href="/quiet">Pause these messages</a></body></html>`,
		"https://ex.com/quiet": done,
	}}
	page := openPage(t, d, "https://ex.com/p")
	env := newEnv(page)
	planner := &fixedPlanner{decisions: []Decision{{Action: "link_click", Target: "pause these messages"}}}
	env.Planner = planner

	out := run(env)
	require.Equal(t, Succeeded, out.Status, env.Steps)
	assert.Equal(t, "llm_guided", out.Method)
	assert.Equal(t, 1, planner.calls)
	assert.Equal(t, []string{"Pause these messages"}, page.Clicks)
}

func TestLLMGuidedNeverClicksMailto(t *testing.T) {
	d := &browsertest.Driver{Site: browsertest.Site{
		"https://ex.com/p": `<html><body><a href="/shop">Shop</a><a href="mailto:leave@ex.com">Email us to pause</a></body></html>`,
	}}
	page := openPage(t, d, "https://ex.com/p")
	env := newEnv(page)
	planner := &fixedPlanner{decisions: []Decision{{Action: "link_click", Target: "Email us to pause"}}}
	env.Planner = planner

	out := run(env)
	assert.NotEqual(t, Succeeded, out.Status)
	assert.Empty(t, page.Clicks)
	assert.GreaterOrEqual(t, planner.calls, 1)

	sum := snapshot.Summary{Links: []snapshot.Item{{Kind: "link", Ref: "9", Text: "Email us to pause", Href: "MAILTO:leave@ex.com"}}}
	_, err := invoke(context.Background(), env, sum, Decision{Action: "link_click", Target: "Email us to pause"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "mailto")
	assert.Empty(t, page.Clicks)
}

func TestNothingWorksIsStrategyFailure(t *testing.T) {
	d := &browsertest.Driver{Site: browsertest.Site{
		"https://ex.com/p": `<html><body><p>Welcome to our store</p><a href="/shop">Shop</a></body></html>`,
	}}
	page := openPage(t, d, "https://ex.com/p")

	out := run(newEnv(page))
	assert.Equal(t, Failed, out.Status)
	assert.Equal(t, result.KindStrategyFailed, result.KindOf(out.Err))
	assert.Empty(t, page.Clicks)
}

func TestTransientClickFailureIsReported(t *testing.T) {
	d := &browsertest.Driver{
		Site: browsertest.Site{"https://ex.com/p": `<html><body><a href="/x">Unsubscribe</a></body></html>`},
		Configure: func(p *browsertest.Page) {
			p.OnClick = func(*browsertest.Page, browser.Element) error {
				return result.New(result.KindTransient, "click: Timeout 5000ms exceeded")
			}
		},
	}
	page := openPage(t, d, "https://ex.com/p")

	out := run(newEnv(page))
	assert.Equal(t, Failed, out.Status)
	assert.True(t, result.IsRetryable(out.Err))
}

func TestParseDecision(t *testing.T) {
	dec, err := parseDecision("```json\n{\"action\": \"Button_Click\", \"target\": \" Yes, unsubscribe \", \"reason\": \"confirm\"}\n```")
	require.NoError(t, err)
	assert.Equal(t, Decision{Action: "button_click", Target: "Yes, unsubscribe", Reason: "confirm"}, dec)

	dec, err = parseDecision(`{"action":"none","reason":"nothing here"}`)
	require.NoError(t, err)
	assert.True(t, dec.None())

	_, err = parseDecision(`{"action":"scroll_page"}`)
	assert.Error(t, err)
	_, err = parseDecision("click the button")
	assert.Error(t, err)
}
