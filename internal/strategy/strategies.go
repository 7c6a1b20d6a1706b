package strategy

import (
	"context"
	"strings"

	"github.com/polzovatel/mail-unsubscriber/internal/browser"
	"github.com/polzovatel/mail-unsubscriber/internal/keywords"
	"github.com/polzovatel/mail-unsubscriber/internal/oracle"
	"github.com/polzovatel/mail-unsubscriber/internal/result"
)

const (
	clickableSelector = "a[href], button, input[type=submit], input[type=button], [role=button], [onclick]"
	emailSelector     = "input[type=email], input[name*=email], input[name*=Email], input[id*=email], input[placeholder*=mail]"
	maxSweepClicks    = 3
)

// sweepSelectors pair generic UI classes with controls that carry
// unsubscribe intent in their markup.
var sweepSelectors = []string{
	"[class*=unsubscribe]", "[id*=unsubscribe]", "[class*=unsub]", "[id*=unsub]",
	"[class*=optout]", "[id*=optout]", "[class*=opt-out]",
	".confirm-button", ".btn-confirm", "[class*=confirm]", "[id*=confirm]",
	"button[type=submit]", "input[type=submit]", "input[type=button]",
	".btn", ".button", "a.btn", "[role=button]", "button",
}

var confirmWords = []string{
	"confirm", "yes", "submit", "continue", "proceed", "save", "update", "remove",
	"확인", "계속", "저장", "해지", "취소하기",
}

var subscribeWords = []string{"subscribe", "sign up", "signup", "join", "register", "구독하기", "가입"}

// isSubscribeLabel reports a control that would add, not remove, a subscription.
func isSubscribeLabel(label string) bool {
	if keywords.IsResubscribe(label) {
		return true
	}
	return keywords.Contains(label, subscribeWords) && !keywords.Contains(label, keywords.Unsubscribe)
}

func unsafeControl(el browser.Element) bool {
	return isSubscribeLabel(el.Label()) || strings.HasPrefix(strings.ToLower(el.Href), "mailto:")
}

// 1. CAPTCHA short-circuit.
func captchaCheck(ctx context.Context, env *Env) Outcome {
	obs, err := oracle.FromPage(ctx, env.Page)
	if err != nil {
		return failed(err)
	}
	if marker := oracle.CaptchaMarker(obs); marker != "" {
		env.Step("captcha: detected %s", marker)
		return Outcome{Status: Aborted, Err: result.New(result.KindCaptchaRequired, "captcha detected: "+marker)}
	}
	return notApplicable()
}

// 2. Fill an empty email field with the user's address and submit it.
func emailConfirmation(ctx context.Context, env *Env) Outcome {
	if env.UserEmail == "" {
		return notApplicable()
	}
	inputs, err := env.Page.Query(ctx, emailSelector)
	if err != nil {
		return failed(err)
	}
	var target *browser.Element
	for i := range inputs {
		in := inputs[i]
		if in.Visible && in.Value == "" && in.Type != "hidden" {
			target = &in
			break
		}
	}
	if target == nil {
		return notApplicable()
	}
	if err := env.Page.Fill(ctx, target.Ref, env.UserEmail); err != nil {
		return failed(err)
	}
	env.Step("email_confirmation: filled %s", orDefault(target.Name, "email field"))

	if err := submitNear(ctx, env, target); err != nil {
		return failed(err)
	}
	return env.afterAction(ctx, "email_confirmation")
}

// submitNear submits the input's form, preferring its submit button, or
// clicks a confirm-looking button when the input has no form.
func submitNear(ctx context.Context, env *Env, input *browser.Element) error {
	if input.FormRef != "" {
		forms, err := env.Page.Forms(ctx)
		if err != nil {
			return err
		}
		for _, f := range forms {
			if f.Ref != input.FormRef {
				continue
			}
			if isSubscribeLabel(f.SubmitText) {
				return result.New(result.KindStrategyFailed, "form submit is a subscribe control")
			}
			if f.SubmitRef != "" {
				env.Step("email_confirmation: clicked %q", orDefault(f.SubmitText, "submit"))
				return env.click(ctx, f.SubmitRef)
			}
			env.Step("email_confirmation: submitted form")
			return env.Page.SubmitForm(ctx, f.Ref)
		}
	}
	buttons, err := env.Page.Query(ctx, "button, input[type=submit], input[type=button], [role=button]")
	if err != nil {
		return err
	}
	for _, b := range buttons {
		if !b.Visible || unsafeControl(b) {
			continue
		}
		label := b.Label()
		if keywords.Contains(label, keywords.Unsubscribe) || keywords.Contains(label, confirmWords) {
			env.Step("email_confirmation: clicked %q", label)
			return env.click(ctx, b.Ref)
		}
	}
	return result.New(result.KindStrategyFailed, "no submit control near email field")
}

// 3. Replay forms whose action looks like an unsubscribe endpoint as plain HTTP.
func formActionReplay(ctx context.Context, env *Env) Outcome {
	if env.HTTP == nil {
		return notApplicable()
	}
	forms, err := env.Page.Forms(ctx)
	if err != nil {
		return failed(err)
	}
	tried := false
	var lastErr error
	for _, f := range forms {
		if !keywords.Contains(f.Action, keywords.Unsubscribe) || isSubscribeLabel(f.SubmitText) {
			continue
		}
		tried = true
		page, err := env.HTTP.SubmitForm(ctx, env.Page.URL(), f)
		if err != nil {
			env.Step("form_action_replay: %s %s failed: %v", strings.ToUpper(f.Method), f.Action, err)
			lastErr = err
			continue
		}
		v := env.Oracle.AnalyzeCompletion(ctx, page.Observation())
		if v.Success {
			env.Step("form_action_replay: %s %s confirmed (%s)", strings.ToUpper(f.Method), page.URL, v.Reason)
			return Outcome{Status: Succeeded, Verdict: v}
		}
		env.Step("form_action_replay: %s %s not confirmed", strings.ToUpper(f.Method), page.URL)
	}
	if !tried {
		return notApplicable()
	}
	return failed(lastErr)
}

func actionless(action string) bool {
	a := strings.TrimSpace(strings.ToLower(action))
	return a == "" || a == "#" || strings.HasPrefix(a, "javascript:")
}

func searchForm(f browser.Form) bool {
	for _, in := range f.Inputs {
		if in.Type == "search" || in.Name == "q" || in.Name == "query" {
			return true
		}
	}
	return false
}

// 4. Submit script-driven forms from inside the page.
func formSubmitScript(ctx context.Context, env *Env) Outcome {
	forms, err := env.Page.Forms(ctx)
	if err != nil {
		return failed(err)
	}
	for _, f := range forms {
		if !actionless(f.Action) || isSubscribeLabel(f.SubmitText) || searchForm(f) {
			continue
		}
		if f.SubmitRef != "" {
			env.Step("form_submit_script: clicked %q", orDefault(f.SubmitText, "submit"))
			err = env.click(ctx, f.SubmitRef)
		} else {
			env.Step("form_submit_script: submitted form %s", f.Ref)
			err = env.Page.SubmitForm(ctx, f.Ref)
		}
		if err != nil {
			return failed(err)
		}
		return env.afterAction(ctx, "form_submit_script")
	}
	return notApplicable()
}

// 5. Known JS entry points, then unsubscribe forms, then the first
// unsubscribe-labelled clickable.
func genericScriptProbe(ctx context.Context, env *Env) Outcome {
	for _, name := range keywords.ScriptFunctions {
		ok, err := env.Page.CallFunction(ctx, name)
		if err != nil {
			return failed(err)
		}
		if ok {
			env.Step("generic_script_probe: called %s()", name)
			return env.afterAction(ctx, "generic_script_probe")
		}
	}

	forms, err := env.Page.Forms(ctx)
	if err != nil {
		return failed(err)
	}
	for _, f := range forms {
		if keywords.Contains(f.Action, []string{"unsubscribe"}) && !isSubscribeLabel(f.SubmitText) {
			env.Step("generic_script_probe: submitted form to %s", f.Action)
			if err := env.Page.SubmitForm(ctx, f.Ref); err != nil {
				return failed(err)
			}
			return env.afterAction(ctx, "generic_script_probe")
		}
	}

	els, err := env.Page.Query(ctx, clickableSelector)
	if err != nil {
		return failed(err)
	}
	for _, el := range els {
		if !el.Visible || unsafeControl(el) || env.wasClicked(el.Ref) {
			continue
		}
		if keywords.Contains(el.Label(), keywords.Unsubscribe) {
			env.Step("generic_script_probe: clicked %q", el.Label())
			if err := env.click(ctx, el.Ref); err != nil {
				return failed(err)
			}
			return env.afterAction(ctx, "generic_script_probe")
		}
	}
	return notApplicable()
}

// sweepMatch reports whether a control found by a sweep selector is worth clicking.
func sweepMatch(el browser.Element) bool {
	if !el.Visible || unsafeControl(el) {
		return false
	}
	label := el.Label()
	if keywords.Contains(label, keywords.Unsubscribe) || keywords.Contains(label, confirmWords) {
		return true
	}
	marker := el.Class + " " + el.ID + " " + el.Name
	return keywords.Contains(marker, []string{"unsub", "optout", "opt-out"}) && !keywords.Contains(label, subscribeWords)
}

// 6. Extended selector sweep; resubscribe controls are never clicked.
func selectorSweep(ctx context.Context, env *Env) Outcome {
	acted := false
	for round := 0; round < maxSweepClicks; round++ {
		el, err := nextSweepTarget(ctx, env)
		if err != nil {
			return failed(err)
		}
		if el == nil {
			break
		}
		acted = true
		env.Step("selector_sweep: clicked %s %q", el.Tag, el.Label())
		if err := env.click(ctx, el.Ref); err != nil {
			return failed(err)
		}
		if out := env.afterAction(ctx, "selector_sweep"); out.Status != Failed {
			return out
		}
	}
	if !acted {
		return notApplicable()
	}
	return Outcome{Status: Failed}
}

func nextSweepTarget(ctx context.Context, env *Env) (*browser.Element, error) {
	for _, sel := range sweepSelectors {
		els, err := env.Page.Query(ctx, sel)
		if err != nil {
			return nil, err
		}
		for i := range els {
			if sweepMatch(els[i]) && !env.wasClicked(els[i].Ref) {
				return &els[i], nil
			}
		}
	}
	return nil, nil
}

// 7. First anchor whose href or text mentions unsubscribing.
func linkFallback(ctx context.Context, env *Env) Outcome {
	links, err := env.Page.Query(ctx, "a[href]")
	if err != nil {
		return failed(err)
	}
	for _, a := range links {
		if !a.Visible || unsafeControl(a) || env.wasClicked(a.Ref) {
			continue
		}
		if keywords.Contains(a.Text, keywords.Unsubscribe) || keywords.Contains(a.Href, keywords.Unsubscribe) {
			env.Step("link_fallback: clicked %q -> %s", a.Text, a.Href)
			if err := env.click(ctx, a.Ref); err != nil {
				return failed(err)
			}
			return env.afterAction(ctx, "link_fallback")
		}
	}
	return notApplicable()
}
