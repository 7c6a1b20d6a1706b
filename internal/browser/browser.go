package browser

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/playwright-community/playwright-go"

	"github.com/polzovatel/mail-unsubscriber/internal/result"
)

const (
	defaultNavTimeout  = 30 * time.Second
	defaultActionTime  = 5 * time.Second
	defaultIdleTimeout = 5 * time.Second
	refAttr            = "data-unsub-ref"
)

// Options configures the Playwright driver.
type Options struct {
	Headless          bool
	UserAgent         string
	ViewportWidth     int
	ViewportHeight    int
	NavTimeout        time.Duration
	ActionTimeout     time.Duration
	BlockHeavyContent bool
}

// PlaywrightDriver launches Chromium through playwright-go.
type PlaywrightDriver struct {
	opts Options
}

func NewPlaywrightDriver(opts Options) *PlaywrightDriver {
	if opts.NavTimeout <= 0 {
		opts.NavTimeout = defaultNavTimeout
	}
	if opts.ActionTimeout <= 0 {
		opts.ActionTimeout = defaultActionTime
	}
	if opts.ViewportWidth <= 0 || opts.ViewportHeight <= 0 {
		opts.ViewportWidth, opts.ViewportHeight = 1024, 768
	}
	return &PlaywrightDriver{opts: opts}
}

func (d *PlaywrightDriver) Launch(ctx context.Context) (Browser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	pw, err := playwright.Run()
	if err != nil {
		return nil, fmt.Errorf("start playwright: %w", err)
	}
	b, err := pw.Chromium.Launch(playwright.BrowserTypeLaunchOptions{
		Headless: playwright.Bool(d.opts.Headless),
		Args: []string{
			"--disable-dev-shm-usage",
			"--no-sandbox",
			"--disable-gpu",
			"--disable-extensions",
			"--disable-background-networking",
			"--blink-settings=imagesEnabled=false",
			"--mute-audio",
		},
	})
	if err != nil {
		// Don't leak the driver process when the browser fails to start.
		_ = pw.Stop()
		return nil, fmt.Errorf("launch chromium: %w", err)
	}
	return &pwBrowser{pw: pw, browser: b, opts: d.opts}, nil
}

type pwBrowser struct {
	pw      *playwright.Playwright
	browser playwright.Browser
	opts    Options
}

func (b *pwBrowser) NewContext(ctx context.Context) (BrowsingContext, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	opts := playwright.BrowserNewContextOptions{
		IgnoreHttpsErrors: playwright.Bool(true),
		Viewport: &playwright.Size{
			Width:  b.opts.ViewportWidth,
			Height: b.opts.ViewportHeight,
		},
	}
	if b.opts.UserAgent != "" {
		opts.UserAgent = playwright.String(b.opts.UserAgent)
	}
	bctx, err := b.browser.NewContext(opts)
	if err != nil {
		return nil, wrap(err, "new context")
	}
	if b.opts.BlockHeavyContent {
		err := bctx.Route("**/*", func(route playwright.Route) {
			switch route.Request().ResourceType() {
			case "image", "media", "font":
				_ = route.Abort()
			default:
				_ = route.Continue()
			}
		})
		if err != nil {
			_ = bctx.Close()
			return nil, wrap(err, "route setup")
		}
	}
	return &pwContext{bctx: bctx, opts: b.opts}, nil
}

func (b *pwBrowser) Close() error {
	if b.browser != nil {
		_ = b.browser.Close()
	}
	if b.pw != nil {
		return b.pw.Stop()
	}
	return nil
}

type pwContext struct {
	bctx playwright.BrowserContext
	opts Options
}

func (c *pwContext) NewPage(ctx context.Context) (Page, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	page, err := c.bctx.NewPage()
	if err != nil {
		return nil, wrap(err, "new page")
	}
	page.SetDefaultTimeout(float64(c.opts.ActionTimeout.Milliseconds()))
	page.SetDefaultNavigationTimeout(float64(c.opts.NavTimeout.Milliseconds()))
	return &pwPage{page: page, opts: c.opts}, nil
}

func (c *pwContext) Close() error {
	return c.bctx.Close()
}

type pwPage struct {
	page playwright.Page
	opts Options
}

func (p *pwPage) Navigate(ctx context.Context, url string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	resp, err := p.page.Goto(url, playwright.PageGotoOptions{
		WaitUntil: playwright.WaitUntilStateDomcontentloaded,
		Timeout:   playwright.Float(float64(p.opts.NavTimeout.Milliseconds())),
	})
	if err != nil {
		return wrap(err, "navigate")
	}
	if resp != nil && resp.Status() >= 500 {
		return result.New(result.KindTransient, fmt.Sprintf("navigate: server returned %d", resp.Status()))
	}
	return nil
}

func (p *pwPage) URL() string {
	return p.page.URL()
}

func (p *pwPage) Title(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	title, err := p.page.Title()
	return title, wrap(err, "title")
}

func (p *pwPage) Text(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	text, err := p.page.InnerText("body")
	return text, wrap(err, "read body")
}

func (p *pwPage) HTML(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	html, err := p.page.Content()
	return html, wrap(err, "read html")
}

// queryScript tags every matched node with a stable ref so later calls can locate it.
const queryScript = `(sel) => {
	window.__unsubRef = window.__unsubRef || 0;
	const out = [];
	let nodes;
	try { nodes = document.querySelectorAll(sel); } catch (e) { return out; }
	for (const el of nodes) {
		let ref = el.getAttribute("data-unsub-ref");
		if (!ref) {
			ref = String(++window.__unsubRef);
			el.setAttribute("data-unsub-ref", ref);
		}
		const rect = el.getBoundingClientRect();
		const style = window.getComputedStyle(el);
		const visible = rect.width > 0 && rect.height > 0 && style.visibility !== "hidden" && style.display !== "none";
		let formRef = "";
		if (el.form) {
			formRef = el.form.getAttribute("data-unsub-ref");
			if (!formRef) {
				formRef = String(++window.__unsubRef);
				el.form.setAttribute("data-unsub-ref", formRef);
			}
		}
		out.push({
			ref: ref,
			tag: el.tagName.toLowerCase(),
			type: (el.getAttribute("type") || "").toLowerCase(),
			text: (el.innerText || el.textContent || "").trim().slice(0, 200),
			href: (typeof el.href === "string" ? el.href : "") || el.getAttribute("href") || "",
			name: el.getAttribute("name") || "",
			value: (typeof el.value === "string" ? el.value : (el.getAttribute("value") || "")),
			id: el.id || "",
			class: (typeof el.className === "string" ? el.className : ""),
			visible: visible,
			form: formRef,
		});
	}
	return out;
}`

func (p *pwPage) Query(ctx context.Context, selector string) ([]Element, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	val, err := p.page.Evaluate(queryScript, selector)
	if err != nil {
		return nil, wrap(err, "query")
	}
	var elems []Element
	if err := decode(val, &elems); err != nil {
		return nil, result.Wrap(err, result.KindStrategyFailed, "decode elements")
	}
	return elems, nil
}

const formsScript = `() => {
	window.__unsubRef = window.__unsubRef || 0;
	const tag = (el) => {
		let ref = el.getAttribute("data-unsub-ref");
		if (!ref) {
			ref = String(++window.__unsubRef);
			el.setAttribute("data-unsub-ref", ref);
		}
		return ref;
	};
	const out = [];
	for (const f of document.querySelectorAll("form")) {
		const inputs = [];
		for (const i of f.querySelectorAll("input, select, textarea")) {
			const name = i.getAttribute("name");
			if (!name) continue;
			inputs.push({
				name: name,
				type: (i.getAttribute("type") || i.tagName).toLowerCase(),
				value: i.value || "",
				checked: !!i.checked,
			});
		}
		let submitRef = "", submitText = "";
		const submit = f.querySelector("button[type=submit], input[type=submit], button:not([type])");
		if (submit) {
			submitRef = tag(submit);
			submitText = (submit.innerText || submit.value || "").trim().slice(0, 120);
		}
		out.push({
			ref: tag(f),
			action: f.getAttribute("action") || "",
			method: (f.getAttribute("method") || "get").toLowerCase(),
			inputs: inputs,
			submit_ref: submitRef,
			submit_text: submitText,
		});
	}
	return out;
}`

func (p *pwPage) Forms(ctx context.Context) ([]Form, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	val, err := p.page.Evaluate(formsScript)
	if err != nil {
		return nil, wrap(err, "forms")
	}
	var forms []Form
	if err := decode(val, &forms); err != nil {
		return nil, result.Wrap(err, result.KindStrategyFailed, "decode forms")
	}
	return forms, nil
}

func (p *pwPage) locate(ref string) playwright.Locator {
	return p.page.Locator(fmt.Sprintf("[%s=%q]", refAttr, ref)).First()
}

func (p *pwPage) Click(ctx context.Context, ref string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return wrap(p.locate(ref).Click(playwright.LocatorClickOptions{
		Timeout: playwright.Float(float64(p.opts.ActionTimeout.Milliseconds())),
	}), "click")
}

func (p *pwPage) Fill(ctx context.Context, ref, value string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return wrap(p.locate(ref).Fill(value, playwright.LocatorFillOptions{
		Timeout: playwright.Float(float64(p.opts.ActionTimeout.Milliseconds())),
	}), "fill")
}

const submitScript = `(ref) => {
	const f = document.querySelector('[data-unsub-ref="' + ref + '"]');
	if (!f) return false;
	if (typeof f.requestSubmit === "function") { f.requestSubmit(); } else { f.submit(); }
	return true;
}`

func (p *pwPage) SubmitForm(ctx context.Context, ref string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	val, err := p.page.Evaluate(submitScript, ref)
	if err != nil {
		if navigated(err) {
			return nil
		}
		return wrap(err, "submit form")
	}
	if ok, _ := val.(bool); !ok {
		return result.New(result.KindStrategyFailed, "form "+ref+" not found")
	}
	return nil
}

const callScript = `(name) => {
	if (typeof window[name] !== "function") return false;
	window[name]();
	return true;
}`

func (p *pwPage) CallFunction(ctx context.Context, name string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	val, err := p.page.Evaluate(callScript, name)
	if err != nil {
		if navigated(err) {
			return true, nil
		}
		return false, wrap(err, "call "+name)
	}
	ok, _ := val.(bool)
	return ok, nil
}

// WaitIdle waits for network idle, falling back to DOMContentLoaded.
func (p *pwPage) WaitIdle(ctx context.Context, timeout time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if timeout <= 0 {
		timeout = defaultIdleTimeout
	}
	if err := p.page.WaitForLoadState(playwright.PageWaitForLoadStateOptions{
		State:   playwright.LoadStateNetworkidle,
		Timeout: playwright.Float(float64(timeout.Milliseconds())),
	}); err != nil {
		_ = p.page.WaitForLoadState(playwright.PageWaitForLoadStateOptions{
			State:   playwright.LoadStateDomcontentloaded,
			Timeout: playwright.Float(1000),
		})
		return wrap(err, "network idle")
	}
	return nil
}

func (p *pwPage) Close() error {
	return p.page.Close()
}

func decode(val any, out any) error {
	raw, err := json.Marshal(val)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, out)
}

// navigated reports errors caused by the page navigating away mid-evaluate,
// which for submit/call means the action took effect.
func navigated(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "Execution context was destroyed") ||
		strings.Contains(msg, "navigation")
}

// wrap normalizes Playwright errors into the engine's error taxonomy.
func wrap(err error, op string) error {
	if err == nil {
		return nil
	}
	kind := result.KindStrategyFailed
	if op == "navigate" || op == "new page" || op == "new context" {
		kind = result.KindNavigation
	}
	if isTransient(err) {
		kind = result.KindTransient
	}
	return result.Wrap(fmt.Errorf("playwright: %w", err), kind, op)
}

func isTransient(err error) bool {
	if errors.Is(err, playwright.ErrTimeout) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, s := range []string{"timeout", "net::err_connection", "net::err_timed_out", "net::err_network", "connection reset", "net::err_internet_disconnected", "net::err_empty_response"} {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}
