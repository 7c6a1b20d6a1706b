// Package browsertest provides an in-memory browser.Driver backed by static
// HTML, for tests that drive pages without launching Chromium.
package browsertest

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/PuerkitoBio/goquery"

	"github.com/polzovatel/mail-unsubscriber/internal/browser"
	"github.com/polzovatel/mail-unsubscriber/internal/oracle"
	"github.com/polzovatel/mail-unsubscriber/internal/result"
)

const refAttr = "data-unsub-ref"

// Site maps absolute URLs to the HTML served for them.
type Site map[string]string

// Driver is a browser.Driver whose pages render from Site.
type Driver struct {
	Site Site
	// Failures are returned by Navigate, one per call, before the URL loads normally.
	Failures map[string][]error
	// Configure runs on every new page, e.g. to install click hooks.
	Configure func(p *Page)

	LaunchErr  error
	ContextErr error
	PageErr    error

	mu       sync.Mutex
	pages    []*Page
	launches int
	closes   atomic.Int32
	open     atomic.Int32
	peak     atomic.Int32
}

func (d *Driver) Launch(ctx context.Context) (browser.Browser, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.launches++
	if d.LaunchErr != nil {
		return nil, d.LaunchErr
	}
	return &fakeBrowser{d: d}, nil
}

// Launches reports how many times a browser was started.
func (d *Driver) Launches() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.launches
}

// Pages returns every page ever opened, in order.
func (d *Driver) Pages() []*Page {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]*Page(nil), d.pages...)
}

// BrowserCloses reports how many launched browsers were closed.
func (d *Driver) BrowserCloses() int { return int(d.closes.Load()) }

// Open is the number of pages currently open.
func (d *Driver) Open() int { return int(d.open.Load()) }

// Peak is the largest number of pages open at the same time.
func (d *Driver) Peak() int { return int(d.peak.Load()) }

func (d *Driver) nextFailure(u string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	errs := d.Failures[u]
	if len(errs) == 0 {
		return nil
	}
	d.Failures[u] = errs[1:]
	return errs[0]
}

type fakeBrowser struct{ d *Driver }

func (b *fakeBrowser) NewContext(ctx context.Context) (browser.BrowsingContext, error) {
	if b.d.ContextErr != nil {
		return nil, b.d.ContextErr
	}
	return &fakeContext{d: b.d}, nil
}

func (b *fakeBrowser) Close() error {
	b.d.closes.Add(1)
	return nil
}

type fakeContext struct{ d *Driver }

func (c *fakeContext) NewPage(ctx context.Context) (browser.Page, error) {
	if c.d.PageErr != nil {
		return nil, c.d.PageErr
	}
	p := &Page{d: c.d, Functions: map[string]func(*Page){}}
	p.SetContent("about:blank", "<html><body></body></html>")
	if c.d.Configure != nil {
		c.d.Configure(p)
	}
	c.d.mu.Lock()
	c.d.pages = append(c.d.pages, p)
	c.d.mu.Unlock()
	n := c.d.open.Add(1)
	for {
		peak := c.d.peak.Load()
		if n <= peak || c.d.peak.CompareAndSwap(peak, n) {
			break
		}
	}
	return p, nil
}

func (c *fakeContext) Close() error { return nil }

// Page is a fake tab. Exported counters record what a strategy did to it.
type Page struct {
	d *Driver

	// OnClick replaces the default click behavior (follow href or submit the owning form).
	OnClick func(p *Page, el browser.Element) error
	// OnSubmit replaces the default submit behavior (navigate to the form action).
	OnSubmit func(p *Page, f browser.Form) error
	// Functions are page-global JS functions reachable through CallFunction.
	Functions map[string]func(*Page)

	mu          sync.Mutex
	url         string
	doc         *goquery.Document
	nextRef     int
	closed      bool
	Navigations []string
	Clicks      []string
	Filled      map[string]string
	Submits     int
	Calls       []string
}

// SetContent replaces the current document, as if the page navigated to u.
func (p *Page) SetContent(u, html string) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		doc, _ = goquery.NewDocumentFromReader(strings.NewReader("<html><body></body></html>"))
	}
	p.url = u
	p.doc = doc
}

// Load navigates to u using the driver's Site without recording a navigation.
func (p *Page) Load(u string) error {
	html, ok := p.d.Site[u]
	if !ok {
		return result.New(result.KindNavigation, "net::ERR_NAME_NOT_RESOLVED at "+u)
	}
	p.SetContent(u, html)
	return nil
}

func (p *Page) Navigate(ctx context.Context, u string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Navigations = append(p.Navigations, u)
	if err := p.d.nextFailure(u); err != nil {
		return err
	}
	return p.Load(u)
}

func (p *Page) URL() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.url
}

func (p *Page) Title(ctx context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return strings.TrimSpace(p.doc.Find("title").First().Text()), nil
}

func (p *Page) Text(ctx context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	body := p.doc.Find("body").Clone()
	body.Find("script, style").Remove()
	// Like innerText, hidden nodes contribute nothing.
	body.Find("*").Each(func(_ int, s *goquery.Selection) {
		if !oracle.Visible(s) {
			s.Remove()
		}
	})
	return strings.Join(strings.Fields(body.Text()), " "), nil
}

func (p *Page) HTML(ctx context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.doc.Html()
}

func (p *Page) tag(s *goquery.Selection) string {
	if ref, ok := s.Attr(refAttr); ok {
		return ref
	}
	p.nextRef++
	ref := strconv.Itoa(p.nextRef)
	s.SetAttr(refAttr, ref)
	return ref
}

func (p *Page) element(s *goquery.Selection) browser.Element {
	el := browser.Element{
		Ref:     p.tag(s),
		Tag:     goquery.NodeName(s),
		Type:    strings.ToLower(s.AttrOr("type", "")),
		Text:    strings.Join(strings.Fields(s.Text()), " "),
		Href:    p.resolve(s.AttrOr("href", "")),
		Name:    s.AttrOr("name", ""),
		Value:   s.AttrOr("value", ""),
		ID:      s.AttrOr("id", ""),
		Class:   s.AttrOr("class", ""),
		Visible: oracle.Visible(s),
	}
	if s.AttrOr("href", "") == "" {
		el.Href = ""
	}
	if form := s.Closest("form"); form.Length() > 0 {
		el.FormRef = p.tag(form)
	}
	return el
}

func (p *Page) resolve(href string) string {
	if href == "" {
		return ""
	}
	base, err := url.Parse(p.url)
	if err != nil {
		return href
	}
	ref, err := url.Parse(href)
	if err != nil {
		return href
	}
	return base.ResolveReference(ref).String()
}

func (p *Page) Query(ctx context.Context, selector string) ([]browser.Element, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []browser.Element
	var bad bool
	func() {
		// cascadia panics are not expected, but an invalid selector must not kill the test
		defer func() {
			if recover() != nil {
				bad = true
			}
		}()
		p.doc.Find(selector).Each(func(_ int, s *goquery.Selection) {
			out = append(out, p.element(s))
		})
	}()
	if bad {
		return nil, nil
	}
	return out, nil
}

func (p *Page) Forms(ctx context.Context) ([]browser.Form, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.forms(), nil
}

func (p *Page) forms() []browser.Form {
	var out []browser.Form
	p.doc.Find("form").Each(func(_ int, f *goquery.Selection) {
		form := browser.Form{
			Ref:    p.tag(f),
			Action: f.AttrOr("action", ""),
			Method: strings.ToLower(f.AttrOr("method", "get")),
		}
		f.Find("input, select, textarea").Each(func(_ int, in *goquery.Selection) {
			name := in.AttrOr("name", "")
			if name == "" {
				return
			}
			typ := strings.ToLower(in.AttrOr("type", goquery.NodeName(in)))
			_, checked := in.Attr("checked")
			form.Inputs = append(form.Inputs, browser.Input{
				Name:    name,
				Type:    typ,
				Value:   in.AttrOr("value", ""),
				Checked: checked,
			})
		})
		if sub := f.Find("button[type=submit], input[type=submit], button:not([type])").First(); sub.Length() > 0 {
			form.SubmitRef = p.tag(sub)
			form.SubmitText = strings.TrimSpace(sub.Text())
			if form.SubmitText == "" {
				form.SubmitText = sub.AttrOr("value", "")
			}
		}
		out = append(out, form)
	})
	return out
}

func (p *Page) find(ref string) *goquery.Selection {
	return p.doc.Find(fmt.Sprintf("[%s=%q]", refAttr, ref)).First()
}

func (p *Page) Click(ctx context.Context, ref string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	s := p.find(ref)
	if s.Length() == 0 {
		return result.New(result.KindStrategyFailed, "click: element "+ref+" not found")
	}
	el := p.element(s)
	p.Clicks = append(p.Clicks, el.Label())
	if p.OnClick != nil {
		return p.OnClick(p, el)
	}
	if el.Tag == "a" && el.Href != "" {
		_ = p.Load(el.Href)
		return nil
	}
	if el.FormRef != "" && (el.Type == "submit" || (el.Tag == "button" && el.Type == "")) {
		return p.submit(el.FormRef)
	}
	return nil
}

func (p *Page) Fill(ctx context.Context, ref, value string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	s := p.find(ref)
	if s.Length() == 0 {
		return result.New(result.KindStrategyFailed, "fill: element "+ref+" not found")
	}
	if p.Filled == nil {
		p.Filled = map[string]string{}
	}
	key := s.AttrOr("name", ref)
	p.Filled[key] = value
	s.SetAttr("value", value)
	return nil
}

func (p *Page) SubmitForm(ctx context.Context, ref string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.submit(ref)
}

func (p *Page) submit(ref string) error {
	var form *browser.Form
	for _, f := range p.forms() {
		if f.Ref == ref {
			f := f
			form = &f
			break
		}
	}
	if form == nil {
		return result.New(result.KindStrategyFailed, "form "+ref+" not found")
	}
	p.Submits++
	if p.OnSubmit != nil {
		return p.OnSubmit(p, *form)
	}
	if target := p.resolve(form.Action); target != "" {
		_ = p.Load(target)
	}
	return nil
}

func (p *Page) CallFunction(ctx context.Context, name string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	fn, ok := p.Functions[name]
	if !ok {
		return false, nil
	}
	p.Calls = append(p.Calls, name)
	fn(p)
	return true, nil
}

func (p *Page) WaitIdle(ctx context.Context, timeout time.Duration) error {
	return ctx.Err()
}

func (p *Page) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	p.d.open.Add(-1)
	return nil
}

// Closed reports whether Close was called.
func (p *Page) Closed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// Interactions is the number of clicks, fills, submits and script calls made on the page.
func (p *Page) Interactions() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.Clicks) + len(p.Filled) + p.Submits + len(p.Calls)
}
