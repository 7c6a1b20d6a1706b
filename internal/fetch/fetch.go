// Package fetch performs unsubscribe requests without a browser: plain GET
// with redirects, RFC 8058 one-click POST and direct form replay.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"syscall"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/rs/zerolog"

	"github.com/polzovatel/mail-unsubscriber/internal/browser"
	"github.com/polzovatel/mail-unsubscriber/internal/oracle"
	"github.com/polzovatel/mail-unsubscriber/internal/result"
)

const (
	maxBody         = 2 << 20
	defaultRedirect = 10
)

type Options struct {
	UserAgent    string
	Timeout      time.Duration
	MaxRedirects int
}

// Client is safe for concurrent use. Cookies persist across calls, so a
// client should be scoped to one unsubscribe request.
type Client struct {
	http      *http.Client
	userAgent string
	logger    zerolog.Logger
}

func New(opts Options, logger zerolog.Logger) *Client {
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.MaxRedirects <= 0 {
		opts.MaxRedirects = defaultRedirect
	}
	jar, _ := cookiejar.New(nil)
	max := opts.MaxRedirects
	return &Client{
		http: &http.Client{
			Timeout: opts.Timeout,
			Jar:     jar,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				if len(via) >= max {
					return fmt.Errorf("stopped after %d redirects", max)
				}
				return nil
			},
		},
		userAgent: opts.UserAgent,
		logger:    logger,
	}
}

// Page is a fetched response rendered down to what the oracle needs.
type Page struct {
	URL string
	// Requested is the URL before redirects.
	Requested string
	Status    int
	Title  string
	Text   string
	HTML   string
}

func (p Page) Observation() oracle.Observation {
	return oracle.Observation{URL: p.URL, Requested: p.Requested, Title: p.Title, Text: p.Text, HTML: p.HTML}
}

// Get fetches u following redirects.
func (c *Client) Get(ctx context.Context, u string) (Page, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return Page{}, result.Wrap(err, result.KindNavigation, "build request")
	}
	return c.do(req)
}

// OneClick sends the RFC 8058 one-click POST to u.
func (c *Client) OneClick(ctx context.Context, u string) (Page, error) {
	body := url.Values{"List-Unsubscribe": {"One-Click"}}.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, strings.NewReader(body))
	if err != nil {
		return Page{}, result.Wrap(err, result.KindNavigation, "build request")
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return c.do(req)
}

// SubmitForm replays form outside the browser: GET with a query string or
// POST with a urlencoded body, against the action resolved from pageURL.
func (c *Client) SubmitForm(ctx context.Context, pageURL string, form browser.Form) (Page, error) {
	target, err := ResolveAction(pageURL, form.Action)
	if err != nil {
		return Page{}, result.Wrap(err, result.KindStrategyFailed, "resolve form action")
	}
	values := FormValues(form)

	var req *http.Request
	if strings.EqualFold(form.Method, http.MethodPost) {
		req, err = http.NewRequestWithContext(ctx, http.MethodPost, target.String(), strings.NewReader(values.Encode()))
		if err == nil {
			req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		}
	} else {
		q := target.Query()
		for k, vs := range values {
			for _, v := range vs {
				q.Add(k, v)
			}
		}
		target.RawQuery = q.Encode()
		req, err = http.NewRequestWithContext(ctx, http.MethodGet, target.String(), nil)
	}
	if err != nil {
		return Page{}, result.Wrap(err, result.KindStrategyFailed, "build form request")
	}
	if pageURL != "" {
		req.Header.Set("Referer", pageURL)
	}
	return c.do(req)
}

// FormValues collects what a browser would send for form, minus buttons.
func FormValues(form browser.Form) url.Values {
	values := url.Values{}
	for _, in := range form.Inputs {
		switch in.Type {
		case "submit", "button", "image", "reset", "file":
			continue
		case "checkbox", "radio":
			if !in.Checked {
				continue
			}
			v := in.Value
			if v == "" {
				v = "on"
			}
			values.Add(in.Name, v)
		default:
			values.Add(in.Name, in.Value)
		}
	}
	return values
}

// ResolveAction resolves a form action against the page URL. An empty action
// targets the page itself.
func ResolveAction(pageURL, action string) (*url.URL, error) {
	base, err := url.Parse(pageURL)
	if err != nil {
		return nil, err
	}
	ref, err := url.Parse(strings.TrimSpace(action))
	if err != nil {
		return nil, err
	}
	u := base.ResolveReference(ref)
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("unsupported action scheme %q", u.Scheme)
	}
	return u, nil
}

func (c *Client) do(req *http.Request) (Page, error) {
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}
	req.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")
	req.Header.Set("Accept-Language", "en-US,en;q=0.9,ko;q=0.8")

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return Page{}, classify(err, req.Method+" "+req.URL.String())
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		return Page{}, classify(err, "read body")
	}
	page := render(resp.Request.URL.String(), resp.StatusCode, resp.Header.Get("Content-Type"), raw)
	page.Requested = req.URL.String()

	c.logger.Debug().
		Str("method", req.Method).
		Str("url", req.URL.String()).
		Str("final_url", page.URL).
		Int("status", resp.StatusCode).
		Dur("took", time.Since(start)).
		Msg("http fetch")

	switch {
	case resp.StatusCode >= 500:
		return page, result.New(result.KindTransient, fmt.Sprintf("%s returned %d", page.URL, resp.StatusCode))
	case resp.StatusCode >= 400:
		return page, result.New(result.KindNavigation, fmt.Sprintf("%s returned %d", page.URL, resp.StatusCode))
	}
	return page, nil
}

func render(u string, status int, contentType string, raw []byte) Page {
	page := Page{URL: u, Status: status}
	if contentType != "" && !strings.Contains(contentType, "html") && !strings.Contains(contentType, "xml") {
		page.Text = strings.TrimSpace(string(raw))
		return page
	}
	page.HTML = string(raw)
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(page.HTML))
	if err != nil {
		page.Text = page.HTML
		return page
	}
	page.Title = strings.TrimSpace(doc.Find("title").First().Text())
	body := doc.Find("body")
	if body.Length() == 0 {
		body = doc.Selection
	}
	body.Find("script, style, noscript").Remove()
	page.Text = strings.Join(strings.Fields(body.Text()), " ")
	return page
}

func classify(err error, op string) error {
	var netErr net.Error
	switch {
	case errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, syscall.ECONNRESET),
		errors.Is(err, syscall.ECONNREFUSED),
		errors.Is(err, io.ErrUnexpectedEOF),
		errors.As(err, &netErr) && netErr.Timeout():
		return result.Wrap(err, result.KindTransient, op)
	}
	return result.Wrap(err, result.KindNavigation, op)
}
