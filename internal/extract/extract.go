// Package extract finds candidate unsubscribe URLs in an email.
package extract

import (
	"html"
	"net/mail"
	"net/url"
	"regexp"
	"sort"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/rs/zerolog"

	"github.com/polzovatel/mail-unsubscriber/internal/keywords"
	"github.com/polzovatel/mail-unsubscriber/internal/llm"
)

// Source records which extraction step produced a candidate.
type Source string

const (
	SourceHeader        Source = "header"
	SourceRegex         Source = "regex"
	SourceAnchorKeyword Source = "anchor-keyword"
	SourceAnchorContext Source = "anchor-context"
	SourceAIJudged      Source = "ai-judged"
)

// priority orders candidates for attempting: explicit header links first,
// the noisy body regex last.
var priority = map[Source]int{
	SourceHeader:        0,
	SourceAnchorKeyword: 1,
	SourceAnchorContext: 2,
	SourceRegex:         3,
	SourceAIJudged:      4,
}

type Candidate struct {
	URL    string `json:"url"`
	Source Source `json:"source"`
}

type Extractor struct {
	llm    llm.Client
	logger zerolog.Logger
}

// New builds an extractor. client may be nil, which disables JudgeWithLLM.
func New(client llm.Client, logger zerolog.Logger) *Extractor {
	return &Extractor{llm: client, logger: logger}
}

var (
	bracketed = regexp.MustCompile(`<([^>]+)>`)
	bodyURL   = regexp.MustCompile(`(?i)https?://[^\s"'<>]*?(?:unsubscribe|opt-?out|remove|cancel|subscription|preferences|settings|account|manage[-_ ]?subscription|email[-_ ]?preferences)[^\s"'<>]*`)
	trailing  = ".,;:!?)]}"
)

// Extract runs the header, regex and anchor steps and returns the deduplicated,
// validated union. It never fails; a step that cannot parse contributes nothing.
func (e *Extractor) Extract(body string, headers map[string]string) []Candidate {
	set := newCandidateSet()

	for _, u := range HeaderLinks(headers) {
		set.add(u, SourceHeader)
	}

	for _, m := range bodyURL.FindAllString(body, -1) {
		set.add(strings.TrimRight(html.UnescapeString(m), trailing), SourceRegex)
	}

	for _, a := range anchors(body, headers) {
		switch {
		case keywords.Contains(a.Href, keywords.Unsubscribe) || keywords.Contains(a.Text, keywords.Unsubscribe):
			set.add(a.URL, SourceAnchorKeyword)
		case keywords.IsGenericLabel(a.Text) &&
			(keywords.Contains(a.Parent, keywords.Unsubscribe) || keywords.Contains(a.Grandparent, keywords.Unsubscribe)):
			set.add(a.URL, SourceAnchorContext)
		}
	}

	out := set.list()
	e.logger.Debug().Int("candidates", len(out)).Msg("links extracted")
	return out
}

// HeaderLinks returns the http(s) entries of List-Unsubscribe in header order.
func HeaderLinks(headers map[string]string) []string {
	var out []string
	for _, entry := range headerEntries(headers) {
		if valid(entry) {
			out = append(out, entry)
		}
	}
	return out
}

// MailtoLinks returns the mailto: entries of List-Unsubscribe. They are
// reported but never attempted.
func MailtoLinks(headers map[string]string) []string {
	var out []string
	for _, entry := range headerEntries(headers) {
		if strings.HasPrefix(strings.ToLower(entry), "mailto:") {
			out = append(out, entry)
		}
	}
	return out
}

// OneClick reports whether the sender advertises RFC 8058 one-click unsubscribe.
func OneClick(headers map[string]string) bool {
	v := Header(headers, "List-Unsubscribe-Post")
	return strings.Contains(strings.ToLower(strings.ReplaceAll(v, " ", "")), "list-unsubscribe=one-click")
}

func headerEntries(headers map[string]string) []string {
	raw := Header(headers, "List-Unsubscribe")
	if raw == "" {
		return nil
	}
	var parts []string
	if m := bracketed.FindAllStringSubmatch(raw, -1); len(m) > 0 {
		for _, g := range m {
			parts = append(parts, g[1])
		}
	} else {
		parts = strings.Split(raw, ",")
	}
	var out []string
	for _, p := range parts {
		p = strings.TrimSpace(strings.Trim(strings.TrimSpace(p), "<>"))
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Header looks up a header case-insensitively.
func Header(headers map[string]string, name string) string {
	if v, ok := headers[name]; ok {
		return v
	}
	for k, v := range headers {
		if strings.EqualFold(k, name) {
			return v
		}
	}
	return ""
}

type anchor struct {
	URL         string
	Href        string
	Text        string
	Parent      string
	Grandparent string
}

// anchors lists every <a href> whose target resolves to a valid URL.
func anchors(body string, headers map[string]string) []anchor {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(body))
	if err != nil {
		return nil
	}
	base := baseURL(doc, headers)

	var out []anchor
	doc.Find("a[href]").Each(func(_ int, s *goquery.Selection) {
		href := strings.TrimSpace(s.AttrOr("href", ""))
		u := resolve(base, href)
		if !valid(u) {
			return
		}
		text := squash(s.Text())
		if text == "" {
			text = s.AttrOr("title", s.Find("img").AttrOr("alt", ""))
		}
		parent := s.Parent()
		out = append(out, anchor{
			URL:         u,
			Href:        href,
			Text:        text,
			Parent:      squash(parent.Text()),
			Grandparent: squash(parent.Parent().Text()),
		})
	})
	return out
}

// baseURL is <base href> when present, else the sender's domain over https.
func baseURL(doc *goquery.Document, headers map[string]string) *url.URL {
	if href, ok := doc.Find("base[href]").First().Attr("href"); ok {
		if u, err := url.Parse(strings.TrimSpace(href)); err == nil && u.IsAbs() {
			return u
		}
	}
	if domain := senderDomain(Header(headers, "From")); domain != "" {
		return &url.URL{Scheme: "https", Host: domain, Path: "/"}
	}
	return nil
}

func senderDomain(from string) string {
	if from == "" {
		return ""
	}
	addr := from
	if a, err := mail.ParseAddress(from); err == nil {
		addr = a.Address
	}
	at := strings.LastIndexByte(addr, '@')
	if at < 0 {
		return ""
	}
	return strings.ToLower(strings.Trim(addr[at+1:], "> "))
}

func resolve(base *url.URL, href string) string {
	if href == "" || strings.HasPrefix(href, "#") {
		return ""
	}
	ref, err := url.Parse(href)
	if err != nil {
		return ""
	}
	if ref.IsAbs() {
		return ref.String()
	}
	if base == nil {
		return ""
	}
	return base.ResolveReference(ref).String()
}

func valid(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	return (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}

func squash(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

type candidateSet struct {
	index map[string]int
	items []Candidate
}

func newCandidateSet() *candidateSet {
	return &candidateSet{index: map[string]int{}}
}

// add keeps the first occurrence of a URL, upgrading its source when a
// more specific step finds it again.
func (s *candidateSet) add(u string, src Source) {
	if !valid(u) {
		return
	}
	if i, ok := s.index[u]; ok {
		if priority[src] < priority[s.items[i].Source] {
			s.items[i].Source = src
		}
		return
	}
	s.index[u] = len(s.items)
	s.items = append(s.items, Candidate{URL: u, Source: src})
}

func (s *candidateSet) list() []Candidate {
	out := append([]Candidate(nil), s.items...)
	sort.SliceStable(out, func(i, j int) bool {
		return priority[out[i].Source] < priority[out[j].Source]
	})
	return out
}
