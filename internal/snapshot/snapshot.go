package snapshot

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/polzovatel/mail-unsubscriber/internal/browser"
	"github.com/polzovatel/mail-unsubscriber/internal/keywords"
)

const (
	visibleLimit = 1200
	perKindLimit = 40
)

// Item is one actionable control as shown to the planner.
type Item struct {
	Kind string `json:"kind"` // link, button, form
	Ref  string `json:"-"`
	Text string `json:"text"`
	Href string `json:"href,omitempty"`
	Attr string `json:"attr,omitempty"`
}

// Summary is a compact view of the current page.
type Summary struct {
	URL     string
	Title   string
	Visible string
	Links   []Item
	Buttons []Item
	Forms   []Item
}

// ToMap returns summary as a JSON-friendly map.
func (s Summary) ToMap() map[string]any {
	return map[string]any{
		"url":     s.URL,
		"title":   s.Title,
		"visible": s.Visible,
		"links":   s.Links,
		"buttons": s.Buttons,
		"forms":   s.Forms,
	}
}

// All lists every item, links first.
func (s Summary) All() []Item {
	out := make([]Item, 0, len(s.Links)+len(s.Buttons)+len(s.Forms))
	out = append(out, s.Links...)
	out = append(out, s.Buttons...)
	return append(out, s.Forms...)
}

var resubscribePhrases = phrasePattern(keywords.Resubscribe)

func phrasePattern(words []string) *regexp.Regexp {
	quoted := make([]string, len(words))
	for i, w := range words {
		quoted[i] = regexp.QuoteMeta(w)
	}
	return regexp.MustCompile(`(?i)` + strings.Join(quoted, "|"))
}

const buttonSelector = "button, input[type=submit], input[type=button], [role=button], [onclick]"

// Collect summarises the page. Resubscribe controls and mailto links are
// left out, and resubscribe phrases are cut from the text, so the planner
// cannot pick them.
func Collect(ctx context.Context, page browser.Page) (Summary, error) {
	title, err := page.Title(ctx)
	if err != nil {
		return Summary{}, err
	}
	text, err := page.Text(ctx)
	if err != nil {
		return Summary{}, err
	}
	text = strings.TrimSpace(resubscribePhrases.ReplaceAllString(text, ""))
	if r := []rune(text); len(r) > visibleLimit {
		text = string(r[:visibleLimit])
	}

	sum := Summary{URL: page.URL(), Title: title, Visible: text}

	links, err := page.Query(ctx, "a[href]")
	if err != nil {
		return sum, err
	}
	for _, el := range links {
		if it, ok := toItem("link", el); ok {
			sum.Links = append(sum.Links, it)
		}
	}

	buttons, err := page.Query(ctx, buttonSelector)
	if err != nil {
		return sum, err
	}
	for _, el := range buttons {
		if it, ok := toItem("button", el); ok {
			sum.Buttons = append(sum.Buttons, it)
		}
	}

	forms, err := page.Forms(ctx)
	if err != nil {
		return sum, err
	}
	for _, f := range forms {
		fields := make([]string, 0, len(f.Inputs))
		for _, in := range f.Inputs {
			fields = append(fields, in.Name+":"+in.Type)
		}
		label := f.SubmitText
		if label == "" {
			label = f.Action
		}
		if keywords.IsResubscribe(label) || isMailto(f.Action) {
			continue
		}
		sum.Forms = append(sum.Forms, Item{
			Kind: "form",
			Ref:  f.Ref,
			Text: label,
			Href: f.Action,
			Attr: f.Method + " " + strings.Join(fields, ","),
		})
	}

	sum.Links = filterAndRank(sum.Links, perKindLimit)
	sum.Buttons = filterAndRank(sum.Buttons, perKindLimit)
	return sum, nil
}

func toItem(kind string, el browser.Element) (Item, bool) {
	if !el.Visible || isMailto(el.Href) {
		return Item{}, false
	}
	label := el.Label()
	if keywords.IsResubscribe(label) {
		return Item{}, false
	}
	attrs := make([]string, 0, 3)
	for _, kv := range [][2]string{{"id", el.ID}, {"name", el.Name}, {"class", el.Class}} {
		if kv[1] != "" {
			attrs = append(attrs, kv[0]+":"+kv[1])
		}
	}
	return Item{Kind: kind, Ref: el.Ref, Text: label, Href: el.Href, Attr: strings.Join(attrs, "|")}, true
}

func isMailto(href string) bool {
	return strings.HasPrefix(strings.ToLower(strings.TrimSpace(href)), "mailto:")
}

func (s Summary) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "URL: %s\nTITLE: %s\nTEXT: %s\n", s.URL, s.Title, s.Visible)
	section := func(name string, items []Item) {
		fmt.Fprintf(&b, "%s:\n", name)
		if len(items) == 0 {
			b.WriteString("  (none)\n")
		}
		for i, it := range items {
			fmt.Fprintf(&b, "  %d) text=%q", i+1, it.Text)
			if it.Href != "" {
				fmt.Fprintf(&b, " href=%s", it.Href)
			}
			if it.Attr != "" {
				fmt.Fprintf(&b, " attr=%s", it.Attr)
			}
			b.WriteString("\n")
		}
	}
	section("LINKS", s.Links)
	section("BUTTONS", s.Buttons)
	section("FORMS", s.Forms)
	return b.String()
}

// WithDeadline shortens context to avoid long snapshot waits.
func WithDeadline(ctx context.Context, dur time.Duration) (context.Context, context.CancelFunc) {
	if dur <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, dur)
}

// filterAndRank keeps the maxCount most unsubscribe-relevant items, stable
// in page order among equal scores.
func filterAndRank(items []Item, maxCount int) []Item {
	if len(items) <= maxCount {
		return items
	}
	type scored struct {
		item  Item
		score int
	}
	ranked := make([]scored, 0, len(items))
	for _, it := range items {
		if s := scoreItem(it); s > 0 {
			ranked = append(ranked, scored{it, s})
		}
	}
	sort.SliceStable(ranked, func(i, j int) bool { return ranked[i].score > ranked[j].score })

	out := make([]Item, 0, maxCount)
	for i := 0; i < len(ranked) && i < maxCount; i++ {
		out = append(out, ranked[i].item)
	}
	return out
}

func scoreItem(it Item) int {
	score := 1
	if keywords.Contains(it.Text, keywords.Unsubscribe) || keywords.Contains(it.Href, keywords.Unsubscribe) {
		score += 10
	}
	if keywords.Contains(it.Text, []string{"confirm", "submit", "yes", "continue", "save", "확인", "예"}) {
		score += 4
	}
	if keywords.Contains(it.Attr, []string{"unsub", "confirm", "opt"}) {
		score += 3
	}
	if it.Text == "" {
		score--
	}
	if len(it.Text) > 200 {
		score -= 2
	}
	return score
}
