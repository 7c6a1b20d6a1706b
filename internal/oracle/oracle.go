// Package oracle decides whether a page shows that the user is unsubscribed.
//
// Checks run from cheap to expensive: completion phrases, then structural
// signals (URL, title, success banners, resubscribe controls, error tokens),
// then an LLM judgement. The LLM is consulted only when the first two tiers
// are inconclusive.
package oracle

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/rs/zerolog"

	"github.com/polzovatel/mail-unsubscriber/internal/browser"
	"github.com/polzovatel/mail-unsubscriber/internal/keywords"
	"github.com/polzovatel/mail-unsubscriber/internal/llm"
)

const (
	DefaultThreshold = 70
	promptTextLimit  = 2000
)

// Observation is what the oracle looks at: a rendered page or a plain HTTP response.
type Observation struct {
	URL string
	// Requested is the URL that was asked for. Success words already in its
	// path do not count, so only a redirect can contribute them.
	Requested string
	Title     string
	Text      string
	HTML      string
}

// Verdict is the result of a completion check. Decided is false when no tier
// reached a conclusion, in which case Success is always false.
type Verdict struct {
	Success    bool   `json:"success"`
	Decided    bool   `json:"decided"`
	Confidence int    `json:"confidence"`
	Reason     string `json:"reason"`
	Tier       int    `json:"tier"`
}

type Oracle struct {
	llm       llm.Client
	threshold int
	logger    zerolog.Logger
}

// New builds an oracle. client may be nil, which disables the LLM tier.
func New(client llm.Client, threshold int, logger zerolog.Logger) *Oracle {
	if threshold <= 0 || threshold > 100 {
		threshold = DefaultThreshold
	}
	return &Oracle{llm: client, threshold: threshold, logger: logger}
}

// IsUnsubscribed is the boolean form of AnalyzeCompletion.
func (o *Oracle) IsUnsubscribed(ctx context.Context, obs Observation) bool {
	return o.AnalyzeCompletion(ctx, obs).Success
}

// AnalyzeCompletion runs every tier until one decides.
func (o *Oracle) AnalyzeCompletion(ctx context.Context, obs Observation) Verdict {
	if v := o.QuickCheck(obs); v.Decided {
		return v
	}
	if o.llm == nil {
		return Verdict{Reason: "no deterministic signal; llm disabled"}
	}
	return o.askLLM(ctx, obs)
}

// QuickCheck runs the deterministic tiers only. It never calls the LLM.
func (o *Oracle) QuickCheck(obs Observation) Verdict {
	content := obs.Title + "\n" + obs.Text
	if w := keywords.Match(content, keywords.Completed); w != "" {
		return Verdict{Success: true, Decided: true, Confidence: 100, Tier: 1, Reason: fmt.Sprintf("completion phrase %q", w)}
	}

	if w := redirectSuccessWord(obs.URL, obs.Requested); w != "" {
		return success2(fmt.Sprintf("url contains %q", w))
	}
	if w := keywords.MatchWord(obs.Title, keywords.SuccessTokens); w != "" && !keywords.Contains(obs.Title, keywords.ErrorTokens) {
		return success2(fmt.Sprintf("title contains %q", w))
	}

	doc := parse(obs.HTML)
	if doc != nil {
		if text := successBanner(doc); text != "" {
			return success2(fmt.Sprintf("success element %q", truncate(text, 80)))
		}
		if label := resubscribeControl(doc); label != "" {
			return success2(fmt.Sprintf("resubscribe control %q present", truncate(label, 80)))
		}
	}

	if w := keywords.Match(urlPath(obs.URL)+"\n"+content, keywords.ErrorTokens); w != "" {
		return Verdict{Decided: true, Tier: 2, Reason: fmt.Sprintf("error token %q", w)}
	}
	return Verdict{}
}

func success2(reason string) Verdict {
	return Verdict{Success: true, Decided: true, Confidence: 90, Tier: 2, Reason: reason}
}

const completionPrompt = `Decide whether this web page shows that an email unsubscribe has completed.

URL: %s
Title: %s
Content:
%s

Classify the page as one of:
- ALREADY_UNSUBSCRIBED: the address is already removed from the list
- SUCCESS: the page confirms the unsubscribe just succeeded
- FAILED: the page reports an error or the unsubscribe did not happen
- UNKNOWN: the page still asks for an action or is unrelated

Answer with JSON only:
{"status": "SUCCESS|ALREADY_UNSUBSCRIBED|FAILED|UNKNOWN", "success": true|false, "confidence": 0-100, "reason": "short reason"}`

type llmVerdict struct {
	Status     string `json:"status"`
	Success    *bool  `json:"success"`
	Confidence int    `json:"confidence"`
	Reason     string `json:"reason"`
}

func (o *Oracle) askLLM(ctx context.Context, obs Observation) Verdict {
	prompt := fmt.Sprintf(completionPrompt, obs.URL, obs.Title, truncate(obs.Text, promptTextLimit))
	text, err := llm.Ask(ctx, o.llm, prompt, true)
	if err != nil {
		o.logger.Warn().Err(err).Str("url", obs.URL).Msg("completion check: llm unavailable")
		return Verdict{Reason: "llm error: " + err.Error()}
	}
	v := o.interpret(text)
	o.logger.Debug().
		Str("url", obs.URL).
		Bool("success", v.Success).
		Int("confidence", v.Confidence).
		Str("reason", v.Reason).
		Msg("completion check: llm verdict")
	return v
}

// interpret accepts the JSON answer, or falls back to scanning raw text for a label.
func (o *Oracle) interpret(text string) Verdict {
	var lv llmVerdict
	if err := llm.DecodeJSON(text, &lv); err == nil {
		status := strings.ToUpper(strings.TrimSpace(lv.Status))
		positive := status == "SUCCESS" || status == "ALREADY_UNSUBSCRIBED"
		if lv.Success != nil {
			positive = *lv.Success
		}
		v := Verdict{Decided: true, Tier: 3, Confidence: lv.Confidence, Reason: lv.Reason}
		switch {
		case lv.Confidence > 0:
			v.Success = positive && lv.Confidence >= o.threshold
		default:
			v.Success = status == "SUCCESS" || status == "ALREADY_UNSUBSCRIBED"
		}
		if status == "UNKNOWN" && !v.Success {
			v.Decided = false
		}
		return v
	}

	upper := strings.ToUpper(text)
	switch {
	case strings.Contains(upper, "ALREADY_UNSUBSCRIBED"):
		return Verdict{Success: true, Decided: true, Tier: 3, Confidence: o.threshold, Reason: "label ALREADY_UNSUBSCRIBED"}
	case strings.Contains(upper, "FAILED"), strings.Contains(upper, "UNKNOWN"):
		return Verdict{Tier: 3, Reason: "label " + firstLine(text)}
	case strings.Contains(upper, "SUCCESS"):
		return Verdict{Success: true, Decided: true, Tier: 3, Confidence: o.threshold, Reason: "label SUCCESS"}
	}
	return Verdict{Tier: 3, Reason: "unparseable llm answer"}
}

// FromPage captures an Observation of a live page.
func FromPage(ctx context.Context, page browser.Page) (Observation, error) {
	obs := Observation{URL: page.URL()}
	var err error
	if obs.Title, err = page.Title(ctx); err != nil {
		return obs, err
	}
	if obs.Text, err = page.Text(ctx); err != nil {
		return obs, err
	}
	if obs.HTML, err = page.HTML(ctx); err != nil {
		return obs, err
	}
	return obs, nil
}

var successSelectors = strings.Join([]string{
	".success", ".alert-success", ".success-message", ".message-success",
	".confirmation", ".confirmation-message", ".confirmed",
	".thank-you", ".thankyou", ".thanks",
	"#success", "#confirmation", "#thank-you", "#thanks",
	"[role=status]",
}, ", ")

// successBanner returns the text of a visible, non-interactive success element.
func successBanner(doc *goquery.Document) string {
	var found string
	doc.Find(successSelectors).EachWithBreak(func(_ int, s *goquery.Selection) bool {
		if s.Is("a, button, input, form, select, textarea") || s.Find("form, button, input").Length() > 0 {
			return true
		}
		if !Visible(s) {
			return true
		}
		text := strings.Join(strings.Fields(s.Text()), " ")
		if text == "" || keywords.Contains(text, keywords.ErrorTokens) {
			return true
		}
		found = text
		return false
	})
	return found
}

func resubscribeControl(doc *goquery.Document) string {
	var found string
	doc.Find("a, button, input[type=submit], input[type=button], [role=button]").EachWithBreak(func(_ int, s *goquery.Selection) bool {
		label := strings.TrimSpace(s.Text())
		if label == "" {
			label = s.AttrOr("value", "")
		}
		if keywords.IsResubscribe(label) {
			found = label
			return false
		}
		return true
	})
	return found
}

// Visible reports whether neither the element nor an ancestor is hidden by
// attribute or inline style.
func Visible(s *goquery.Selection) bool {
	if strings.EqualFold(s.AttrOr("type", ""), "hidden") {
		return false
	}
	for n := s; n.Length() > 0; n = n.Parent() {
		if _, ok := n.Attr("hidden"); ok {
			return false
		}
		if n.AttrOr("aria-hidden", "") == "true" {
			return false
		}
		style := strings.ReplaceAll(strings.ToLower(n.AttrOr("style", "")), " ", "")
		if strings.Contains(style, "display:none") || strings.Contains(style, "visibility:hidden") {
			return false
		}
	}
	return true
}

func parse(html string) *goquery.Document {
	if strings.TrimSpace(html) == "" {
		return nil
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil
	}
	return doc
}

// redirectSuccessWord returns the first success word in the path of u that
// the requested path does not already carry.
func redirectSuccessWord(u, requested string) string {
	path := urlPath(u)
	before := urlPath(requested)
	for _, w := range keywords.SuccessTokens {
		if keywords.MatchWord(path, []string{w}) == "" {
			continue
		}
		if before != "" && keywords.MatchWord(before, []string{w}) != "" {
			continue
		}
		return w
	}
	return ""
}

// urlPath keeps only the path. Host, query and fragment carry campaign names
// and tracking values, not outcomes.
func urlPath(u string) string {
	if u == "" {
		return ""
	}
	if parsed, err := url.Parse(u); err == nil {
		return parsed.Path
	}
	if i := strings.IndexAny(u, "?#"); i >= 0 {
		u = u[:i]
	}
	return u
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	return truncate(s, 80)
}
