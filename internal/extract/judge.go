package extract

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/polzovatel/mail-unsubscriber/internal/llm"
)

const maxJudgedAnchors = 60

const judgePrompt = `Below are links found in a marketing email. For each one decide whether following it would unsubscribe the recipient or open a page where they can unsubscribe or manage email preferences.

%s
Answer with JSON only:
{"results": [{"index": 0, "is_unsubscribe": true, "reason": "short reason"}]}`

type judgement struct {
	Index         int    `json:"index"`
	IsUnsubscribe bool   `json:"is_unsubscribe"`
	Reason        string `json:"reason"`
}

var judgementLine = regexp.MustCompile(`(?i)"?index"?\s*[:=]\s*(\d+)[^{}\n]*?"?is_unsubscribe"?\s*[:=]\s*(true|yes)`)

// JudgeWithLLM asks the model about every anchor in one batched request.
// It returns nil without calling anything when the LLM is disabled or the
// body has no anchors.
func (e *Extractor) JudgeWithLLM(ctx context.Context, body string, headers map[string]string) ([]Candidate, error) {
	if e.llm == nil {
		return nil, nil
	}
	all := anchors(body, headers)
	if len(all) == 0 {
		return nil, nil
	}
	if len(all) > maxJudgedAnchors {
		all = all[:maxJudgedAnchors]
	}

	var b strings.Builder
	for i, a := range all {
		fmt.Fprintf(&b, "[%d] href=%s\n    text=%q\n    parent=%q\n    grandparent=%q\n",
			i, a.URL, clip(a.Text, 120), clip(a.Parent, 200), clip(a.Grandparent, 300))
	}

	text, err := llm.Ask(ctx, e.llm, fmt.Sprintf(judgePrompt, b.String()), true)
	if err != nil {
		return nil, err
	}

	picked := parseJudgements(text)
	set := newCandidateSet()
	for _, j := range picked {
		if j.Index < 0 || j.Index >= len(all) || !j.IsUnsubscribe {
			continue
		}
		e.logger.Debug().Str("url", all[j.Index].URL).Str("reason", j.Reason).Msg("llm judged unsubscribe link")
		set.add(all[j.Index].URL, SourceAIJudged)
	}
	return set.list(), nil
}

func parseJudgements(text string) []judgement {
	var wrapped struct {
		Results []judgement `json:"results"`
	}
	if err := llm.DecodeJSON(text, &wrapped); err == nil && len(wrapped.Results) > 0 {
		return wrapped.Results
	}
	var bare []judgement
	if err := llm.DecodeJSON(text, &bare); err == nil && len(bare) > 0 {
		return bare
	}

	var out []judgement
	for _, m := range judgementLine.FindAllStringSubmatch(text, -1) {
		i, err := strconv.Atoi(m[1])
		if err != nil {
			continue
		}
		out = append(out, judgement{Index: i, IsUnsubscribe: true})
	}
	return out
}

func clip(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "…"
}
