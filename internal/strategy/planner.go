package strategy

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/polzovatel/mail-unsubscriber/internal/llm"
	"github.com/polzovatel/mail-unsubscriber/internal/snapshot"
)

const plannerPrompt = `You help a headless browser unsubscribe a user from marketing email.
RULES:
1. Pick exactly ONE action from the list below, or "none" if nothing on the page would unsubscribe.
2. The target must be the visible text of a link, button or form exactly as shown in the page summary.
3. Never choose anything that subscribes or resubscribes the user.
4. Respond with a SINGLE JSON object and nothing else:
{"action": "link_click|form_submit|button_click|confirm|none", "target": "element text", "reason": "short reason"}`

// Planner picks the next page action when structural strategies gave up.
type Planner interface {
	Next(ctx context.Context, state PlanState) (Decision, error)
}

type PlanState struct {
	Step    int
	History []HistoryItem
	Summary snapshot.Summary
}

type HistoryItem struct {
	Action string `json:"action"`
	Target string `json:"target"`
	Result string `json:"result"`
	URL    string `json:"url,omitempty"`
}

type Decision struct {
	Action string
	Target string
	Reason string
}

// None reports that the planner found nothing to do.
func (d Decision) None() bool {
	return d.Action == "" || d.Action == "none"
}

type llmPlanner struct {
	llm llm.Client
}

// NewPlanner returns nil when client is nil so callers can skip llm_guided.
func NewPlanner(client llm.Client) Planner {
	if client == nil {
		return nil
	}
	return &llmPlanner{llm: client}
}

func (p *llmPlanner) Next(ctx context.Context, state PlanState) (Decision, error) {
	payload := map[string]any{
		"step":    state.Step,
		"page":    state.Summary.ToMap(),
		"history": state.History,
		"actions": describeActions(),
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return Decision{}, err
	}
	msg := fmt.Sprintf("PAGE SUMMARY:\n%s\nSTATE:\n%s\n\nOUTPUT FORMAT (strict JSON only): {\"action\":\"...\",\"target\":\"...\",\"reason\":\"...\"}\n",
		state.Summary.String(), string(raw))
	resp, err := p.llm.Generate(ctx, llm.Request{
		System:      plannerPrompt,
		Messages:    []llm.Message{{Role: "user", Content: msg}},
		Temperature: 0,
		MaxTokens:   300,
		JSON:        true,
	})
	if err != nil {
		return Decision{}, err
	}
	dec, err := parseDecision(resp.Text)
	if err != nil {
		return Decision{}, fmt.Errorf("%w: raw=%q", err, resp.Text)
	}
	return dec, nil
}

func parseDecision(text string) (Decision, error) {
	var parsed struct {
		Action string `json:"action"`
		Target string `json:"target"`
		Reason string `json:"reason"`
	}
	if err := llm.DecodeJSON(text, &parsed); err != nil {
		return Decision{}, fmt.Errorf("llm json parse: %w", err)
	}
	dec := Decision{
		Action: strings.ToLower(strings.TrimSpace(parsed.Action)),
		Target: strings.TrimSpace(parsed.Target),
		Reason: parsed.Reason,
	}
	if dec.Action != "none" && !knownAction(dec.Action) {
		return Decision{}, fmt.Errorf("unknown action %q", parsed.Action)
	}
	return dec, nil
}
