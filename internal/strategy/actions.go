package strategy

import (
	"context"
	"fmt"
	"strings"

	"github.com/polzovatel/mail-unsubscriber/internal/result"
	"github.com/polzovatel/mail-unsubscriber/internal/snapshot"
)

const (
	maxGuidedSteps = 2
	fuzzyThreshold = 0.5
)

type action struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

var actions = []action{
	{"link_click", "Click a link from LINKS by its text"},
	{"button_click", "Click a button from BUTTONS by its text"},
	{"form_submit", "Submit a form from FORMS identified by its submit text or action"},
	{"confirm", "Click the control that confirms a pending unsubscribe (yes/confirm/continue)"},
}

func describeActions() []action {
	return append([]action(nil), actions...)
}

func knownAction(name string) bool {
	for _, a := range actions {
		if a.Name == name {
			return true
		}
	}
	return false
}

// 8. Ask the planner for one action, execute it, and re-check. A second round
// covers two-step confirm pages.
func llmGuided(ctx context.Context, env *Env) Outcome {
	if env.Planner == nil {
		return notApplicable()
	}
	var history []HistoryItem
	acted := false
	for step := 1; step <= maxGuidedSteps; step++ {
		sum, err := snapshot.Collect(ctx, env.Page)
		if err != nil {
			return failed(err)
		}
		dec, err := env.Planner.Next(ctx, PlanState{Step: step, History: history, Summary: sum})
		if err != nil {
			env.Step("llm_guided: planner error: %v", err)
			return failed(result.Wrap(err, result.KindStrategyFailed, "planner"))
		}
		if dec.None() {
			env.Step("llm_guided: planner found no action (%s)", orDefault(dec.Reason, "no reason"))
			break
		}
		observation, err := invoke(ctx, env, sum, dec)
		history = append(history, HistoryItem{Action: dec.Action, Target: dec.Target, Result: observation, URL: sum.URL})
		if err != nil {
			env.Step("llm_guided: %s %q failed: %v", dec.Action, dec.Target, err)
			history[len(history)-1].Result = err.Error()
			continue
		}
		acted = true
		env.Step("llm_guided: %s", observation)
		if out := env.afterAction(ctx, "llm_guided"); out.Status != Failed {
			return out
		}
	}
	if !acted {
		return notApplicable()
	}
	return Outcome{Status: Failed}
}

// invoke executes a planner decision against the summarised page.
func invoke(ctx context.Context, env *Env, sum snapshot.Summary, dec Decision) (string, error) {
	var pool []snapshot.Item
	switch dec.Action {
	case "link_click":
		pool = sum.Links
	case "button_click":
		pool = sum.Buttons
	case "form_submit":
		pool = sum.Forms
	case "confirm":
		pool = append(append([]snapshot.Item(nil), sum.Buttons...), sum.Links...)
	default:
		return "", fmt.Errorf("unknown action %s", dec.Action)
	}

	it, ok := bestMatch(pool, dec.Target)
	if !ok {
		return "", result.New(result.KindStrategyFailed, fmt.Sprintf("no %s matches %q", dec.Action, dec.Target))
	}
	if isSubscribeLabel(it.Text) {
		return "", result.New(result.KindStrategyFailed, fmt.Sprintf("refusing subscribe control %q", it.Text))
	}
	if strings.HasPrefix(strings.ToLower(it.Href), "mailto:") {
		return "", result.New(result.KindStrategyFailed, fmt.Sprintf("refusing mailto link %q", it.Text))
	}

	if it.Kind == "form" {
		if err := env.Page.SubmitForm(ctx, it.Ref); err != nil {
			return "", err
		}
		return fmt.Sprintf("submitted form %q", it.Text), nil
	}
	if err := env.click(ctx, it.Ref); err != nil {
		return "", err
	}
	return fmt.Sprintf("clicked %s %q", it.Kind, it.Text), nil
}

// bestMatch finds the item whose text best matches target: exact, then
// containment, then token overlap above fuzzyThreshold.
func bestMatch(items []snapshot.Item, target string) (snapshot.Item, bool) {
	t := normalize(target)
	if t == "" {
		return snapshot.Item{}, false
	}
	var (
		best      snapshot.Item
		bestScore float64
	)
	for _, it := range items {
		text := normalize(it.Text)
		var score float64
		switch {
		case text == t:
			score = 3
		case text != "" && (strings.Contains(text, t) || strings.Contains(t, text)):
			score = 2
		case it.Href != "" && strings.Contains(strings.ToLower(it.Href), t):
			score = 1.5
		default:
			score = overlap(text, t)
			if score < fuzzyThreshold {
				continue
			}
		}
		if score > bestScore {
			best, bestScore = it, score
		}
	}
	return best, bestScore > 0
}

func normalize(s string) string {
	s = strings.ToLower(s)
	s = strings.Map(func(r rune) rune {
		switch r {
		case '"', '\'', '.', '!', '?', ':', '»', '→', '>':
			return -1
		}
		return r
	}, s)
	return strings.Join(strings.Fields(s), " ")
}

// overlap is the Jaccard similarity of the word sets of a and b.
func overlap(a, b string) float64 {
	wa, wb := strings.Fields(a), strings.Fields(b)
	if len(wa) == 0 || len(wb) == 0 {
		return 0
	}
	set := make(map[string]bool, len(wa))
	for _, w := range wa {
		set[w] = true
	}
	inter := 0
	union := len(set)
	seen := map[string]bool{}
	for _, w := range wb {
		if seen[w] {
			continue
		}
		seen[w] = true
		if set[w] {
			inter++
		} else {
			union++
		}
	}
	return float64(inter) / float64(union)
}
