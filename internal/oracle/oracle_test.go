package oracle

import (
	"context"
	"errors"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"

	"github.com/polzovatel/mail-unsubscriber/internal/llm"
)

type scriptedLLM struct {
	answer string
	err    error
	calls  int
	last   string
}

func (s *scriptedLLM) Name() string { return "scripted" }

func (s *scriptedLLM) Generate(_ context.Context, req llm.Request) (llm.Response, error) {
	s.calls++
	if len(req.Messages) > 0 {
		s.last = req.Messages[0].Content
	}
	return llm.Response{Text: s.answer}, s.err
}

func TestCompletionPhraseSkipsLLM(t *testing.T) {
	client := &scriptedLLM{answer: `{"status":"FAILED","success":false,"confidence":99}`}
	o := New(client, 70, zerolog.Nop())

	ok := o.IsUnsubscribed(context.Background(), Observation{
		URL:  "https://ex.com/unsub",
		Text: "You have been successfully unsubscribed from the weekly digest.",
	})
	assert.True(t, ok)
	assert.Equal(t, 0, client.calls)
}

func TestKoreanCompletionPhrase(t *testing.T) {
	o := New(nil, 70, zerolog.Nop())
	v := o.QuickCheck(Observation{Text: "요청하신 수신거부가 완료되었습니다."})
	assert.True(t, v.Success)
	assert.Equal(t, 1, v.Tier)
}

func TestStructuralTier(t *testing.T) {
	tests := []struct {
		name    string
		obs     Observation
		success bool
		decided bool
	}{
		{
			name:    "success token in url",
			obs:     Observation{URL: "https://ex.com/unsubscribe/success?id=1", Text: "Bye"},
			success: true, decided: true,
		},
		{
			name: "query words are not outcomes",
			obs:  Observation{URL: "https://ex.com/unsubscribe?campaign=thanksgiving-sale&src=customer-success-weekly", Text: "Press the button to confirm you want to unsubscribe."},
		},
		{
			name: "success token must be a whole word",
			obs:  Observation{URL: "https://ex.com/lists/abandoned-cart/unsubscribe", Title: "Thanksgiving deals"},
		},
		{
			name: "token already in the requested url",
			obs: Observation{
				URL:       "https://ex.com/customer-success/unsubscribe",
				Requested: "https://ex.com/customer-success/unsubscribe?id=9",
				Text:      "Press the button to confirm.",
			},
		},
		{
			name: "token introduced by a redirect",
			obs: Observation{
				URL:       "https://ex.com/unsubscribe/done",
				Requested: "https://ex.com/unsubscribe?id=9",
			},
			success: true, decided: true,
		},
		{
			name:    "success token in title",
			obs:     Observation{URL: "https://ex.com/u", Title: "Request complete"},
			success: true, decided: true,
		},
		{
			name: "visible success banner",
			obs: Observation{URL: "https://ex.com/u", HTML: `<html><body>
				<div class="alert-success">Your preferences were saved.</div></body></html>`},
			success: true, decided: true,
		},
		{
			name: "hidden success banner is ignored",
			obs: Observation{URL: "https://ex.com/u", Text: "Click the button below", HTML: `<html><body>
				<div class="success" style="display: none">Done!</div><button>Unsubscribe</button></body></html>`},
		},
		{
			name: "resubscribe control proves prior success",
			obs: Observation{URL: "https://ex.com/u", Text: "Resubscribe to this list", HTML: `<html><body>
				<button>Resubscribe to this list</button></body></html>`},
			success: true, decided: true,
		},
		{
			name:    "error token stops before llm",
			obs:     Observation{URL: "https://ex.com/u", Text: "This link has expired."},
			decided: true,
		},
		{
			name: "plain landing page is undecided",
			obs:  Observation{URL: "https://ex.com/u", Text: "Do you want to stop receiving our newsletter?"},
		},
	}
	o := New(nil, 70, zerolog.Nop())
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := o.QuickCheck(tt.obs)
			assert.Equal(t, tt.success, v.Success, v.Reason)
			assert.Equal(t, tt.decided, v.Decided, v.Reason)
		})
	}
}

func TestErrorPageDoesNotReachLLM(t *testing.T) {
	client := &scriptedLLM{answer: `{"status":"SUCCESS","success":true,"confidence":95}`}
	o := New(client, 70, zerolog.Nop())
	assert.False(t, o.IsUnsubscribed(context.Background(), Observation{Text: "Invalid token"}))
	assert.Equal(t, 0, client.calls)
}

func TestLLMTier(t *testing.T) {
	landing := Observation{URL: "https://ex.com/p", Title: "Preferences", Text: "We will miss you."}
	tests := []struct {
		name    string
		answer  string
		err     error
		success bool
	}{
		{"confident success", `{"status":"SUCCESS","success":true,"confidence":85,"reason":"farewell"}`, nil, true},
		{"below threshold", `{"status":"SUCCESS","success":true,"confidence":60,"reason":"maybe"}`, nil, false},
		{"label only json", `{"status":"ALREADY_UNSUBSCRIBED"}`, nil, true},
		{"prose with label", "I think the answer is ALREADY_UNSUBSCRIBED.", nil, true},
		{"prose failed", "FAILED - the page still shows a form", nil, false},
		{"provider error", "", errors.New("boom"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := &scriptedLLM{answer: tt.answer, err: tt.err}
			o := New(client, 70, zerolog.Nop())
			assert.Equal(t, tt.success, o.IsUnsubscribed(context.Background(), landing))
			assert.Equal(t, 1, client.calls)
			assert.Contains(t, client.last, "We will miss you.")
		})
	}
}

func TestLLMPromptTruncatesContent(t *testing.T) {
	long := make([]rune, 5000)
	for i := range long {
		long[i] = 'a'
	}
	client := &scriptedLLM{answer: `{"status":"UNKNOWN"}`}
	o := New(client, 70, zerolog.Nop())
	v := o.AnalyzeCompletion(context.Background(), Observation{URL: "https://ex.com/x", Text: string(long)})
	assert.False(t, v.Success)
	assert.False(t, v.Decided)
	assert.Less(t, len(client.last), 3000)
}

func TestDetectCaptcha(t *testing.T) {
	assert.True(t, DetectCaptcha(Observation{HTML: `<form><div class="g-recaptcha" data-sitekey="k"></div></form>`}))
	assert.True(t, DetectCaptcha(Observation{HTML: `<iframe src="https://www.google.com/recaptcha/api2/anchor"></iframe>`}))
	assert.True(t, DetectCaptcha(Observation{Text: "Please verify you are human to continue"}))
	assert.False(t, DetectCaptcha(Observation{
		HTML: `<form action="/unsubscribe"><button>Unsubscribe</button></form>`,
		Text: "Unsubscribe",
	}))
}
