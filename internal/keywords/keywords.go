// Package keywords holds the bilingual (English and Korean) vocabularies used to
// recognise unsubscribe links, completion pages, captchas and resubscribe controls.
//
// The lists are product-tuned. Callers that need different vocabularies pass
// their own slices instead of editing these.
package keywords

import (
	"strings"
	"unicode"
)

// Unsubscribe marks links and controls that lead to an unsubscribe action.
var Unsubscribe = []string{
	"unsubscribe", "unsub", "opt-out", "opt out", "optout",
	"remove me", "stop email", "stop receiving", "email preferences",
	"manage subscription", "manage preferences", "cancel subscription",
	"수신거부", "수신 거부", "수신해제", "수신 해제",
	"구독취소", "구독 취소", "구독해지", "구독 해지", "메일 해지",
}

// URLTokens are the broad, noisy tokens matched inside raw body URLs.
var URLTokens = []string{
	"unsubscribe", "opt-out", "optout", "remove", "cancel", "subscription",
	"preferences", "settings", "account", "manage-subscription", "manage_subscription",
	"email-preferences", "email_preferences",
}

// GenericLabels are anchor texts too vague to judge on their own.
var GenericLabels = []string{
	"here", "click", "click here", "view", "this link", "link",
	"여기", "클릭", "여기를 클릭", "바로가기",
}

// Completed phrases appear on pages confirming that the user is (already) unsubscribed.
var Completed = []string{
	"successfully unsubscribed", "you have been unsubscribed", "you've been unsubscribed",
	"you are unsubscribed", "you have unsubscribed", "unsubscribe successful",
	"unsubscription successful", "unsubscribed successfully", "been removed from",
	"already unsubscribed", "you are already unsubscribed", "not subscribed",
	"subscription has been cancelled", "subscription has been canceled",
	"email preferences have been updated", "preferences have been saved",
	"수신거부가 완료", "수신 거부가 완료", "수신거부 되었습니다", "수신 거부되었습니다",
	"구독이 취소", "구독 취소가 완료", "구독 해지가 완료", "구독해지가 완료",
	"이미 수신거부", "이미 구독 취소", "더 이상 메일을 받지",
}

// SuccessTokens are matched as whole words against the URL path and the title.
var SuccessTokens = []string{
	"success", "successful", "confirmed", "cancelled", "canceled",
	"complete", "completed", "unsubscribed", "removed", "thank", "thanks", "thankyou", "done",
	"완료", "감사",
}

// ErrorTokens signal an explicit failure page.
var ErrorTokens = []string{
	"error", "failed", "failure", "invalid", "expired", "not found", "went wrong",
	"오류", "실패", "만료", "찾을 수 없",
}

// Resubscribe controls prove a previous unsubscribe worked and must never be clicked.
var Resubscribe = []string{
	"resubscribe", "re-subscribe", "subscribe again", "undo unsubscribe",
	"다시 구독", "재구독", "구독 재개",
}

// Captcha markers identify human-verification widgets.
var Captcha = []string{
	"captcha", "recaptcha", "g-recaptcha", "hcaptcha", "h-captcha", "turnstile",
	"cf-challenge", "verify you are human", "prove you are human", "are you a robot",
	"i'm not a robot", "i am not a robot", "security check",
	"로봇이 아닙니다", "자동입력 방지", "보안문자",
}

// ScriptFunctions are well-known global JS functions unsubscribe pages expose.
var ScriptFunctions = []string{
	"unsubscribe", "confirmUnsubscribe", "doUnsubscribe", "submitUnsubscribe",
	"unsubscribeAll", "optOut", "handleUnsubscribe",
}

// Contains reports whether s contains any of words, case-insensitively.
func Contains(s string, words []string) bool {
	return Match(s, words) != ""
}

// Match returns the first word found in s (case-insensitive), or "".
func Match(s string, words []string) string {
	if s == "" {
		return ""
	}
	lower := strings.ToLower(s)
	for _, w := range words {
		if strings.Contains(lower, strings.ToLower(w)) {
			return w
		}
	}
	return ""
}

// Words splits s into lower-case runs of letters and digits.
func Words(s string) []string {
	return strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

// MatchWord is Match restricted to whole words, so "thank" does not match
// "thanksgiving". Hangul words carry particles, so non-ASCII entries may sit
// inside a word.
func MatchWord(s string, words []string) string {
	tokens := Words(s)
	if len(tokens) == 0 {
		return ""
	}
	for _, w := range words {
		w = strings.ToLower(w)
		ascii := isASCII(w)
		for _, t := range tokens {
			if t == w || (!ascii && strings.Contains(t, w)) {
				return w
			}
		}
	}
	return ""
}

func isASCII(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] >= 0x80 {
			return false
		}
	}
	return true
}

// IsGenericLabel reports whether an anchor text carries no meaning of its own.
func IsGenericLabel(text string) bool {
	t := strings.ToLower(strings.TrimSpace(text))
	t = strings.Trim(t, ".!:>»→ ")
	if t == "" {
		return true
	}
	for _, g := range GenericLabels {
		if t == g {
			return true
		}
	}
	return false
}

// IsResubscribe reports whether a control label offers to resubscribe.
func IsResubscribe(text string) bool {
	return Contains(text, Resubscribe)
}
