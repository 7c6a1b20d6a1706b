package oracle

import (
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/polzovatel/mail-unsubscriber/internal/keywords"
)

var captchaSelectors = strings.Join([]string{
	".g-recaptcha", ".h-captcha", ".cf-turnstile", "#captcha", ".captcha",
	"[data-sitekey]", "[data-hcaptcha-widget-id]",
	"iframe[src*=recaptcha]", "iframe[src*=hcaptcha]", "iframe[src*=turnstile]",
	"iframe[src*=challenges]", "script[src*=recaptcha]", "script[src*=hcaptcha]",
	"script[src*=turnstile]",
	"[class*=captcha]", "[id*=captcha]", "input[name*=captcha]",
}, ", ")

// DetectCaptcha reports a human-verification widget or prompt on the page.
func DetectCaptcha(obs Observation) bool {
	return CaptchaMarker(obs) != ""
}

// CaptchaMarker names the first captcha signal found, or returns "".
func CaptchaMarker(obs Observation) string {
	if doc := parse(obs.HTML); doc != nil {
		if sel := doc.Find(captchaSelectors).First(); sel.Length() > 0 {
			return goquery.NodeName(sel) + " " + describe(sel)
		}
	} else if w := keywords.Match(obs.HTML, keywords.Captcha); w != "" {
		return w
	}
	if w := keywords.Match(obs.Title+"\n"+obs.Text, keywords.Captcha); w != "" {
		return w
	}
	return ""
}

func describe(s *goquery.Selection) string {
	for _, attr := range []string{"class", "id", "src", "name"} {
		if v := s.AttrOr(attr, ""); v != "" {
			return attr + "=" + truncate(v, 60)
		}
	}
	return ""
}
