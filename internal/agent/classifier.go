package agent

import (
	"net/mail"
	"strings"

	"github.com/polzovatel/mail-unsubscriber/internal/extract"
	"github.com/polzovatel/mail-unsubscriber/internal/keywords"
)

// Classifier decides whether an email is personal correspondence, in which
// case no unsubscribe is attempted.
type Classifier interface {
	Personal(req Request) bool
}

var bulkHeaders = []string{"List-Unsubscribe", "List-Unsubscribe-Post", "List-Id", "Feedback-ID", "X-Campaign", "X-Mailgun-Tag"}

var freeMail = []string{
	"gmail.com", "googlemail.com", "outlook.com", "hotmail.com", "live.com",
	"yahoo.com", "icloud.com", "me.com", "proton.me", "protonmail.com", "aol.com",
	"naver.com", "daum.net", "hanmail.net", "kakao.com", "nate.com",
}

// HeaderClassifier calls an email personal only when every signal agrees:
// no bulk-mail headers, a free-mail sender and no unsubscribe wording.
type HeaderClassifier struct {
	// FreeMail overrides the built-in free-mail domain list.
	FreeMail []string
}

func (c HeaderClassifier) Personal(req Request) bool {
	for _, h := range bulkHeaders {
		if extract.Header(req.Headers, h) != "" {
			return false
		}
	}
	switch strings.ToLower(strings.TrimSpace(extract.Header(req.Headers, "Precedence"))) {
	case "bulk", "list", "junk":
		return false
	}
	if !c.freeMailSender(extract.Header(req.Headers, "From")) {
		return false
	}
	return !keywords.Contains(req.Body, keywords.Unsubscribe)
}

func (c HeaderClassifier) freeMailSender(from string) bool {
	if from == "" {
		return false
	}
	addr := from
	if parsed, err := mail.ParseAddress(from); err == nil {
		addr = parsed.Address
	}
	at := strings.LastIndex(addr, "@")
	if at < 0 {
		return false
	}
	domain := strings.ToLower(strings.Trim(addr[at+1:], "> "))
	domains := c.FreeMail
	if len(domains) == 0 {
		domains = freeMail
	}
	for _, d := range domains {
		if domain == d {
			return true
		}
	}
	return false
}
