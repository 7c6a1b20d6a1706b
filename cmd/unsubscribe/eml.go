package main

import (
	"errors"
	"fmt"
	"io"
	"strings"

	_ "github.com/emersion/go-message/charset"
	"github.com/emersion/go-message/mail"

	"github.com/polzovatel/mail-unsubscriber/internal/agent"
)

const maxPartSize = 4 << 20

// parseEML turns a raw RFC 5322 message into a request: every header
// (decoded, last value wins) and the HTML part, or the plain text part when
// there is no HTML.
func parseEML(r io.Reader, userEmail string) (agent.Request, error) {
	mr, err := mail.CreateReader(r)
	if err != nil {
		return agent.Request{}, fmt.Errorf("read message: %w", err)
	}

	headers := map[string]string{}
	fields := mr.Header.Fields()
	for fields.Next() {
		v, err := fields.Text()
		if err != nil {
			v = fields.Value()
		}
		headers[fields.Key()] = v
	}

	var htmlText, plainText string
	for {
		p, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			// Keep whatever parts decoded cleanly.
			break
		}
		h, ok := p.Header.(*mail.InlineHeader)
		if !ok {
			continue
		}
		ct, _, _ := h.ContentType()
		b, err := io.ReadAll(io.LimitReader(p.Body, maxPartSize))
		if err != nil {
			continue
		}
		switch {
		case ct == "text/html" && htmlText == "":
			htmlText = string(b)
		case strings.HasPrefix(ct, "text/") && plainText == "":
			plainText = string(b)
		}
	}

	body := htmlText
	if body == "" {
		body = plainText
	}
	if userEmail == "" {
		if to, err := mr.Header.AddressList("To"); err == nil && len(to) > 0 {
			userEmail = to[0].Address
		}
	}
	return agent.Request{Body: body, Headers: headers, UserEmail: userEmail}, nil
}
