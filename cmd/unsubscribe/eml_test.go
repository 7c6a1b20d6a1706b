package main

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const multipartEML = "From: Shop News <news@shop.example>\r\n" +
	"To: Me <me@example.com>\r\n" +
	"Subject: =?UTF-8?B?7IS47J28?=\r\n" +
	"List-Unsubscribe: <https://shop.example/u?id=1>, <mailto:leave@shop.example>\r\n" +
	"List-Unsubscribe-Post: List-Unsubscribe=One-Click\r\n" +
	"MIME-Version: 1.0\r\n" +
	"Content-Type: multipart/alternative; boundary=b1\r\n" +
	"\r\n" +
	"--b1\r\n" +
	"Content-Type: text/plain; charset=utf-8\r\n" +
	"\r\n" +
	"Plain version\r\n" +
	"--b1\r\n" +
	"Content-Type: text/html; charset=utf-8\r\n" +
	"\r\n" +
	"<p>Sale! <a href=\"https://shop.example/unsubscribe\">Unsubscribe</a></p>\r\n" +
	"--b1--\r\n"

func TestParseEMLPrefersHTML(t *testing.T) {
	req, err := parseEML(strings.NewReader(multipartEML), "")
	require.NoError(t, err)

	assert.Contains(t, req.Body, `href="https://shop.example/unsubscribe"`)
	assert.Equal(t, "<https://shop.example/u?id=1>, <mailto:leave@shop.example>", req.Headers["List-Unsubscribe"])
	assert.Equal(t, "List-Unsubscribe=One-Click", req.Headers["List-Unsubscribe-Post"])
	assert.Equal(t, "세일", req.Headers["Subject"])
	assert.Equal(t, "me@example.com", req.UserEmail)
}

func TestParseEMLPlainTextAndExplicitUser(t *testing.T) {
	raw := "From: a@b.example\r\nTo: x@y.example\r\nContent-Type: text/plain\r\n\r\nTo stop: https://b.example/unsubscribe?u=9\r\n"
	req, err := parseEML(strings.NewReader(raw), "override@example.com")
	require.NoError(t, err)

	assert.Contains(t, req.Body, "https://b.example/unsubscribe?u=9")
	assert.Equal(t, "override@example.com", req.UserEmail)
}
