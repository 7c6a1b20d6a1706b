package keywords

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMatchWord(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"/unsubscribe/thank-you", "thank"},
		{"/campaign/thanksgiving-sale", ""},
		{"/lists/abandoned-cart", ""},
		{"/customer-success-weekly", "success"},
		{"Request Complete", "complete"},
		{"/수신거부완료", "완료"},
		{"", ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, MatchWord(tt.in, SuccessTokens), tt.in)
	}
}

func TestWords(t *testing.T) {
	assert.Equal(t, []string{"unsubscribe", "done", "id", "42"}, Words("/Unsubscribe/done?id=42"))
}
