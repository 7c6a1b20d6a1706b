package snapshot

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/polzovatel/mail-unsubscriber/internal/browser/browsertest"
)

func TestCollectSkipsResubscribeAndHidden(t *testing.T) {
	d := &browsertest.Driver{Site: browsertest.Site{
		"https://ex.com/p": `<html><head><title>Email settings</title></head><body>
			<p>Manage your email</p>
			<a href="/home">Home</a>
			<a href="/stop">Stop all emails</a>
			<a href="mailto:leave@ex.com">Write to leave</a>
			<button>Resubscribe</button>
			<button style="display:none">Secret</button>
			<form action="/prefs" method="post"><input name="freq" type="text"><button type="submit">Save</button></form>
		</body></html>`,
	}}
	b, err := d.Launch(context.Background())
	require.NoError(t, err)
	bctx, err := b.NewContext(context.Background())
	require.NoError(t, err)
	page, err := bctx.NewPage(context.Background())
	require.NoError(t, err)
	require.NoError(t, page.Navigate(context.Background(), "https://ex.com/p"))

	sum, err := Collect(context.Background(), page)
	require.NoError(t, err)

	assert.Equal(t, "Email settings", sum.Title)
	require.Len(t, sum.Links, 2)
	assert.Equal(t, "https://ex.com/stop", sum.Links[1].Href)
	require.Len(t, sum.Buttons, 1)
	assert.Equal(t, "Save", sum.Buttons[0].Text)
	require.Len(t, sum.Forms, 1)
	assert.Equal(t, "post freq:text", sum.Forms[0].Attr)

	assert.NotContains(t, sum.Visible, "Secret")
	assert.NotContains(t, sum.Visible, "Resubscribe")

	out := sum.String()
	assert.NotContains(t, out, "Resubscribe")
	assert.NotContains(t, out, "mailto:")
	assert.Contains(t, out, "Stop all emails")
}

func TestFilterAndRankPrefersUnsubscribeControls(t *testing.T) {
	var items []Item
	for i := 0; i < 50; i++ {
		items = append(items, Item{Kind: "link", Text: fmt.Sprintf("Product %d", i)})
	}
	items = append(items, Item{Kind: "link", Text: "Unsubscribe", Href: "https://ex.com/u"})

	got := filterAndRank(items, 5)
	require.Len(t, got, 5)
	assert.Equal(t, "Unsubscribe", got[0].Text)
	assert.Equal(t, "Product 0", got[1].Text)
}
