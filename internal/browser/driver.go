package browser

import (
	"context"
	"time"
)

// Element is a static description of a DOM node. Ref identifies the node for
// later Click/Fill calls on the same page.
type Element struct {
	Ref     string `json:"ref"`
	Tag     string `json:"tag"`
	Type    string `json:"type,omitempty"`
	Text    string `json:"text,omitempty"`
	Href    string `json:"href,omitempty"`
	Name    string `json:"name,omitempty"`
	Value   string `json:"value,omitempty"`
	ID      string `json:"id,omitempty"`
	Class   string `json:"class,omitempty"`
	Visible bool   `json:"visible"`
	FormRef string `json:"form,omitempty"`
}

// Label is the visible text of an element, else its value.
func (e Element) Label() string {
	if e.Text != "" {
		return e.Text
	}
	return e.Value
}

// Form describes a <form> and the fields a submission would send.
type Form struct {
	Ref        string  `json:"ref"`
	Action     string  `json:"action"`
	Method     string  `json:"method"`
	Inputs     []Input `json:"inputs"`
	SubmitRef  string  `json:"submit_ref,omitempty"`
	SubmitText string  `json:"submit_text,omitempty"`
}

type Input struct {
	Name    string `json:"name"`
	Type    string `json:"type"`
	Value   string `json:"value"`
	Checked bool   `json:"checked"`
}

// Page is a single tab. All methods honor ctx and return errors already
// normalized into *result.Error.
type Page interface {
	Navigate(ctx context.Context, url string) error
	URL() string
	Title(ctx context.Context) (string, error)
	Text(ctx context.Context) (string, error)
	HTML(ctx context.Context) (string, error)
	Query(ctx context.Context, selector string) ([]Element, error)
	Forms(ctx context.Context) ([]Form, error)
	Click(ctx context.Context, ref string) error
	Fill(ctx context.Context, ref, value string) error
	SubmitForm(ctx context.Context, ref string) error
	// CallFunction invokes a global JS function if the page defines it.
	CallFunction(ctx context.Context, name string) (bool, error)
	WaitIdle(ctx context.Context, timeout time.Duration) error
	Close() error
}

// BrowsingContext is a cookie/storage jar that owns pages.
type BrowsingContext interface {
	NewPage(ctx context.Context) (Page, error)
	Close() error
}

// Browser is one browser process.
type Browser interface {
	NewContext(ctx context.Context) (BrowsingContext, error)
	Close() error
}

// Driver launches browsers. Playwright is the production driver; tests use fakes.
type Driver interface {
	Launch(ctx context.Context) (Browser, error)
}
