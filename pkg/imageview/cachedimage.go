package imageview

import "sync"

// Display is what a CachedImage asks the presentation layer to draw: either
// ImageURL, or Placeholder when no image can be shown. It is never empty.
type Display struct {
	ImageURL    string
	Placeholder *Placeholder
	Loading     bool
	Alt         string
}

// CachedImage is the display contract for one image of a named subject. It
// shows the bound image when ready and the subject's placeholder otherwise.
type CachedImage struct {
	binding     *Binding
	placeholder Placeholder
	subject     string

	mu        sync.Mutex
	brokenURL string // resolved reference that failed to render
}

// NewCachedImage wraps binding for subject.
func NewCachedImage(binding *Binding, subject string) *CachedImage {
	return &CachedImage{
		binding:     binding,
		placeholder: NewPlaceholder(subject),
		subject:     subject,
	}
}

// Render returns what to draw for the current state.
func (c *CachedImage) Render() Display {
	state := c.binding.State()
	c.mu.Lock()
	broken := state.ImageURL != "" && state.ImageURL == c.brokenURL
	c.mu.Unlock()

	if state.Ready() && !broken {
		return Display{ImageURL: state.ImageURL, Alt: c.subject}
	}
	ph := c.placeholder
	return Display{Placeholder: &ph, Loading: state.IsLoading, Alt: c.subject}
}

// ReportRenderError records that the currently resolved image could not be
// drawn. The placeholder is shown until the binding resolves something else.
func (c *CachedImage) ReportRenderError() {
	state := c.binding.State()
	c.mu.Lock()
	defer c.mu.Unlock()
	c.brokenURL = state.ImageURL
}
