package imageview_test

import (
	"encoding/base64"
	"strings"
	"testing"

	"github.com/illmade-knight/go-imagecache/pkg/imageview"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewPlaceholder(t *testing.T) {
	testCases := []struct {
		subject      string
		wantLabel    string
		wantInitials string
	}{
		{subject: "Greek Salad", wantLabel: "Greek Salad", wantInitials: "GS"},
		{subject: "  pad   thai  ", wantLabel: "pad thai", wantInitials: "PT"},
		{subject: "Crème brûlée with berries", wantLabel: "Crème brûlée with berries", wantInitials: "CB"},
		{subject: "(vegan) chili", wantLabel: "(vegan) chili", wantInitials: "VC"},
		{subject: "", wantLabel: "?", wantInitials: "?"},
	}

	for _, tc := range testCases {
		t.Run(tc.wantLabel, func(t *testing.T) {
			p := imageview.NewPlaceholder(tc.subject)

			assert.Equal(t, tc.wantLabel, p.Label)
			assert.Equal(t, tc.wantInitials, p.Initials)
			assert.True(t, strings.HasPrefix(p.Background, "#"))
		})
	}

	t.Run("Placeholder is deterministic", func(t *testing.T) {
		assert.Equal(t, imageview.NewPlaceholder("Greek Salad"), imageview.NewPlaceholder("Greek Salad"))
	})

	t.Run("Data URI is an SVG carrying the label", func(t *testing.T) {
		p := imageview.NewPlaceholder("Fish & Chips")

		uri := p.DataURI()

		require.True(t, strings.HasPrefix(uri, "data:image/svg+xml;base64,"))
		svg, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(uri, "data:image/svg+xml;base64,"))
		require.NoError(t, err)
		assert.Contains(t, string(svg), `aria-label="Fish &amp; Chips"`)
		assert.Contains(t, string(svg), ">FC</text>")
	})
}

func TestCachedImage(t *testing.T) {
	t.Run("Failed fetch renders the subject placeholder", func(t *testing.T) {
		// Arrange
		resolver := newFakeResolver()
		resolver.fail(urlA)
		b := newTestBinding(t, resolver)
		img := imageview.NewCachedImage(b, "Greek Salad")

		// Act
		b.SetSource(urlA, "")
		awaitSettled(t, b)
		display := img.Render()

		// Assert
		require.NotNil(t, display.Placeholder)
		assert.Equal(t, "Greek Salad", display.Placeholder.Label)
		assert.Empty(t, display.ImageURL)
		assert.False(t, display.Loading)
	})

	t.Run("Loading renders the placeholder rather than nothing", func(t *testing.T) {
		b := newTestBinding(t, newFakeResolver())
		img := imageview.NewCachedImage(b, "Pho")

		display := img.Render()

		assert.True(t, display.Loading)
		require.NotNil(t, display.Placeholder)
		assert.Equal(t, "P", display.Placeholder.Initials)
	})

	t.Run("Ready image is rendered until it fails to draw", func(t *testing.T) {
		// Arrange
		b := newTestBinding(t, newFakeResolver())
		img := imageview.NewCachedImage(b, "Greek Salad")
		b.SetSource(urlA, "")
		awaitSettled(t, b)
		before := img.Render()

		// Act
		img.ReportRenderError()
		after := img.Render()

		// Assert
		assert.Equal(t, "local:"+urlA, before.ImageURL)
		assert.Nil(t, before.Placeholder)
		assert.Empty(t, after.ImageURL)
		require.NotNil(t, after.Placeholder)
		assert.Equal(t, "GS", after.Placeholder.Initials)
	})

	t.Run("A new source clears a render failure", func(t *testing.T) {
		b := newTestBinding(t, newFakeResolver())
		img := imageview.NewCachedImage(b, "Greek Salad")
		b.SetSource(urlA, "")
		awaitSettled(t, b)
		img.ReportRenderError()

		b.SetSource(urlB, "")
		awaitSettled(t, b)

		assert.Equal(t, "local:"+urlB, img.Render().ImageURL)
	})
}
