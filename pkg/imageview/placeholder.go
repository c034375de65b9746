package imageview

import (
	"encoding/base64"
	"fmt"
	"hash/fnv"
	"html"
	"strings"
	"unicode"
)

// placeholderPalette holds background colours with enough contrast for white text.
var placeholderPalette = []string{
	"#2E7D32", "#00695C", "#1565C0", "#283593", "#6A1B9A", "#AD1457",
	"#C62828", "#D84315", "#EF6C00", "#4E342E", "#37474F", "#558B2F",
}

// Placeholder is the symbolic stand-in rendered when an image is unavailable.
// It depends only on the subject, so the same dish always looks the same.
type Placeholder struct {
	Label      string
	Initials   string
	Background string
	Foreground string
}

// NewPlaceholder builds the placeholder for subject, e.g. the dish name.
func NewPlaceholder(subject string) Placeholder {
	label := strings.Join(strings.Fields(subject), " ")
	if label == "" {
		label = "?"
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(label))
	return Placeholder{
		Label:      label,
		Initials:   initials(label),
		Background: placeholderPalette[h.Sum32()%uint32(len(placeholderPalette))],
		Foreground: "#FFFFFF",
	}
}

// initials takes the first letter or digit of up to two words.
func initials(label string) string {
	var out []rune
	for _, word := range strings.Fields(label) {
		for _, r := range word {
			if unicode.IsLetter(r) || unicode.IsDigit(r) {
				out = append(out, unicode.ToUpper(r))
				break
			}
		}
		if len(out) == 2 {
			break
		}
	}
	if len(out) == 0 {
		return "?"
	}
	return string(out)
}

// SVG renders the placeholder as a square SVG image.
func (p Placeholder) SVG() string {
	return fmt.Sprintf(
		`<svg xmlns="http://www.w3.org/2000/svg" width="160" height="160" viewBox="0 0 160 160" role="img" aria-label="%s">`+
			`<rect width="160" height="160" fill="%s"/>`+
			`<text x="80" y="80" dominant-baseline="central" text-anchor="middle" font-family="sans-serif" font-size="64" fill="%s">%s</text>`+
			`</svg>`,
		html.EscapeString(p.Label), p.Background, p.Foreground, html.EscapeString(p.Initials))
}

// DataURI renders the placeholder as a data: URI.
func (p Placeholder) DataURI() string {
	return "data:image/svg+xml;base64," + base64.StdEncoding.EncodeToString([]byte(p.SVG()))
}
