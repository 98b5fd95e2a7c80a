package translate

import (
	"regexp"
	"strings"
)

// InlineImage is an image the model embedded in its text output.
type InlineImage struct {
	MimeType string
	Data     string // base64
}

var (
	markdownImageRe = regexp.MustCompile(`!\[([^\]]*)\]\(([^)]+)\)`)
	dataURIRe       = regexp.MustCompile(`^data:([^;]+);base64,(.+)$`)
	blankRunsRe     = regexp.MustCompile(`\n{3,}`)
)

// ExtractMarkdownImages strips markdown data-URI images out of model text and
// returns the cleaned text plus the extracted payloads. Images referenced by
// plain URL stay in the text; only inline data can be re-emitted as binary
// parts. Text without any inline image is returned untouched.
func ExtractMarkdownImages(text string) (string, []InlineImage) {
	var images []InlineImage

	clean := markdownImageRe.ReplaceAllStringFunc(text, func(match string) string {
		groups := markdownImageRe.FindStringSubmatch(match)
		data := dataURIRe.FindStringSubmatch(groups[2])
		if data == nil {
			return match
		}
		images = append(images, InlineImage{MimeType: data[1], Data: data[2]})
		return ""
	})
	if len(images) == 0 {
		return text, nil
	}

	clean = blankRunsRe.ReplaceAllString(clean, "\n\n")
	return strings.TrimSpace(clean), images
}

// ParseDataURI splits a base64 data URI into mime type and payload. ok is
// false for anything that is not a data URI.
func ParseDataURI(uri string) (mime, data string, ok bool) {
	groups := dataURIRe.FindStringSubmatch(uri)
	if groups == nil {
		return "", "", false
	}
	return groups[1], groups[2], true
}
