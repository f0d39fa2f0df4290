package capability

import (
	"context"
	"encoding/base64"
	"errors"
	"strings"
)

// ErrNoImageData is returned when an image model answers without inline image bytes.
var ErrNoImageData = errors.New("no image data received")

// GroundingSource is a citation attached to a search-grounded answer.
type GroundingSource struct {
	Title string `json:"title"`
	URI   string `json:"uri"`
}

// SearchResult is the grounded answer for a query. Sources keep provider order.
type SearchResult struct {
	Text    string            `json:"text"`
	Sources []GroundingSource `json:"sources"`
}

// Image is an encoded still returned by (or sent to) an image model.
type Image struct {
	Data     []byte `json:"-"`
	MIMEType string `json:"mime_type"`
}

// DataURI renders the image the way a browser expects it inline.
func (i Image) DataURI() string {
	if len(i.Data) == 0 {
		return ""
	}
	mime := i.MIMEType
	if mime == "" {
		mime = "image/png"
	}
	return "data:" + mime + ";base64," + base64.StdEncoding.EncodeToString(i.Data)
}

// Provider is the set of single-shot capabilities the live model may invoke.
type Provider interface {
	Search(ctx context.Context, query string) (SearchResult, error)
	GenerateImage(ctx context.Context, prompt string) (Image, error)
	ReimagineImage(ctx context.Context, source Image, prompt string) (Image, error)
}

// UniqueSources drops incomplete and repeated citations while keeping relevance order.
func UniqueSources(in []GroundingSource) []GroundingSource {
	out := make([]GroundingSource, 0, len(in))
	seen := make(map[string]struct{}, len(in))
	for _, src := range in {
		uri := strings.TrimSpace(src.URI)
		title := strings.TrimSpace(src.Title)
		if uri == "" || title == "" {
			continue
		}
		if _, ok := seen[uri]; ok {
			continue
		}
		seen[uri] = struct{}{}
		out = append(out, GroundingSource{Title: title, URI: uri})
	}
	return out
}
