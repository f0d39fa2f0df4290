package capability

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/png"
	"strings"
	"time"
)

type mockProvider struct {
	delay time.Duration
}

// NewMockProvider answers every capability locally after a short delay.
func NewMockProvider() Provider { return &mockProvider{delay: 20 * time.Millisecond} }

func (m *mockProvider) wait(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(m.delay):
		return nil
	}
}

func (m *mockProvider) Search(ctx context.Context, query string) (SearchResult, error) {
	if err := m.wait(ctx); err != nil {
		return SearchResult{}, err
	}
	return SearchResult{
		Text: "[mock search result for " + strings.TrimSpace(query) + "]",
		Sources: []GroundingSource{
			{Title: "Example", URI: "https://example.com/search"},
		},
	}, nil
}

func (m *mockProvider) GenerateImage(ctx context.Context, prompt string) (Image, error) {
	if err := m.wait(ctx); err != nil {
		return Image{}, err
	}
	return solidPNG(color.RGBA{R: 14, G: 165, B: 233, A: 255})
}

func (m *mockProvider) ReimagineImage(ctx context.Context, source Image, prompt string) (Image, error) {
	if err := m.wait(ctx); err != nil {
		return Image{}, err
	}
	if len(source.Data) == 0 {
		return Image{}, ErrNoImageData
	}
	return solidPNG(color.RGBA{R: 236, G: 72, B: 153, A: 255})
}

func solidPNG(c color.Color) (Image, error) {
	img := image.NewRGBA(image.Rect(0, 0, 16, 9))
	for y := 0; y < 9; y++ {
		for x := 0; x < 16; x++ {
			img.Set(x, y, c)
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return Image{}, err
	}
	return Image{Data: buf.Bytes(), MIMEType: "image/png"}, nil
}
