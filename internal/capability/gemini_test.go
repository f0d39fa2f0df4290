package capability

import (
	"context"
	"errors"
	"testing"

	"google.golang.org/genai"
)

type stubModels struct {
	resp     *genai.GenerateContentResponse
	err      error
	model    string
	contents []*genai.Content
	config   *genai.GenerateContentConfig
}

func (s *stubModels) GenerateContent(_ context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error) {
	s.model = model
	s.contents = contents
	s.config = config
	return s.resp, s.err
}

func TestSearchExtractsOrderedUniqueSources(t *testing.T) {
	stub := &stubModels{resp: &genai.GenerateContentResponse{
		Candidates: []*genai.Candidate{{
			Content: &genai.Content{Parts: []*genai.Part{{Text: "Sunny"}}},
			GroundingMetadata: &genai.GroundingMetadata{GroundingChunks: []*genai.GroundingChunk{
				{Web: &genai.GroundingChunkWeb{Title: "B", URI: "http://b"}},
				{Web: &genai.GroundingChunkWeb{Title: "A", URI: "http://a"}},
				{Web: &genai.GroundingChunkWeb{Title: "B again", URI: "http://b"}},
				{Web: &genai.GroundingChunkWeb{Title: "", URI: "http://untitled"}},
				{},
			}},
		}},
	}}
	p := newGeminiProvider(stub, GeminiOptions{})

	res, err := p.Search(context.Background(), "weather")
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if res.Text != "Sunny" {
		t.Fatalf("unexpected text %q", res.Text)
	}
	if len(res.Sources) != 2 || res.Sources[0].URI != "http://b" || res.Sources[1].URI != "http://a" {
		t.Fatalf("unexpected sources %+v", res.Sources)
	}
	if stub.model != "gemini-2.5-flash" {
		t.Fatalf("unexpected search model %q", stub.model)
	}
	if len(stub.config.Tools) != 1 || stub.config.Tools[0].GoogleSearch == nil {
		t.Fatalf("expected google search tool in request")
	}
}

func TestSearchFallbackText(t *testing.T) {
	stub := &stubModels{resp: &genai.GenerateContentResponse{Candidates: []*genai.Candidate{{}}}}
	res, err := newGeminiProvider(stub, GeminiOptions{}).Search(context.Background(), "q")
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if res.Text != fallbackSearchText {
		t.Fatalf("expected fallback text, got %q", res.Text)
	}
}

func TestGenerateImageMissingData(t *testing.T) {
	stub := &stubModels{resp: &genai.GenerateContentResponse{Candidates: []*genai.Candidate{{
		Content: &genai.Content{Parts: []*genai.Part{{Text: "I cannot draw that"}}},
	}}}}
	_, err := newGeminiProvider(stub, GeminiOptions{AspectRatio: "16:9", ImageSize: "1K"}).GenerateImage(context.Background(), "cat")
	if !errors.Is(err, ErrNoImageData) {
		t.Fatalf("expected ErrNoImageData, got %v", err)
	}
	if stub.config.ImageConfig == nil || stub.config.ImageConfig.AspectRatio != "16:9" {
		t.Fatalf("expected image config in request")
	}
}

func TestReimagineSendsSourceAndPrompt(t *testing.T) {
	stub := &stubModels{resp: &genai.GenerateContentResponse{Candidates: []*genai.Candidate{{
		Content: &genai.Content{Parts: []*genai.Part{{InlineData: &genai.Blob{Data: []byte{1, 2, 3}, MIMEType: "image/png"}}}},
	}}}}
	img, err := newGeminiProvider(stub, GeminiOptions{}).ReimagineImage(context.Background(), Image{Data: []byte{9}}, "as a painting")
	if err != nil {
		t.Fatalf("reimagine: %v", err)
	}
	if len(img.Data) != 3 || img.MIMEType != "image/png" {
		t.Fatalf("unexpected image %+v", img)
	}
	parts := stub.contents[0].Parts
	if len(parts) != 2 || parts[0].InlineData == nil || parts[0].InlineData.MIMEType != "image/jpeg" || parts[1].Text != "as a painting" {
		t.Fatalf("unexpected request parts")
	}
}

func TestImageDataURI(t *testing.T) {
	img := Image{Data: []byte("hi"), MIMEType: "image/png"}
	if got := img.DataURI(); got != "data:image/png;base64,aGk=" {
		t.Fatalf("unexpected data uri %q", got)
	}
	if (Image{}).DataURI() != "" {
		t.Fatal("expected empty uri for empty image")
	}
}
