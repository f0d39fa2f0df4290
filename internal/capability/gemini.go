package capability

import (
	"context"
	"fmt"
	"strings"

	"google.golang.org/genai"
)

// fallbackSearchText is used when a grounded answer carries sources but no prose.
const fallbackSearchText = "I found some information."

// contentGenerator is the slice of the genai client the provider needs.
type contentGenerator interface {
	GenerateContent(ctx context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error)
}

// GeminiOptions selects models and image shape for the hosted provider.
type GeminiOptions struct {
	APIKey      string
	SearchModel string
	ImageModel  string
	AspectRatio string
	ImageSize   string
}

type geminiProvider struct {
	models contentGenerator
	opts   GeminiOptions
}

// NewGeminiProvider builds a Provider backed by the Gemini API.
func NewGeminiProvider(ctx context.Context, opts GeminiOptions) (Provider, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  opts.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("create genai client: %w", err)
	}
	return newGeminiProvider(client.Models, opts), nil
}

func newGeminiProvider(models contentGenerator, opts GeminiOptions) *geminiProvider {
	if opts.SearchModel == "" {
		opts.SearchModel = "gemini-2.5-flash"
	}
	if opts.ImageModel == "" {
		opts.ImageModel = "gemini-3-pro-image-preview"
	}
	return &geminiProvider{models: models, opts: opts}
}

func (g *geminiProvider) Search(ctx context.Context, query string) (SearchResult, error) {
	resp, err := g.models.GenerateContent(ctx, g.opts.SearchModel, genai.Text(query), &genai.GenerateContentConfig{
		Tools: []*genai.Tool{{GoogleSearch: &genai.GoogleSearch{}}},
	})
	if err != nil {
		return SearchResult{}, fmt.Errorf("grounded search: %w", err)
	}

	text := strings.TrimSpace(responseText(resp))
	if text == "" {
		text = fallbackSearchText
	}

	var sources []GroundingSource
	if len(resp.Candidates) > 0 && resp.Candidates[0].GroundingMetadata != nil {
		for _, chunk := range resp.Candidates[0].GroundingMetadata.GroundingChunks {
			if chunk == nil || chunk.Web == nil {
				continue
			}
			sources = append(sources, GroundingSource{Title: chunk.Web.Title, URI: chunk.Web.URI})
		}
	}
	return SearchResult{Text: text, Sources: UniqueSources(sources)}, nil
}

func (g *geminiProvider) GenerateImage(ctx context.Context, prompt string) (Image, error) {
	resp, err := g.models.GenerateContent(ctx, g.opts.ImageModel, genai.Text(prompt), g.imageConfig())
	if err != nil {
		return Image{}, fmt.Errorf("generate image: %w", err)
	}
	return firstInlineImage(resp)
}

func (g *geminiProvider) ReimagineImage(ctx context.Context, source Image, prompt string) (Image, error) {
	mime := source.MIMEType
	if mime == "" {
		mime = "image/jpeg"
	}
	contents := []*genai.Content{
		genai.NewContentFromParts([]*genai.Part{
			genai.NewPartFromBytes(source.Data, mime),
			genai.NewPartFromText(prompt),
		}, genai.RoleUser),
	}
	resp, err := g.models.GenerateContent(ctx, g.opts.ImageModel, contents, g.imageConfig())
	if err != nil {
		return Image{}, fmt.Errorf("reimagine image: %w", err)
	}
	return firstInlineImage(resp)
}

func (g *geminiProvider) imageConfig() *genai.GenerateContentConfig {
	cfg := &genai.GenerateContentConfig{}
	if g.opts.AspectRatio != "" || g.opts.ImageSize != "" {
		cfg.ImageConfig = &genai.ImageConfig{
			AspectRatio: g.opts.AspectRatio,
			ImageSize:   g.opts.ImageSize,
		}
	}
	return cfg
}

func responseText(resp *genai.GenerateContentResponse) string {
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return ""
	}
	var sb strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if part == nil || part.Thought {
			continue
		}
		sb.WriteString(part.Text)
	}
	return sb.String()
}

func firstInlineImage(resp *genai.GenerateContentResponse) (Image, error) {
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return Image{}, ErrNoImageData
	}
	for _, part := range resp.Candidates[0].Content.Parts {
		if part == nil || part.InlineData == nil || len(part.InlineData.Data) == 0 {
			continue
		}
		mime := part.InlineData.MIMEType
		if mime == "" {
			mime = "image/png"
		}
		return Image{Data: part.InlineData.Data, MIMEType: mime}, nil
	}
	return Image{}, ErrNoImageData
}
