// Package imagegen wraps the image synthesis endpoint of an OpenAI-compatible API.
package imagegen

import (
	"context"
	"fmt"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	go_openai "github.com/sashabaranov/go-openai"
)

type Request struct {
	Prompt string
	Model  string
	Width  int
	Height int
}

func (r Request) Size() string {
	w, h := r.Width, r.Height
	if w <= 0 {
		w = 1024
	}
	if h <= 0 {
		h = w
	}
	return fmt.Sprintf("%dx%d", w, h)
}

// Result references the generated image, either by URL or as a data URL.
type Result struct {
	URL string
}

type Generator interface {
	GenerateImage(ctx context.Context, req Request) (*Result, error)
}

type OpenAIGenerator struct {
	client *go_openai.Client
}

func NewOpenAIGenerator(baseURL, apiKey string) *OpenAIGenerator {
	config := go_openai.DefaultConfig(apiKey)
	if baseURL != "" {
		config.BaseURL = baseURL
	}
	return &OpenAIGenerator{client: go_openai.NewClientWithConfig(config)}
}

func (g *OpenAIGenerator) GenerateImage(ctx context.Context, req Request) (*Result, error) {
	log.Debug().Str("model", req.Model).Str("size", req.Size()).Msg("Generating image")
	resp, err := g.client.CreateImage(ctx, go_openai.ImageRequest{
		Prompt:         req.Prompt,
		Model:          req.Model,
		N:              1,
		Size:           req.Size(),
		ResponseFormat: go_openai.CreateImageResponseFormatURL,
	})
	if err != nil {
		return nil, errors.Wrap(err, "image generation failed")
	}
	if len(resp.Data) == 0 {
		return nil, errors.New("image generation returned no image")
	}
	data := resp.Data[0]
	if data.URL != "" {
		return &Result{URL: data.URL}, nil
	}
	if data.B64JSON != "" {
		return &Result{URL: "data:image/png;base64," + data.B64JSON}, nil
	}
	return nil, errors.New("image generation returned an empty image")
}

var _ Generator = (*OpenAIGenerator)(nil)
