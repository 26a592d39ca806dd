package llm

import (
	"context"
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"

	"github.com/ericksa/contractlens/internal/config"
)

type GeminiClient struct {
	client      *genai.Client
	model       string
	visionModel string
	maxTokens   int32
	temperature float32
}

func NewGeminiClient(ctx context.Context, cfg config.LLMConfig) (*GeminiClient, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("gemini api key not configured")
	}
	client, err := genai.NewClient(ctx, option.WithAPIKey(cfg.APIKey))
	if err != nil {
		return nil, fmt.Errorf("failed to create gemini client: %w", err)
	}
	vision := cfg.VisionModel
	if vision == "" {
		vision = cfg.Model
	}
	return &GeminiClient{
		client:      client,
		model:       cfg.Model,
		visionModel: vision,
		maxTokens:   int32(cfg.MaxTokens),
		temperature: float32(cfg.Temperature),
	}, nil
}

func (c *GeminiClient) Name() string { return "gemini" }

func (c *GeminiClient) Close() error { return c.client.Close() }

func (c *GeminiClient) Complete(ctx context.Context, req Request) (Response, error) {
	if len(req.Messages) == 0 {
		return Response{}, fmt.Errorf("gemini request has no messages")
	}
	name := c.model
	if req.HasImages() {
		name = c.visionModel
	}

	model := c.client.GenerativeModel(name)
	model.SetTemperature(c.temperature)
	if c.maxTokens > 0 {
		model.SetMaxOutputTokens(c.maxTokens)
	}
	if req.System != "" {
		model.SystemInstruction = &genai.Content{Parts: []genai.Part{genai.Text(req.System)}}
	}
	if req.JSON {
		model.ResponseMIMEType = "application/json"
	}

	history := make([]*genai.Content, 0, len(req.Messages)-1)
	for _, m := range req.Messages[:len(req.Messages)-1] {
		parts, err := geminiParts(m)
		if err != nil {
			return Response{}, err
		}
		history = append(history, &genai.Content{Role: geminiRole(m.Role), Parts: parts})
	}
	last, err := geminiParts(req.Messages[len(req.Messages)-1])
	if err != nil {
		return Response{}, err
	}

	cs := model.StartChat()
	cs.History = history
	resp, err := cs.SendMessage(ctx, last...)
	if err != nil {
		return Response{}, fmt.Errorf("gemini request failed: %w", err)
	}
	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return Response{Model: name}, nil
	}

	var sb strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if txt, ok := part.(genai.Text); ok {
			sb.WriteString(string(txt))
		}
	}
	return Response{Text: sb.String(), Model: name}, nil
}

func geminiRole(r Role) string {
	if r == RoleAssistant {
		return "model"
	}
	return "user"
}

func geminiParts(m Message) ([]genai.Part, error) {
	parts := make([]genai.Part, 0, len(m.Images)+1)
	if m.Content != "" {
		parts = append(parts, genai.Text(m.Content))
	}
	for i, img := range m.Images {
		data, err := base64.StdEncoding.DecodeString(img.Data)
		if err != nil {
			return nil, fmt.Errorf("image %d is not valid base64: %w", i, err)
		}
		parts = append(parts, genai.ImageData(strings.TrimPrefix(img.MIMEType, "image/"), data))
	}
	return parts, nil
}
