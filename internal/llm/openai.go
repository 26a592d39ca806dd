package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/ericksa/contractlens/internal/config"
)

// OpenAIClient talks to any server implementing /v1/chat/completions: OpenAI
// itself, LM Studio, vLLM or Ollama.
type OpenAIClient struct {
	baseURL     string
	apiKey      string
	model       string
	visionModel string
	maxTokens   int
	temperature float64
	httpClient  *http.Client
}

func NewOpenAIClient(cfg config.LLMConfig) *OpenAIClient {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 180 * time.Second
	}
	vision := cfg.VisionModel
	if vision == "" {
		vision = cfg.Model
	}
	return &OpenAIClient{
		baseURL:     strings.TrimRight(cfg.Endpoint, "/"),
		apiKey:      cfg.APIKey,
		model:       cfg.Model,
		visionModel: vision,
		maxTokens:   cfg.MaxTokens,
		temperature: cfg.Temperature,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

func (c *OpenAIClient) Name() string { return "openai" }

type chatMessage struct {
	Role string `json:"role"`
	// Content is a plain string, or a list of parts when images are attached.
	Content any `json:"content"`
}

type contentPart struct {
	Type     string    `json:"type"`
	Text     string    `json:"text,omitempty"`
	ImageURL *imageURL `json:"image_url,omitempty"`
}

type imageURL struct {
	URL string `json:"url"`
}

type responseFormat struct {
	Type string `json:"type"`
}

type chatRequest struct {
	Model          string          `json:"model"`
	Messages       []chatMessage   `json:"messages"`
	MaxTokens      int             `json:"max_tokens,omitempty"`
	Temperature    float64         `json:"temperature"`
	ResponseFormat *responseFormat `json:"response_format,omitempty"`
}

type chatResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
}

func (c *OpenAIClient) Complete(ctx context.Context, req Request) (Response, error) {
	model := c.model
	if req.HasImages() {
		model = c.visionModel
	}

	body := chatRequest{
		Model:       model,
		MaxTokens:   c.maxTokens,
		Temperature: c.temperature,
	}
	if req.JSON {
		body.ResponseFormat = &responseFormat{Type: "json_object"}
	}
	if req.System != "" {
		body.Messages = append(body.Messages, chatMessage{Role: "system", Content: req.System})
	}
	for _, m := range req.Messages {
		body.Messages = append(body.Messages, toChatMessage(m))
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return Response{}, err
	}
	httpReq, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+"/v1/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return Response{}, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return Response{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return Response{}, fmt.Errorf("model endpoint returned %d: %s", resp.StatusCode, strings.TrimSpace(string(b)))
	}

	var result chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return Response{}, fmt.Errorf("failed to decode model response: %w", err)
	}
	if len(result.Choices) == 0 {
		return Response{}, fmt.Errorf("model response has no choices")
	}
	if result.Model == "" {
		result.Model = model
	}
	return Response{Text: result.Choices[0].Message.Content, Model: result.Model}, nil
}

func toChatMessage(m Message) chatMessage {
	if len(m.Images) == 0 {
		return chatMessage{Role: string(m.Role), Content: m.Content}
	}
	parts := make([]contentPart, 0, len(m.Images)+1)
	if m.Content != "" {
		parts = append(parts, contentPart{Type: "text", Text: m.Content})
	}
	for _, img := range m.Images {
		parts = append(parts, contentPart{
			Type:     "image_url",
			ImageURL: &imageURL{URL: "data:" + img.MIMEType + ";base64," + img.Data},
		})
	}
	return chatMessage{Role: string(m.Role), Content: parts}
}
