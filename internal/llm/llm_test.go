package llm

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/generative-ai-go/genai"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"golang.org/x/time/rate"

	"github.com/ericksa/contractlens/internal/audit"
	"github.com/ericksa/contractlens/internal/config"
	"github.com/ericksa/contractlens/internal/metrics"
	"github.com/ericksa/contractlens/internal/store"
)

type fakeCompleter struct {
	resp  Response
	err   error
	calls int
}

func (f *fakeCompleter) Complete(ctx context.Context, req Request) (Response, error) {
	f.calls++
	return f.resp, f.err
}

func testLLMConfig(endpoint string) config.LLMConfig {
	return config.LLMConfig{
		Provider:    "openai",
		Endpoint:    endpoint,
		Model:       "text-model",
		VisionModel: "vision-model",
		APIKey:      "sk-test",
		Timeout:     5 * time.Second,
		MaxTokens:   256,
		Temperature: 0.2,
		RateLimit:   100,
		RateBurst:   10,
	}
}

func TestOpenAIClient_TextRequest(t *testing.T) {
	var captured map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&captured))
		w.Write([]byte(`{"model":"text-model","choices":[{"message":{"role":"assistant","content":"{\"clauses\":[]}"}}]}`))
	}))
	defer srv.Close()

	c := NewOpenAIClient(testLLMConfig(srv.URL + "/"))
	resp, err := c.Complete(context.Background(), Request{
		System:   "be terse",
		Messages: []Message{{Role: RoleUser, Content: "hello"}},
		JSON:     true,
	})
	require.NoError(t, err)
	assert.Equal(t, `{"clauses":[]}`, resp.Text)

	assert.Equal(t, "text-model", captured["model"])
	assert.Equal(t, map[string]any{"type": "json_object"}, captured["response_format"])
	msgs := captured["messages"].([]any)
	require.Len(t, msgs, 2)
	assert.Equal(t, "system", msgs[0].(map[string]any)["role"])
	assert.Equal(t, "hello", msgs[1].(map[string]any)["content"])
}

func TestOpenAIClient_ImageRequestUsesVisionModel(t *testing.T) {
	var captured struct {
		Model    string `json:"model"`
		Messages []struct {
			Content []contentPart `json:"content"`
		} `json:"messages"`
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&captured))
		w.Write([]byte(`{"choices":[{"message":{"content":"ok"}}]}`))
	}))
	defer srv.Close()

	c := NewOpenAIClient(testLLMConfig(srv.URL))
	resp, err := c.Complete(context.Background(), Request{Messages: []Message{{
		Role:    RoleUser,
		Content: "analyze",
		Images:  []Image{{MIMEType: "image/png", Data: "AAAA"}, {MIMEType: "image/png", Data: "BBBB"}},
	}}})
	require.NoError(t, err)
	assert.Equal(t, "vision-model", resp.Model)
	assert.Equal(t, "vision-model", captured.Model)

	parts := captured.Messages[0].Content
	require.Len(t, parts, 3)
	assert.Equal(t, "text", parts[0].Type)
	assert.Equal(t, "data:image/png;base64,AAAA", parts[1].ImageURL.URL)
	assert.Equal(t, "data:image/png;base64,BBBB", parts[2].ImageURL.URL)
}

func TestOpenAIClient_Errors(t *testing.T) {
	tests := []struct {
		name    string
		handler http.HandlerFunc
		errSub  string
	}{
		{"upstream error", func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "overloaded", http.StatusServiceUnavailable)
		}, "503"},
		{"no choices", func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte(`{"choices":[]}`))
		}, "no choices"},
		{"garbage body", func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte(`<html>`))
		}, "decode"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(tt.handler)
			defer srv.Close()

			_, err := NewOpenAIClient(testLLMConfig(srv.URL)).Complete(context.Background(), Request{Messages: []Message{{Role: RoleUser, Content: "x"}}})
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errSub)
		})
	}
}

func TestLimited_RespectsContext(t *testing.T) {
	inner := &fakeCompleter{resp: Response{Text: "ok"}}
	l := NewLimited(inner, rate.NewLimiter(rate.Every(time.Hour), 1))

	_, err := l.Complete(context.Background(), Request{})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = l.Complete(ctx, Request{})
	require.Error(t, err)
	assert.Equal(t, 1, inner.calls, "second call must wait for a token")
}

func TestInstrumented_RecordsMetricsAndAudit(t *testing.T) {
	s, err := store.OpenInMemory(context.Background())
	require.NoError(t, err)
	defer s.Close()
	aud := audit.New(s, zaptest.NewLogger(t))
	mx := metrics.New()

	ok := NewInstrumented(&fakeCompleter{resp: Response{Text: "answer", Model: "m1"}}, "openai", mx, aud, zaptest.NewLogger(t))
	_, err = ok.Complete(context.Background(), Request{Operation: "chat", SubjectID: "s1", Messages: []Message{{Role: RoleUser, Content: "q"}}})
	require.NoError(t, err)

	failing := NewInstrumented(&fakeCompleter{err: errors.New("boom")}, "openai", mx, aud, zaptest.NewLogger(t))
	_, err = failing.Complete(context.Background(), Request{Operation: "classify"})
	require.Error(t, err)

	assert.Equal(t, 1.0, testutil.ToFloat64(mx.ModelCalls.WithLabelValues("chat", "openai", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(mx.ModelCalls.WithLabelValues("classify", "openai", "error")))

	entries, err := aud.Recent(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	byOp := map[string]audit.Entry{}
	for _, e := range entries {
		byOp[e.Operation] = e
	}
	assert.Equal(t, "s1", byOp["chat"].SubjectID)
	assert.Equal(t, 6, byOp["chat"].ResponseChars)
	assert.Equal(t, "boom", byOp["classify"].Error)
}

func TestNew(t *testing.T) {
	c, err := New(context.Background(), testLLMConfig("http://localhost"), nil, nil, zaptest.NewLogger(t))
	require.NoError(t, err)
	assert.IsType(t, &Instrumented{}, c)

	cfg := testLLMConfig("")
	cfg.Provider = "cohere"
	_, err = New(context.Background(), cfg, nil, nil, zaptest.NewLogger(t))
	assert.Error(t, err)

	cfg.Provider = "gemini"
	cfg.APIKey = ""
	_, err = New(context.Background(), cfg, nil, nil, zaptest.NewLogger(t))
	assert.Error(t, err)
}

func TestGeminiParts(t *testing.T) {
	parts, err := geminiParts(Message{Role: RoleUser, Content: "look", Images: []Image{{MIMEType: "image/png", Data: "aGVsbG8="}}})
	require.NoError(t, err)
	require.Len(t, parts, 2)
	assert.Equal(t, genai.Text("look"), parts[0])
	blob, ok := parts[1].(genai.Blob)
	require.True(t, ok)
	assert.Equal(t, "image/png", blob.MIMEType)
	assert.Equal(t, []byte("hello"), blob.Data)

	_, err = geminiParts(Message{Images: []Image{{MIMEType: "image/png", Data: "%%%"}}})
	assert.Error(t, err)

	assert.Equal(t, "model", geminiRole(RoleAssistant))
	assert.Equal(t, "user", geminiRole(RoleUser))
}
