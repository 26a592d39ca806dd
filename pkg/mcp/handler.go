// Package mcp exposes contract analysis and the assistant as MCP tools.
package mcp

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"go.uber.org/zap"

	"github.com/ericksa/contractlens/internal/api"
	"github.com/ericksa/contractlens/internal/chat"
	"github.com/ericksa/contractlens/internal/domain"
	"github.com/ericksa/contractlens/internal/logging"
)

type Handler struct {
	docs           api.Documents
	chat           api.Chat
	version        string
	maxUploadBytes int64
	logger         *zap.Logger
}

// NewHandler returns a Handler. maxUploadBytes bounds the decoded size of a
// contract_analyze upload.
func NewHandler(docs api.Documents, c api.Chat, version string, maxUploadBytes int64, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{docs: docs, chat: c, version: version, maxUploadBytes: maxUploadBytes, logger: logger}
}

type analyzeInput struct {
	Name    string `json:"name" jsonschema:"file name of the contract"`
	Content string `json:"content" jsonschema:"base64 encoded PDF bytes"`
}

type documentInput struct {
	DocumentID string `json:"document_id" jsonschema:"document id"`
}

type listInput struct{}

type listOutput struct {
	Documents []domain.DocumentSummary `json:"documents"`
}

type sendInput struct {
	SessionID  string `json:"session_id,omitempty" jsonschema:"existing session id, empty to start a new session"`
	DocumentID string `json:"document_id,omitempty" jsonschema:"restrict context to one document"`
	Message    string `json:"message" jsonschema:"the question to ask"`
}

type sendOutput struct {
	SessionID string `json:"session_id"`
	Reply     string `json:"reply"`
}

type sessionsOutput struct {
	Sessions []domain.ChatSession `json:"sessions"`
}

type messagesInput struct {
	SessionID string `json:"session_id" jsonschema:"session id"`
}

type messagesOutput struct {
	Messages []domain.ChatMessage `json:"messages"`
}

// NewServer builds an MCP server whose tools act on behalf of userID.
func (h *Handler) NewServer(userID string) *mcp.Server {
	server := mcp.NewServer(&mcp.Implementation{Name: "contractlens", Version: h.version}, nil)
	bind := func(ctx context.Context, tool string) (context.Context, *zap.Logger) {
		ctx = logging.WithUserID(ctx, userID)
		return ctx, logging.For(ctx, h.logger).With(zap.String("tool", tool))
	}

	mcp.AddTool(server, &mcp.Tool{
		Name:        "contract_analyze",
		Description: "Upload a contract PDF and analyze the risk of each clause",
	}, func(ctx context.Context, _ *mcp.CallToolRequest, in analyzeInput) (*mcp.CallToolResult, any, error) {
		ctx, log := bind(ctx, "contract_analyze")
		if int64(base64.StdEncoding.DecodedLen(len(in.Content))) > h.maxUploadBytes+2 {
			return nil, nil, fmt.Errorf("invalid_input: content exceeds %d bytes", h.maxUploadBytes)
		}
		raw, err := base64.StdEncoding.DecodeString(in.Content)
		if err != nil {
			return nil, nil, fmt.Errorf("invalid_input: content is not valid base64")
		}
		if int64(len(raw)) > h.maxUploadBytes {
			return nil, nil, fmt.Errorf("invalid_input: content exceeds %d bytes", h.maxUploadBytes)
		}
		res, err := h.docs.UploadAndAnalyze(ctx, userID, in.Name, raw)
		if err != nil {
			return nil, nil, toolError(log, err, "document_id", res.Document.ID)
		}
		return jsonResult(res)
	})

	mcp.AddTool(server, &mcp.Tool{
		Name:        "contract_result",
		Description: "Read a document's status and its analyzed clauses",
	}, func(ctx context.Context, _ *mcp.CallToolRequest, in documentInput) (*mcp.CallToolResult, any, error) {
		ctx, log := bind(ctx, "contract_result")
		res, err := h.docs.Result(ctx, in.DocumentID, userID)
		if err != nil {
			return nil, nil, toolError(log, err, "", "")
		}
		return jsonResult(res)
	})

	mcp.AddTool(server, &mcp.Tool{
		Name:        "contract_list",
		Description: "List your documents, newest first",
	}, func(ctx context.Context, _ *mcp.CallToolRequest, _ listInput) (*mcp.CallToolResult, any, error) {
		ctx, log := bind(ctx, "contract_list")
		docs, err := h.docs.List(ctx, userID)
		if err != nil {
			return nil, nil, toolError(log, err, "", "")
		}
		if docs == nil {
			docs = []domain.DocumentSummary{}
		}
		return jsonResult(listOutput{Documents: docs})
	})

	mcp.AddTool(server, &mcp.Tool{
		Name:        "chat_send",
		Description: "Ask the contract assistant a question, optionally scoped to one document",
	}, func(ctx context.Context, _ *mcp.CallToolRequest, in sendInput) (*mcp.CallToolResult, any, error) {
		ctx, log := bind(ctx, "chat_send")
		req := chat.SendRequest{SessionID: in.SessionID, UserID: userID, Message: in.Message}
		if in.DocumentID != "" {
			req.DocumentID = &in.DocumentID
		}
		reply, err := h.chat.Send(ctx, req)
		if err != nil {
			return nil, nil, toolError(log, err, "session_id", reply.Session.ID)
		}
		out := sendOutput{SessionID: reply.Session.ID}
		if reply.Assistant != nil {
			out.Reply = reply.Assistant.Content
		}
		return jsonResult(out)
	})

	mcp.AddTool(server, &mcp.Tool{
		Name:        "chat_sessions",
		Description: "List your recent chat sessions",
	}, func(ctx context.Context, _ *mcp.CallToolRequest, _ listInput) (*mcp.CallToolResult, any, error) {
		ctx, log := bind(ctx, "chat_sessions")
		sessions, err := h.chat.Sessions(ctx, userID)
		if err != nil {
			return nil, nil, toolError(log, err, "", "")
		}
		if sessions == nil {
			sessions = []domain.ChatSession{}
		}
		return jsonResult(sessionsOutput{Sessions: sessions})
	})

	mcp.AddTool(server, &mcp.Tool{
		Name:        "chat_messages",
		Description: "Read the full history of a chat session",
	}, func(ctx context.Context, _ *mcp.CallToolRequest, in messagesInput) (*mcp.CallToolResult, any, error) {
		ctx, log := bind(ctx, "chat_messages")
		msgs, err := h.chat.Messages(ctx, in.SessionID, userID)
		if err != nil {
			return nil, nil, toolError(log, err, "", "")
		}
		if msgs == nil {
			msgs = []domain.ChatMessage{}
		}
		return jsonResult(messagesOutput{Messages: msgs})
	})

	return server
}

// HTTPHandler serves the streamable MCP transport. Each session gets a server
// bound to the authenticated user of the request that opened it.
func (h *Handler) HTTPHandler() http.Handler {
	return mcp.NewStreamableHTTPHandler(func(r *http.Request) *mcp.Server {
		userID := logging.UserIDFromContext(r.Context())
		if userID == "" {
			return nil
		}
		return h.NewServer(userID)
	}, nil)
}

// toolError reports the client-safe code; the cause is only logged.
func toolError(log *zap.Logger, err error, idKey, id string) error {
	appErr := api.MapError(err)
	log.Warn("tool call failed", zap.String("code", appErr.Code), zap.Error(err))
	if id != "" {
		return fmt.Errorf("%s: %s (%s %s)", appErr.Code, appErr.Message, idKey, id)
	}
	return fmt.Errorf("%s: %s", appErr.Code, appErr.Message)
}

func jsonResult(v any) (*mcp.CallToolResult, any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, nil, err
	}
	return &mcp.CallToolResult{Content: []mcp.Content{&mcp.TextContent{Text: string(b)}}}, nil, nil
}
