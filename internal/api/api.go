// Package api exposes the document lifecycle and the chat assistant over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/ericksa/contractlens/internal/chat"
	"github.com/ericksa/contractlens/internal/domain"
	"github.com/ericksa/contractlens/internal/lifecycle"
	"github.com/ericksa/contractlens/internal/logging"
)

type Documents interface {
	UploadAndAnalyze(ctx context.Context, ownerID, name string, raw []byte) (lifecycle.Result, error)
	Retry(ctx context.Context, documentID, ownerID string) (lifecycle.Result, error)
	Result(ctx context.Context, documentID, ownerID string) (lifecycle.Result, error)
	List(ctx context.Context, ownerID string) ([]domain.DocumentSummary, error)
	Delete(ctx context.Context, documentID, ownerID string) error
}

type Chat interface {
	Send(ctx context.Context, req chat.SendRequest) (chat.Reply, error)
	Sessions(ctx context.Context, userID string) ([]domain.ChatSession, error)
	Messages(ctx context.Context, sessionID, userID string) ([]domain.ChatMessage, error)
}

type Handler struct {
	docs           Documents
	chat           Chat
	maxUploadBytes int64
	logger         *zap.Logger
}

func NewHandler(docs Documents, c Chat, maxUploadBytes int64, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{docs: docs, chat: c, maxUploadBytes: maxUploadBytes, logger: logger}
}

// Register mounts the routes on r, which is expected to be the /api subrouter.
func (h *Handler) Register(r *mux.Router) {
	r.HandleFunc("/documents", h.upload).Methods(http.MethodPost)
	r.HandleFunc("/documents", h.list).Methods(http.MethodGet)
	r.HandleFunc("/documents/{id}", h.result).Methods(http.MethodGet)
	r.HandleFunc("/documents/{id}", h.delete).Methods(http.MethodDelete)
	r.HandleFunc("/documents/{id}/retry", h.retry).Methods(http.MethodPost)
	r.HandleFunc("/chat", h.send).Methods(http.MethodPost)
	r.HandleFunc("/chat/sessions", h.sessions).Methods(http.MethodGet)
	r.HandleFunc("/chat/sessions/{id}/messages", h.messages).Methods(http.MethodGet)
}

func (h *Handler) upload(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, h.maxUploadBytes)
	file, header, err := r.FormFile("file")
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			h.fail(w, r, &AppError{http.StatusRequestEntityTooLarge, "upload_too_large", "the upload exceeds the size limit", err}, "")
			return
		}
		h.fail(w, r, &AppError{http.StatusBadRequest, "invalid_input", "a multipart field named file is required", err}, "")
		return
	}
	defer file.Close()

	raw, err := io.ReadAll(file)
	if err != nil {
		h.fail(w, r, &AppError{http.StatusBadRequest, "invalid_input", "failed to read upload", err}, "")
		return
	}

	res, err := h.docs.UploadAndAnalyze(r.Context(), userID(r), header.Filename, raw)
	if err != nil {
		h.fail(w, r, err, res.Document.ID)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *Handler) list(w http.ResponseWriter, r *http.Request) {
	docs, err := h.docs.List(r.Context(), userID(r))
	if err != nil {
		h.fail(w, r, err, "")
		return
	}
	if docs == nil {
		docs = []domain.DocumentSummary{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"documents": docs})
}

func (h *Handler) result(w http.ResponseWriter, r *http.Request) {
	res, err := h.docs.Result(r.Context(), mux.Vars(r)["id"], userID(r))
	if err != nil {
		h.fail(w, r, err, "")
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *Handler) retry(w http.ResponseWriter, r *http.Request) {
	res, err := h.docs.Retry(r.Context(), mux.Vars(r)["id"], userID(r))
	if err != nil {
		h.fail(w, r, err, res.Document.ID)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *Handler) delete(w http.ResponseWriter, r *http.Request) {
	if err := h.docs.Delete(r.Context(), mux.Vars(r)["id"], userID(r)); err != nil {
		h.fail(w, r, err, "")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type sendRequest struct {
	SessionID  string  `json:"session_id"`
	DocumentID *string `json:"document_id"`
	Message    string  `json:"message"`
}

type sendResponse struct {
	SessionID string              `json:"session_id"`
	Title     string              `json:"title"`
	Message   *domain.ChatMessage `json:"message"`
}

func (h *Handler) send(w http.ResponseWriter, r *http.Request) {
	var req sendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.fail(w, r, &AppError{http.StatusBadRequest, "invalid_input", "invalid JSON body", err}, "")
		return
	}
	if req.DocumentID != nil && strings.TrimSpace(*req.DocumentID) == "" {
		req.DocumentID = nil
	}

	reply, err := h.chat.Send(r.Context(), chat.SendRequest{
		SessionID:  req.SessionID,
		UserID:     userID(r),
		DocumentID: req.DocumentID,
		Message:    req.Message,
	})
	if err != nil {
		h.failChat(w, r, err, reply.Session.ID)
		return
	}
	writeJSON(w, http.StatusOK, sendResponse{SessionID: reply.Session.ID, Title: reply.Session.Title, Message: reply.Assistant})
}

func (h *Handler) sessions(w http.ResponseWriter, r *http.Request) {
	sessions, err := h.chat.Sessions(r.Context(), userID(r))
	if err != nil {
		h.fail(w, r, err, "")
		return
	}
	if sessions == nil {
		sessions = []domain.ChatSession{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": sessions})
}

func (h *Handler) messages(w http.ResponseWriter, r *http.Request) {
	msgs, err := h.chat.Messages(r.Context(), mux.Vars(r)["id"], userID(r))
	if err != nil {
		h.fail(w, r, err, "")
		return
	}
	if msgs == nil {
		msgs = []domain.ChatMessage{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": msgs})
}

type errorBody struct {
	Error      string `json:"error"`
	Message    string `json:"message"`
	DocumentID string `json:"document_id,omitempty"`
	SessionID  string `json:"session_id,omitempty"`
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error, documentID string) {
	appErr := h.mapAndLog(r, err)
	writeJSON(w, appErr.Status, errorBody{Error: appErr.Code, Message: appErr.Message, DocumentID: documentID})
}

func (h *Handler) failChat(w http.ResponseWriter, r *http.Request, err error, sessionID string) {
	appErr := h.mapAndLog(r, err)
	writeJSON(w, appErr.Status, errorBody{Error: appErr.Code, Message: appErr.Message, SessionID: sessionID})
}

func (h *Handler) mapAndLog(r *http.Request, err error) *AppError {
	appErr := MapError(err)
	log := logging.For(r.Context(), h.logger)
	if appErr.Status >= http.StatusInternalServerError {
		log.Error("request failed", zap.String("code", appErr.Code), zap.Error(err))
	} else {
		log.Debug("request rejected", zap.String("code", appErr.Code), zap.Error(err))
	}
	return appErr
}

func userID(r *http.Request) string {
	return logging.UserIDFromContext(r.Context())
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
