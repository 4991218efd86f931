package api

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/facturaIA/invoice-intake-service/internal/apperr"
	"github.com/facturaIA/invoice-intake-service/internal/chat"
)

const maxChatBody = 64 << 10

const chatRequestSchema = `{
	"$schema": "http://json-schema.org/draft-07/schema#",
	"type": "object",
	"properties": {
		"message":    {"type": "string", "minLength": 1, "maxLength": 2000},
		"session_id": {"type": "string", "maxLength": 128}
	},
	"required": ["message"]
}`

// ChatRequest is the body of POST /api/chat.
type ChatRequest struct {
	Message   string `json:"message"`
	SessionID string `json:"session_id"`
}

type chatValidator struct {
	schema *jsonschema.Schema
}

func newChatValidator() (*chatValidator, error) {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("chat_request.json", strings.NewReader(chatRequestSchema)); err != nil {
		return nil, fmt.Errorf("add schema: %w", err)
	}
	schema, err := compiler.Compile("chat_request.json")
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	return &chatValidator{schema: schema}, nil
}

// decode validates body against the schema and unmarshals it.
func (v *chatValidator) decode(body []byte) (*ChatRequest, error) {
	var doc any
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, apperr.Validation("invalid JSON body: %v", err)
	}
	if err := v.schema.Validate(doc); err != nil {
		return nil, apperr.Validation("chat request does not match schema: %v", err)
	}
	var req ChatRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, apperr.Validation("invalid chat request: %v", err)
	}
	return &req, nil
}

// sessionID defaults to the owner so single-device clients need not send one.
// Both parts are escaped so ':' can only appear as the separator.
func sessionID(r *http.Request, explicit string) string {
	o := url.QueryEscape(owner(r))
	if s := strings.TrimSpace(explicit); s != "" {
		return o + ":" + url.QueryEscape(s)
	}
	return o
}

// ChatMessage handles POST /api/chat
func (h *Handler) ChatMessage(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxChatBody+1))
	if err != nil {
		h.sendError(w, r, apperr.Validation("reading body: %v", err))
		return
	}
	if len(body) > maxChatBody {
		h.sendError(w, r, apperr.Validation("chat request larger than %d bytes", maxChatBody))
		return
	}

	req, err := h.chatSchema.decode(body)
	if err != nil {
		h.sendError(w, r, err)
		return
	}

	resp, err := h.Chat.Handle(r.Context(), chat.Request{
		SessionID: sessionID(r, req.SessionID),
		OwnerID:   owner(r),
		Message:   req.Message,
	})
	if err != nil {
		h.sendError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, resp)
}

// ChatUpload handles POST /api/chat/upload. The image waits on the session
// until the user sends a process command.
func (h *Handler) ChatUpload(w http.ResponseWriter, r *http.Request) {
	f, err := h.readUpload(w, r)
	if err != nil {
		h.sendError(w, r, err)
		return
	}

	resp, err := h.Chat.AttachUpload(r.Context(), sessionID(r, r.FormValue("session_id")), chat.PendingUpload{
		Filename:    f.Filename,
		ContentType: f.ContentType,
		Data:        f.Data,
	})
	if err != nil {
		h.sendError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, resp)
}
