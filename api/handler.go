package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/facturaIA/invoice-intake-service/internal/apperr"
	"github.com/facturaIA/invoice-intake-service/internal/auth"
	"github.com/facturaIA/invoice-intake-service/internal/chat"
	"github.com/facturaIA/invoice-intake-service/internal/db"
	"github.com/facturaIA/invoice-intake-service/internal/export"
	"github.com/facturaIA/invoice-intake-service/internal/logging"
	"github.com/facturaIA/invoice-intake-service/internal/models"
	"github.com/facturaIA/invoice-intake-service/internal/services"
)

const Version = "3.0.0"

// Intake is the upload side of the pipeline.
type Intake interface {
	Submit(ctx context.Context, u services.Upload) (*services.Submission, error)
	Status(ctx context.Context, jobID string) (*services.JobView, error)
	Cancel(ctx context.Context, jobID string) (*models.UploadJob, error)
}

// Chat is the command router.
type Chat interface {
	Handle(ctx context.Context, req chat.Request) (*chat.Response, error)
	AttachUpload(ctx context.Context, sessionID string, up chat.PendingUpload) (*chat.Response, error)
}

// JobReader looks up jobs for the image endpoint.
type JobReader interface {
	GetJob(ctx context.Context, id string) (*models.UploadJob, error)
}

// Deps are the collaborators of the HTTP layer.
type Deps struct {
	Config   *models.Config
	Intake   Intake
	Invoices db.InvoiceStore
	Images   db.ImageStore
	Jobs     JobReader
	Exporter *export.Exporter
	Chat     Chat
	Health   *HealthChecker
	Auth     *auth.Authenticator
	Logger   logging.Logger
}

// Handler handles HTTP requests for invoice intake
type Handler struct {
	Deps
	chatSchema *chatValidator
	now        func() time.Time
}

// NewHandler creates a new API handler
func NewHandler(deps Deps) (*Handler, error) {
	if deps.Logger == nil {
		deps.Logger = logging.Discard()
	}
	if deps.Auth == nil {
		deps.Auth = auth.NewAuthenticator("", 0)
	}
	v, err := newChatValidator()
	if err != nil {
		return nil, err
	}
	return &Handler{Deps: deps, chatSchema: v, now: time.Now}, nil
}

// SetupRoutes configures the HTTP routes
func (h *Handler) SetupRoutes() *mux.Router {
	router := mux.NewRouter()
	router.HandleFunc("/health", h.HealthHandler).Methods("GET")

	api := router.PathPrefix("/api").Subrouter()
	api.Use(h.Auth.Middleware)

	// Intake
	api.HandleFunc("/upload", h.Upload).Methods("POST")
	api.HandleFunc("/jobs/{id}", h.GetJob).Methods("GET")
	api.HandleFunc("/jobs/{id}", h.CancelJob).Methods("DELETE")

	// Records. Fixed paths are registered before {id}.
	api.HandleFunc("/invoices", h.ListInvoices).Methods("GET")
	api.HandleFunc("/invoices/stats", h.GetStats).Methods("GET")
	api.HandleFunc("/invoices/export", h.ExportInvoices).Methods("GET")
	api.HandleFunc("/invoices/{id}", h.GetInvoice).Methods("GET")
	api.HandleFunc("/invoices/{id}/image", h.GetInvoiceImage).Methods("GET")

	// Chat
	api.HandleFunc("/chat", h.ChatMessage).Methods("POST")
	api.HandleFunc("/chat/upload", h.ChatUpload).Methods("POST")

	return router
}

// errorResponse is the body of every failed request.
type errorResponse struct {
	Error       string `json:"error"`
	Kind        string `json:"kind"`
	Remediation string `json:"remediation,omitempty"`
}

func statusFor(err error) int {
	switch apperr.KindOf(err) {
	case apperr.KindValidation:
		if errors.Is(err, services.ErrUploadTooLarge) {
			return http.StatusRequestEntityTooLarge
		}
		return http.StatusBadRequest
	case apperr.KindNotFound:
		return http.StatusNotFound
	case apperr.KindConflict:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// sendError sends an error response
func (h *Handler) sendError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		h.Logger.Error(r.Context(), "request failed", "method", r.Method, "path", r.URL.Path, "error", err)
	}
	h.writeJSON(w, status, errorResponse{
		Error:       err.Error(),
		Kind:        string(apperr.KindOf(err)),
		Remediation: apperr.RemediationOf(err),
	})
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.Logger.Warn(context.Background(), "writing response", "error", err)
	}
}

func owner(r *http.Request) string {
	return auth.OwnerFromContext(r.Context())
}

// notFound hides records that belong to another owner.
func notFound(what string) error {
	return apperr.New(apperr.KindNotFound, what+" not found")
}
