package api

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/gorilla/mux"

	"github.com/facturaIA/invoice-intake-service/internal/apperr"
	"github.com/facturaIA/invoice-intake-service/internal/services"
)

const (
	multipartOverhead = 1 << 20
	multipartMemory   = 32 << 20
)

type uploadedFile struct {
	Filename    string
	ContentType string
	Data        []byte
}

// readUpload reads the "file" (or "image") part of a multipart request.
func (h *Handler) readUpload(w http.ResponseWriter, r *http.Request) (*uploadedFile, error) {
	limit := h.Config.Intake.MaxUploadBytes
	r.Body = http.MaxBytesReader(w, r.Body, limit+multipartOverhead)
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) || strings.Contains(err.Error(), "request body too large") {
			return nil, apperr.Wrap(apperr.KindValidation,
				fmt.Sprintf("upload exceeds %d bytes", limit), services.ErrUploadTooLarge)
		}
		return nil, apperr.Validation("invalid multipart form: %v", err)
	}

	// Accept both "file" and "image" field names
	file, header, err := r.FormFile("file")
	if err != nil {
		file, header, err = r.FormFile("image")
		if err != nil {
			return nil, apperr.Validation("no file provided (use 'file' or 'image' field)")
		}
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		return nil, apperr.Validation("reading upload: %v", err)
	}
	return &uploadedFile{
		Filename:    header.Filename,
		ContentType: header.Header.Get("Content-Type"),
		Data:        data,
	}, nil
}

// Upload handles POST /api/upload. It answers 202 once the job is queued.
func (h *Handler) Upload(w http.ResponseWriter, r *http.Request) {
	f, err := h.readUpload(w, r)
	if err != nil {
		h.sendError(w, r, err)
		return
	}

	sub, err := h.Intake.Submit(r.Context(), services.Upload{
		OwnerID:     owner(r),
		Filename:    f.Filename,
		ContentType: f.ContentType,
		Data:        f.Data,
	})
	if err != nil {
		h.sendError(w, r, err)
		return
	}
	w.Header().Set("Location", "/api/jobs/"+sub.JobID)
	h.writeJSON(w, http.StatusAccepted, sub)
}

// GetJob handles GET /api/jobs/{id}
func (h *Handler) GetJob(w http.ResponseWriter, r *http.Request) {
	view, err := h.ownedJob(r)
	if err != nil {
		h.sendError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, view)
}

// CancelJob handles DELETE /api/jobs/{id}
func (h *Handler) CancelJob(w http.ResponseWriter, r *http.Request) {
	view, err := h.ownedJob(r)
	if err != nil {
		h.sendError(w, r, err)
		return
	}
	job, err := h.Intake.Cancel(r.Context(), view.Job.ID)
	if err != nil {
		h.sendError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, job)
}

func (h *Handler) ownedJob(r *http.Request) (*services.JobView, error) {
	view, err := h.Intake.Status(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		return nil, err
	}
	if view.Job.OwnerID != owner(r) {
		return nil, notFound("job")
	}
	return view, nil
}
