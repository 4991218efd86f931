package api

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/facturaIA/invoice-intake-service/internal/apperr"
	"github.com/facturaIA/invoice-intake-service/internal/db"
	"github.com/facturaIA/invoice-intake-service/internal/export"
	"github.com/facturaIA/invoice-intake-service/internal/extract"
	"github.com/facturaIA/invoice-intake-service/internal/models"
)

const (
	defaultListLimit = 100
	maxListLimit     = 500
)

// parseFilter reads type, from, to, q and limit from the query string.
func parseFilter(r *http.Request) (models.ListFilter, error) {
	q := r.URL.Query()
	f := models.ListFilter{
		OwnerID: owner(r),
		Text:    q.Get("q"),
		Limit:   defaultListLimit,
	}

	if v := q.Get("type"); v != "" {
		t, ok := models.ParseInvoiceType(v)
		if !ok {
			return f, apperr.Validation("unknown invoice type %q", v)
		}
		f.Type = t
	}
	for _, p := range []struct {
		name string
		dst  **time.Time
	}{{"from", &f.From}, {"to", &f.To}} {
		v := q.Get(p.name)
		if v == "" {
			continue
		}
		d, ok := extract.ParseDate(v)
		if !ok {
			return f, apperr.Validation("invalid %s date %q (use YYYY-MM-DD or DD/MM/YYYY)", p.name, v)
		}
		*p.dst = &d
	}
	if f.From != nil && f.To != nil && f.To.Before(*f.From) {
		return f, apperr.Validation("to is before from")
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return f, apperr.Validation("invalid limit %q", v)
		}
		f.Limit = min(n, maxListLimit)
	}
	return f, nil
}

// ListInvoices handles GET /api/invoices
func (h *Handler) ListInvoices(w http.ResponseWriter, r *http.Request) {
	filter, err := parseFilter(r)
	if err != nil {
		h.sendError(w, r, err)
		return
	}
	invoices, err := h.Invoices.ListInvoices(r.Context(), filter)
	if err != nil {
		h.sendError(w, r, storeError("listing invoices", err))
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{
		"invoices": invoices,
		"count":    len(invoices),
	})
}

// GetStats handles GET /api/invoices/stats
func (h *Handler) GetStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.Invoices.Stats(r.Context(), owner(r), h.now().AddDate(0, 0, -7))
	if err != nil {
		h.sendError(w, r, storeError("loading stats", err))
		return
	}
	h.writeJSON(w, http.StatusOK, stats)
}

// ExportInvoices handles GET /api/invoices/export. The filter is the same
// as for the list endpoint; the limit is ignored.
func (h *Handler) ExportInvoices(w http.ResponseWriter, r *http.Request) {
	filter, err := parseFilter(r)
	if err != nil {
		h.sendError(w, r, err)
		return
	}
	filter.Limit = 0

	data, err := h.Exporter.WriteXLSX(r.Context(), filter)
	if err != nil {
		h.sendError(w, r, storeError("exporting invoices", err))
		return
	}
	w.Header().Set("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="%s"`, export.Filename(h.now())))
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

// GetInvoice handles GET /api/invoices/{id}
func (h *Handler) GetInvoice(w http.ResponseWriter, r *http.Request) {
	rec, err := h.Invoices.GetInvoice(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.sendError(w, r, storeError("invoice", err))
		return
	}
	if rec.OwnerID != owner(r) {
		h.sendError(w, r, notFound("invoice"))
		return
	}
	h.writeJSON(w, http.StatusOK, rec)
}

// GetInvoiceImage handles GET /api/invoices/{id}/image. The id may be a
// record id or the id of a job that has not produced a record yet.
func (h *Handler) GetInvoiceImage(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := mux.Vars(r)["id"]

	var ref, recOwner string
	rec, err := h.Invoices.GetInvoice(ctx, id)
	switch {
	case err == nil:
		ref, recOwner = rec.ImageRef, rec.OwnerID
	case errors.Is(err, db.ErrNotFound) && h.Jobs != nil:
		job, jerr := h.Jobs.GetJob(ctx, id)
		if jerr != nil {
			h.sendError(w, r, storeError("image", jerr))
			return
		}
		ref, recOwner = job.ImageRef, job.OwnerID
	default:
		h.sendError(w, r, storeError("image", err))
		return
	}
	if recOwner != owner(r) {
		h.sendError(w, r, notFound("image"))
		return
	}

	data, contentType, err := h.Images.GetRawImage(ctx, ref)
	if err != nil {
		h.sendError(w, r, storeError("image", err))
		return
	}
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Cache-Control", "private, max-age=86400")
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

func storeError(what string, err error) error {
	switch {
	case errors.Is(err, db.ErrNotFound):
		return apperr.Wrap(apperr.KindNotFound, what+" not found", err)
	case apperr.KindOf(err) != apperr.KindInternal:
		return err
	default:
		return apperr.Wrap(apperr.KindStore, what, err)
	}
}
