package api

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/samhotchkiss/calpush/internal/authz"
	"github.com/samhotchkiss/calpush/internal/imports"
	authn "github.com/samhotchkiss/calpush/internal/middleware"
	"github.com/samhotchkiss/calpush/internal/resource"
	"github.com/samhotchkiss/calpush/internal/store"
)

type createImportRequest struct {
	ImportID string `json:"importId"`
	URI      string `json:"uri"`
}

type importStatusRequest struct {
	Status       string  `json:"status"`
	SucceedCount *int    `json:"succeedCount,omitempty"`
	FailedCount  *int    `json:"failedCount,omitempty"`
	Reason       *string `json:"reason,omitempty"`
}

// ImportJobResponse is the client view of an import job. The failure
// reason stays server side.
type ImportJobResponse struct {
	ID           string     `json:"id"`
	URI          string     `json:"uri"`
	Status       string     `json:"status"`
	SucceedCount *int       `json:"succeedCount,omitempty"`
	FailedCount  *int       `json:"failedCount,omitempty"`
	CreatedAt    *time.Time `json:"createdAt,omitempty"`
	UpdatedAt    *time.Time `json:"updatedAt,omitempty"`
}

func importJobResponse(job store.ImportJob) ImportJobResponse {
	resp := ImportJobResponse{
		ID:     job.ID,
		URI:    job.ResourceURI,
		Status: job.Status,
	}
	if job.Status == store.ImportStatusCompleted {
		resp.SucceedCount = job.SucceedCount
		resp.FailedCount = job.FailedCount
	}
	if !job.CreatedAt.IsZero() {
		createdAt := job.CreatedAt.UTC()
		resp.CreatedAt = &createdAt
	}
	if !job.UpdatedAt.IsZero() {
		updatedAt := job.UpdatedAt.UTC()
		resp.UpdatedAt = &updatedAt
	}
	return resp
}

// createImport records an import submitted by the storage engine so its
// outcome can be announced to subscribers of the target resource.
func (h *handlers) createImport(w http.ResponseWriter, r *http.Request) {
	var req createImportRequest
	if err := decodeJSON(w, r, &req); err != nil {
		sendError(w, http.StatusBadRequest, err.Error())
		return
	}
	importID := strings.TrimSpace(req.ImportID)
	if importID == "" {
		sendError(w, http.StatusBadRequest, "importId is required")
		return
	}
	key, err := resource.Parse(req.URI)
	if err != nil {
		sendError(w, http.StatusBadRequest, "invalid uri")
		return
	}

	job := store.ImportJob{ID: importID, ResourceURI: key.URI(), Status: store.ImportStatusPending}
	if h.jobs != nil {
		created, err := h.jobs.Create(r.Context(), store.CreateImportJobInput{ID: importID, ResourceURI: key.URI()})
		if errors.Is(err, store.ErrConflict) {
			sendError(w, http.StatusConflict, "import already exists")
			return
		}
		if err != nil {
			h.warnf("warning: import create failed import_id=%s err=%v", importID, err)
			sendError(w, http.StatusInternalServerError, "failed to record import")
			return
		}
		job = *created
	}

	if h.correlator != nil {
		if err := h.correlator.Submitted(importID, key); err != nil {
			if errors.Is(err, imports.ErrDuplicateImport) {
				sendError(w, http.StatusConflict, "import already exists")
				return
			}
			sendError(w, http.StatusBadRequest, err.Error())
			return
		}
	}

	sendJSON(w, http.StatusCreated, importJobResponse(job))
}

// updateImportStatus moves an import forward. Terminal states are routed to
// subscribers exactly once.
func (h *handlers) updateImportStatus(w http.ResponseWriter, r *http.Request) {
	importID := strings.TrimSpace(chi.URLParam(r, "id"))
	var req importStatusRequest
	if err := decodeJSON(w, r, &req); err != nil {
		sendError(w, http.StatusBadRequest, err.Error())
		return
	}
	status := strings.ToLower(strings.TrimSpace(req.Status))
	if err := validateImportStatus(status, req); err != nil {
		sendError(w, http.StatusBadRequest, err.Error())
		return
	}
	if h.correlator == nil {
		sendError(w, http.StatusServiceUnavailable, "import tracking not available")
		return
	}

	job := store.ImportJob{ID: importID, Status: status, SucceedCount: req.SucceedCount, FailedCount: req.FailedCount}
	if h.jobs != nil {
		updated, err := h.jobs.UpdateStatus(r.Context(), store.UpdateImportStatusInput{
			ID:           importID,
			Status:       status,
			SucceedCount: req.SucceedCount,
			FailedCount:  req.FailedCount,
			Reason:       req.Reason,
			Notified:     store.IsTerminalImportStatus(status),
		})
		switch {
		case errors.Is(err, store.ErrNotFound):
			sendError(w, http.StatusNotFound, "import not found")
			return
		case errors.Is(err, store.ErrImportFinished):
			sendError(w, http.StatusConflict, "import already finished")
			return
		case err != nil:
			h.warnf("warning: import status update failed import_id=%s err=%v", importID, err)
			sendError(w, http.StatusInternalServerError, "failed to update import")
			return
		}
		job = *updated

		// The import may have been submitted through another node.
		key, err := resource.Parse(job.ResourceURI)
		if err != nil {
			h.warnf("warning: stored import has invalid uri import_id=%s uri=%q", importID, job.ResourceURI)
			sendError(w, http.StatusInternalServerError, "failed to update import")
			return
		}
		if err := h.correlator.Track(importID, key); err != nil {
			sendError(w, http.StatusInternalServerError, "failed to update import")
			return
		}
	}

	var err error
	switch status {
	case store.ImportStatusProcessing:
		err = h.correlator.Processing(importID)
	case store.ImportStatusCompleted:
		err = h.correlator.Completed(r.Context(), importID, *req.SucceedCount, *req.FailedCount)
	case store.ImportStatusFailed:
		reason := ""
		if req.Reason != nil {
			reason = *req.Reason
		}
		err = h.correlator.Failed(r.Context(), importID, reason)
	}
	switch {
	case errors.Is(err, imports.ErrUnknownImport):
		sendError(w, http.StatusNotFound, "import not found")
		return
	case err != nil:
		h.warnf("warning: import outcome not routed import_id=%s err=%v", importID, err)
		sendError(w, http.StatusBadGateway, "failed to publish import outcome")
		return
	}

	sendJSON(w, http.StatusOK, importJobResponse(job))
}

func validateImportStatus(status string, req importStatusRequest) error {
	switch status {
	case store.ImportStatusProcessing, store.ImportStatusFailed:
		return nil
	case store.ImportStatusCompleted:
		if req.SucceedCount == nil || req.FailedCount == nil {
			return errors.New("succeedCount and failedCount are required")
		}
		if *req.SucceedCount < 0 || *req.FailedCount < 0 {
			return errors.New("counts must not be negative")
		}
		return nil
	default:
		return errors.New("status must be processing, completed or failed")
	}
}

// getImport lets a client recover the outcome of an import it missed. The
// caller needs read access to the import's target resource; imports on
// resources it cannot read are reported as not found.
func (h *handlers) getImport(w http.ResponseWriter, r *http.Request) {
	principal, ok := authn.PrincipalFromContext(r.Context())
	if !ok {
		sendError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	if h.jobs == nil || h.gate == nil {
		sendError(w, http.StatusServiceUnavailable, "import status not available")
		return
	}

	importID := strings.TrimSpace(chi.URLParam(r, "id"))
	job, err := h.jobs.Get(r.Context(), importID)
	if errors.Is(err, store.ErrNotFound) {
		sendError(w, http.StatusNotFound, "import not found")
		return
	}
	if err != nil {
		h.warnf("warning: import lookup failed import_id=%s err=%v", importID, err)
		sendError(w, http.StatusInternalServerError, "failed to load import")
		return
	}

	key, err := resource.Parse(job.ResourceURI)
	if err != nil {
		sendError(w, http.StatusNotFound, "import not found")
		return
	}
	decision, err := h.gate.Check(r.Context(), principal, key)
	if err != nil {
		h.warnf("warning: import access check failed import_id=%s user_id=%s err=%v", importID, principal.UserID, err)
		sendError(w, http.StatusServiceUnavailable, "access check failed")
		return
	}
	if decision != authz.Allowed {
		sendError(w, http.StatusNotFound, "import not found")
		return
	}

	sendJSON(w, http.StatusOK, importJobResponse(*job))
}
