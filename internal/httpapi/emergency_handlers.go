package httpapi

import (
	"errors"
	"net/http"
	"strings"

	"caregate.org/internal/emergency"
)

type emergencyRequest struct {
	ResourceType string `json:"resource_type"`
	ResourceID   string `json:"resource_id"`
	Reason       string `json:"reason"`
}

type voteRequest struct {
	Approved bool   `json:"approved"`
	Reason   string `json:"reason"`
}

type reviewRequest struct {
	Notes string `json:"notes"`
}

type emergencyResponse struct {
	Workflow *emergency.Workflow `json:"workflow"`
	Access   *emergency.Access   `json:"access,omitempty"`
}

func (a *API) handleEmergencyRequests(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, http.MethodPost)
		return
	}
	if a.workflows == nil {
		writeError(w, http.StatusServiceUnavailable, "emergency service unavailable")
		return
	}
	actor, ok := a.caller(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "caller identity required")
		return
	}
	var req emergencyRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	wf, access, err := a.workflows.RequestAccess(r.Context(), emergency.Request{
		UserID:         actor,
		OrganizationID: callerOrg(r),
		ResourceType:   req.ResourceType,
		ResourceID:     req.ResourceID,
		Reason:         req.Reason,
	})
	if err != nil {
		handleEmergencyError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, emergencyResponse{Workflow: wf, Access: access})
}

// handleWorkflowResource routes /v1/emergency/workflows/{id}[/votes|/review].
func (a *API) handleWorkflowResource(w http.ResponseWriter, r *http.Request) {
	if a.workflows == nil {
		writeError(w, http.StatusServiceUnavailable, "emergency service unavailable")
		return
	}
	path := strings.Trim(strings.TrimPrefix(r.URL.Path, "/v1/emergency/workflows/"), "/")
	if path == "" {
		writeError(w, http.StatusNotFound, "resource not found")
		return
	}
	parts := strings.Split(path, "/")
	workflowID := parts[0]
	switch {
	case len(parts) == 1:
		if r.Method != http.MethodGet {
			methodNotAllowed(w, http.MethodGet)
			return
		}
		wf, err := a.workflows.Workflow(r.Context(), workflowID)
		if err != nil {
			handleEmergencyError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, emergencyResponse{Workflow: wf})
	case len(parts) == 2 && parts[1] == "votes":
		a.handleVote(w, r, workflowID)
	case len(parts) == 2 && parts[1] == "review":
		a.handleReview(w, r, workflowID)
	default:
		writeError(w, http.StatusNotFound, "resource not found")
	}
}

func (a *API) handleVote(w http.ResponseWriter, r *http.Request, workflowID string) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, http.MethodPost)
		return
	}
	actor, ok := a.caller(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "caller identity required")
		return
	}
	var req voteRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	wf, err := a.workflows.Approve(r.Context(), workflowID, actor, req.Approved, req.Reason)
	if err != nil {
		handleEmergencyError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, emergencyResponse{Workflow: wf})
}

func (a *API) handleReview(w http.ResponseWriter, r *http.Request, workflowID string) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, http.MethodPost)
		return
	}
	actor, ok := a.caller(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "caller identity required")
		return
	}
	var req reviewRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	wf, err := a.workflows.CompleteReview(r.Context(), workflowID, actor, req.Notes)
	if err != nil {
		handleEmergencyError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, emergencyResponse{Workflow: wf})
}

// handleAccessResource routes /v1/emergency/access/{id}/revoke.
func (a *API) handleAccessResource(w http.ResponseWriter, r *http.Request) {
	if a.workflows == nil {
		writeError(w, http.StatusServiceUnavailable, "emergency service unavailable")
		return
	}
	path := strings.Trim(strings.TrimPrefix(r.URL.Path, "/v1/emergency/access/"), "/")
	parts := strings.Split(path, "/")
	if len(parts) != 2 || parts[1] != "revoke" {
		writeError(w, http.StatusNotFound, "resource not found")
		return
	}
	if r.Method != http.MethodPost {
		methodNotAllowed(w, http.MethodPost)
		return
	}
	actor, ok := a.caller(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "caller identity required")
		return
	}
	if err := a.workflows.Revoke(r.Context(), parts[0], actor); err != nil {
		handleEmergencyError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func handleEmergencyError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, emergency.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, emergency.ErrInsufficientApprovers):
		writeError(w, http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, emergency.ErrNotEligible):
		writeError(w, http.StatusForbidden, err.Error())
	case errors.Is(err, emergency.ErrExpiredWorkflow),
		errors.Is(err, emergency.ErrNotPending),
		errors.Is(err, emergency.ErrVersionConflict),
		errors.Is(err, emergency.ErrDoubleActivation):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, emergency.ErrWorkflowNotFound), errors.Is(err, emergency.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, "emergency operation failed")
	}
}
