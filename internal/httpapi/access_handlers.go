package httpapi

import (
	"errors"
	"net/http"

	"caregate.org/internal/access"
	"caregate.org/internal/identity"
	"caregate.org/internal/policy"
)

type checkAccessRequest struct {
	UserID       string `json:"user_id"`
	ResourceType string `json:"resource_type"`
	ResourceID   string `json:"resource_id"`
	Action       string `json:"action"`
	CareHomeID   string `json:"care_home_id"`
	Region       string `json:"region"`
	Country      string `json:"country"`
}

func (a *API) handleCheckAccess(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, http.MethodPost)
		return
	}
	if a.decisions == nil {
		writeError(w, http.StatusServiceUnavailable, "access service unavailable")
		return
	}
	var req checkAccessRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	// The decision is made for the authenticated caller: roles and
	// organization come from the verified token, never from the body.
	userID := req.UserID
	if callerID, ok := a.caller(r); ok && callerID != "" {
		userID = callerID
	}
	dec, err := a.decisions.CheckAccess(r.Context(), policy.AccessRequest{
		UserID:       userID,
		UserRoles:    identity.CallerRoles(r.Context()),
		ResourceType: req.ResourceType,
		ResourceID:   req.ResourceID,
		Action:       req.Action,
		Context: policy.RequestContext{
			OrganizationID: callerOrg(r),
			CareHomeID:     req.CareHomeID,
			Region:         req.Region,
			Country:        req.Country,
		},
	})
	if err != nil {
		switch {
		case errors.Is(err, access.ErrInvalidRequest):
			writeError(w, http.StatusBadRequest, err.Error())
		default:
			// The decision itself is still a valid deny; report it with
			// the outage status so callers can tell deny from failure.
			writeJSON(w, http.StatusServiceUnavailable, dec)
		}
		return
	}
	writeJSON(w, http.StatusOK, dec)
}

func callerOrg(r *http.Request) string {
	org, _ := identity.CallerOrg(r.Context())
	return org
}
