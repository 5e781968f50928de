package httpapi

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"caregate.org/internal/identity"
	"caregate.org/internal/policy"
)

// RolePolicyAdmin is required on the caller's token for policy writes.
const RolePolicyAdmin = "ADMINISTRATOR"

func (a *API) handlePolicies(w http.ResponseWriter, r *http.Request) {
	if a.policies == nil {
		writeError(w, http.StatusServiceUnavailable, "policy service unavailable")
		return
	}
	switch r.Method {
	case http.MethodGet:
		list, err := a.policies.ListByOrg(r.Context(), callerOrg(r))
		if err != nil {
			handlePolicyError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"policies": list})
	case http.MethodPost:
		if !a.ensurePolicyAdmin(w, r) {
			return
		}
		var p policy.Policy
		if err := decodeJSON(w, r, &p); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		created, err := a.policies.Create(r.Context(), &p)
		if err != nil {
			handlePolicyError(w, err)
			return
		}
		w.Header().Set("Location", fmt.Sprintf("/v1/policies/%s", created.ID))
		writeJSON(w, http.StatusCreated, created)
	default:
		methodNotAllowed(w, "GET, POST")
	}
}

func (a *API) handlePolicyResource(w http.ResponseWriter, r *http.Request) {
	if a.policies == nil {
		writeError(w, http.StatusServiceUnavailable, "policy service unavailable")
		return
	}
	id := strings.Trim(strings.TrimPrefix(r.URL.Path, "/v1/policies/"), "/")
	if id == "" || strings.Contains(id, "/") {
		writeError(w, http.StatusNotFound, "resource not found")
		return
	}
	switch r.Method {
	case http.MethodGet:
		p, err := a.policies.Get(r.Context(), id)
		if err != nil {
			handlePolicyError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, p)
	case http.MethodPut:
		if !a.ensurePolicyAdmin(w, r) {
			return
		}
		var p policy.Policy
		if err := decodeJSON(w, r, &p); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		p.ID = id
		updated, err := a.policies.Update(r.Context(), &p)
		if err != nil {
			handlePolicyError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, updated)
	default:
		methodNotAllowed(w, "GET, PUT")
	}
}

func (a *API) ensurePolicyAdmin(w http.ResponseWriter, r *http.Request) bool {
	if a.verifier == nil {
		return true
	}
	if !identity.HasRole(r.Context(), RolePolicyAdmin) {
		writeError(w, http.StatusForbidden, "policy administration requires the ADMINISTRATOR role")
		return false
	}
	return true
}

func handlePolicyError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, policy.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, policy.ErrConflict):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, policy.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, "policy operation failed")
	}
}
