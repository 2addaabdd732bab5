package handler

import (
	"context"
	"net/http"

	"github.com/bcnelson/provisioner/internal/hooks"
	"github.com/bcnelson/provisioner/internal/service"
)

// CollectionHandler serves the read-only policy, tag and hook listings.
type CollectionHandler struct {
	policies *service.PolicyService
	hooks    *hooks.HookService
}

// NewCollectionHandler creates a new CollectionHandler.
func NewCollectionHandler(policies *service.PolicyService, hookSvc *hooks.HookService) *CollectionHandler {
	return &CollectionHandler{policies: policies, hooks: hookSvc}
}

// list responds with the result of fn, using [] for an empty listing.
func list[T any](w http.ResponseWriter, r *http.Request, fn func(context.Context) ([]T, error)) {
	items, err := fn(r.Context())
	if err != nil {
		handleError(w, err)
		return
	}
	if items == nil {
		items = []T{}
	}
	respondJSON(w, http.StatusOK, items)
}

// Policies lists policies in precedence order.
func (h *CollectionHandler) Policies(w http.ResponseWriter, r *http.Request) {
	list(w, r, h.policies.ListPolicies)
}

// Tags lists tags.
func (h *CollectionHandler) Tags(w http.ResponseWriter, r *http.Request) {
	list(w, r, h.policies.ListTags)
}

// Hooks lists hooks.
func (h *CollectionHandler) Hooks(w http.ResponseWriter, r *http.Request) {
	list(w, r, h.hooks.ListHooks)
}
