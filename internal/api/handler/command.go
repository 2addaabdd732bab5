package handler

import (
	"context"
	"log/slog"
	"net/http"
	"sort"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/bcnelson/provisioner/internal/domain"
	"github.com/bcnelson/provisioner/internal/hooks"
	"github.com/bcnelson/provisioner/internal/ledger"
	"github.com/bcnelson/provisioner/internal/service"
	"github.com/bcnelson/provisioner/internal/validation"
)

// CommandResponse is returned for commands that complete within the request.
type CommandResponse struct {
	Command *domain.Command `json:"command"`
	Result  any             `json:"result,omitempty"`
}

// command runs one named command from its decoded request body. Queued
// commands return the ledger entry tracking them.
type command struct {
	queued bool
	run    func(ctx context.Context, body []byte) (any, error)
}

// call adapts a service method taking a request struct.
func call[Req, Res any](fn func(context.Context, Req) (Res, error)) func(context.Context, []byte) (any, error) {
	return func(ctx context.Context, body []byte) (any, error) {
		var req Req
		if err := decodeJSON(body, &req); err != nil {
			return nil, err
		}
		return fn(ctx, req)
	}
}

// callNoResult adapts a service method that returns only an error.
func callNoResult[Req any](fn func(context.Context, Req) error) func(context.Context, []byte) (any, error) {
	return call(func(ctx context.Context, req Req) (any, error) {
		return nil, fn(ctx, req)
	})
}

// CommandHandler accepts commands by name and reports their status.
type CommandHandler struct {
	ledger   *ledger.Ledger
	logger   *slog.Logger
	commands map[string]command
}

// NewCommandHandler creates a new CommandHandler.
func NewCommandHandler(policies *service.PolicyService, nodes *service.NodeService, hookSvc *hooks.HookService, l *ledger.Ledger, logger *slog.Logger) *CommandHandler {
	h := &CommandHandler{
		ledger: l,
		logger: logger,
		commands: map[string]command{
			"create-tag":                   {run: call(policies.CreateTag)},
			"update-tag-rule":              {run: call(policies.UpdateTagRule)},
			"delete-tag":                   {run: callNoResult(policies.DeleteTag)},
			"create-policy":                {run: call(policies.CreatePolicy)},
			"move-policy":                  {run: call(policies.MovePolicy)},
			"enable-policy":                {run: call(policies.EnablePolicy)},
			"disable-policy":               {run: call(policies.DisablePolicy)},
			"update-policy-max-count":      {run: call(policies.UpdatePolicyMaxCount)},
			"add-policy-tag":               {run: call(policies.AddPolicyTag)},
			"remove-policy-tag":            {run: call(policies.RemovePolicyTag)},
			"create-repo":                  {run: call(policies.CreateRepo)},
			"create-broker":                {run: call(policies.CreateBroker)},
			"create-hook":                  {run: call(hookSvc.CreateHook)},
			"delete-hook":                  {run: callNoResult(hookSvc.DeleteHook)},
			"update-hook-configuration":    {run: call(hookSvc.UpdateHookConfiguration)},
			"set-node-ipmi-credentials":    {run: call(nodes.SetIPMICredentials)},
			"set-node-desired-power-state": {run: call(nodes.SetDesiredPowerState)},
			"reinstall-node":               {queued: true, run: call(nodes.ReinstallNode)},
			"delete-node":                  {queued: true, run: call(nodes.DeleteNode)},
			"modify-node-metadata":         {queued: true, run: call(nodes.ModifyNodeMetadata)},
		},
	}
	h.commands["cancel-command"] = command{run: call(h.cancel)}
	return h
}

// cancelCommandRequest names a queued command to cancel.
type cancelCommandRequest struct {
	ID int64 `json:"id" validate:"required"`
}

// cancel stops a command that has not ended. Its queued work is dropped
// when next delivered.
func (h *CommandHandler) cancel(ctx context.Context, req cancelCommandRequest) (*domain.Command, error) {
	if err := validation.Struct(&req); err != nil {
		return nil, err
	}
	return h.ledger.Cancel(ctx, req.ID)
}

// Names lists the accepted command names.
func (h *CommandHandler) Names() []string {
	names := make([]string, 0, len(h.commands))
	for name := range h.commands {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Submit runs the command named in the URL.
func (h *CommandHandler) Submit(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	cmd, ok := h.commands[name]
	if !ok {
		respondError(w, http.StatusNotFound, domain.ErrCodeResourceNotFound, "unknown command "+strconv.Quote(name))
		return
	}

	body, err := readBody(w, r)
	if err != nil {
		handleError(w, err)
		return
	}

	ctx := r.Context()
	result, err := cmd.run(ctx, body)
	if err != nil {
		handleError(w, err)
		return
	}

	if cmd.queued {
		respondJSON(w, http.StatusAccepted, result)
		return
	}

	// Commands that completed in the request are recorded as finished. The
	// ledger redacts secret parameters.
	var params domain.JSONObject
	if err := decodeJSON(body, &params); err != nil {
		params = domain.JSONObject{}
	}
	entry, err := h.ledger.Submit(ctx, name, params)
	if err == nil {
		err = h.ledger.Finish(ctx, entry.ID)
	}
	if err != nil {
		h.logger.Error("failed to record command", "command", name, "error", err)
		handleError(w, err)
		return
	}
	if entry, err = h.ledger.Get(ctx, entry.ID); err != nil {
		handleError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, &CommandResponse{Command: entry, Result: result})
}

// Get returns a command's status and error history.
func (h *CommandHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		respondError(w, http.StatusBadRequest, domain.ErrCodeInvalidInput, "command id must be an integer")
		return
	}
	cmd, err := h.ledger.Get(r.Context(), id)
	if err != nil {
		handleError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, cmd)
}
