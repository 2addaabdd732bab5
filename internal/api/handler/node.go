package handler

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/bcnelson/provisioner/internal/domain"
	"github.com/bcnelson/provisioner/internal/service"
)

// NodeHandler handles node endpoints and the node check-in service.
type NodeHandler struct {
	nodes  *service.NodeService
	logger *slog.Logger
}

// NewNodeHandler creates a new NodeHandler.
func NewNodeHandler(nodes *service.NodeService, logger *slog.Logger) *NodeHandler {
	return &NodeHandler{nodes: nodes, logger: logger}
}

// List lists all nodes.
func (h *NodeHandler) List(w http.ResponseWriter, r *http.Request) {
	nodes, err := h.nodes.ListNodes(r.Context())
	if err != nil {
		handleError(w, err)
		return
	}
	if nodes == nil {
		nodes = []*domain.Node{}
	}
	respondJSON(w, http.StatusOK, nodes)
}

// Get gets a node by name.
func (h *NodeHandler) Get(w http.ResponseWriter, r *http.Request) {
	node, err := h.nodes.GetNode(r.Context(), chi.URLParam(r, "name"))
	if err != nil {
		handleError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, node)
}

// Log returns the node's event log.
func (h *NodeHandler) Log(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit")
	if err != nil {
		handleError(w, err)
		return
	}
	events, err := h.nodes.NodeLog(r.Context(), chi.URLParam(r, "name"), limit)
	if err != nil {
		handleError(w, err)
		return
	}
	if events == nil {
		events = []*domain.Event{}
	}
	respondJSON(w, http.StatusOK, events)
}

// Checkin records a node's facts and tells it what to do next.
func (h *NodeHandler) Checkin(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(w, r)
	if err != nil {
		handleError(w, err)
		return
	}
	var req domain.CheckinRequest
	if err := decodeJSON(body, &req); err != nil {
		handleError(w, err)
		return
	}

	resp, err := h.nodes.Checkin(r.Context(), req)
	if err != nil {
		handleError(w, err)
		return
	}
	h.logger.Debug("node checked in", "node", resp.Node, "action", resp.Action)
	respondJSON(w, http.StatusOK, resp)
}
