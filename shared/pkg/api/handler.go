package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/meshsched/meshsched/pkg/logging"
	"github.com/meshsched/meshsched/pkg/models"
	"github.com/meshsched/meshsched/pkg/routing"
	"github.com/meshsched/meshsched/pkg/scheduler"
)

// maxBodyBytes caps request bodies
const maxBodyBytes = 1 << 20

// AddressBook learns where nodes accept messages. *transport.HTTPLink implements it.
type AddressBook interface {
	SetAddress(nodeID, baseURL string)
}

// StatsSource contributes an extra section to GET /stats
type StatsSource func() interface{}

// Handler serves the daemon API
type Handler struct {
	scheduler *scheduler.ResourceAwareScheduler
	router    *routing.Router
	addresses AddressBook
	extra     map[string]StatsSource
	log       *logging.Logger
	started   time.Time
}

// NewHandler creates a handler over a scheduler and its router
func NewHandler(s *scheduler.ResourceAwareScheduler, r *routing.Router, log *logging.Logger) *Handler {
	if log == nil {
		log = logging.Default()
	}
	return &Handler{
		scheduler: s,
		router:    r,
		extra:     make(map[string]StatsSource),
		log:       log.WithField("component", "api"),
		started:   time.Now(),
	}
}

// SetAddressBook makes node registrations update the transport's address table
func (h *Handler) SetAddressBook(a AddressBook) {
	h.addresses = a
}

// AddStats adds a named section to GET /stats
func (h *Handler) AddStats(name string, src StatsSource) {
	h.extra[name] = src
}

// RegisterRoutes registers all API routes
func (h *Handler) RegisterRoutes(r *mux.Router) {
	// Task routes (register specific routes before parameterized routes)
	r.HandleFunc("/tasks/estimate", h.EstimateCost).Methods("POST")
	r.HandleFunc("/tasks", h.SubmitTask).Methods("POST")
	r.HandleFunc("/tasks", h.ListTasks).Methods("GET")
	r.HandleFunc("/tasks/{id}", h.GetTask).Methods("GET")
	r.HandleFunc("/tasks/{id}/cancel", h.CancelTask).Methods("POST")
	r.HandleFunc("/tasks/{id}/complete", h.CompleteTask).Methods("POST")
	r.HandleFunc("/tasks/{id}/fail", h.FailTask).Methods("POST")

	// Node routes
	r.HandleFunc("/nodes", h.ListNodes).Methods("GET")
	r.HandleFunc("/nodes/{id}", h.GetNode).Methods("GET")
	r.HandleFunc("/nodes/{id}", h.RemoveNode).Methods("DELETE")
	r.HandleFunc("/nodes/{id}/resources", h.UpdateNodeResources).Methods("PUT")

	// Routing routes
	r.HandleFunc("/routing/tables", h.AddRoutingTable).Methods("POST")
	r.HandleFunc("/routing/tables/{node}", h.RemoveRoutingTable).Methods("DELETE")
	r.HandleFunc("/routing/routes", h.ListRoutes).Methods("GET")
	r.HandleFunc("/routing/routes/{dest}", h.FindRoute).Methods("GET")
	r.HandleFunc("/routing/recovery/{node}", h.RecordRecovery).Methods("POST")

	// Other routes
	r.HandleFunc("/stats", h.Stats).Methods("GET")
	r.HandleFunc("/health", h.Health).Methods("GET")
}

// SubmitTaskRequest is the body of POST /tasks
type SubmitTaskRequest struct {
	ID                       string                      `json:"id,omitempty"`
	Type                     string                      `json:"type"`
	Payload                  json.RawMessage             `json:"payload,omitempty"`
	Requirements             *models.ResourceRequirement `json:"requirements,omitempty"`
	Priority                 models.TaskPriority         `json:"priority,omitempty"`
	Dependencies             []string                    `json:"dependencies,omitempty"`
	TimeoutSeconds           float64                     `json:"timeout_seconds,omitempty"`
	EstimatedDurationSeconds float64                     `json:"estimated_duration_seconds,omitempty"`
	MaxRetries               int                         `json:"max_retries,omitempty"`
}

// SubmitTaskResponse is returned by POST /tasks
type SubmitTaskResponse struct {
	TaskID string `json:"task_id"`
}

// EstimateRequest is the body of POST /tasks/estimate
type EstimateRequest struct {
	Requirements    models.ResourceRequirement `json:"requirements"`
	DurationSeconds float64                    `json:"duration_seconds"`
}

// CompleteRequest is the body of POST /tasks/{id}/complete
type CompleteRequest struct {
	Result json.RawMessage `json:"result,omitempty"`
}

// FailRequest is the body of POST /tasks/{id}/fail
type FailRequest struct {
	Error string `json:"error"`
}

// StatsResponse is returned by GET /stats
type StatsResponse struct {
	Scheduler scheduler.Statistics   `json:"scheduler"`
	Routing   routing.Statistics     `json:"routing"`
	Extra     map[string]interface{} `json:"extra,omitempty"`
	Uptime    float64                `json:"uptime_seconds"`
}

func seconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}

// SubmitTask handles task submission
func (h *Handler) SubmitTask(w http.ResponseWriter, r *http.Request) {
	var req SubmitTaskRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Type == "" {
		http.Error(w, "type is required", http.StatusBadRequest)
		return
	}
	if req.Requirements != nil {
		if err := req.Requirements.Validate(); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
	}
	if req.TimeoutSeconds < 0 || req.EstimatedDurationSeconds < 0 {
		http.Error(w, "durations must not be negative", http.StatusBadRequest)
		return
	}

	id, err := h.scheduler.Submit(scheduler.SubmitRequest{
		ID:                req.ID,
		Type:              req.Type,
		Payload:           req.Payload,
		Requirements:      req.Requirements,
		Priority:          req.Priority,
		Dependencies:      req.Dependencies,
		Timeout:           seconds(req.TimeoutSeconds),
		EstimatedDuration: seconds(req.EstimatedDurationSeconds),
		MaxRetries:        req.MaxRetries,
	})
	if err != nil {
		writeError(w, err)
		return
	}

	h.log.Debugf("[API] Task %s submitted (type=%s)", id, req.Type)
	writeJSON(w, http.StatusCreated, SubmitTaskResponse{TaskID: id})
}

// ListTasks returns in-memory tasks, optionally filtered by ?status=
func (h *Handler) ListTasks(w http.ResponseWriter, r *http.Request) {
	var status models.TaskStatus
	if raw := r.URL.Query().Get("status"); raw != "" {
		parsed, err := models.ParseTaskStatus(raw)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		status = parsed
	}

	tasks := h.scheduler.ListTasks(status)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"tasks": tasks,
		"count": len(tasks),
	})
}

// GetTask returns a live or archived task
func (h *Handler) GetTask(w http.ResponseWriter, r *http.Request) {
	task, err := h.scheduler.GetTask(mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

// CancelTask cancels a pending task
func (h *Handler) CancelTask(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if !h.scheduler.Cancel(id) {
		if _, ok := h.scheduler.GetStatus(id); !ok {
			http.Error(w, fmt.Sprintf("task %s not found", id), http.StatusNotFound)
			return
		}
		http.Error(w, fmt.Sprintf("task %s is not pending", id), http.StatusConflict)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"task_id": id, "status": string(models.TaskStatusCancelled)})
}

// CompleteTask records a successful execution reported by a node
func (h *Handler) CompleteTask(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	var req CompleteRequest
	if r.ContentLength != 0 && !decodeBody(w, r, &req) {
		return
	}
	if err := h.scheduler.CompleteTask(id, req.Result); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"task_id": id, "status": string(models.TaskStatusCompleted)})
}

// FailTask records a failed execution reported by a node
func (h *Handler) FailTask(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	var req FailRequest
	if r.ContentLength != 0 && !decodeBody(w, r, &req) {
		return
	}
	if err := h.scheduler.FailTask(id, req.Error); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"task_id": id, "status": string(models.TaskStatusFailed)})
}

// EstimateCost prices a requirement on every known node
func (h *Handler) EstimateCost(w http.ResponseWriter, r *http.Request) {
	var req EstimateRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if err := req.Requirements.Validate(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if req.DurationSeconds <= 0 {
		req.DurationSeconds = 60
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"estimates": h.scheduler.EstimateCost(req.Requirements, seconds(req.DurationSeconds)),
	})
}

// UpdateNodeResources stores a node's snapshot and feeds the router's balancer
func (h *Handler) UpdateNodeResources(w http.ResponseWriter, r *http.Request) {
	nodeID := mux.Vars(r)["id"]
	var res models.NodeResources
	if !decodeBody(w, r, &res) {
		return
	}
	if res.NodeID != "" && res.NodeID != nodeID {
		http.Error(w, fmt.Sprintf("node_id %q does not match path %q", res.NodeID, nodeID), http.StatusBadRequest)
		return
	}
	res.NodeID = nodeID
	if res.LastUpdated.IsZero() {
		res.LastUpdated = time.Now()
	}
	res.Normalize()

	h.scheduler.UpdateNodeResources(nodeID, &res)
	if h.addresses != nil && res.Address != "" {
		h.addresses.SetAddress(nodeID, res.Address)
	}

	writeJSON(w, http.StatusOK, map[string]string{"node_id": nodeID, "status": "updated"})
}

// ListNodes returns every node snapshot
func (h *Handler) ListNodes(w http.ResponseWriter, r *http.Request) {
	nodes := h.scheduler.Nodes()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"nodes": nodes,
		"count": len(nodes),
	})
}

// GetNode returns one node snapshot
func (h *Handler) GetNode(w http.ResponseWriter, r *http.Request) {
	node, err := h.scheduler.GetNode(mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, node)
}

// RemoveNode forgets a node
func (h *Handler) RemoveNode(w http.ResponseWriter, r *http.Request) {
	nodeID := mux.Vars(r)["id"]
	if err := h.scheduler.RemoveNode(nodeID); err != nil {
		writeError(w, err)
		return
	}
	h.router.Balancer().RemoveNode(nodeID)
	w.WriteHeader(http.StatusNoContent)
}

// AddRoutingTable installs a neighbour's routing table
func (h *Handler) AddRoutingTable(w http.ResponseWriter, r *http.Request) {
	var table models.RoutingTable
	if !decodeBody(w, r, &table) {
		return
	}
	if table.NodeID == "" {
		http.Error(w, "node_id is required", http.StatusBadRequest)
		return
	}
	if table.Routes == nil {
		table.Routes = make(map[string]*models.RouteInfo)
	}
	if table.LastUpdate.IsZero() {
		table.LastUpdate = time.Now()
	}
	for dest, route := range table.Routes {
		if route == nil || len(route.Path) == 0 {
			http.Error(w, fmt.Sprintf("route to %s has no path", dest), http.StatusBadRequest)
			return
		}
		if route.LastUsed.IsZero() {
			route.LastUsed = table.LastUpdate
		}
	}

	h.router.AddRoutingTable(&table)
	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"node_id": table.NodeID,
		"routes":  table.RouteCount(),
	})
}

// RemoveRoutingTable drops a neighbour's routing table
func (h *Handler) RemoveRoutingTable(w http.ResponseWriter, r *http.Request) {
	nodeID := mux.Vars(r)["node"]
	if !h.router.RemoveRoutingTable(nodeID) {
		http.Error(w, fmt.Sprintf("no routing table for %s", nodeID), http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ListRoutes returns the combined routing view
func (h *Handler) ListRoutes(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{"routes": h.router.Routes()})
}

// FindRoute selects a route to dest for an optional ?class= message type
func (h *Handler) FindRoute(w http.ResponseWriter, r *http.Request) {
	dest := mux.Vars(r)["dest"]
	class := r.URL.Query().Get("class")
	if class == "" {
		class = models.MessageTypeDataTransfer
	}

	route, ok := h.router.FindRoute(r.Context(), dest, class)
	if !ok {
		http.Error(w, fmt.Sprintf("no route to %s", dest), http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"destination": dest,
		"class":       class,
		"next_hop":    route.NextHop(dest),
		"route":       route,
	})
}

// RecordRecovery clears a node's failure record
func (h *Handler) RecordRecovery(w http.ResponseWriter, r *http.Request) {
	nodeID := mux.Vars(r)["node"]
	wasSuspected := h.router.RecordRecovery(nodeID)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"node_id":       nodeID,
		"was_suspected": wasSuspected,
		"suspected_now": h.router.IsNodeSuspected(nodeID),
	})
}

// Stats returns scheduler and router statistics
func (h *Handler) Stats(w http.ResponseWriter, r *http.Request) {
	resp := StatsResponse{
		Scheduler: h.scheduler.Statistics(),
		Routing:   h.router.GetRoutingStatistics(),
		Uptime:    time.Since(h.started).Seconds(),
	}
	if len(h.extra) > 0 {
		resp.Extra = make(map[string]interface{}, len(h.extra))
		for name, src := range h.extra {
			resp.Extra[name] = src()
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// Health reports liveness
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

func decodeBody(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		http.Error(w, fmt.Sprintf("Invalid request body: %v", err), http.StatusBadRequest)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError maps scheduler errors onto status codes
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, scheduler.ErrTaskNotFound), errors.Is(err, scheduler.ErrUnknownNode):
		status = http.StatusNotFound
	case errors.Is(err, scheduler.ErrDuplicateTask), errors.Is(err, scheduler.ErrInvalidTransition):
		status = http.StatusConflict
	}
	http.Error(w, err.Error(), status)
}
