// Package transport implements the JSON-over-HTTP RPC surface of a mesh
// node: a server translating wire payloads into registry/store calls and
// a client with bounded timeouts for the gossip and sync protocols.
package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"time"

	"go.uber.org/zap"

	"meshkv/internal/telemetry"
	"meshkv/pkg/peers"
	"meshkv/pkg/store"
)

// Server is the HTTP server answering mesh RPCs.
type Server struct {
	node           Node
	host           string
	port           int
	metricsEnabled bool
	log            *zap.SugaredLogger

	listener net.Listener
	httpSrv  *http.Server
	running  bool
}

// NewServer creates a server bound to host:port. A port of 0 picks a
// free port; Addr reports the resolved address after Start.
func NewServer(node Node, host string, port int, metricsEnabled bool, log *zap.SugaredLogger) *Server {
	return &Server{
		node:           node,
		host:           host,
		port:           port,
		metricsEnabled: metricsEnabled,
		log:            log,
	}
}

// Start binds the listen address and serves in the background. A bind
// failure is returned synchronously and is fatal to node startup.
func (s *Server) Start() error {
	mux := s.routes()

	ln, err := net.Listen("tcp", fmt.Sprintf("%s:%d", s.host, s.port))
	if err != nil {
		return fmt.Errorf("bind %s:%d: %w", s.host, s.port, err)
	}
	s.listener = ln
	if addr, ok := ln.Addr().(*net.TCPAddr); ok {
		s.port = addr.Port
	}

	s.httpSrv = &http.Server{
		Handler:      mux,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	go func() {
		if err := s.httpSrv.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.log.Errorf("mesh server: %v", err)
		}
	}()

	s.running = true
	s.log.Infof("mesh server listening on %s:%d", s.host, s.port)
	return nil
}

// Stop shuts the server down, letting in-flight requests finish within
// the context deadline.
func (s *Server) Stop(ctx context.Context) error {
	if !s.running {
		return nil
	}
	s.running = false
	err := s.httpSrv.Shutdown(ctx)
	s.log.Info("mesh server stopped")
	return err
}

// Port returns the resolved listen port.
func (s *Server) Port() int { return s.port }

// IsRunning reports whether the server is serving.
func (s *Server) IsRunning() bool { return s.running }

func (s *Server) routes() *http.ServeMux {
	mux := http.NewServeMux()

	handle := func(pattern, op string, h http.HandlerFunc) {
		mux.Handle(pattern, telemetry.Instrument(op, h))
	}

	handle("GET /health", "health", s.handleHealth)
	handle("GET /info", "info", s.handleInfo)
	handle("GET /status", "status", s.handleStatus)
	handle("GET /peers", "peers", s.handleGetPeers)
	handle("POST /peers/announce", "announce", s.handleAnnounce)
	handle("GET /sync/manifest", "manifest", s.handleGetManifest)
	handle("GET /sync/data/{key...}", "get_data", s.handleGetData)
	handle("POST /sync/data/{key...}", "put_data", s.handlePostData)
	handle("POST /sync/force", "force_sync", s.handleForceSync)
	handle("POST /chat", "chat", s.handleChat)
	handle("POST /task", "task", s.handleTask)

	if s.metricsEnabled {
		mux.Handle("GET /metrics", telemetry.MetricsHandler())
	}
	return mux
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{
		Status:    "healthy",
		NodeID:    s.node.Identity().NodeID,
		Timestamp: nowSeconds(),
	})
}

func (s *Server) handleInfo(w http.ResponseWriter, r *http.Request) {
	id := s.node.Identity()
	writeJSON(w, http.StatusOK, InfoResponse{
		NodeID:       id.NodeID,
		Hostname:     id.Hostname,
		PersonaName:  id.PersonaName,
		Capabilities: id.Capabilities,
		Version:      id.Version,
		Address:      id.Address,
		Uptime:       s.node.Uptime(),
		Quorum:       s.node.Quorum(),
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.node.Status())
}

func (s *Server) handleGetPeers(w http.ResponseWriter, r *http.Request) {
	id := s.node.Identity()
	list := s.node.Registry().GossipList()
	list = append(list, peers.Summary{
		NodeID:       id.NodeID,
		Address:      id.Address,
		Hostname:     id.Hostname,
		PersonaName:  id.PersonaName,
		Capabilities: id.Capabilities,
		Version:      id.Version,
		State:        string(peers.StateAlive),
	})
	writeJSON(w, http.StatusOK, PeersResponse{Peers: list, Timestamp: nowSeconds()})
}

func (s *Server) handleAnnounce(w http.ResponseWriter, r *http.Request) {
	var req AnnounceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.NodeID == "" || req.Address == "" {
		writeError(w, http.StatusBadRequest, "missing node_id or address")
		return
	}

	reg := s.node.Registry()
	if _, ok := reg.AddOrUpdate(req.NodeID, req.Address, req.Hostname, req.PersonaName,
		req.Capabilities, req.Version, peers.SourceAnnounce); ok {
		if found, previous := reg.RecordHeartbeat(req.NodeID); found && previous == peers.StateDead {
			s.node.PeerReturned(req.NodeID)
		}
		s.log.Infof("peer announced: %s (%s) at %s", req.NodeID, req.PersonaName, req.Address)
	}

	id := s.node.Identity()
	writeJSON(w, http.StatusOK, AnnounceResponse{
		Accepted:     true,
		NodeID:       id.NodeID,
		Hostname:     id.Hostname,
		PersonaName:  id.PersonaName,
		Capabilities: id.Capabilities,
		Version:      id.Version,
	})
}

func (s *Server) handleGetManifest(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, ManifestResponse{
		Manifest:  s.node.Store().Manifest(),
		NodeID:    s.node.Identity().NodeID,
		Timestamp: nowSeconds(),
	})
}

func (s *Server) handleGetData(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")
	if key == "" {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	it, ok := s.node.Store().Get(key)
	if !ok {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	writeJSON(w, http.StatusOK, it)
}

func (s *Server) handlePostData(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")

	var it store.Item
	if err := json.NewDecoder(r.Body).Decode(&it); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if it.Key != key {
		writeError(w, http.StatusBadRequest, "key mismatch")
		return
	}
	if it.OriginNode == "" || it.Timestamp == 0 {
		writeError(w, http.StatusBadRequest, "invalid item: missing origin_node or timestamp")
		return
	}

	accepted, reason, err := s.node.Store().Merge(it)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	status := http.StatusOK
	if accepted {
		status = http.StatusCreated
	}
	writeJSON(w, status, PutItemResponse{
		Accepted: accepted,
		Reason:   reason,
		NodeID:   s.node.Identity().NodeID,
	})
}

func (s *Server) handleForceSync(w http.ResponseWriter, r *http.Request) {
	pushed, pulled := s.node.ForceSync()
	writeJSON(w, http.StatusOK, ForceSyncResponse{
		Pushed: pushed,
		Pulled: pulled,
		NodeID: s.node.Identity().NodeID,
	})
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var req ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.Message == "" {
		writeError(w, http.StatusBadRequest, "missing message")
		return
	}
	if req.Source == "" {
		req.Source = "mesh"
	}

	response, err := s.node.HandleChat(req.Message, req.Source)
	if err == ErrNotImplemented {
		writeError(w, http.StatusNotImplemented, "no chat handler")
		return
	}
	if err != nil {
		s.log.Errorf("chat handler: %v", err)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	id := s.node.Identity()
	writeJSON(w, http.StatusOK, ChatResponse{
		Response:    response,
		NodeID:      id.NodeID,
		PersonaName: id.PersonaName,
	})
}

func (s *Server) handleTask(w http.ResponseWriter, r *http.Request) {
	var task map[string]any
	if err := json.NewDecoder(r.Body).Decode(&task); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	taskID, _ := task["task_id"].(string)
	taskType, _ := task["task_type"].(string)
	if taskID == "" || taskType == "" {
		writeError(w, http.StatusBadRequest, "missing task_id or task_type")
		return
	}

	result, err := s.node.HandleTask(task)
	if err == ErrNotImplemented {
		writeError(w, http.StatusNotImplemented, "no task handler")
		return
	}
	if err != nil {
		s.log.Errorf("task handler: %v", err)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusAccepted, TaskResponse{
		Accepted: true,
		TaskID:   taskID,
		Result:   result,
		NodeID:   s.node.Identity().NodeID,
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, ErrorResponse{Error: msg})
}

func nowSeconds() float64 {
	return float64(time.Now().UnixNano()) / 1e9
}
