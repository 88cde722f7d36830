// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package api serves the simulator's HTTP status surface: topology
// state, flow statistics, Prometheus metrics, and a websocket stream
// of frame events.
package api

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"grimm.is/rinasim/internal/clock"
	"grimm.is/rinasim/internal/logging"
	"grimm.is/rinasim/internal/metrics"
	"grimm.is/rinasim/internal/network"
	"grimm.is/rinasim/internal/rina"
)

// ServerConfig holds HTTP server timeouts.
type ServerConfig struct {
	Listen            string
	ReadHeaderTimeout time.Duration
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	IdleTimeout       time.Duration
	MaxHeaderBytes    int
}

// DefaultServerConfig returns sane timeouts on the default port.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Listen:            ":8084",
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      0, // websocket streams stay open
		IdleTimeout:       120 * time.Second,
		MaxHeaderBytes:    1 << 16,
	}
}

// Server is the HTTP status API over one topology manager.
type Server struct {
	cfg    ServerConfig
	mgr    *network.Manager
	router *mux.Router
	hub    *eventHub
	srv    *http.Server

	started time.Time

	logger *logging.Logger
}

// NewServer builds the API without starting it.
func NewServer(cfg ServerConfig, mgr *network.Manager) *Server {
	s := &Server{
		cfg:    cfg,
		mgr:    mgr,
		router: mux.NewRouter(),
		hub:    newEventHub(),
		logger: logging.WithComponent("api"),
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	api := s.router.PathPrefix("/api").Subrouter()
	api.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)
	api.HandleFunc("/difs", s.handleDIFs).Methods(http.MethodGet)
	api.HandleFunc("/ipcps", s.handleIPCPs).Methods(http.MethodGet)
	api.HandleFunc("/flows", s.handleFlows).Methods(http.MethodGet)
	api.HandleFunc("/flows/closed", s.handleClosedFlows).Methods(http.MethodGet)
	api.HandleFunc("/flows/{id}", s.handleFlow).Methods(http.MethodGet)
	api.HandleFunc("/flows/{id}", s.handleDeallocateFlow).Methods(http.MethodDelete)
	api.HandleFunc("/links", s.handleLinks).Methods(http.MethodGet)
	api.HandleFunc("/events", s.handleEvents).Methods(http.MethodGet)

	s.router.Handle("/metrics", promhttp.HandlerFor(
		metrics.NewRegistry(s.mgr),
		promhttp.HandlerOpts{},
	)).Methods(http.MethodGet)
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler { return s.router }

// Start begins serving and subscribes the event stream to every IPCP
// currently in the topology.
func (s *Server) Start() error {
	for _, ip := range s.mgr.IPCPs() {
		ip.SubscribeFrames(s.hub)
	}
	s.hub.run()
	s.started = clock.Now()

	ln, err := net.Listen("tcp", s.cfg.Listen)
	if err != nil {
		return err
	}
	s.srv = &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: s.cfg.ReadHeaderTimeout,
		ReadTimeout:       s.cfg.ReadTimeout,
		WriteTimeout:      s.cfg.WriteTimeout,
		IdleTimeout:       s.cfg.IdleTimeout,
		MaxHeaderBytes:    s.cfg.MaxHeaderBytes,
	}
	s.logger.Info("api listening", "addr", ln.Addr().String())
	go func() {
		if err := s.srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Error("api server exited", "error", err)
		}
	}()
	return nil
}

// Stop shuts the server and the event stream down.
func (s *Server) Stop(ctx context.Context) error {
	s.hub.stop()
	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type statusResponse struct {
	DIFs          int     `json:"difs"`
	IPCPs         int     `json:"ipcps"`
	Flows         int     `json:"flows"`
	UptimeSeconds float64 `json:"uptime_seconds"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	up := 0.0
	if !s.started.IsZero() {
		up = clock.Now().Sub(s.started).Seconds()
	}
	writeJSON(w, http.StatusOK, statusResponse{
		DIFs:          len(s.mgr.DIFs()),
		IPCPs:         len(s.mgr.IPCPs()),
		Flows:         len(s.mgr.Flows()),
		UptimeSeconds: up,
	})
}

func (s *Server) handleDIFs(w http.ResponseWriter, r *http.Request) {
	difs := s.mgr.DIFs()
	out := make([]rina.DIFStatus, 0, len(difs))
	for _, d := range difs {
		out = append(out, d.Status())
	}
	writeJSON(w, http.StatusOK, out)
}

type ipcpStatus struct {
	ID        string   `json:"id"`
	DIF       string   `json:"dif"`
	Lower     string   `json:"lower,omitempty"`
	Neighbors []string `json:"neighbors"`
	Ports     []uint16 `json:"ports"`
	Flows     int      `json:"flows"`
}

func (s *Server) handleIPCPs(w http.ResponseWriter, r *http.Request) {
	ipcps := s.mgr.IPCPs()
	out := make([]ipcpStatus, 0, len(ipcps))
	for _, ip := range ipcps {
		st := ipcpStatus{
			ID:        ip.ID(),
			DIF:       ip.DIF().Name(),
			Neighbors: ip.Neighbors(),
			Ports:     ip.Ports(),
			Flows:     len(ip.Flows()),
		}
		if ip.Lower() != nil {
			st.Lower = ip.Lower().ID()
		}
		out = append(out, st)
	}
	writeJSON(w, http.StatusOK, out)
}

type flowStatus struct {
	ID          string         `json:"id"`
	Src         string         `json:"src"`
	Dest        string         `json:"dest"`
	Port        uint16         `json:"port"`
	State       string         `json:"state"`
	QoS         *rina.QoS      `json:"qos,omitempty"`
	LowerFlowID string         `json:"lower_flow_id,omitempty"`
	Stats       rina.FlowStats `json:"stats"`
}

func flowToStatus(f *rina.Flow) flowStatus {
	return flowStatus{
		ID:          f.ID(),
		Src:         f.Src().ID(),
		Dest:        f.Dest().ID(),
		Port:        f.Port(),
		State:       f.State().String(),
		QoS:         f.QoS(),
		LowerFlowID: f.LowerFlowID(),
		Stats:       f.Stats(),
	}
}

func (s *Server) handleFlows(w http.ResponseWriter, r *http.Request) {
	flows := s.mgr.Flows()
	out := make([]flowStatus, 0, len(flows))
	for _, f := range flows {
		out = append(out, flowToStatus(f))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleFlow(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	f, ok := s.mgr.Flow(id)
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown flow"})
		return
	}
	writeJSON(w, http.StatusOK, flowToStatus(f))
}

func (s *Server) handleDeallocateFlow(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	f, ok := s.mgr.Flow(id)
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown flow"})
		return
	}
	removed := f.Src().DeallocateFlow(id)
	writeJSON(w, http.StatusOK, map[string]bool{"deallocated": removed})
}

func (s *Server) handleClosedFlows(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.mgr.ClosedFlows())
}

func (s *Server) handleLinks(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.mgr.LinkStats())
}
