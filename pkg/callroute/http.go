package callroute

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/nik9play/callroute/pkg/callroute/route"
)

const httpShutdownTimeout = 5 * time.Second

// httpServer exposes the routing state, device selection, the event feed and metrics
type httpServer struct {
	logger *zap.SugaredLogger
	router *router
	events *EventBroadcaster

	// only set for the in-memory backend, enables POST /headset
	memory *memoryPlatform

	server   *http.Server
	listener net.Listener
}

type devicesResponse struct {
	State string `json:"state"`
	route.RoutingSnapshot
}

type selectDeviceRequest struct {
	Device route.Device `json:"device"`
}

type toggleRequest struct {
	Enabled bool `json:"enabled"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func newHTTPServer(logger *zap.SugaredLogger, router *router, events *EventBroadcaster, memory *memoryPlatform) *httpServer {
	logger = logger.Named("http")

	s := &httpServer{
		logger: logger,
		router: router,
		events: events,
		memory: memory,
	}

	logger.Debug("Created HTTP server instance")

	return s
}

func (s *httpServer) setupRoutes(mux *http.ServeMux) {
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/devices", s.handleDevices)
	mux.HandleFunc("/devices/select", s.handleSelectDevice)
	mux.HandleFunc("/session/start", s.handleStartSession)
	mux.HandleFunc("/session/stop", s.handleStopSession)
	mux.HandleFunc("/speakerphone", s.handleSpeakerphone)
	mux.HandleFunc("/microphone/mute", s.handleMicrophoneMute)
	mux.HandleFunc("/events", s.handleEvents)

	if s.memory != nil {
		mux.HandleFunc("/headset", s.handleHeadset)
	}
}

func (s *httpServer) handler() http.Handler {
	mux := http.NewServeMux()
	s.setupRoutes(mux)

	return mux
}

// Start listens on address and serves in the background
func (s *httpServer) Start(address string) error {
	listener, err := net.Listen("tcp", address)
	if err != nil {
		s.logger.Warnw("Failed to listen", "address", address, "error", err)
		return fmt.Errorf("listen on %s: %w", address, err)
	}

	s.listener = listener
	s.server = &http.Server{
		Handler:           s.handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		if err := s.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Errorw("HTTP server stopped unexpectedly", "error", err)
		}
	}()

	s.logger.Infow("HTTP server listening", "address", listener.Addr().String())

	return nil
}

// Stop shuts the server down, waiting a bit for in-flight requests
func (s *httpServer) Stop() error {
	if s.server == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), httpShutdownTimeout)
	defer cancel()

	if err := s.server.Shutdown(ctx); err != nil {
		s.logger.Warnw("Failed to shut down HTTP server", "error", err)
		return fmt.Errorf("shut down HTTP server: %w", err)
	}

	s.logger.Debug("HTTP server stopped")

	return nil
}

func (s *httpServer) handleDevices(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeError(w, http.StatusMethodNotAllowed, errors.New("method not allowed"))
		return
	}

	s.writeSnapshot(w)
}

func (s *httpServer) handleSelectDevice(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.writeError(w, http.StatusMethodNotAllowed, errors.New("method not allowed"))
		return
	}

	var request selectDeviceRequest
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("decode request: %w", err))
		return
	}

	if err := s.router.selectDevice(request.Device); err != nil {
		s.writeError(w, statusFor(err), err)
		return
	}

	s.writeSnapshot(w)
}

func (s *httpServer) handleStartSession(w http.ResponseWriter, r *http.Request) {
	s.handleSessionChange(w, r, s.router.startSession)
}

func (s *httpServer) handleStopSession(w http.ResponseWriter, r *http.Request) {
	s.handleSessionChange(w, r, s.router.stopSession)
}

func (s *httpServer) handleSessionChange(w http.ResponseWriter, r *http.Request, change func() error) {
	if r.Method != http.MethodPost {
		s.writeError(w, http.StatusMethodNotAllowed, errors.New("method not allowed"))
		return
	}

	if err := change(); err != nil {
		s.writeError(w, statusFor(err), err)
		return
	}

	s.writeSnapshot(w)
}

func (s *httpServer) handleSpeakerphone(w http.ResponseWriter, r *http.Request) {
	s.handleToggle(w, r, s.router.setSpeakerphoneOn)
}

func (s *httpServer) handleMicrophoneMute(w http.ResponseWriter, r *http.Request) {
	s.handleToggle(w, r, s.router.setMicrophoneMute)
}

func (s *httpServer) handleToggle(w http.ResponseWriter, r *http.Request, toggle func(bool) error) {
	if r.Method != http.MethodPost {
		s.writeError(w, http.StatusMethodNotAllowed, errors.New("method not allowed"))
		return
	}

	var request toggleRequest
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("decode request: %w", err))
		return
	}

	if err := toggle(request.Enabled); err != nil {
		s.writeError(w, http.StatusBadGateway, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// handleHeadset simulates plugging a wired headset into the in-memory platform
func (s *httpServer) handleHeadset(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.writeError(w, http.StatusMethodNotAllowed, errors.New("method not allowed"))
		return
	}

	var request toggleRequest
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("decode request: %w", err))
		return
	}

	s.memory.PlugHeadset(request.Enabled)

	w.WriteHeader(http.StatusNoContent)
}

func (s *httpServer) handleEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.logger.Warnw("Failed to accept websocket", "error", err)
		return
	}

	connectionID := uuid.NewString()
	logger := s.logger.With("connectionID", connectionID, "remote", r.RemoteAddr)
	logger.Debug("Websocket client connected")

	// we never expect messages from the client, CloseRead handles pings and closes for us
	ctx := conn.CloseRead(r.Context())

	snapshot, err := s.router.snapshot()
	if err != nil {
		logger.Warnw("Failed to get initial snapshot", "error", err)
		conn.Close(websocket.StatusInternalError, "routing unavailable")
		return
	}

	s.events.Subscribe(ctx, connectionID, conn, RouteEvent{
		Type: RouteEventSnapshot,
		Data: devicesResponse{State: snapshot.State.String(), RoutingSnapshot: snapshot},
	})
	defer s.events.Unsubscribe(connectionID)

	<-ctx.Done()

	logger.Debug("Websocket client disconnected")
	conn.Close(websocket.StatusNormalClosure, "")
}

func (s *httpServer) writeSnapshot(w http.ResponseWriter) {
	snapshot, err := s.router.snapshot()
	if err != nil {
		s.writeError(w, http.StatusServiceUnavailable, err)
		return
	}

	s.writeJSON(w, http.StatusOK, devicesResponse{State: snapshot.State.String(), RoutingSnapshot: snapshot})
}

func (s *httpServer) writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.logger.Debugw("Failed to write response", "error", err)
	}
}

func (s *httpServer) writeError(w http.ResponseWriter, status int, err error) {
	s.writeJSON(w, status, errorResponse{Error: err.Error()})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, route.ErrNotRunning),
		errors.Is(err, route.ErrAlreadyRunning),
		errors.Is(err, route.ErrDeviceUnavailable):
		return http.StatusConflict
	case errors.Is(err, route.ErrLoopStopped):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
