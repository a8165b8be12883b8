package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/bryanchriswhite/OverlayCam/internal/camera"
	"github.com/bryanchriswhite/OverlayCam/internal/config"
	"github.com/bryanchriswhite/OverlayCam/internal/logger"
	"github.com/bryanchriswhite/OverlayCam/internal/output"
	"github.com/bryanchriswhite/OverlayCam/internal/overlay"
	"github.com/bryanchriswhite/OverlayCam/internal/recorder"
	"github.com/bryanchriswhite/OverlayCam/internal/storage"
	"github.com/bryanchriswhite/OverlayCam/internal/vendor"
)

// Camera is the part of the camera session the API drives.
type Camera interface {
	StartRecording() (camera.Recording, error)
	StopRecording() error
	Snapshot() (string, error)
	Status() camera.Status
	SetDeviceRotation(degrees int)
	SetVendor(params vendor.Params) ([]vendor.Key, error)
}

// Options wires the server to its collaborators. Only Camera is required.
type Options struct {
	Camera   Camera
	Config   *config.Manager
	Overlays *overlay.Manager
	Store    *storage.Store
	Preview  *output.MJPEGOutput
	Hub      *Hub

	// Codecs reports encoder availability for /api/codecs.
	Codecs func() interface{}
}

// Server represents the HTTP API server
type Server struct {
	opts     Options
	router   *mux.Router
	upgrader websocket.Upgrader
	log      *zerolog.Logger
}

// NewServer creates a new API server
func NewServer(opts Options) *Server {
	if opts.Overlays == nil {
		opts.Overlays = overlay.NewManager()
	}
	if opts.Hub == nil {
		opts.Hub = NewHub()
	}
	s := &Server{
		opts:   opts,
		router: mux.NewRouter(),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true // Allow all origins for development
			},
		},
		log: logger.WithComponent("api"),
	}
	s.setupRoutes()
	return s
}

// setupRoutes configures the API routes
func (s *Server) setupRoutes() {
	api := s.router.PathPrefix("/api").Subrouter()

	api.HandleFunc("/health", s.handleHealth).Methods("GET")
	api.HandleFunc("/status", s.handleStatus).Methods("GET")

	// Recording and stills
	api.HandleFunc("/recording/start", s.handleStartRecording).Methods("POST")
	api.HandleFunc("/recording/stop", s.handleStopRecording).Methods("POST")
	api.HandleFunc("/snapshot", s.handleSnapshot).Methods("POST")
	api.HandleFunc("/orientation", s.handleOrientation).Methods("PUT")
	api.HandleFunc("/vendor", s.handleVendor).Methods("PUT")
	api.HandleFunc("/codecs", s.handleCodecs).Methods("GET")

	// Overlay widgets
	api.HandleFunc("/overlay", s.handleGetOverlay).Methods("GET")
	api.HandleFunc("/overlay", s.handleSetOverlayEnabled).Methods("PUT")
	api.HandleFunc("/overlay/types", s.handleWidgetTypes).Methods("GET")
	api.HandleFunc("/overlay/widgets", s.handleAddWidget).Methods("POST")
	api.HandleFunc("/overlay/widgets/{id}", s.handleUpdateWidget).Methods("PUT")
	api.HandleFunc("/overlay/widgets/{id}", s.handleRemoveWidget).Methods("DELETE")

	// Media
	api.HandleFunc("/media", s.handleListMedia).Methods("GET")
	api.HandleFunc("/media/{name}", s.handleGetMedia).Methods("GET")
	api.HandleFunc("/media/{name}", s.handleDeleteMedia).Methods("DELETE")

	// Configuration
	api.HandleFunc("/config", s.handleGetConfig).Methods("GET")
	api.HandleFunc("/config", s.handleUpdateConfig).Methods("PUT")

	api.HandleFunc("/events", s.handleEvents)

	if p := s.opts.Preview; p != nil {
		s.router.HandleFunc("/stream", p.StreamHandler())
		s.router.HandleFunc("/still.jpg", p.StillHandler())
		api.HandleFunc("/preview/stats", p.StatsHandler()).Methods("GET")
		s.router.HandleFunc("/", p.ViewerHandler())
	} else {
		s.router.HandleFunc("/", s.handleIndex)
	}
}

// Handler returns the router wrapped with CORS headers.
func (s *Server) Handler() http.Handler {
	return s.enableCORS(s.router)
}

// Start starts the HTTP server
func (s *Server) Start(port int) error {
	addr := fmt.Sprintf(":%d", port)
	s.log.Info().Str("addr", addr).Msg("Starting HTTP server")
	return http.ListenAndServe(addr, s.Handler())
}

// enableCORS adds CORS headers
func (s *Server) enableCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func ok(w http.ResponseWriter) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "success"})
}

// httpStatus maps domain errors to status codes.
func httpStatus(err error) int {
	switch {
	case errors.Is(err, recorder.ErrAlreadyRecording),
		errors.Is(err, recorder.ErrNotRecording),
		errors.Is(err, camera.ErrNotOpen):
		return http.StatusConflict
	case errors.Is(err, storage.ErrInsufficientStorage):
		return http.StatusInsufficientStorage
	case errors.Is(err, camera.ErrNoFrame):
		return http.StatusServiceUnavailable
	case errors.Is(err, storage.ErrInvalidName),
		errors.Is(err, vendor.ErrUnknownKey):
		return http.StatusBadRequest
	case errors.Is(err, os.ErrNotExist):
		return http.StatusNotFound
	}
	return http.StatusInternalServerError
}

func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := httpStatus(err)
	if status >= 500 {
		s.log.Error().Err(err).Str("path", r.URL.Path).Msg("Request failed")
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

// HTTP Handlers

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.opts.Camera.Status())
}

func (s *Server) handleStartRecording(w http.ResponseWriter, r *http.Request) {
	rec, err := s.opts.Camera.StartRecording()
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleStopRecording(w http.ResponseWriter, r *http.Request) {
	if err := s.opts.Camera.StopRecording(); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, s.opts.Camera.Status())
}

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	path, err := s.opts.Camera.Snapshot()
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"path": path, "name": filepath.Base(path)})
}

func (s *Server) handleOrientation(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Degrees int `json:"degrees"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	s.opts.Camera.SetDeviceRotation(req.Degrees)
	ok(w)
}

func (s *Server) handleVendor(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Controls map[string]interface{} `json:"controls"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	cfg := config.Config{Vendor: config.VendorConfig{Controls: req.Controls}}
	params, err := cfg.VendorParams()
	if err != nil {
		s.fail(w, r, err)
		return
	}
	applied, err := s.opts.Camera.SetVendor(params)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"applied": applied})
}

func (s *Server) handleCodecs(w http.ResponseWriter, r *http.Request) {
	if s.opts.Codecs == nil {
		writeJSON(w, http.StatusOK, []interface{}{})
		return
	}
	writeJSON(w, http.StatusOK, s.opts.Codecs())
}

// Overlay

func (s *Server) overlayState() map[string]interface{} {
	return map[string]interface{}{
		"enabled": s.opts.Overlays.IsEnabled(),
		"widgets": s.opts.Overlays.ExportConfig(),
	}
}

// persistOverlay writes the widget set back to the config file.
func (s *Server) persistOverlay() error {
	if s.opts.Config == nil {
		return nil
	}
	return s.opts.Config.SetOverlay(s.opts.Overlays.IsEnabled(), s.opts.Overlays.ExportConfig())
}

func (s *Server) handleGetOverlay(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.overlayState())
}

func (s *Server) handleSetOverlayEnabled(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Enabled bool `json:"enabled"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	s.opts.Overlays.SetEnabled(req.Enabled)
	if err := s.persistOverlay(); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, s.overlayState())
}

func (s *Server) handleWidgetTypes(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.opts.Overlays.GetAvailableWidgetTypes())
}

func (s *Server) handleAddWidget(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Type   string                 `json:"type"`
		ID     string                 `json:"id"`
		Config map[string]interface{} `json:"config"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if req.ID == "" {
		http.Error(w, "widget id is required", http.StatusBadRequest)
		return
	}
	widget, err := s.opts.Overlays.CreateWidget(req.Type, req.ID, req.Config)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := s.opts.Overlays.AddWidget(widget); err != nil {
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}
	if err := s.persistOverlay(); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, widget.GetConfig())
}

func (s *Server) handleUpdateWidget(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	var cfg map[string]interface{}
	if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := s.opts.Overlays.UpdateWidget(id, cfg); err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	if err := s.persistOverlay(); err != nil {
		s.fail(w, r, err)
		return
	}
	widget, _ := s.opts.Overlays.GetWidget(id)
	writeJSON(w, http.StatusOK, widget.GetConfig())
}

func (s *Server) handleRemoveWidget(w http.ResponseWriter, r *http.Request) {
	if err := s.opts.Overlays.RemoveWidget(mux.Vars(r)["id"]); err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	if err := s.persistOverlay(); err != nil {
		s.fail(w, r, err)
		return
	}
	ok(w)
}

// Media

func (s *Server) handleListMedia(w http.ResponseWriter, r *http.Request) {
	if s.opts.Store == nil {
		writeJSON(w, http.StatusOK, []storage.Entry{})
		return
	}
	entries, err := s.opts.Store.List()
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if entries == nil {
		entries = []storage.Entry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

func (s *Server) handleGetMedia(w http.ResponseWriter, r *http.Request) {
	if s.opts.Store == nil {
		http.NotFound(w, r)
		return
	}
	name := mux.Vars(r)["name"]
	f, err := s.opts.Store.Open(name)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		s.fail(w, r, err)
		return
	}
	http.ServeContent(w, r, name, info.ModTime(), f)
}

func (s *Server) handleDeleteMedia(w http.ResponseWriter, r *http.Request) {
	if s.opts.Store == nil {
		http.NotFound(w, r)
		return
	}
	if err := s.opts.Store.Remove(mux.Vars(r)["name"]); err != nil {
		s.fail(w, r, err)
		return
	}
	ok(w)
}

// Configuration

func (s *Server) handleGetConfig(w http.ResponseWriter, r *http.Request) {
	if s.opts.Config == nil {
		http.NotFound(w, r)
		return
	}
	writeJSON(w, http.StatusOK, s.opts.Config.Get())
}

func (s *Server) handleUpdateConfig(w http.ResponseWriter, r *http.Request) {
	if s.opts.Config == nil {
		http.NotFound(w, r)
		return
	}
	var cfg config.Config
	if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := s.opts.Config.Update(&cfg); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	ok(w)
}

// handleEvents streams camera and storage events over a websocket. The
// first message is the current status.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn().Err(err).Msg("WebSocket upgrade failed")
		return
	}
	defer conn.Close()

	events := s.opts.Hub.Subscribe()
	defer s.opts.Hub.Unsubscribe(events)

	// Reader goroutine notices the client going away.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	status := map[string]interface{}{"type": "status", "status": s.opts.Camera.Status()}
	if err := conn.WriteJSON(status); err != nil {
		return
	}
	for {
		select {
		case <-closed:
			return
		case ev, open := <-events:
			if !open {
				return
			}
			if err := conn.WriteJSON(ev); err != nil {
				s.log.Debug().Err(err).Msg("WebSocket write failed")
				return
			}
		}
	}
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "text/html")
	w.Write([]byte(`<!DOCTYPE html>
<html lang="en">
<head><meta charset="UTF-8"><title>OverlayCam</title></head>
<body>
<h1>OverlayCam</h1>
<p>Preview is disabled. API:</p>
<ul>
<li><a href="/api/status">/api/status</a></li>
<li><a href="/api/media">/api/media</a></li>
<li><a href="/api/overlay">/api/overlay</a></li>
<li><a href="/api/codecs">/api/codecs</a></li>
</ul>
</body>
</html>`))
}
