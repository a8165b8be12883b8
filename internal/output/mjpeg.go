package output

import (
	"bytes"
	"encoding/json"
	"fmt"
	"image"
	"image/jpeg"
	"net/http"
	"sync"
	"time"

	"github.com/bryanchriswhite/OverlayCam/internal/logger"
)

const mjpegQuality = 80

// MJPEGOutput streams the composited preview as Motion JPEG over HTTP.
// Frames are only encoded while at least one client is connected or a
// still is requested.
type MJPEGOutput struct {
	config  Config
	running bool
	mu      sync.RWMutex

	// Latest encoded frame
	frameMu     sync.RWMutex
	currentJPEG []byte
	lastUpdate  time.Time
	lastPTS     time.Duration
	pts         time.Duration

	// Connected clients
	clientsMu sync.RWMutex
	clients   map[chan []byte]struct{}

	// Stats
	frameCount uint64
	skipped    uint64
	startTime  time.Time
}

var _ Output = (*MJPEGOutput)(nil)

// NewMJPEGOutput creates a new MJPEG stream output
func NewMJPEGOutput(config Config) *MJPEGOutput {
	return &MJPEGOutput{
		config:  config,
		clients: make(map[chan []byte]struct{}),
	}
}

// Start initializes the MJPEG output
// Note: The HTTP handler is registered separately via StreamHandler()
func (m *MJPEGOutput) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.running {
		return fmt.Errorf("MJPEG output already running")
	}

	m.running = true
	m.startTime = time.Now()
	m.frameCount = 0

	logger.WithComponent("mjpeg").Info().
		Int("width", m.config.Width).
		Int("height", m.config.Height).
		Int("fps", m.config.FPS).
		Msg("MJPEG output started")
	return nil
}

// Stop cleanly shuts down the output
func (m *MJPEGOutput) Stop() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.running {
		return nil
	}

	m.running = false

	// Close all client connections
	m.clientsMu.Lock()
	for ch := range m.clients {
		close(ch)
	}
	m.clients = make(map[chan []byte]struct{})
	m.clientsMu.Unlock()

	logger.WithComponent("mjpeg").Info().Uint64("frames", m.frameCount).Msg("MJPEG output stopped")
	return nil
}

// SetPresentationTime implements codec.Surface.
func (m *MJPEGOutput) SetPresentationTime(pts time.Duration) {
	m.frameMu.Lock()
	m.pts = pts
	m.frameMu.Unlock()
}

// SwapBuffers encodes frame and sends it to all connected clients. Frames
// closer together than the configured rate are skipped.
func (m *MJPEGOutput) SwapBuffers(frame *image.RGBA) error {
	if !m.IsRunning() {
		return fmt.Errorf("MJPEG output not running")
	}

	m.frameMu.RLock()
	pts, lastPTS, have := m.pts, m.lastPTS, m.currentJPEG != nil
	m.frameMu.RUnlock()
	if have && pts-lastPTS < m.config.interval() && pts >= lastPTS {
		m.mu.Lock()
		m.skipped++
		m.mu.Unlock()
		return nil
	}

	m.clientsMu.RLock()
	clientCount := len(m.clients)
	m.clientsMu.RUnlock()
	if clientCount == 0 && have {
		// keep the still roughly fresh without paying for every frame
		m.frameMu.RLock()
		stale := time.Since(m.lastUpdate) > time.Second
		m.frameMu.RUnlock()
		if !stale {
			return nil
		}
	}

	buf := new(bytes.Buffer)
	if err := jpeg.Encode(buf, frame, &jpeg.Options{Quality: mjpegQuality}); err != nil {
		return fmt.Errorf("failed to encode JPEG: %w", err)
	}
	jpegData := buf.Bytes()

	m.frameMu.Lock()
	m.currentJPEG = jpegData
	m.lastUpdate = time.Now()
	m.lastPTS = pts
	m.frameMu.Unlock()

	m.mu.Lock()
	m.frameCount++
	m.mu.Unlock()

	// Broadcast to all clients
	m.clientsMu.RLock()
	for ch := range m.clients {
		select {
		case ch <- jpegData:
		default:
			// Client is slow, skip this frame
		}
	}
	m.clientsMu.RUnlock()

	return nil
}

// Name returns the output type name
func (m *MJPEGOutput) Name() string {
	return "MJPEG HTTP Stream"
}

// IsRunning returns true if the output is active
func (m *MJPEGOutput) IsRunning() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.running
}

// LatestJPEG returns the most recent encoded frame, or nil.
func (m *MJPEGOutput) LatestJPEG() []byte {
	m.frameMu.RLock()
	defer m.frameMu.RUnlock()
	return m.currentJPEG
}

// StreamHandler returns an http.Handler for the MJPEG stream
// Mount this at /stream or similar endpoint
func (m *MJPEGOutput) StreamHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !m.IsRunning() {
			http.Error(w, "preview not running", http.StatusServiceUnavailable)
			return
		}

		w.Header().Set("Content-Type", "multipart/x-mixed-replace; boundary=frame")
		w.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")
		w.Header().Set("Pragma", "no-cache")
		w.Header().Set("Expires", "0")
		w.Header().Set("Connection", "close")

		frameChan := make(chan []byte, 2) // Buffer 2 frames

		m.clientsMu.Lock()
		m.clients[frameChan] = struct{}{}
		clientCount := len(m.clients)
		m.clientsMu.Unlock()

		log := logger.WithComponent("mjpeg")
		log.Info().Int("clients", clientCount).Msg("Client connected")

		defer func() {
			m.clientsMu.Lock()
			delete(m.clients, frameChan)
			clientCount := len(m.clients)
			m.clientsMu.Unlock()
			log.Info().Int("clients", clientCount).Msg("Client disconnected")
		}()

		ctx := r.Context()
		for {
			var jpegData []byte
			select {
			case <-ctx.Done():
				return
			case data, ok := <-frameChan:
				if !ok {
					return
				}
				jpegData = data
			}

			if _, err := fmt.Fprintf(w, "--frame\r\nContent-Type: image/jpeg\r\nContent-Length: %d\r\n\r\n", len(jpegData)); err != nil {
				return
			}
			if _, err := w.Write(jpegData); err != nil {
				return
			}
			if _, err := fmt.Fprintf(w, "\r\n"); err != nil {
				return
			}
			if f, ok := w.(http.Flusher); ok {
				f.Flush()
			}
		}
	}
}

// StillHandler serves the latest preview frame as a single JPEG.
func (m *MJPEGOutput) StillHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		data := m.LatestJPEG()
		if data == nil {
			http.Error(w, "no frame yet", http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "image/jpeg")
		w.Header().Set("Cache-Control", "no-cache")
		w.Write(data)
	}
}

// ViewerHandler serves a bare page showing the stream.
func (m *MJPEGOutput) ViewerHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.Write([]byte(viewerHTML))
	}
}

const viewerHTML = `<!DOCTYPE html>
<html lang="en">
<head>
    <meta charset="UTF-8">
    <meta name="viewport" content="width=device-width, initial-scale=1.0">
    <title>OverlayCam</title>
    <style>
        * { margin: 0; padding: 0; box-sizing: border-box; }
        body { background: #000; display: flex; justify-content: center; align-items: center; min-height: 100vh; }
        img { width: 100vw; height: 100vh; object-fit: contain; display: block; }
        #state { position: fixed; top: 12px; left: 12px; padding: 4px 10px; border-radius: 12px;
                 font: 13px system-ui, sans-serif; color: #fff; background: rgba(40,40,40,0.8); }
        #state.encoding { background: rgba(200,40,40,0.9); }
    </style>
</head>
<body>
    <img src="/stream" alt="OverlayCam preview">
    <div id="state">idle</div>
    <script>
        const state = document.getElementById('state');
        const ws = new WebSocket((location.protocol === 'https:' ? 'wss://' : 'ws://') + location.host + '/api/events');
        ws.onmessage = (e) => {
            const ev = JSON.parse(e.data);
            if (ev.type === 'recording') {
                state.textContent = ev.state;
                state.className = ev.state;
            }
        };
    </script>
</body>
</html>`

// Stats is a point-in-time view of the preview stream.
type Stats struct {
	Running    bool    `json:"running"`
	Width      int     `json:"width"`
	Height     int     `json:"height"`
	TargetFPS  int     `json:"target_fps"`
	ActualFPS  float64 `json:"actual_fps"`
	Frames     uint64  `json:"frames"`
	Skipped    uint64  `json:"skipped"`
	Clients    int     `json:"clients"`
	LastUpdate string  `json:"last_update,omitempty"`
	Uptime     string  `json:"uptime,omitempty"`
}

// Stats returns the current stream statistics.
func (m *MJPEGOutput) Stats() Stats {
	m.mu.RLock()
	running := m.running
	frameCount := m.frameCount
	skipped := m.skipped
	startTime := m.startTime
	m.mu.RUnlock()

	m.frameMu.RLock()
	lastUpdate := m.lastUpdate
	m.frameMu.RUnlock()

	m.clientsMu.RLock()
	clientCount := len(m.clients)
	m.clientsMu.RUnlock()

	s := Stats{
		Running:   running,
		Width:     m.config.Width,
		Height:    m.config.Height,
		TargetFPS: m.config.FPS,
		Frames:    frameCount,
		Skipped:   skipped,
		Clients:   clientCount,
	}
	if running && !startTime.IsZero() {
		elapsed := time.Since(startTime)
		if elapsed > 0 {
			s.ActualFPS = float64(frameCount) / elapsed.Seconds()
		}
		s.Uptime = elapsed.Round(time.Second).String()
	}
	if !lastUpdate.IsZero() {
		s.LastUpdate = lastUpdate.Format(time.RFC3339)
	}
	return s
}

// StatsHandler serves Stats as JSON.
func (m *MJPEGOutput) StatsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(m.Stats())
	}
}
