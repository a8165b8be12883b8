package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bryanchriswhite/OverlayCam/internal/camera"
	"github.com/bryanchriswhite/OverlayCam/internal/config"
	"github.com/bryanchriswhite/OverlayCam/internal/overlay"
	"github.com/bryanchriswhite/OverlayCam/internal/recorder"
	"github.com/bryanchriswhite/OverlayCam/internal/storage"
	"github.com/bryanchriswhite/OverlayCam/internal/vendor"
)

type fakeCamera struct {
	mu        sync.Mutex
	recording bool
	rotation  int
	vendor    vendor.Params
	snapErr   error
}

func (c *fakeCamera) StartRecording() (camera.Recording, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.recording {
		return camera.Recording{}, recorder.ErrAlreadyRecording
	}
	c.recording = true
	return camera.Recording{ID: "rec-1", Orientation: 90, Streams: 1}, nil
}

func (c *fakeCamera) StopRecording() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.recording {
		return recorder.ErrNotRecording
	}
	c.recording = false
	return nil
}

func (c *fakeCamera) Snapshot() (string, error) {
	if c.snapErr != nil {
		return "", c.snapErr
	}
	return "/media/IMG_1.jpg", nil
}

func (c *fakeCamera) Status() camera.Status {
	return camera.Status{Open: true, Source: "fake"}
}

func (c *fakeCamera) SetDeviceRotation(degrees int) {
	c.mu.Lock()
	c.rotation = degrees
	c.mu.Unlock()
}

func (c *fakeCamera) SetVendor(params vendor.Params) ([]vendor.Key, error) {
	c.mu.Lock()
	c.vendor = params
	c.mu.Unlock()
	keys := make([]vendor.Key, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	return keys, nil
}

type testEnv struct {
	cam      *fakeCamera
	cfg      *config.Manager
	fs       afero.Fs
	overlays *overlay.Manager
	hub      *Hub
	handler  http.Handler
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	cfg, err := config.NewManager(filepath.Join(t.TempDir(), "config.yaml"))
	require.NoError(t, err)
	fs := afero.NewMemMapFs()
	store := storage.New(storage.Config{
		Dir:       "/media",
		FreeSpace: func(string) (uint64, error) { return 1 << 40, nil },
	}, fs, nil)
	env := &testEnv{
		cam:      &fakeCamera{},
		cfg:      cfg,
		fs:       fs,
		overlays: overlay.NewManager(),
		hub:      NewHub(),
	}
	env.handler = NewServer(Options{
		Camera:   env.cam,
		Config:   cfg,
		Overlays: env.overlays,
		Store:    store,
		Hub:      env.hub,
		Codecs:   func() interface{} { return []string{"H264"} },
	}).Handler()
	return env
}

func (e *testEnv) do(t *testing.T, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

func TestRecordingEndpoints(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, "POST", "/api/recording/start", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var started camera.Recording
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &started))
	assert.Equal(t, "rec-1", started.ID)

	assert.Equal(t, http.StatusConflict, env.do(t, "POST", "/api/recording/start", nil).Code)
	assert.Equal(t, http.StatusOK, env.do(t, "POST", "/api/recording/stop", nil).Code)
	assert.Equal(t, http.StatusConflict, env.do(t, "POST", "/api/recording/stop", nil).Code)
}

func TestSnapshotErrors(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, "POST", "/api/snapshot", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"name":"IMG_1.jpg"`)

	env.cam.snapErr = camera.ErrNoFrame
	assert.Equal(t, http.StatusServiceUnavailable, env.do(t, "POST", "/api/snapshot", nil).Code)

	env.cam.snapErr = storage.ErrInsufficientStorage
	assert.Equal(t, http.StatusInsufficientStorage, env.do(t, "POST", "/api/snapshot", nil).Code)
}

func TestOrientationAndVendor(t *testing.T) {
	env := newTestEnv(t)

	assert.Equal(t, http.StatusOK, env.do(t, "PUT", "/api/orientation", map[string]int{"degrees": 270}).Code)
	assert.Equal(t, 270, env.cam.rotation)

	rec := env.do(t, "PUT", "/api/vendor", map[string]interface{}{"controls": map[string]interface{}{"cds_mode": 2}})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, vendor.Params{vendor.CDSMode: 2}, env.cam.vendor)

	rec = env.do(t, "PUT", "/api/vendor", map[string]interface{}{"controls": map[string]interface{}{"zoom": 2}})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestOverlayWidgetsArePersisted(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, "POST", "/api/overlay/widgets", map[string]interface{}{
		"type": "text", "id": "title", "config": map[string]interface{}{"text": "Hello"},
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, http.StatusConflict, env.do(t, "POST", "/api/overlay/widgets", map[string]interface{}{
		"type": "text", "id": "title",
	}).Code)

	rec = env.do(t, "PUT", "/api/overlay/widgets/title", map[string]interface{}{"text": "Bye"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "Bye")

	widgets := env.cfg.Get().Overlay.Widgets
	require.Len(t, widgets, 1)
	assert.Equal(t, "Bye", widgets[0]["text"])

	assert.Equal(t, http.StatusOK, env.do(t, "DELETE", "/api/overlay/widgets/title", nil).Code)
	assert.Equal(t, http.StatusNotFound, env.do(t, "DELETE", "/api/overlay/widgets/title", nil).Code)
	assert.Empty(t, env.cfg.Get().Overlay.Widgets)

	rec = env.do(t, "PUT", "/api/overlay", map[string]bool{"enabled": false})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.False(t, env.overlays.IsEnabled())
	assert.False(t, env.cfg.Get().Overlay.Enabled)
}

func TestMediaEndpoints(t *testing.T) {
	env := newTestEnv(t)
	require.NoError(t, afero.WriteFile(env.fs, "/media/VID_a.mp4", []byte("movie"), 0644))

	rec := env.do(t, "GET", "/api/media", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var entries []storage.Entry
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &entries))
	require.Len(t, entries, 1)
	assert.Equal(t, "VID_a.mp4", entries[0].Name)

	rec = env.do(t, "GET", "/api/media/VID_a.mp4", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "movie", rec.Body.String())

	assert.Equal(t, http.StatusBadRequest, env.do(t, "GET", "/api/media/notes.txt", nil).Code)
	assert.Equal(t, http.StatusNotFound, env.do(t, "GET", "/api/media/VID_b.mp4", nil).Code)

	assert.Equal(t, http.StatusOK, env.do(t, "DELETE", "/api/media/VID_a.mp4", nil).Code)
	exists, err := afero.Exists(env.fs, "/media/VID_a.mp4")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestCodecsAndConfig(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, "GET", "/api/codecs", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `["H264"]`, rec.Body.String())

	rec = env.do(t, "GET", "/api/config", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var cfg config.Config
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &cfg))
	assert.Equal(t, 8080, cfg.ServerPort)

	cfg.Camera.Resolution = "nonsense"
	assert.Equal(t, http.StatusBadRequest, env.do(t, "PUT", "/api/config", cfg).Code)
}

func TestEventsWebsocket(t *testing.T) {
	env := newTestEnv(t)
	srv := httptest.NewServer(env.handler)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/events"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	var first map[string]interface{}
	require.NoError(t, conn.ReadJSON(&first))
	assert.Equal(t, "status", first["type"])

	env.hub.PublishCamera(camera.Event{Type: camera.EventRecording, State: "encoding"})
	env.hub.InsufficientStorage("/media", 10, 100)

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var ev map[string]interface{}
	require.NoError(t, conn.ReadJSON(&ev))
	assert.Equal(t, "recording", ev["type"])
	assert.Equal(t, "encoding", ev["state"])

	require.NoError(t, conn.ReadJSON(&ev))
	assert.Equal(t, "storage", ev["type"])
	assert.Equal(t, float64(10), ev["free"])
}

func TestHubDropsForSlowSubscribers(t *testing.T) {
	h := NewHub()
	ch := h.Subscribe()
	for i := 0; i < subscriberBuffer+10; i++ {
		h.Publish(i)
	}
	assert.Len(t, ch, subscriberBuffer)
	h.Unsubscribe(ch)
	h.Unsubscribe(ch)
	_, open := <-ch
	assert.False(t, open)
}
