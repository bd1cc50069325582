package web

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log"
	"math"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/cjeanneret/SnapGo/internal/logic/capture"
)

const (
	// maxBodyBytes bounds POST /start request bodies.
	maxBodyBytes = 1 << 20
	// minStartInterval spaces two accepted POST /start requests.
	minStartInterval = 5 * time.Second
	// maxDurationSec bounds a single capture run started from the web.
	maxDurationSec = 24 * 3600
)

// Overrides holds capture parameters that can override config defaults.
type Overrides struct {
	FPS         float64 `json:"fps"`        // 0 = config value
	DurationSec float64 `json:"duration_s"` // 0 = until POST /stop
}

// ValidateOverrides checks that every field is finite and in range.
func ValidateOverrides(o Overrides) error {
	if math.IsNaN(o.FPS) || math.IsInf(o.FPS, 0) || o.FPS < 0 || o.FPS > 240 {
		return fmt.Errorf("fps must be between 0 (config value) and 240")
	}
	if math.IsNaN(o.DurationSec) || math.IsInf(o.DurationSec, 0) || o.DurationSec < 0 || o.DurationSec > maxDurationSec {
		return fmt.Errorf("duration_s must be between 0 and %d", maxDurationSec)
	}
	return nil
}

// RunCaptureFunc runs a capture with the given overrides until ctx is done.
// It is called from the POST /start handler in a goroutine.
type RunCaptureFunc func(ctx context.Context, overrides Overrides) error

// StatsFunc reports cumulative sink counters.
type StatsFunc func() capture.Stats

// FormConfig holds default values for the capture form (from config).
type FormConfig struct {
	Camera      string  `json:"camera"`
	Width       uint32  `json:"width"`
	Height      uint32  `json:"height"`
	PixelFormat string  `json:"pixel_format"`
	FPS         float64 `json:"fps"`
	OutputDir   string  `json:"output_dir"`
}

// Status is the GET /status payload.
type Status struct {
	Running bool          `json:"running"`
	Started *time.Time    `json:"started,omitempty"` // set while running
	Stats   capture.Stats `json:"stats"`
}

// Handlers holds dependencies for HTTP handlers.
type Handlers struct {
	Broadcaster  *StatusBroadcaster
	RunCapture   RunCaptureFunc
	Stats        StatsFunc
	FormDefaults FormConfig
	staticFS     fs.FS

	runningMu sync.Mutex
	running   bool
	started   time.Time
	lastStart time.Time
	cancel    context.CancelFunc
	done      chan struct{}

	now      func() time.Time
	upgrader websocket.Upgrader
}

// NewHandlers creates handlers with the given dependencies.
// If runCapture is nil, POST /start will return 503 Service Unavailable.
func NewHandlers(broadcaster *StatusBroadcaster, runCapture RunCaptureFunc, stats StatsFunc, formDefaults FormConfig, staticFS fs.FS) *Handlers {
	return &Handlers{
		Broadcaster:  broadcaster,
		RunCapture:   runCapture,
		Stats:        stats,
		FormDefaults: formDefaults,
		staticFS:     staticFS,
		now:          time.Now,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
		},
	}
}

// HandleConfig returns the form default values (from config) as JSON.
func (h *Handlers) HandleConfig(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.FormDefaults)
}

// ServeIndex serves the main HTML page (root path only).
func (h *Handlers) ServeIndex(w http.ResponseWriter, r *http.Request) {
	data, err := fs.ReadFile(h.staticFS, "index.html")
	if err != nil {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Write(data)
}

// HandleStart handles POST /start to begin a capture run.
func (h *Handlers) HandleStart(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	var overrides Overrides
	if err := json.NewDecoder(r.Body).Decode(&overrides); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			http.Error(w, "request body too large", http.StatusBadRequest)
			return
		}
		http.Error(w, "invalid JSON", http.StatusBadRequest)
		return
	}
	if err := ValidateOverrides(overrides); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	if h.RunCapture == nil {
		http.Error(w, "capture not configured", http.StatusServiceUnavailable)
		return
	}

	h.runningMu.Lock()
	if h.running {
		h.runningMu.Unlock()
		http.Error(w, "capture already in progress", http.StatusConflict)
		return
	}
	now := h.now()
	if !h.lastStart.IsZero() && now.Sub(h.lastStart) < minStartInterval {
		h.runningMu.Unlock()
		http.Error(w, "too many requests, retry later", http.StatusTooManyRequests)
		return
	}
	var ctx context.Context
	var cancel context.CancelFunc
	if overrides.DurationSec > 0 {
		ctx, cancel = context.WithTimeout(context.Background(), time.Duration(overrides.DurationSec*float64(time.Second)))
	} else {
		ctx, cancel = context.WithCancel(context.Background())
	}
	done := make(chan struct{})
	h.running, h.started, h.lastStart = true, now, now
	h.cancel, h.done = cancel, done
	h.runningMu.Unlock()

	// Run in goroutine; clear running when done
	go func() {
		defer close(done)
		defer func() {
			cancel()
			h.runningMu.Lock()
			h.running = false
			h.cancel = nil
			h.runningMu.Unlock()
		}()

		if overrides.FPS > 0 {
			h.Broadcaster.Broadcast("info", fmt.Sprintf("Capture started at %.2f fps", overrides.FPS))
		} else {
			h.Broadcaster.Broadcast("info", "Capture started at the configured fps")
		}
		if err := h.RunCapture(ctx, overrides); err != nil {
			h.Broadcaster.Broadcast("error", "Capture failed: "+err.Error())
			log.Printf("capture failed: %v", err)
		} else {
			h.Broadcaster.Broadcast("info", "Capture stopped")
		}
	}()

	writeJSON(w, http.StatusAccepted, map[string]string{"status": "started"})
}

// HandleStop handles POST /stop. The run is cancelled and the response is
// sent once the session has been released.
func (h *Handlers) HandleStop(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !h.StopCapture(r.Context()) {
		http.Error(w, "no capture in progress", http.StatusConflict)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "stopped"})
}

// StopCapture cancels the active run and waits for it to finish or for ctx
// to end. It reports whether a run was active.
func (h *Handlers) StopCapture(ctx context.Context) bool {
	h.runningMu.Lock()
	cancel, done, running := h.cancel, h.done, h.running
	h.runningMu.Unlock()
	if !running || cancel == nil {
		return false
	}
	cancel()
	select {
	case <-done:
	case <-ctx.Done():
	}
	return true
}

// HandleStatus returns the run state and sink counters as JSON.
func (h *Handlers) HandleStatus(w http.ResponseWriter, r *http.Request) {
	h.runningMu.Lock()
	st := Status{Running: h.running}
	if h.running {
		started := h.started
		st.Started = &started
	}
	h.runningMu.Unlock()
	if h.Stats != nil {
		st.Stats = h.Stats()
	}
	writeJSON(w, http.StatusOK, st)
}

// HandleStatusStream handles GET /status/stream for SSE.
func (h *Handlers) HandleStatusStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // nginx

	ch, unsub := h.Broadcaster.Subscribe()
	defer unsub()

	// Send initial comment to establish connection
	w.Write([]byte(": connected\n\n"))
	flusher.Flush()

	// Heartbeat while idle
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case msg, ok := <-ch:
			if !ok {
				return
			}
			w.Write([]byte("data: " + msg + "\n\n"))
			flusher.Flush()

		case <-ticker.C:
			w.Write([]byte(": heartbeat\n\n"))
			flusher.Flush()

		case <-r.Context().Done():
			return
		}
	}
}

// HandleStatusWS handles GET /status/ws: the same events as the SSE stream,
// one JSON text message each.
func (h *Handlers) HandleStatusWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return // Upgrade already replied
	}
	defer conn.Close()

	ch, unsub := h.Broadcaster.Subscribe()
	defer unsub()

	// The reader only detects the client going away.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(30 * time.Second)
	defer ping.Stop()

	for {
		select {
		case msg, ok := <-ch:
			if !ok {
				return
			}
			conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
			if err := conn.WriteMessage(websocket.TextMessage, []byte(msg)); err != nil {
				return
			}

		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second)); err != nil {
				return
			}

		case <-closed:
			return

		case <-r.Context().Done():
			return
		}
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}
