package web

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/cjeanneret/ScanGo/internal/hw/stage"
	"github.com/cjeanneret/ScanGo/internal/logic/motion"
	"github.com/cjeanneret/ScanGo/internal/logic/scan"
	"github.com/cjeanneret/ScanGo/internal/logic/sweep"
)

// maxBodyBytes caps JSON request bodies.
const maxBodyBytes = 4 << 10

// Executor is the stage-facing side of the server.
type Executor interface {
	Connect() (string, error)
	MoveAxis(axis byte, position int) (string, error)
	StartScan(ctx context.Context, xMin, xMax, step int) ([]scan.Result, error)
	StartScanAsync(ctx context.Context, xMin, xMax, step int) (<-chan motion.ScanOutcome, error)
	Status(axis byte) (motion.Status, error)
	Position(axis byte) (int, error)
	IsMoving() (bool, error)
	WaitMove(ctx context.Context, timeout time.Duration) error
	Stop(axis byte, immediate bool) error
	AxisParams(axis byte) (stage.AxisParams, error)
	SetHighSpeed(axis byte, speed int) error
	Axis() byte
}

// ScanRequest is the body of POST /scan and the start_scan RPC.
type ScanRequest struct {
	XMin int `json:"x_min"`
	XMax int `json:"x_max"`
	Step int `json:"step"`
}

// MoveRequest is the body of POST /move and the move_axis RPC.
type MoveRequest struct {
	Axis     string `json:"axis"`
	Position int    `json:"position"`
}

// StopRequest is the body of POST /stop and the stop RPC.
type StopRequest struct {
	Axis      string `json:"axis"`
	Immediate bool   `json:"immediate"`
}

// HighSpeedRequest is the body of POST /axis/{axis}/high_speed.
type HighSpeedRequest struct {
	Speed int `json:"speed"`
}

// WaitRequest is the body of POST /wait and the wait_move RPC. Zero waits
// until the request ends.
type WaitRequest struct {
	TimeoutMs int `json:"timeout_ms"`
}

// FormConfig holds default values for the scan form (from config).
type FormConfig struct {
	Port     string `json:"port"`
	BaudRate int    `json:"baud_rate"`
	Axis     string `json:"axis"`
	XMin     int    `json:"x_min"`
	XMax     int    `json:"x_max"`
	Step     int    `json:"step"`
}

// ScanStatus is the body of GET /scan/result.
type ScanStatus struct {
	Running  bool          `json:"running"`
	Results  []scan.Result `json:"results"`
	Error    string        `json:"error,omitempty"`
	Finished string        `json:"finished,omitempty"`
}

// ValidateScanRequest rejects a range that would never advance or that
// does not fit the controller's position register.
func ValidateScanRequest(r ScanRequest) error {
	return sweep.Range{Min: r.XMin, Max: r.XMax, Step: r.Step}.Validate(true)
}

func validateSpeed(speed int) error {
	if speed <= 0 {
		return fmt.Errorf("speed must be > 0, got %d", speed)
	}
	return nil
}

func waitTimeout(r WaitRequest) (time.Duration, error) {
	if r.TimeoutMs < 0 {
		return 0, fmt.Errorf("timeout_ms must be >= 0, got %d", r.TimeoutMs)
	}
	return time.Duration(r.TimeoutMs) * time.Millisecond, nil
}

func stopMessage(axis byte, immediate bool) string {
	if immediate {
		return fmt.Sprintf("Aborted %c", axis)
	}
	return fmt.Sprintf("Stopped %c", axis)
}

// axisByte checks that a is a single character.
func axisByte(a string) (byte, error) {
	if len(a) != 1 {
		return 0, fmt.Errorf("axis must be a single character, got %q", a)
	}
	return a[0], nil
}

// Handlers holds dependencies for HTTP handlers.
type Handlers struct {
	Broadcaster  *StatusBroadcaster
	Exec         Executor
	FormDefaults FormConfig
	staticFS     fs.FS

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	last    ScanStatus
}

// NewHandlers creates handlers with the given dependencies.
// If exec is nil, stage endpoints return 503 Service Unavailable.
func NewHandlers(broadcaster *StatusBroadcaster, exec Executor, formDefaults FormConfig, staticFS fs.FS) *Handlers {
	return &Handlers{
		Broadcaster:  broadcaster,
		Exec:         exec,
		FormDefaults: formDefaults,
		staticFS:     staticFS,
	}
}

// errorStatus maps an executor error to an HTTP status: usage errors are
// conflicts with the current state, device errors are upstream failures.
func errorStatus(err error) int {
	switch {
	case errors.Is(err, stage.ErrMoveTimeout):
		return http.StatusGatewayTimeout
	case motion.IsUsageError(err):
		return http.StatusConflict
	case stage.IsIOError(err):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func decodeBody(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			http.Error(w, "request body too large", http.StatusRequestEntityTooLarge)
			return false
		}
		http.Error(w, "invalid JSON", http.StatusBadRequest)
		return false
	}
	return true
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

// HandleConnect handles POST /connect.
func (h *Handlers) HandleConnect(w http.ResponseWriter, r *http.Request) {
	if h.Exec == nil {
		http.Error(w, "stage not configured", http.StatusServiceUnavailable)
		return
	}
	msg, err := h.Exec.Connect()
	if err != nil {
		h.Broadcaster.Broadcast("error", "Connect failed: "+err.Error())
		http.Error(w, err.Error(), errorStatus(err))
		return
	}
	h.Broadcaster.BroadcastMsg(msg)
	writeJSON(w, http.StatusOK, map[string]string{"message": msg})
}

// HandleMove handles POST /move.
func (h *Handlers) HandleMove(w http.ResponseWriter, r *http.Request) {
	var req MoveRequest
	if !decodeBody(w, r, &req) {
		return
	}
	axis, err := axisByte(req.Axis)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if h.Exec == nil {
		http.Error(w, "stage not configured", http.StatusServiceUnavailable)
		return
	}
	msg, err := h.Exec.MoveAxis(axis, req.Position)
	if err != nil {
		http.Error(w, err.Error(), errorStatus(err))
		return
	}
	h.Broadcaster.BroadcastMsg(msg)
	writeJSON(w, http.StatusOK, map[string]string{"message": msg})
}

// HandleScan handles POST /scan. The scan runs in the background; poll
// GET /scan/result or follow the status stream.
func (h *Handlers) HandleScan(w http.ResponseWriter, r *http.Request) {
	var req ScanRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if err := ValidateScanRequest(req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if h.Exec == nil {
		http.Error(w, "stage not configured", http.StatusServiceUnavailable)
		return
	}

	h.mu.Lock()
	if h.running {
		h.mu.Unlock()
		http.Error(w, "scan already in progress", http.StatusConflict)
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	done, err := h.Exec.StartScanAsync(ctx, req.XMin, req.XMax, req.Step)
	if err != nil {
		h.mu.Unlock()
		cancel()
		http.Error(w, err.Error(), errorStatus(err))
		return
	}
	h.running = true
	h.cancel = cancel
	h.last = ScanStatus{Running: true}
	h.mu.Unlock()

	go func() {
		defer cancel()
		out := <-done

		h.mu.Lock()
		h.running = false
		h.cancel = nil
		h.last = ScanStatus{Results: out.Results, Finished: time.Now().Format(time.RFC3339)}
		if out.Err != nil {
			h.last.Error = out.Err.Error()
		}
		h.mu.Unlock()

		if out.Err != nil {
			h.Broadcaster.Broadcast("error", "Scan failed: "+out.Err.Error())
			log.Printf("scan failed: %v", out.Err)
			return
		}
		h.Broadcaster.Broadcast("info", fmt.Sprintf("Scan complete: %d points", len(out.Results)))
	}()

	writeJSON(w, http.StatusAccepted, map[string]string{"status": "started"})
}

// Shutdown cancels the background scan, if any. The server calls it
// before draining connections.
func (h *Handlers) Shutdown() {
	h.mu.Lock()
	cancel := h.cancel
	h.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// HandleScanCancel handles POST /scan/cancel.
func (h *Handlers) HandleScanCancel(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	cancel := h.cancel
	h.mu.Unlock()
	if cancel == nil {
		http.Error(w, "no scan in progress", http.StatusConflict)
		return
	}
	cancel()
	writeJSON(w, http.StatusOK, map[string]string{"status": "cancelling"})
}

// HandleScanResult handles GET /scan/result.
func (h *Handlers) HandleScanResult(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	st := h.last
	h.mu.Unlock()
	if st.Results == nil {
		st.Results = []scan.Result{}
	}
	writeJSON(w, http.StatusOK, st)
}

// HandleStatus handles GET /status. The axis query parameter defaults to
// the scan axis.
func (h *Handlers) HandleStatus(w http.ResponseWriter, r *http.Request) {
	if h.Exec == nil {
		http.Error(w, "stage not configured", http.StatusServiceUnavailable)
		return
	}
	axis := h.Exec.Axis()
	if a := r.URL.Query().Get("axis"); a != "" {
		var err error
		if axis, err = axisByte(a); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
	}
	st, err := h.Exec.Status(axis)
	if err != nil {
		http.Error(w, err.Error(), errorStatus(err))
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// HandleStop handles POST /stop.
func (h *Handlers) HandleStop(w http.ResponseWriter, r *http.Request) {
	var req StopRequest
	if !decodeBody(w, r, &req) {
		return
	}
	axis, err := axisByte(req.Axis)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if h.Exec == nil {
		http.Error(w, "stage not configured", http.StatusServiceUnavailable)
		return
	}
	if err := h.Exec.Stop(axis, req.Immediate); err != nil {
		http.Error(w, err.Error(), errorStatus(err))
		return
	}
	msg := stopMessage(axis, req.Immediate)
	h.Broadcaster.BroadcastMsg(msg)
	writeJSON(w, http.StatusOK, map[string]string{"message": msg})
}

// HandleAxisParams handles GET /axis/{axis}/params.
func (h *Handlers) HandleAxisParams(w http.ResponseWriter, r *http.Request) {
	axis, err := axisByte(r.PathValue("axis"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if h.Exec == nil {
		http.Error(w, "stage not configured", http.StatusServiceUnavailable)
		return
	}
	p, err := h.Exec.AxisParams(axis)
	if err != nil {
		http.Error(w, err.Error(), errorStatus(err))
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// HandleHighSpeed handles POST /axis/{axis}/high_speed.
func (h *Handlers) HandleHighSpeed(w http.ResponseWriter, r *http.Request) {
	axis, err := axisByte(r.PathValue("axis"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	var req HighSpeedRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if err := validateSpeed(req.Speed); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if h.Exec == nil {
		http.Error(w, "stage not configured", http.StatusServiceUnavailable)
		return
	}
	if err := h.Exec.SetHighSpeed(axis, req.Speed); err != nil {
		http.Error(w, err.Error(), errorStatus(err))
		return
	}
	msg := fmt.Sprintf("High speed of %c set to %d", axis, req.Speed)
	h.Broadcaster.BroadcastMsg(msg)
	writeJSON(w, http.StatusOK, map[string]string{"message": msg})
}

// HandleWait handles POST /wait. It blocks until the stage stops moving,
// the timeout elapses (504) or the client goes away.
func (h *Handlers) HandleWait(w http.ResponseWriter, r *http.Request) {
	var req WaitRequest
	if !decodeBody(w, r, &req) {
		return
	}
	timeout, err := waitTimeout(req)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if h.Exec == nil {
		http.Error(w, "stage not configured", http.StatusServiceUnavailable)
		return
	}
	if err := h.Exec.WaitMove(r.Context(), timeout); err != nil {
		http.Error(w, err.Error(), errorStatus(err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "Motion complete"})
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

	w.Write([]byte(": connected\n\n"))
	flusher.Flush()

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
