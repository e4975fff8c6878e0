package web

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/cjeanneret/ScanGo/internal/debug"
	"github.com/cjeanneret/ScanGo/internal/hw/stage"
	"github.com/cjeanneret/ScanGo/internal/logic/motion"
)

// RPCRequest is one call on the /rpc websocket.
// Methods: "connect", "move_axis" (MoveRequest), "start_scan" (ScanRequest),
// "get_status" and "get_position" (AxisRequest), "is_moving",
// "wait_move" (WaitRequest), "stop" (StopRequest), "get_axis_params"
// (AxisRequest) and "set_high_speed" (HighSpeedRPC).
type RPCRequest struct {
	ID     int             `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// AxisRequest names the axis of a query. An empty axis means the scan axis.
type AxisRequest struct {
	Axis string `json:"axis"`
}

// HighSpeedRPC is the params of set_high_speed.
type HighSpeedRPC struct {
	Axis  string `json:"axis"`
	Speed int    `json:"speed"`
}

// RPCError classifies a failed call. Kind is one of "usage", "io",
// "invalid" or "internal".
type RPCError struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// RPCResponse answers the request with the same ID.
type RPCResponse struct {
	ID     int         `json:"id"`
	Result interface{} `json:"result,omitempty"`
	Error  *RPCError   `json:"error,omitempty"`
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

func rpcError(err error) *RPCError {
	kind := "internal"
	switch {
	case motion.IsUsageError(err):
		kind = "usage"
	case stage.IsIOError(err):
		kind = "io"
	}
	return &RPCError{Kind: kind, Message: err.Error()}
}

func invalid(format string, args ...interface{}) *RPCError {
	return &RPCError{Kind: "invalid", Message: fmt.Sprintf(format, args...)}
}

// HandleRPC handles GET /rpc. Calls on one socket run in order; a
// start_scan or wait_move blocks that socket until it returns. Closing the
// socket cancels the call in progress.
func (h *Handlers) HandleRPC(w http.ResponseWriter, r *http.Request) {
	if h.Exec == nil {
		http.Error(w, "stage not configured", http.StatusServiceUnavailable)
		return
	}
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		debug.Error(fmt.Errorf("rpc upgrade: %w", err))
		return
	}
	defer ws.Close()
	ws.SetReadLimit(maxBodyBytes)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	reqs := make(chan RPCRequest)
	go func() {
		defer close(reqs)
		defer cancel()
		for {
			var req RPCRequest
			if err := ws.ReadJSON(&req); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					debug.Verbose("rpc read: %v", err)
				}
				return
			}
			select {
			case reqs <- req:
			case <-ctx.Done():
				return
			}
		}
	}()

	for req := range reqs {
		resp := h.call(ctx, req)
		if err := ws.WriteJSON(resp); err != nil {
			debug.Verbose("rpc write: %v", err)
			return
		}
	}
}

// axisParam decodes an optional AxisRequest, falling back to the scan axis.
func (h *Handlers) axisParam(raw json.RawMessage) (byte, error) {
	var p AxisRequest
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &p); err != nil {
			return 0, err
		}
	}
	if p.Axis == "" {
		return h.Exec.Axis(), nil
	}
	return axisByte(p.Axis)
}

func (h *Handlers) call(ctx context.Context, req RPCRequest) RPCResponse {
	resp := RPCResponse{ID: req.ID}
	debug.Verbose("rpc %d: %s", req.ID, req.Method)

	switch req.Method {
	case "connect":
		msg, err := h.Exec.Connect()
		if err != nil {
			resp.Error = rpcError(err)
			return resp
		}
		resp.Result = msg

	case "move_axis":
		var p MoveRequest
		if err := json.Unmarshal(req.Params, &p); err != nil {
			resp.Error = invalid("move_axis params: %v", err)
			return resp
		}
		axis, err := axisByte(p.Axis)
		if err != nil {
			resp.Error = invalid("%v", err)
			return resp
		}
		msg, err := h.Exec.MoveAxis(axis, p.Position)
		if err != nil {
			resp.Error = rpcError(err)
			return resp
		}
		resp.Result = msg

	case "start_scan":
		var p ScanRequest
		if err := json.Unmarshal(req.Params, &p); err != nil {
			resp.Error = invalid("start_scan params: %v", err)
			return resp
		}
		if err := ValidateScanRequest(p); err != nil {
			resp.Error = invalid("%v", err)
			return resp
		}
		results, err := h.Exec.StartScan(ctx, p.XMin, p.XMax, p.Step)
		if err != nil {
			resp.Error = rpcError(err)
			return resp
		}
		resp.Result = results

	case "get_status", "get_position", "get_axis_params":
		axis, err := h.axisParam(req.Params)
		if err != nil {
			resp.Error = invalid("%s params: %v", req.Method, err)
			return resp
		}
		var result interface{}
		switch req.Method {
		case "get_status":
			result, err = h.Exec.Status(axis)
		case "get_position":
			result, err = h.Exec.Position(axis)
		default:
			result, err = h.Exec.AxisParams(axis)
		}
		if err != nil {
			resp.Error = rpcError(err)
			return resp
		}
		resp.Result = result

	case "is_moving":
		moving, err := h.Exec.IsMoving()
		if err != nil {
			resp.Error = rpcError(err)
			return resp
		}
		resp.Result = moving

	case "wait_move":
		var p WaitRequest
		if len(req.Params) > 0 {
			if err := json.Unmarshal(req.Params, &p); err != nil {
				resp.Error = invalid("wait_move params: %v", err)
				return resp
			}
		}
		timeout, err := waitTimeout(p)
		if err != nil {
			resp.Error = invalid("%v", err)
			return resp
		}
		if err := h.Exec.WaitMove(ctx, timeout); err != nil {
			resp.Error = rpcError(err)
			return resp
		}
		resp.Result = "Motion complete"

	case "stop":
		var p StopRequest
		if err := json.Unmarshal(req.Params, &p); err != nil {
			resp.Error = invalid("stop params: %v", err)
			return resp
		}
		axis, err := axisByte(p.Axis)
		if err != nil {
			resp.Error = invalid("%v", err)
			return resp
		}
		if err := h.Exec.Stop(axis, p.Immediate); err != nil {
			resp.Error = rpcError(err)
			return resp
		}
		resp.Result = stopMessage(axis, p.Immediate)

	case "set_high_speed":
		var p HighSpeedRPC
		if err := json.Unmarshal(req.Params, &p); err != nil {
			resp.Error = invalid("set_high_speed params: %v", err)
			return resp
		}
		axis, err := axisByte(p.Axis)
		if err != nil {
			resp.Error = invalid("%v", err)
			return resp
		}
		if err := validateSpeed(p.Speed); err != nil {
			resp.Error = invalid("%v", err)
			return resp
		}
		if err := h.Exec.SetHighSpeed(axis, p.Speed); err != nil {
			resp.Error = rpcError(err)
			return resp
		}
		resp.Result = fmt.Sprintf("High speed of %c set to %d", axis, p.Speed)

	default:
		resp.Error = invalid("unknown method %q", req.Method)
	}
	return resp
}
