package web

import (
	"context"
	"io/fs"
	"log"
	"net"
	"net/http"
	"time"
)

// Server wraps the HTTP server and handlers.
type Server struct {
	addr     string
	handlers *Handlers
}

// NewServer creates a server configured for the given address and dependencies.
func NewServer(addr string, broadcaster *StatusBroadcaster, exec Executor, formDefaults FormConfig) *Server {
	subFS, err := fs.Sub(staticFiles, "static")
	if err != nil {
		log.Fatalf("web: failed to sub static fs: %v", err)
	}

	return &Server{
		addr:     addr,
		handlers: NewHandlers(broadcaster, exec, formDefaults, subFS),
	}
}

// Mux returns an http.Handler with all routes registered.
func (s *Server) Mux() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /connect", s.handlers.HandleConnect)
	mux.HandleFunc("POST /move", s.handlers.HandleMove)
	mux.HandleFunc("POST /scan", s.handlers.HandleScan)
	mux.HandleFunc("POST /scan/cancel", s.handlers.HandleScanCancel)
	mux.HandleFunc("GET /scan/result", s.handlers.HandleScanResult)
	mux.HandleFunc("GET /status", s.handlers.HandleStatus)
	mux.HandleFunc("POST /stop", s.handlers.HandleStop)
	mux.HandleFunc("POST /wait", s.handlers.HandleWait)
	mux.HandleFunc("GET /axis/{axis}/params", s.handlers.HandleAxisParams)
	mux.HandleFunc("POST /axis/{axis}/high_speed", s.handlers.HandleHighSpeed)
	mux.HandleFunc("GET /rpc", s.handlers.HandleRPC)
	mux.HandleFunc("GET /config", s.handlers.HandleConfig)
	mux.HandleFunc("GET /status/stream", s.handlers.HandleStatusStream)
	mux.Handle("/static/", http.StripPrefix("/static/", http.FileServer(http.FS(s.handlers.staticFS))))
	mux.HandleFunc("GET /{$}", s.handlers.ServeIndex) // exact match for root only

	return mux
}

// Run starts the server and blocks until ctx is cancelled, then shuts down
// gracefully. Request contexts derive from ctx, so RPC calls end with it;
// the background scan is cancelled before connections are drained.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.addr,
		Handler:           s.Mux(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	errCh := make(chan error, 1)
	go func() {
		log.Printf("web server listening on %s", s.addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	case <-ctx.Done():
		s.handlers.Shutdown()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}
