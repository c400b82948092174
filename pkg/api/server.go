// Package api implements the HTTP/JSON + WebSocket surface of the
// inspection appliance: Programs CRUD, master-image upload, recent
// results, manual trigger, digital I/O write, camera preview, and
// health. The REST
// dispatch shape — per-method handlers registered on one mux, a
// withCORS/withLogging middleware chain, and a wrapped
// http.ResponseWriter capturing the status code for access logs —
// follows a conventional net/http server layout.
package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/fenwick-vision/inspectord/pkg/apperr"
	"github.com/fenwick-vision/inspectord/pkg/logger"
	"github.com/fenwick-vision/inspectord/pkg/resultsink"
	"github.com/fenwick-vision/inspectord/pkg/store"
)

// Server is the appliance's HTTP/JSON + WebSocket front door. One
// Server exists per process; it owns no capability state directly,
// delegating all engine/trigger lifecycle to a Runtime.
type Server struct {
	st      *store.Store
	sink    *resultsink.Sink
	runtime *Runtime
	log     *logger.Logger

	httpServer *http.Server
}

// NewServer constructs a Server over the given store, result sink, and
// runtime. runtime owns the single active program's engine/controller
// pair, per the process-wide "at most one program runs concurrently"
// rule.
func NewServer(st *store.Store, sink *resultsink.Sink, runtime *Runtime, log *logger.Logger) *Server {
	return &Server{st: st, sink: sink, runtime: runtime, log: log}
}

// Handler builds the mux for all REST/WebSocket routes, wrapped in
// the CORS/logging middleware. Exposed separately from Start so tests
// can drive the routes over an httptest.Server without binding a real
// listener.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/api/programs", s.handlePrograms)
	mux.HandleFunc("/api/programs/", s.handleProgramSubroutes)
	mux.HandleFunc("/api/trigger/", s.handleTriggerManual)
	mux.HandleFunc("/api/preview", s.handlePreviewSnapshot)
	mux.HandleFunc("/api/preview/stream", s.handlePreviewStream)
	mux.HandleFunc("/api/io/write", s.handleIOWrite)
	mux.HandleFunc("/api/health", s.handleHealth)
	mux.HandleFunc("/api/ws", s.handleWebSocket)

	return s.withCORS(s.withLogging(mux))
}

// Start starts the HTTP server in the background and returns once it
// is confirmed listening (or has failed immediately).
func (s *Server) Start(ctx context.Context, addr string) error {
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
	}

	s.log.Info("starting HTTP server", "address", addr)

	errChan := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.log.Error("HTTP server error", "error", err)
			errChan <- err
		}
	}()

	select {
	case err := <-errChan:
		return err
	case <-time.After(100 * time.Millisecond):
		return nil
	}
}

// Stop gracefully stops the HTTP server.
func (s *Server) Stop(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	s.log.Info("stopping HTTP server")
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		s.log.Info("HTTP request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", wrapped.statusCode,
			"duration_ms", time.Since(start).Milliseconds(),
			"remote_addr", r.RemoteAddr,
		)
	})
}

type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// asAppErr extracts the *apperr.Error at the root of err's chain, if
// any.
func asAppErr(err error) (*apperr.Error, bool) {
	var ae *apperr.Error
	if errors.As(err, &ae) {
		return ae, true
	}
	return nil, false
}

// statusFor maps a component-boundary error to its HTTP status, per
// the error taxonomy's propagation policy at the API surface.
func statusFor(err error) int {
	ae, ok := asAppErr(err)
	if !ok {
		return http.StatusInternalServerError
	}
	switch ae.Code {
	case apperr.CodeNotFound:
		return http.StatusNotFound
	case apperr.CodeConflict:
		return http.StatusConflict
	case apperr.CodeValidation, apperr.CodeDecodeFailed, apperr.CodeResolutionMismatch, apperr.CodeProgramNotReady:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// errorCode extracts the taxonomy code for the `error` WebSocket frame
// and JSON error bodies, defaulting to INTERNAL for untyped errors.
func errorCode(err error) apperr.Code {
	if ae, ok := asAppErr(err); ok {
		return ae.Code
	}
	return apperr.CodeInternal
}
