package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/gorilla/websocket"

	"github.com/fenwick-vision/inspectord/pkg/netcam"
)

// handlePreviewSnapshot serves GET /api/preview?program_id=N: one
// still frame captured with that program's capture settings, returned
// as PNG. 409 while a program is running — the engine owns the camera
// for the duration of a run.
func (s *Server) handlePreviewSnapshot(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	id, err := strconv.Atoi(r.URL.Query().Get("program_id"))
	if err != nil {
		http.Error(w, "invalid program id", http.StatusBadRequest)
		return
	}

	encoded, err := s.runtime.PreviewSnapshot(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(encoded)
}

// handlePreviewStream upgrades GET /api/preview/stream to a WebSocket
// carrying undecoded H.264 access units as binary messages. The
// stream ends when the client disconnects or a program start pauses
// preview; a rejected stream sends one error frame and closes.
func (s *Server) handlePreviewStream(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Error("preview stream upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	// Read loop exists only to observe the client closing the socket.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				cancel()
				return
			}
		}
	}()

	frames := make(chan netcam.PreviewFrame, 8)
	errCh := make(chan error, 1)
	go func() { errCh <- s.runtime.PreviewStream(ctx, frames) }()

	for {
		select {
		case err := <-errCh:
			if err != nil && ctx.Err() == nil {
				msg, merr := json.Marshal(wsErrorFrame{Type: "error", Code: string(errorCode(err)), Message: err.Error()})
				if merr == nil {
					_ = conn.WriteMessage(websocket.TextMessage, msg)
				}
			}
			return
		case f := <-frames:
			if err := conn.WriteMessage(websocket.BinaryMessage, f.Data); err != nil {
				cancel()
				<-errCh
				return
			}
		}
	}
}
