package api

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/fenwick-vision/inspectord/pkg/diagnostics"
	"github.com/fenwick-vision/inspectord/pkg/store"
)

// upgrader accepts connections from any origin: the appliance's
// WebSocket control surface is reached over a local/operator network,
// not a public browser origin.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// wsClientFrame is a runtime-control op sent by the operator UI.
type wsClientFrame struct {
	Op        string `json:"op"`
	ProgramID int    `json:"program_id"`
}

type wsStateFrame struct {
	Type      string `json:"type"`
	ProgramID int    `json:"program_id"`
	State     string `json:"state"`
}

type wsWarningFrame struct {
	Type    string `json:"type"`
	Kind    string `json:"kind"`
	Message string `json:"message"`
	Detail  string `json:"detail,omitempty"`
}

type wsErrorFrame struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

type wsCycleResultFrame struct {
	Type string `json:"type"`
	store.CycleResult
}

// handleWebSocket implements the runtime control surface: clients send
// {op, program_id} frames and receive cycle_result/warning/state/error
// frames for as long as the connection is open.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Error("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	// Every runtime-control connection gets its own identifier, the
	// same way the teacher tags each of its session/stream connections,
	// so multiple concurrent operator UIs are distinguishable in logs.
	connID := uuid.NewString()
	log := s.log.With("ws_conn_id", connID)
	log.DebugTrigger("websocket connection opened")
	defer log.DebugTrigger("websocket connection closed")

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	outbox := make(chan []byte, 64)
	go s.wsWritePump(ctx, conn, outbox)

	var resultsCancel, alertsCancel func()
	stopSubscriptions := func() {
		if resultsCancel != nil {
			resultsCancel()
			resultsCancel = nil
		}
		if alertsCancel != nil {
			alertsCancel()
			alertsCancel = nil
		}
	}
	defer stopSubscriptions()

	for {
		var cf wsClientFrame
		if err := conn.ReadJSON(&cf); err != nil {
			return
		}

		switch cf.Op {
		case "start":
			stopSubscriptions()
			if err := s.runtime.Start(cf.ProgramID); err != nil {
				sendFrame(outbox, wsErrorFrame{Type: "error", Code: string(errorCode(err)), Message: err.Error()})
				continue
			}
			resultsCh, rc := s.sink.Subscribe(cf.ProgramID)
			alertsCh, ac, _ := s.runtime.SubscribeAlerts()
			resultsCancel, alertsCancel = rc, ac
			go forwardResults(ctx, resultsCh, outbox)
			go forwardAlerts(ctx, alertsCh, outbox)
			sendFrame(outbox, wsStateFrame{Type: "state", ProgramID: cf.ProgramID, State: "RUNNING"})

		case "stop":
			err := s.runtime.Stop()
			stopSubscriptions()
			if err != nil {
				sendFrame(outbox, wsErrorFrame{Type: "error", Code: string(errorCode(err)), Message: err.Error()})
				continue
			}
			sendFrame(outbox, wsStateFrame{Type: "state", ProgramID: cf.ProgramID, State: "IDLE"})

		case "pause":
			if err := s.runtime.Pause(); err != nil {
				sendFrame(outbox, wsErrorFrame{Type: "error", Code: string(errorCode(err)), Message: err.Error()})
				continue
			}
			sendFrame(outbox, wsStateFrame{Type: "state", ProgramID: cf.ProgramID, State: "PAUSED"})

		case "resume":
			if err := s.runtime.Resume(); err != nil {
				sendFrame(outbox, wsErrorFrame{Type: "error", Code: string(errorCode(err)), Message: err.Error()})
				continue
			}
			sendFrame(outbox, wsStateFrame{Type: "state", ProgramID: cf.ProgramID, State: "RUNNING"})

		case "trigger_manual":
			if err := s.runtime.TriggerManual(cf.ProgramID); err != nil {
				sendFrame(outbox, wsErrorFrame{Type: "error", Code: string(errorCode(err)), Message: err.Error()})
			}

		case "reset":
			err := s.runtime.Reset()
			stopSubscriptions()
			if err != nil {
				sendFrame(outbox, wsErrorFrame{Type: "error", Code: string(errorCode(err)), Message: err.Error()})
				continue
			}
			sendFrame(outbox, wsStateFrame{Type: "state", ProgramID: cf.ProgramID, State: "IDLE"})

		default:
			sendFrame(outbox, wsErrorFrame{Type: "error", Code: "VALIDATION", Message: "unknown op " + cf.Op})
		}
	}
}

func (s *Server) wsWritePump(ctx context.Context, conn *websocket.Conn, outbox <-chan []byte) {
	for {
		select {
		case <-ctx.Done():
			return
		case b, ok := <-outbox:
			if !ok {
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
				return
			}
		}
	}
}

func forwardResults(ctx context.Context, ch <-chan store.CycleResult, outbox chan<- []byte) {
	for {
		select {
		case <-ctx.Done():
			return
		case r, ok := <-ch:
			if !ok {
				return
			}
			sendFrame(outbox, wsCycleResultFrame{Type: "cycle_result", CycleResult: r})
		}
	}
}

func forwardAlerts(ctx context.Context, ch <-chan diagnostics.Alert, outbox chan<- []byte) {
	if ch == nil {
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case a, ok := <-ch:
			if !ok {
				return
			}
			sendFrame(outbox, wsWarningFrame{Type: "warning", Kind: string(a.Kind), Message: a.Message, Detail: a.Detail})
		}
	}
}

// sendFrame marshals v and enqueues it for the write pump. A full
// outbox drops the frame rather than blocking the sender, the same
// fire-and-forget discipline the sink and diagnostics broadcasters
// apply to their own subscribers.
func sendFrame(outbox chan<- []byte, v any) {
	b, err := json.Marshal(v)
	if err != nil {
		return
	}
	select {
	case outbox <- b:
	default:
	}
}
