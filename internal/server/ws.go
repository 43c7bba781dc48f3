package server

import (
	"context"
	"log"
	"net/http"
	"strings"
	"time"

	"connectrpc.com/connect"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"scriptresolver/internal/locator"
	"scriptresolver/internal/manager"
)

const (
	scriptWSWriteWait = 10 * time.Second
	scriptWSPongWait  = 60 * time.Second
	scriptWSPingEvery = (scriptWSPongWait * 9) / 10
)

var scriptWSUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(_ *http.Request) bool {
		return true
	},
}

type scriptWSInbound struct {
	Type      string   `json:"type"`
	ScriptID  string   `json:"scriptId,omitempty"`
	CallerID  string   `json:"callerId,omitempty"`
	ScriptIDs []string `json:"scriptIds,omitempty"`
}

type scriptWSOutbound struct {
	Type      string           `json:"type"`
	SessionID string           `json:"sessionId,omitempty"`
	Event     string           `json:"event,omitempty"`
	ScriptID  string           `json:"scriptId,omitempty"`
	CallerID  string           `json:"callerId,omitempty"`
	Locator   *locator.Locator `json:"locator,omitempty"`
	ScriptIDs []string         `json:"scriptIds,omitempty"`
	Code      string           `json:"code,omitempty"`
	Message   string           `json:"message,omitempty"`
}

// ScriptStreamHandler serves resolve and invalidate requests over a websocket
// and, when asked with ?events=1, forwards every manager event.
type ScriptStreamHandler struct {
	scripts ScriptManager
}

func NewScriptStreamHandler(scripts ScriptManager) *ScriptStreamHandler {
	return &ScriptStreamHandler{scripts: scripts}
}

func (h *ScriptStreamHandler) HandleScriptWS(w http.ResponseWriter, r *http.Request) {
	withEvents := wantsEvents(r.URL.Query().Get("events"))

	conn, err := scriptWSUpgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	sessionID := uuid.NewString()
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	if err := conn.SetReadDeadline(time.Now().Add(scriptWSPongWait)); err != nil {
		log.Printf("script ws %s: set read deadline failed: %v", sessionID, err)
		return
	}
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(scriptWSPongWait))
	})

	writeCh := make(chan scriptWSOutbound, 32)
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		ticker := time.NewTicker(scriptWSPingEvery)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case out := <-writeCh:
				if err := conn.SetWriteDeadline(time.Now().Add(scriptWSWriteWait)); err != nil {
					return
				}
				if err := conn.WriteJSON(out); err != nil {
					log.Printf("script ws %s: write failed: %v", sessionID, err)
					return
				}
			case <-ticker.C:
				if err := conn.SetWriteDeadline(time.Now().Add(scriptWSWriteWait)); err != nil {
					return
				}
				if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
					return
				}
			}
		}
	}()

	pushScriptWS(writeCh, scriptWSOutbound{Type: "session", SessionID: sessionID})

	if withEvents {
		unsubscribe := h.scripts.Subscribe(func(evt manager.Event) {
			pushScriptWS(writeCh, eventOutbound(evt))
		})
		defer unsubscribe()
	}

	for {
		var in scriptWSInbound
		if err := conn.ReadJSON(&in); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Printf("script ws %s: read failed: %v", sessionID, err)
			}
			cancel()
			<-writerDone
			return
		}

		switch msgType := strings.ToLower(strings.TrimSpace(in.Type)); msgType {
		case "":
			pushScriptWS(writeCh, scriptWSOutbound{
				Type:    "error",
				Code:    connect.CodeInvalidArgument.String(),
				Message: "type is required",
			})
		case "ping":
			pushScriptWS(writeCh, scriptWSOutbound{Type: "pong"})
		case "resolve":
			scriptID, callerID := in.ScriptID, in.CallerID
			if strings.TrimSpace(scriptID) == "" {
				pushScriptWS(writeCh, scriptWSOutbound{
					Type:    "error",
					Code:    connect.CodeInvalidArgument.String(),
					Message: "scriptId is required",
				})
				continue
			}
			loc, err := h.scripts.ResolveScript(ctx, scriptID, callerID)
			if err != nil {
				pushScriptWS(writeCh, errorOutbound(scriptID, callerID, err))
				continue
			}
			pushScriptWS(writeCh, scriptWSOutbound{
				Type:     "resolved",
				ScriptID: scriptID,
				CallerID: callerID,
				Locator:  &loc,
			})
		case "invalidate":
			ids, err := h.scripts.InvalidateScripts(ctx, in.ScriptIDs...)
			if err != nil {
				pushScriptWS(writeCh, errorOutbound("", "", err))
				continue
			}
			pushScriptWS(writeCh, scriptWSOutbound{Type: "invalidated", ScriptIDs: ids})
		default:
			pushScriptWS(writeCh, scriptWSOutbound{
				Type:    "error",
				Code:    connect.CodeInvalidArgument.String(),
				Message: "unsupported type: " + msgType,
			})
		}
	}
}

func wantsEvents(raw string) bool {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "1", "true", "yes":
		return true
	}
	return false
}

func errorOutbound(scriptID, callerID string, err error) scriptWSOutbound {
	return scriptWSOutbound{
		Type:     "error",
		ScriptID: scriptID,
		CallerID: callerID,
		Code:     toConnectError(err).Code().String(),
		Message:  err.Error(),
	}
}

func eventOutbound(evt manager.Event) scriptWSOutbound {
	out := scriptWSOutbound{
		Type:      "event",
		Event:     string(evt.Kind),
		ScriptID:  evt.ScriptID,
		CallerID:  evt.CallerID,
		Locator:   evt.Locator,
		ScriptIDs: evt.ScriptIDs,
	}
	if evt.Err != nil {
		out.Message = evt.Err.Error()
	}
	return out
}

// pushScriptWS never blocks; when the buffer is full the oldest message is
// dropped.
func pushScriptWS(writeCh chan scriptWSOutbound, out scriptWSOutbound) {
	if writeCh == nil {
		return
	}
	select {
	case writeCh <- out:
		return
	default:
	}
	select {
	case <-writeCh:
	default:
	}
	select {
	case writeCh <- out:
	default:
	}
}
