package server

import (
	"context"
	"net/http"

	"scriptresolver/internal/locator"
	"scriptresolver/internal/manager"
)

// ScriptManager is the part of *manager.Manager served over HTTP.
type ScriptManager interface {
	ResolveScript(ctx context.Context, scriptID, callerID string) (locator.Locator, error)
	InvalidateScripts(ctx context.Context, scriptIDs ...string) ([]string, error)
	Subscribe(fn func(manager.Event)) func()
}

func NewMux(scripts *ScriptHandler, ws *ScriptStreamHandler) http.Handler {
	mux := http.NewServeMux()

	// RPC Handlers
	scripts.register(mux)

	// Websocket
	mux.HandleFunc("GET /v1/scripts/ws", ws.HandleScriptWS)

	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = w.Write([]byte("ok"))
	})

	// Middleware
	return CORS(mux)
}
