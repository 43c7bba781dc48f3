package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"connectrpc.com/connect"

	"scriptresolver/internal/locator"
	"scriptresolver/internal/resolver"
)

const (
	ScriptServiceName          = "scriptresolver.v1.ScriptService"
	ResolveScriptProcedure     = "/" + ScriptServiceName + "/ResolveScript"
	InvalidateScriptsProcedure = "/" + ScriptServiceName + "/InvalidateScripts"
)

type ResolveScriptRequest struct {
	ScriptID string `json:"scriptId"`
	CallerID string `json:"callerId"`
}

type ResolveScriptResponse struct {
	Locator locator.Locator `json:"locator"`
}

type InvalidateScriptsRequest struct {
	// Empty means every entry the server has written.
	ScriptIDs []string `json:"scriptIds,omitempty"`
}

type InvalidateScriptsResponse struct {
	ScriptIDs []string `json:"scriptIds"`
}

// jsonCodec replaces connect's protobuf JSON codec; messages are plain structs.
type jsonCodec struct{}

func (jsonCodec) Name() string { return "json" }

func (jsonCodec) Marshal(v any) ([]byte, error) { return json.Marshal(v) }

func (jsonCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }

// ScriptHandler serves the ScriptService procedures.
type ScriptHandler struct {
	scripts ScriptManager
}

func NewScriptHandler(scripts ScriptManager) *ScriptHandler {
	return &ScriptHandler{scripts: scripts}
}

func (h *ScriptHandler) register(mux *http.ServeMux) {
	mux.Handle(ResolveScriptProcedure, connect.NewUnaryHandler(
		ResolveScriptProcedure,
		h.ResolveScript,
		connect.WithCodec(jsonCodec{}),
	))
	mux.Handle(InvalidateScriptsProcedure, connect.NewUnaryHandler(
		InvalidateScriptsProcedure,
		h.InvalidateScripts,
		connect.WithCodec(jsonCodec{}),
	))
}

func (h *ScriptHandler) ResolveScript(ctx context.Context, req *connect.Request[ResolveScriptRequest]) (*connect.Response[ResolveScriptResponse], error) {
	// Ids are opaque and reach the manager as sent.
	if strings.TrimSpace(req.Msg.ScriptID) == "" {
		return nil, connect.NewError(connect.CodeInvalidArgument, errors.New("scriptId is required"))
	}
	loc, err := h.scripts.ResolveScript(ctx, req.Msg.ScriptID, req.Msg.CallerID)
	if err != nil {
		return nil, toConnectError(err)
	}
	return connect.NewResponse(&ResolveScriptResponse{Locator: loc}), nil
}

func (h *ScriptHandler) InvalidateScripts(ctx context.Context, req *connect.Request[InvalidateScriptsRequest]) (*connect.Response[InvalidateScriptsResponse], error) {
	ids := make([]string, 0, len(req.Msg.ScriptIDs))
	for _, id := range req.Msg.ScriptIDs {
		if strings.TrimSpace(id) != "" {
			ids = append(ids, id)
		}
	}
	if len(req.Msg.ScriptIDs) > 0 && len(ids) == 0 {
		return nil, connect.NewError(connect.CodeInvalidArgument, errors.New("scriptIds must not be blank"))
	}
	invalidated, err := h.scripts.InvalidateScripts(ctx, ids...)
	if err != nil {
		return nil, toConnectError(err)
	}
	if invalidated == nil {
		invalidated = []string{}
	}
	return connect.NewResponse(&InvalidateScriptsResponse{ScriptIDs: invalidated}), nil
}

func toConnectError(err error) *connect.Error {
	var cfgErr *resolver.ConfigurationError
	var resErr *resolver.ResolutionError
	switch {
	case errors.As(err, &cfgErr):
		return connect.NewError(connect.CodeFailedPrecondition, err)
	case errors.As(err, &resErr):
		return connect.NewError(connect.CodeNotFound, err)
	case errors.Is(err, context.Canceled):
		return connect.NewError(connect.CodeCanceled, err)
	case errors.Is(err, context.DeadlineExceeded):
		return connect.NewError(connect.CodeDeadlineExceeded, err)
	default:
		return connect.NewError(connect.CodeInternal, err)
	}
}

// Client calls a running ScriptService.
type Client struct {
	resolve    *connect.Client[ResolveScriptRequest, ResolveScriptResponse]
	invalidate *connect.Client[InvalidateScriptsRequest, InvalidateScriptsResponse]
}

func NewClient(httpClient connect.HTTPClient, baseURL string) *Client {
	base := strings.TrimRight(baseURL, "/")
	return &Client{
		resolve: connect.NewClient[ResolveScriptRequest, ResolveScriptResponse](
			httpClient, base+ResolveScriptProcedure, connect.WithCodec(jsonCodec{}),
		),
		invalidate: connect.NewClient[InvalidateScriptsRequest, InvalidateScriptsResponse](
			httpClient, base+InvalidateScriptsProcedure, connect.WithCodec(jsonCodec{}),
		),
	}
}

func (c *Client) ResolveScript(ctx context.Context, scriptID, callerID string) (locator.Locator, error) {
	res, err := c.resolve.CallUnary(ctx, connect.NewRequest(&ResolveScriptRequest{ScriptID: scriptID, CallerID: callerID}))
	if err != nil {
		return locator.Locator{}, fmt.Errorf("resolve %s: %w", scriptID, err)
	}
	return res.Msg.Locator, nil
}

func (c *Client) InvalidateScripts(ctx context.Context, scriptIDs ...string) ([]string, error) {
	res, err := c.invalidate.CallUnary(ctx, connect.NewRequest(&InvalidateScriptsRequest{ScriptIDs: scriptIDs}))
	if err != nil {
		return nil, fmt.Errorf("invalidate scripts: %w", err)
	}
	return res.Msg.ScriptIDs, nil
}
