package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"scriptresolver/internal/app"
	"scriptresolver/internal/locator"
	"scriptresolver/internal/server"
)

// scriptBackend is either a running server or an in-process manager.
type scriptBackend interface {
	ResolveScript(ctx context.Context, scriptID, callerID string) (locator.Locator, error)
	InvalidateScripts(ctx context.Context, callerID string, scriptIDs ...string) ([]string, error)
	Close()
}

func openBackend(opts *RootOptions) (scriptBackend, error) {
	if base := strings.TrimSpace(opts.Server); base != "" {
		return &remoteBackend{client: server.NewClient(http.DefaultClient, base)}, nil
	}
	a, err := newLocalApp()
	if err != nil {
		return nil, err
	}
	return &localBackend{app: a}, nil
}

type remoteBackend struct {
	client *server.Client
}

func (b *remoteBackend) ResolveScript(ctx context.Context, scriptID, callerID string) (locator.Locator, error) {
	return b.client.ResolveScript(ctx, scriptID, callerID)
}

// InvalidateScripts drops every caller's entry on the server; callerID is
// not sent.
func (b *remoteBackend) InvalidateScripts(ctx context.Context, _ string, scriptIDs ...string) ([]string, error) {
	return b.client.InvalidateScripts(ctx, scriptIDs...)
}

func (b *remoteBackend) Close() {}

type localBackend struct {
	app *app.App
}

func (b *localBackend) ResolveScript(ctx context.Context, scriptID, callerID string) (locator.Locator, error) {
	return b.app.Manager().ResolveScript(ctx, scriptID, callerID)
}

// InvalidateScripts removes the entry of each script for callerID. A fresh
// process has not written anything yet, so ids are required.
func (b *localBackend) InvalidateScripts(ctx context.Context, callerID string, scriptIDs ...string) ([]string, error) {
	if len(scriptIDs) == 0 {
		return nil, errors.New("script ids are required without --server")
	}
	for _, id := range scriptIDs {
		if err := b.app.Manager().RemoveItem(ctx, id, callerID); err != nil {
			return nil, fmt.Errorf("remove %s: %w", id, err)
		}
	}
	return scriptIDs, nil
}

func (b *localBackend) Close() {
	b.app.Close()
}
