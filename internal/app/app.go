package app

import (
	"context"
	"fmt"
	"log"
	"net"
	"strings"

	"scriptresolver/internal/config"
	"scriptresolver/internal/loader"
	"scriptresolver/internal/locator"
	"scriptresolver/internal/manager"
	"scriptresolver/internal/resolver/rules"
	"scriptresolver/internal/server"
)

type App struct {
	manager *manager.Manager
	server  *server.Server
	storage *openedStorage
}

type Option func(*options)

type options struct {
	sink loader.Sink
}

// WithLoadSink receives the code of every script loaded through the manager.
func WithLoadSink(sink loader.Sink) Option {
	return func(o *options) {
		o.sink = sink
	}
}

func New(cfg *config.Config, opts ...Option) (*App, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	// Dependencies
	storage, err := initStorage(cfg)
	if err != nil {
		return nil, err
	}
	resolveRules, err := initRules(cfg)
	if err != nil {
		closeStorage(storage)
		return nil, err
	}

	chunks, err := loader.New(loader.Config{BundleRoot: cfg.Script.BundleRoot, Sink: o.sink})
	if err != nil {
		closeStorage(storage)
		return nil, fmt.Errorf("failed to initialize loader: %w", err)
	}

	managerOpts := []manager.Option{
		manager.WithStorage(storage.storage),
		manager.WithLoader(chunks),
	}
	if cfg.Script.Coalesce {
		managerOpts = append(managerOpts, manager.WithCoalescing())
	}
	m := manager.New(managerOpts...)
	m.AddResolver(resolveRules.Resolve)

	// Routing & Server
	mux := server.NewMux(server.NewScriptHandler(m), server.NewScriptStreamHandler(m))
	srv := server.New(cfg.Port, mux)

	return &App{
		manager: m,
		server:  srv,
		storage: storage,
	}, nil
}

// initRules loads the rule file, or falls back to a single rule serving every
// script from the public path.
func initRules(cfg *config.Config) (*rules.Set, error) {
	builder := locator.NewBuilder(cfg.Script.PublicPath, locator.ExtensionNamer(cfg.Script.ChunkExtension))

	list := []rules.Rule{{Name: "default"}}
	if path := strings.TrimSpace(cfg.Script.RulesFile); path != "" {
		loaded, err := rules.LoadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to load rules: %w", err)
		}
		list = loaded
		log.Printf("script rules: %d rules from %s", len(list), path)
	}
	set, err := rules.New(builder, list)
	if err != nil {
		return nil, fmt.Errorf("failed to compile rules: %w", err)
	}
	return set, nil
}

func (a *App) Manager() *manager.Manager {
	return a.manager
}

func (a *App) Start() error {
	return a.server.Start()
}

func (a *App) Serve(l net.Listener) error {
	return a.server.Serve(l)
}

func (a *App) Shutdown(ctx context.Context) error {
	err := a.server.Shutdown(ctx)
	a.Close()
	return err
}

// Close releases the storage adapter without touching the server.
func (a *App) Close() {
	closeStorage(a.storage)
}

func closeStorage(s *openedStorage) {
	if s == nil || s.close == nil {
		return
	}
	closeFn := s.close
	s.close = nil
	if err := closeFn(); err != nil {
		log.Printf("script cache: close %s failed: %v", s.label, err)
	}
}
