// Package loader retrieves the bytes a locator points at. It is the consumer
// side of a resolution: file:// locators are read from a bundle directory,
// everything else goes over HTTP with the locator's method, headers, body
// and timeout.
package loader

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"

	"scriptresolver/internal/locator"
)

const fileScheme = "file://"

// ErrFilesDisabled is returned for file:// locators when no bundle root is
// configured.
var ErrFilesDisabled = errors.New("file locators need a bundle root")

// Sink receives the code of a loaded script.
type Sink func(ctx context.Context, scriptID string, code []byte) error

type Config struct {
	BundleRoot string
	HTTPClient *http.Client
	// MaxEntries bounds the retrieved chunks kept for locators with fetch=false.
	MaxEntries int
	Sink       Sink
}

type Loader struct {
	files  *rootFS
	client *http.Client
	kept   *lru.Cache[string, []byte]
	sink   Sink
}

func New(cfg Config) (*Loader, error) {
	l := &Loader{client: cfg.HTTPClient, sink: cfg.Sink}
	if l.client == nil {
		l.client = http.DefaultClient
	}
	if root := strings.TrimSpace(cfg.BundleRoot); root != "" {
		files, err := newRootFS(root)
		if err != nil {
			return nil, fmt.Errorf("bundle root: %w", err)
		}
		l.files = files
	}
	size := cfg.MaxEntries
	if size <= 0 {
		size = 256
	}
	kept, err := lru.New[string, []byte](size)
	if err != nil {
		return nil, err
	}
	l.kept = kept
	return l, nil
}

// SetSink replaces the receiver of loaded code.
func (l *Loader) SetSink(sink Sink) {
	l.sink = sink
}

// Load hands the script's code to the sink. With fetch=false a chunk kept
// from an earlier retrieval is used instead of retrieving it again.
func (l *Loader) Load(ctx context.Context, scriptID string, loc locator.Locator) error {
	code, err := l.code(ctx, loc)
	if err != nil {
		return err
	}
	if l.sink == nil {
		return nil
	}
	return l.sink(ctx, scriptID, code)
}

// Prefetch retrieves and keeps the chunk without handing it to the sink.
func (l *Loader) Prefetch(ctx context.Context, _ string, loc locator.Locator) error {
	_, err := l.code(ctx, loc)
	return err
}

// Kept reports whether the chunk for loc is held in memory.
func (l *Loader) Kept(loc locator.Locator) bool {
	return l.kept.Contains(target(loc))
}

func (l *Loader) code(ctx context.Context, loc locator.Locator) ([]byte, error) {
	key := target(loc)
	if !loc.Fetch {
		if code, ok := l.kept.Get(key); ok {
			return code, nil
		}
	}

	var (
		code []byte
		err  error
	)
	if strings.HasPrefix(loc.URL, fileScheme) {
		code, err = l.readFile(loc)
	} else {
		code, err = l.fetch(ctx, loc)
	}
	if err != nil {
		return nil, err
	}
	l.kept.Add(key, code)
	return code, nil
}

func (l *Loader) readFile(loc locator.Locator) ([]byte, error) {
	if l.files == nil {
		return nil, ErrFilesDisabled
	}
	code, err := l.files.readFile(strings.TrimPrefix(loc.URL, fileScheme))
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", loc.URL, err)
	}
	return code, nil
}

func (l *Loader) fetch(ctx context.Context, loc locator.Locator) ([]byte, error) {
	if loc.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, loc.Timeout)
		defer cancel()
	}
	var body io.Reader
	if loc.Body != "" {
		body = strings.NewReader(loc.Body)
	}
	method := loc.Method
	if method == "" {
		method = locator.DefaultMethod
	}

	url := target(loc)
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, fmt.Errorf("build request for %s: %w", url, err)
	}
	for k, v := range loc.Headers {
		req.Header.Set(k, v)
	}
	res, err := l.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", url, err)
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode > 299 {
		return nil, fmt.Errorf("fetch %s: unexpected status %s", url, res.Status)
	}
	code, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", url, err)
	}
	return code, nil
}

// target is the url with the serialized query appended.
func target(loc locator.Locator) string {
	if loc.Query == "" {
		return loc.URL
	}
	sep := "?"
	if strings.Contains(loc.URL, "?") {
		sep = "&"
	}
	return loc.URL + sep + loc.Query
}
