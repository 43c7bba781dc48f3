package locator

import "strings"

// DefaultChunkExtension is appended to script ids by the default ChunkNamer.
const DefaultChunkExtension = ".chunk.bundle"

const fileScheme = "file://"

// ChunkNamer maps a logical id to its physical chunk name.
type ChunkNamer func(id string) string

// ExtensionNamer returns a ChunkNamer that appends ext to the id.
func ExtensionNamer(ext string) ChunkNamer {
	return func(id string) string {
		return id + ext
	}
}

// Builder composes script URLs from a public path and a chunk naming function.
type Builder struct {
	PublicPath string
	Namer      ChunkNamer
}

func NewBuilder(publicPath string, namer ChunkNamer) Builder {
	if namer == nil {
		namer = ExtensionNamer(DefaultChunkExtension)
	}
	return Builder{PublicPath: strings.TrimSpace(publicPath), Namer: namer}
}

type remoteOptions struct {
	excludeExtension bool
}

type RemoteOption func(*remoteOptions)

// ExcludeExtension keeps the url as given instead of passing it through the
// chunk namer, for urls that already name the file.
func ExcludeExtension() RemoteOption {
	return func(o *remoteOptions) {
		o.excludeExtension = true
	}
}

// Remote builds a remote URL for urlOrID. Ids without a scheme are joined onto
// the public path with exactly one separator.
func (b Builder) Remote(urlOrID string, opts ...RemoteOption) string {
	var o remoteOptions
	for _, opt := range opts {
		opt(&o)
	}
	name := strings.TrimSpace(urlOrID)
	if !o.excludeExtension {
		name = b.name(name)
	}
	if strings.Contains(name, "://") {
		return name
	}
	base := strings.TrimRight(b.PublicPath, "/")
	if base == "" {
		return name
	}
	return base + "/" + strings.TrimLeft(name, "/")
}

// FileSystem builds a file:// URL for an absolute path on the device.
func (b Builder) FileSystem(path string) string {
	p := strings.TrimPrefix(strings.TrimSpace(path), fileScheme)
	p = strings.TrimLeft(p, "/")
	return fileScheme + "/" + b.name(p)
}

func (b Builder) name(id string) string {
	if b.Namer == nil {
		return id + DefaultChunkExtension
	}
	return b.Namer(id)
}
