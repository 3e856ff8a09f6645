package backends

import (
	"fmt"
	"log/slog"
	"net/url"
	"os"

	"github.com/chronosphereio/taskcache/codec"
)

// SelectOptions carries what the backends need besides the connection string.
type SelectOptions struct {
	Codec  codec.Codec
	Hasher codec.HashGenerator
	// Blob configures the object store backend; its URL is taken from the
	// connection string.
	Blob   BlobConfig
	Logger *slog.Logger
}

// Select returns the StorageManager named by connection: an http(s) URL
// selects the object store backend, an existing local directory selects the
// filesystem backend. Anything else is a configuration error.
func Select(connection string, opts SelectOptions) (StorageManager, error) {
	if opts.Codec == nil {
		opts.Codec = codec.NewJSON()
	}
	if opts.Hasher == nil {
		opts.Hasher = codec.NewDigestHasher()
	}

	if u, err := url.Parse(connection); err == nil && (u.Scheme == "http" || u.Scheme == "https") && u.Host != "" {
		cfg := opts.Blob
		cfg.URL = connection
		return NewBlob(cfg, opts.Logger)
	}

	if connection != "" {
		if info, err := os.Stat(connection); err == nil && info.IsDir() {
			return NewFileSystem(connection, opts.Codec, opts.Hasher, opts.Logger)
		}
	}

	return nil, fmt.Errorf("%w: %q is neither an http(s) URL nor an existing directory", ErrInvalidConnection, connection)
}
