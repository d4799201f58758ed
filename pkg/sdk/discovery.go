package sdk

import (
	"log/slog"
	"os"

	"github.com/celerix-dev/shelf/pkg/engine"
)

// AddrEnv names the environment variable holding a shelfd address.
const AddrEnv = "SHELF_STORE_ADDR"

// New returns an engine for the environment: the daemon at $SHELF_STORE_ADDR
// when it is set and reachable, otherwise location opened in process. The
// caller does not need to know which one it got.
func New(location string, opts ...engine.Option) (engine.Engine, error) {
	o := engine.Options{Logger: slog.Default()}
	for _, opt := range opts {
		opt(&o)
	}

	if remoteAddr := os.Getenv(AddrEnv); remoteAddr != "" {
		client, err := Connect(remoteAddr)
		if err == nil {
			client.logger = o.Logger
			return client, nil
		}
		o.Logger.Warn("shelf sdk: remote store unreachable, using local location", "addr", remoteAddr, "location", location, "err", err)
	}

	return engine.Open(location, opts...)
}
