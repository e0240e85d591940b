package spannix

import (
	"log/slog"

	"github.com/spannix/spannix/blobstore"
	"github.com/spannix/spannix/persistence"
	"github.com/spannix/spannix/resource"
)

// DefaultSnapshotName is the blob name used for snapshots unless overridden
// with WithSnapshotName.
const DefaultSnapshotName = "snapshot.spx"

type options struct {
	logger           *Logger
	metricsCollector MetricsCollector
	blobs            blobstore.Store
	snapshotName     string
	codec            persistence.Codec
	controller       *resource.Controller
	embedder         Embedder
	randomSeed       *int64
}

// Option configures DB constructor behavior.
type Option func(*options)

// WithLogger configures structured logging for operations.
//
// Example with JSON logging:
//
//	logger := spannix.NewJSONLogger(slog.LevelInfo)
//	db, _ := spannix.New(cfg, spannix.WithLogger(logger))
func WithLogger(logger *Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithLogLevel creates a text logger with the specified level and sets it.
// Convenience wrapper for WithLogger(NewTextLogger(level)).
func WithLogLevel(level slog.Level) Option {
	return func(o *options) {
		o.logger = NewTextLogger(level)
	}
}

// WithMetricsCollector configures a metrics collector for monitoring
// operations.
//
// Example with BasicMetricsCollector:
//
//	metrics := &spannix.BasicMetricsCollector{}
//	db, _ := spannix.New(cfg, spannix.WithMetricsCollector(metrics))
//	// ... use db ...
//	stats := metrics.GetStats()
func WithMetricsCollector(mc MetricsCollector) Option {
	return func(o *options) {
		if mc != nil {
			o.metricsCollector = mc
		}
	}
}

// WithBlobStore configures the blob store used for snapshots. Without one,
// SaveSnapshot and LoadSnapshot fail and the periodic sync pass only
// compacts.
func WithBlobStore(store blobstore.Store) Option {
	return func(o *options) {
		o.blobs = store
	}
}

// WithSnapshotName overrides the blob name snapshots are written under.
func WithSnapshotName(name string) Option {
	return func(o *options) {
		if name != "" {
			o.snapshotName = name
		}
	}
}

// WithCodec configures the compression codec for snapshot sections.
func WithCodec(c persistence.Codec) Option {
	return func(o *options) {
		o.codec = c
	}
}

// WithResourceController attaches a resource controller. It budgets vector
// memory, gates background maintenance and rate-limits snapshot IO.
func WithResourceController(c *resource.Controller) Option {
	return func(o *options) {
		o.controller = c
	}
}

// WithRandomSeed pins the index RNGs for reproducible builds. Without it the
// RNGs seed from the clock.
func WithRandomSeed(seed int64) Option {
	return func(o *options) {
		o.randomSeed = &seed
	}
}

// WithEmbedder declares the embedder that produces vectors for this
// database. The index never invokes it; it is validated against the
// configured metric at creation so a metric the embedder cannot serve fails
// fast instead of silently returning garbage neighbors.
func WithEmbedder(e Embedder) Option {
	return func(o *options) {
		o.embedder = e
	}
}

func applyOptions(optFns []Option) options {
	o := options{
		logger:           NoopLogger(),
		metricsCollector: NoopMetricsCollector{},
		snapshotName:     DefaultSnapshotName,
		codec:            persistence.CodecZSTD,
	}
	for _, fn := range optFns {
		if fn != nil {
			fn(&o)
		}
	}
	return o
}
