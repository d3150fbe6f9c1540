package options

import "github.com/c2h5oh/datasize"

const (
	// DefaultDataDir is where Ember stores its data files when no other
	// directory is specified at open time.
	DefaultDataDir = "/var/lib/emberdb"

	// DefaultBufferDirectory is the subdirectory of the data directory that
	// holds limbo page files.
	DefaultBufferDirectory = "buffer"

	// DefaultSegmentDirectory is the subdirectory of the data directory that
	// holds sealed segment files.
	DefaultSegmentDirectory = "segments"

	// DefaultPageSize is the fixed size of a limbo page. Pages rotate when
	// an insert would overflow this size.
	DefaultPageSize = 8 * datasize.MB

	// MinPageSize and MaxPageSize bound the configurable page size. A page
	// must hold at least one maximal write; beyond a few hundred megabytes
	// rotation latency dominates.
	MinPageSize = 64 * datasize.KB
	MaxPageSize = 256 * datasize.MB

	// DefaultBloomFPP is the default false-positive probability of the
	// per-chunk bloom filters.
	DefaultBloomFPP = 0.03

	// DefaultCacheSize is the number of record views held by the engine's
	// bounded cache.
	DefaultCacheSize = 4096

	// DefaultTransporters is the number of background transport workers.
	// Batches are strictly ordered and a worker holds the drain lock while
	// it builds, seals and publishes one, so extra workers add no parallelism.
	DefaultTransporters = 1

	// DefaultTransportSoftCap is the number of untransported pages beyond
	// which writers are throttled.
	DefaultTransportSoftCap = 8

	// DefaultTransportHardCap is the number of untransported pages beyond
	// which writers receive OVERLOADED.
	DefaultTransportHardCap = 32
)

// FsyncPolicy selects when limbo makes acknowledged writes durable.
type FsyncPolicy string

const (
	// FsyncGroup batches syncs: an insert is acknowledged after the group
	// flush covering it completes. Higher throughput, bounded ack latency.
	FsyncGroup FsyncPolicy = "group"

	// FsyncPerWrite syncs the page after every insert before acknowledging.
	FsyncPerWrite FsyncPolicy = "per-write"
)

// Holds the default configuration for an Ember instance.
var defaultOptions = Options{
	DataDir:          DefaultDataDir,
	BufferDirectory:  DefaultBufferDirectory,
	SegmentDirectory: DefaultSegmentDirectory,
	PageSize:         DefaultPageSize,
	FsyncPolicy:      FsyncGroup,
	BloomFPP:         DefaultBloomFPP,
	CacheSize:        DefaultCacheSize,
	Transporters:     DefaultTransporters,
	TransportSoftCap: DefaultTransportSoftCap,
	TransportHardCap: DefaultTransportHardCap,
}

// NewDefaultOptions returns a copy of the default configuration.
func NewDefaultOptions() Options {
	return defaultOptions
}
