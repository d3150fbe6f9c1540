// Package options provides the configuration surface for the Ember engine.
// It defines the parameters that control storage behavior, durability and
// resource usage: directory layout, limbo page size, fsync policy, bloom
// filter precision, cache capacity and transporter back-pressure caps.
package options

import (
	"strings"

	"github.com/c2h5oh/datasize"
)

// Options defines the configuration parameters for an Ember instance.
type Options struct {
	// DataDir is the base path under which all files are stored.
	//
	// Default: "/var/lib/emberdb"
	DataDir string `json:"dataDir"`

	// BufferDirectory is the subdirectory of DataDir holding limbo pages.
	//
	// Default: "buffer"
	BufferDirectory string `json:"bufferDirectory"`

	// SegmentDirectory is the subdirectory of DataDir holding sealed
	// segments.
	//
	// Default: "segments"
	SegmentDirectory string `json:"segmentDirectory"`

	// PageSize is the fixed size of a limbo page file. When an insert would
	// overflow the active page, limbo rotates to a new page and the full one
	// becomes transport-eligible.
	//
	//  - Default: 8MB
	//  - Minimum: 64KB
	//  - Maximum: 256MB
	PageSize datasize.ByteSize `json:"pageSize"`

	// FsyncPolicy selects when acknowledged writes are made durable.
	//
	// Default: FsyncGroup
	FsyncPolicy FsyncPolicy `json:"fsyncPolicy"`

	// BloomFPP is the false-positive probability of per-chunk bloom filters.
	// Lower values cost more bits per entry.
	//
	// Default: 0.03
	BloomFPP float64 `json:"bloomFPP"`

	// CacheSize is the number of record views the engine's bounded cache
	// holds before evicting.
	//
	// Default: 4096
	CacheSize int `json:"cacheSize"`

	// Transporters is the number of background transport workers.
	//
	// Default: 1
	Transporters int `json:"transporters"`

	// TransportSoftCap is the untransported-page count beyond which writers
	// are throttled; TransportHardCap is the count beyond which writers
	// receive OVERLOADED.
	//
	// Defaults: 8 and 32.
	TransportSoftCap int `json:"transportSoftCap"`
	TransportHardCap int `json:"transportHardCap"`
}

// OptionFunc is a function type that modifies the engine's configuration.
type OptionFunc func(*Options)

// WithDataDir sets the primary data directory.
func WithDataDir(directory string) OptionFunc {
	return func(o *Options) {
		directory = strings.TrimSpace(directory)
		if directory != "" {
			o.DataDir = directory
		}
	}
}

// WithPageSize sets the limbo page size. A size outside [MinPageSize,
// MaxPageSize] is ignored and the current value is kept.
func WithPageSize(size datasize.ByteSize) OptionFunc {
	return func(o *Options) {
		if size >= MinPageSize && size <= MaxPageSize {
			o.PageSize = size
		}
	}
}

// WithFsyncPolicy selects the durability policy for limbo inserts.
func WithFsyncPolicy(policy FsyncPolicy) OptionFunc {
	return func(o *Options) {
		if policy == FsyncGroup || policy == FsyncPerWrite {
			o.FsyncPolicy = policy
		}
	}
}

// WithBloomFPP sets the bloom filter false-positive probability.
func WithBloomFPP(fpp float64) OptionFunc {
	return func(o *Options) {
		if fpp > 0 && fpp < 1 {
			o.BloomFPP = fpp
		}
	}
}

// WithCacheSize sets the record view cache capacity.
func WithCacheSize(size int) OptionFunc {
	return func(o *Options) {
		if size > 0 {
			o.CacheSize = size
		}
	}
}

// WithTransporters sets the number of transport workers.
func WithTransporters(count int) OptionFunc {
	return func(o *Options) {
		if count > 0 {
			o.Transporters = count
		}
	}
}

// WithTransportCaps sets the soft and hard back-pressure caps on
// untransported pages.
func WithTransportCaps(soft, hard int) OptionFunc {
	return func(o *Options) {
		if soft > 0 && hard >= soft {
			o.TransportSoftCap = soft
			o.TransportHardCap = hard
		}
	}
}
