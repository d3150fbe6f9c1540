package options

import (
	"testing"

	"github.com/c2h5oh/datasize"
	"github.com/stretchr/testify/assert"
)

func TestDefaults(t *testing.T) {
	opts := NewDefaultOptions()
	assert.Equal(t, DefaultDataDir, opts.DataDir)
	assert.Equal(t, DefaultPageSize, opts.PageSize)
	assert.Equal(t, FsyncGroup, opts.FsyncPolicy)
	assert.Equal(t, DefaultBloomFPP, opts.BloomFPP)
	assert.Equal(t, DefaultTransportSoftCap, opts.TransportSoftCap)
	assert.Equal(t, DefaultTransportHardCap, opts.TransportHardCap)
}

func TestOptionFuncs(t *testing.T) {
	opts := NewDefaultOptions()
	for _, opt := range []OptionFunc{
		WithDataDir("/tmp/ember-test"),
		WithPageSize(1 * datasize.MB),
		WithFsyncPolicy(FsyncPerWrite),
		WithBloomFPP(0.01),
		WithCacheSize(16),
		WithTransporters(2),
		WithTransportCaps(4, 8),
	} {
		opt(&opts)
	}

	assert.Equal(t, "/tmp/ember-test", opts.DataDir)
	assert.Equal(t, 1*datasize.MB, opts.PageSize)
	assert.Equal(t, FsyncPerWrite, opts.FsyncPolicy)
	assert.Equal(t, 0.01, opts.BloomFPP)
	assert.Equal(t, 16, opts.CacheSize)
	assert.Equal(t, 2, opts.Transporters)
	assert.Equal(t, 4, opts.TransportSoftCap)
	assert.Equal(t, 8, opts.TransportHardCap)
}

func TestInvalidValuesIgnored(t *testing.T) {
	opts := NewDefaultOptions()
	for _, opt := range []OptionFunc{
		WithDataDir("   "),
		WithPageSize(1), // below minimum
		WithFsyncPolicy("never"),
		WithBloomFPP(3.0),
		WithCacheSize(-1),
		WithTransporters(0),
		WithTransportCaps(10, 2), // hard below soft
	} {
		opt(&opts)
	}
	assert.Equal(t, NewDefaultOptions(), opts)
}
