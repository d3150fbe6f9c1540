package segment

import (
	"path/filepath"
	"sort"
	"sync"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/iamNilotpal/ember/internal/chunk"
	"github.com/iamNilotpal/ember/pkg/errors"
	"github.com/iamNilotpal/ember/pkg/filesys"
	"github.com/iamNilotpal/ember/pkg/seginfo"
)

// Store tracks every visible segment of a database, ordered by ordinal. The
// list is read-mostly: readers snapshot it under a shared lock, the
// transporter appends under the write lock.
type Store struct {
	log *zap.SugaredLogger
	dir string

	mu       sync.RWMutex
	segments []*Segment
}

// Config holds the parameters needed to open a segment store.
type Config struct {
	Dir    string
	Logger *zap.SugaredLogger
}

// Open scans the segment directory, validates every header, discards
// duplicates and incomplete triples, and opens the surviving segments'
// chunks in parallel.
func Open(config *Config) (*Store, error) {
	if config == nil || config.Dir == "" || config.Logger == nil {
		return nil, errors.NewValidationError(
			nil, errors.ErrorCodeInvalidInput, "Segment store configuration is required",
		).WithField("config").WithRule("required")
	}

	if err := filesys.CreateDir(config.Dir, 0755, true); err != nil {
		return nil, errors.ClassifyDirectoryCreationError(err, config.Dir)
	}

	store := &Store{log: config.Logger, dir: config.Dir}

	ordinals, err := seginfo.DiscoverSegments(config.Dir)
	if err != nil {
		return nil, errors.NewStorageError(err, errors.ErrorCodeIO, "Failed to scan segment directory").
			WithPath(config.Dir)
	}

	// Headers first: cheap to read, and duplicate detection needs the full
	// population before any chunk is opened.
	var headers []*Segment
	for _, ordinal := range ordinals {
		seg, err := readHeader(config.Dir, ordinal)
		if err != nil {
			config.Logger.Errorw(
				"Discarding segment with unreadable header",
				"ordinal", ordinal,
				"error", err,
			)
			continue
		}
		headers = append(headers, seg)
	}
	sort.Slice(headers, func(i, j int) bool { return headers[i].Ordinal < headers[j].Ordinal })

	// A duplicate of a segment already in the sequence (same version range
	// and chunk checksums) is a copy left behind by an interrupted
	// administrative action; keep the first, log the discard.
	var unique []*Segment
	for _, seg := range headers {
		duplicate := false
		for _, kept := range unique {
			if seg.sameContent(kept) {
				config.Logger.Infow(
					"Discarding duplicate segment",
					"ordinal", seg.Ordinal,
					"duplicateOf", kept.Ordinal,
					"minVersion", seg.MinVersion,
					"maxVersion", seg.MaxVersion,
				)
				duplicate = true
				break
			}
		}
		if !duplicate {
			unique = append(unique, seg)
		}
	}

	// Open every surviving triple concurrently; a segment whose chunks are
	// missing or corrupt is incomplete and dropped as a whole.
	group := new(errgroup.Group)
	opened := make([]*Segment, len(unique))
	for i, seg := range unique {
		i, seg := i, seg
		group.Go(func() error {
			if err := store.openChunks(seg); err != nil {
				config.Logger.Errorw(
					"Discarding incomplete segment",
					"ordinal", seg.Ordinal,
					"error", err,
				)
				return nil
			}
			opened[i] = seg
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return nil, err
	}

	for _, seg := range opened {
		if seg != nil {
			store.segments = append(store.segments, seg)
		}
	}

	config.Logger.Infow(
		"Segment store opened",
		"dir", config.Dir,
		"segments", len(store.segments),
		"discarded", len(ordinals)-len(store.segments),
	)
	return store, nil
}

// openChunks maps the three chunk files of a segment and cross-checks their
// checksums against the header.
func (s *Store) openChunks(seg *Segment) error {
	mismatch := func(flavor string, got, want uint32) error {
		return errors.NewStorageError(
			nil, errors.ErrorCodeCorruption, "Chunk checksum does not match segment header",
		).WithOrdinal(seg.Ordinal).
			WithDetail("flavor", flavor).
			WithDetail("got", got).
			WithDetail("want", want)
	}

	var err error
	seg.Table, err = chunk.Open(
		filepath.Join(s.dir, seginfo.SegmentName(seg.Ordinal, seginfo.TableSuffix)), chunk.TableCodec)
	if err != nil {
		return err
	}
	if seg.Table.Checksum() != seg.tableCrc {
		_ = seg.Table.Close()
		return mismatch("table", seg.Table.Checksum(), seg.tableCrc)
	}

	seg.Index, err = chunk.Open(
		filepath.Join(s.dir, seginfo.SegmentName(seg.Ordinal, seginfo.IndexSuffix)), chunk.IndexCodec)
	if err != nil {
		_ = seg.Table.Close()
		return err
	}
	if seg.Index.Checksum() != seg.indexCrc {
		_ = seg.Table.Close()
		_ = seg.Index.Close()
		return mismatch("index", seg.Index.Checksum(), seg.indexCrc)
	}

	seg.Corpus, err = chunk.Open(
		filepath.Join(s.dir, seginfo.SegmentName(seg.Ordinal, seginfo.CorpusSuffix)), chunk.CorpusCodec)
	if err != nil {
		_ = seg.Table.Close()
		_ = seg.Index.Close()
		return err
	}
	if seg.Corpus.Checksum() != seg.corpusCrc {
		_ = seg.Close()
		return mismatch("corpus", seg.Corpus.Checksum(), seg.corpusCrc)
	}
	return nil
}

// Dir returns the directory this store manages.
func (s *Store) Dir() string {
	return s.dir
}

// Append links a freshly sealed segment into the visible list. Ordinals
// must arrive in strictly increasing order; publication order is the
// transporter's responsibility and a violation here is a bug.
func (s *Store) Append(seg *Segment) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if n := len(s.segments); n > 0 && seg.Ordinal <= s.segments[n-1].Ordinal {
		return errors.NewStorageError(
			nil, errors.ErrorCodeInternal, "Segment published out of order",
		).WithOrdinal(seg.Ordinal).
			WithDetail("lastOrdinal", s.segments[n-1].Ordinal)
	}

	s.segments = append(s.segments, seg)
	return nil
}

// AppendLocked is Append plus a callback invoked while the write lock is
// still held. The transporter uses it to retire the drained limbo page in
// the same critical section that publishes the segment, so no reader can
// observe the batch in both places or in neither.
func (s *Store) AppendLocked(seg *Segment, fn func() error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if n := len(s.segments); n > 0 && seg.Ordinal <= s.segments[n-1].Ordinal {
		return errors.NewStorageError(
			nil, errors.ErrorCodeInternal, "Segment published out of order",
		).WithOrdinal(seg.Ordinal).
			WithDetail("lastOrdinal", s.segments[n-1].Ordinal)
	}

	if fn != nil {
		if err := fn(); err != nil {
			return err
		}
	}
	s.segments = append(s.segments, seg)
	return nil
}

// ReadView runs fn with the read lock held over the live segment list.
// Because the transporter publishes a segment and retires its limbo page
// under the corresponding write lock, a caller that also snapshots limbo
// inside fn sees each write in exactly one place.
func (s *Store) ReadView(fn func(segments []*Segment) error) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return fn(s.segments)
}

// Snapshot returns the current visible segment list, oldest first. The
// returned slice is a copy; the segments themselves are immutable.
func (s *Store) Snapshot() []*Segment {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*Segment, len(s.segments))
	copy(out, s.segments)
	return out
}

// Len returns the number of visible segments.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.segments)
}

// NextOrdinal returns the ordinal the next published segment must carry.
func (s *Store) NextOrdinal() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if len(s.segments) == 0 {
		return 0
	}
	return s.segments[len(s.segments)-1].Ordinal + 1
}

// MaxVersion returns the highest version present in any visible segment,
// zero when the store is empty. Recovery uses it to retire limbo pages that
// were fully transported before a crash.
func (s *Store) MaxVersion() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()

	max := uint64(0)
	for _, seg := range s.segments {
		if seg.MaxVersion > max {
			max = seg.MaxVersion
		}
	}
	return max
}

// Close unmaps every segment.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var err error
	for _, seg := range s.segments {
		err = multierr.Append(err, seg.Close())
	}
	s.segments = nil
	return err
}
