// Package seginfo centralizes the naming conventions and discovery logic for
// Ember's on-disk artifacts: limbo page files and segment file triples. Every
// component that touches the data directory goes through this package so the
// layout is defined in exactly one place.
//
// Layout under the data directory:
//
//	buffer/
//	  page-000000.lmb
//	  page-000001.lmb
//	segments/
//	  seg-000000.hdr  seg-000000.tbl  seg-000000.idx  seg-000000.cps
package seginfo

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/iamNilotpal/ember/pkg/filesys"
)

const (
	// PageSuffix is the file extension of limbo page files.
	PageSuffix = ".lmb"

	// Segment chunk file extensions, one per index flavor, plus the header.
	HeaderSuffix = ".hdr"
	TableSuffix  = ".tbl"
	IndexSuffix  = ".idx"
	CorpusSuffix = ".cps"

	pagePrefix    = "page-"
	segmentPrefix = "seg-"
)

// PageName returns the file name of the limbo page with the given sequence
// number, e.g. "page-000042.lmb".
func PageName(seq uint64) string {
	return fmt.Sprintf("%s%06d%s", pagePrefix, seq, PageSuffix)
}

// ParsePageSeq extracts the sequence number from a limbo page file name.
// The second return value is false for names that don't follow the
// convention; discovery skips those files.
func ParsePageSeq(name string) (uint64, bool) {
	if !strings.HasPrefix(name, pagePrefix) || !strings.HasSuffix(name, PageSuffix) {
		return 0, false
	}
	digits := strings.TrimSuffix(strings.TrimPrefix(name, pagePrefix), PageSuffix)
	seq, err := strconv.ParseUint(digits, 10, 64)
	if err != nil {
		return 0, false
	}
	return seq, true
}

// SegmentName returns the file name of one artifact of the segment with the
// given ordinal, e.g. SegmentName(3, TableSuffix) == "seg-000003.tbl".
func SegmentName(ordinal uint64, suffix string) string {
	return fmt.Sprintf("%s%06d%s", segmentPrefix, ordinal, suffix)
}

// ParseSegmentOrdinal extracts the ordinal from a segment file name,
// whatever its suffix. The second return value is false for names that
// don't follow the convention.
func ParseSegmentOrdinal(name string) (uint64, bool) {
	if !strings.HasPrefix(name, segmentPrefix) {
		return 0, false
	}
	rest := strings.TrimPrefix(name, segmentPrefix)
	dot := strings.IndexByte(rest, '.')
	if dot < 0 {
		return 0, false
	}
	ordinal, err := strconv.ParseUint(rest[:dot], 10, 64)
	if err != nil {
		return 0, false
	}
	return ordinal, true
}

// DiscoverPages scans the buffer directory and returns the sequence numbers
// of every page file present, sorted ascending. Files that don't follow the
// naming convention are ignored.
func DiscoverPages(bufferDir string) ([]uint64, error) {
	names, err := filesys.ListFiles(bufferDir, PageSuffix)
	if err != nil {
		return nil, err
	}

	seqs := make([]uint64, 0, len(names))
	for _, name := range names {
		if seq, ok := ParsePageSeq(name); ok {
			seqs = append(seqs, seq)
		}
	}
	return seqs, nil
}

// DiscoverSegments scans the segments directory and returns the ordinals of
// every header file present, sorted ascending. A segment with no header is
// invisible by definition; its stray chunk files are left for the store's
// incomplete-triple sweep.
func DiscoverSegments(segmentsDir string) ([]uint64, error) {
	names, err := filesys.ListFiles(segmentsDir, HeaderSuffix)
	if err != nil {
		return nil, err
	}

	ordinals := make([]uint64, 0, len(names))
	for _, name := range names {
		if ordinal, ok := ParseSegmentOrdinal(name); ok {
			ordinals = append(ordinals, ordinal)
		}
	}
	return ordinals, nil
}
