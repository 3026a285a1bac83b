package domain

import (
	"errors"
	"fmt"
	"sort"
)

// ErrInvalidRange is returned when a range has Start > End.
var ErrInvalidRange = errors.New("invalid block range")

// BlockRange is an inclusive range of block numbers.
type BlockRange struct {
	Start uint64 `json:"start"`
	End   uint64 `json:"end"`
}

// NewBlockRange validates and builds a range.
func NewBlockRange(start, end uint64) (BlockRange, error) {
	if start > end {
		return BlockRange{}, fmt.Errorf("%w: %d > %d", ErrInvalidRange, start, end)
	}
	return BlockRange{Start: start, End: end}, nil
}

// String returns the range in "start-end" format.
func (r BlockRange) String() string {
	return fmt.Sprintf("%d-%d", r.Start, r.End)
}

// Size returns the number of blocks in the range.
func (r BlockRange) Size() uint64 {
	return r.End - r.Start + 1
}

// Contains reports whether block lies in the range.
func (r BlockRange) Contains(block uint64) bool {
	return block >= r.Start && block <= r.End
}

// Split cuts the range into consecutive chunks of at most maxSize blocks.
func (r BlockRange) Split(maxSize uint64) []BlockRange {
	if maxSize == 0 || r.Size() <= maxSize {
		return []BlockRange{r}
	}

	var chunks []BlockRange
	current := r.Start
	for current <= r.End {
		chunkEnd := min(current+maxSize-1, r.End)
		chunks = append(chunks, BlockRange{Start: current, End: chunkEnd})
		if chunkEnd == r.End {
			break
		}
		current = chunkEnd + 1
	}
	return chunks
}

// Bisect halves the range at its midpoint. A single-block range cannot be
// halved and ok is false.
func (r BlockRange) Bisect() (left, right BlockRange, ok bool) {
	if r.Start == r.End {
		return r, BlockRange{}, false
	}
	mid := r.Start + (r.End-r.Start)/2
	return BlockRange{Start: r.Start, End: mid}, BlockRange{Start: mid + 1, End: r.End}, true
}

// Overlaps checks if two ranges overlap or are adjacent.
func (r BlockRange) Overlaps(other BlockRange) bool {
	return r.Start <= other.End+1 && other.Start <= r.End+1
}

// Merge merges two overlapping/adjacent ranges.
func (r BlockRange) Merge(other BlockRange) BlockRange {
	return BlockRange{Start: min(r.Start, other.Start), End: max(r.End, other.End)}
}

// MergeRanges merges overlapping and adjacent ranges.
func MergeRanges(ranges []BlockRange) []BlockRange {
	if len(ranges) <= 1 {
		return ranges
	}

	sort.Slice(ranges, func(i, j int) bool {
		return ranges[i].Start < ranges[j].Start
	})

	merged := []BlockRange{ranges[0]}
	for _, current := range ranges[1:] {
		last := &merged[len(merged)-1]
		if last.Overlaps(current) {
			*last = last.Merge(current)
		} else {
			merged = append(merged, current)
		}
	}
	return merged
}

// ParseRange parses a "start-end" string into a BlockRange.
func ParseRange(s string) (BlockRange, error) {
	var start, end uint64
	if _, err := fmt.Sscanf(s, "%d-%d", &start, &end); err != nil {
		return BlockRange{}, fmt.Errorf("invalid range format %q: %w", s, err)
	}
	return NewBlockRange(start, end)
}

// RangesFromStrings parses multiple range strings.
func RangesFromStrings(strs []string) ([]BlockRange, error) {
	ranges := make([]BlockRange, 0, len(strs))
	for _, s := range strs {
		r, err := ParseRange(s)
		if err != nil {
			return nil, err
		}
		ranges = append(ranges, r)
	}
	return ranges, nil
}
