package canhub

import (
	"fmt"

	mapset "github.com/deckarep/golang-set/v2"
)

// Filter is a hardware style acceptance filter. A frame matches when the
// identifier bits selected by IDMask equal those of ID and, when the
// corresponding mask flag is set, the RTR and IDE bits agree.
type Filter struct {
	ID      uint32
	IDMask  uint32
	RTR     bool
	RTRMask bool
	IDE     bool
	IDEMask bool
}

// ExactFilter matches a single identifier of the given format. Remote frames
// are matched as well.
func ExactFilter(id uint32, extended bool) Filter {
	mask := uint32(maxStdID)
	if extended {
		mask = maxExtID
	}
	return Filter{ID: id, IDMask: mask, IDE: extended, IDEMask: true}
}

// Validate rejects identifiers or masks wider than 29 bits.
func (f Filter) Validate() error {
	if f.ID > maxExtID || f.IDMask > maxExtID {
		return fmt.Errorf("%w: filter id %#x mask %#x", ErrInvalidParam, f.ID, f.IDMask)
	}
	return nil
}

// Match reports whether frame passes the filter.
func (f Filter) Match(frame Frame) bool {
	if f.RTRMask && f.RTR != frame.RTR {
		return false
	}
	if f.IDEMask && f.IDE != frame.Extended {
		return false
	}
	mask := f.IDMask & maxStdID
	if frame.Extended {
		mask = f.IDMask & maxExtID
	}
	return frame.ID&mask == f.ID&mask
}

// Func adapts the filter to a FrameFilter.
func (f Filter) Func() FrameFilter {
	return f.Match
}

// FrameFilter decides whether a frame is of interest.
type FrameFilter func(Frame) bool

// ByID returns a filter that matches frames with the exact identifier.
func ByID(id uint32) FrameFilter {
	return func(f Frame) bool { return f.ID == id }
}

// ByIDs returns a filter that matches any of the provided identifiers.
func ByIDs(ids ...uint32) FrameFilter {
	set := mapset.NewThreadUnsafeSet(ids...)
	return func(f Frame) bool { return set.ContainsOne(f.ID) }
}

// ByRange matches frames whose ID is within [minID, maxID], inclusive.
func ByRange(minID, maxID uint32) FrameFilter {
	if maxID < minID {
		minID, maxID = maxID, minID
	}
	return func(f Frame) bool { return f.ID >= minID && f.ID <= maxID }
}

// ByMask matches when (frame.ID & mask) == (id & mask).
func ByMask(id uint32, mask uint32) FrameFilter {
	want := id & mask
	return func(f Frame) bool { return (f.ID & mask) == want }
}

// StandardOnly matches standard (11-bit) identifiers.
func StandardOnly() FrameFilter {
	return func(f Frame) bool { return !f.Extended }
}

// ExtendedOnly matches extended (29-bit) identifiers.
func ExtendedOnly() FrameFilter {
	return func(f Frame) bool { return f.Extended }
}

// DataOnly matches non-RTR frames.
func DataOnly() FrameFilter {
	return func(f Frame) bool { return !f.RTR }
}

// RTROnly matches remote transmission request frames.
func RTROnly() FrameFilter {
	return func(f Frame) bool { return f.RTR }
}

// ErrorOnly matches error frames.
func ErrorOnly() FrameFilter {
	return func(f Frame) bool { return f.IsError() }
}

// LenAtMost matches frames with data length <= n.
func LenAtMost(n uint8) FrameFilter {
	return func(f Frame) bool { return f.Len <= n }
}

// LenExactly matches frames with data length == n.
func LenExactly(n uint8) FrameFilter {
	return func(f Frame) bool { return f.Len == n }
}

// And composes two filters; the result matches when both match.
func And(a, b FrameFilter) FrameFilter {
	switch {
	case a == nil:
		return b
	case b == nil:
		return a
	default:
		return func(f Frame) bool { return a(f) && b(f) }
	}
}

// Or composes two filters; the result matches when either matches.
func Or(a, b FrameFilter) FrameFilter {
	switch {
	case a == nil:
		return b
	case b == nil:
		return a
	default:
		return func(f Frame) bool { return a(f) || b(f) }
	}
}

// Not inverts a filter.
func Not(a FrameFilter) FrameFilter {
	if a == nil {
		return func(Frame) bool { return true }
	}
	return func(f Frame) bool { return !a(f) }
}
