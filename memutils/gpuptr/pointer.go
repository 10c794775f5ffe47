// Package gpuptr implements the tagged pointer handed out by the pools package. A Pointer packs
// a memory type index, a pool index, and a byte offset into a single 64-bit value:
//
//	| type index (5 bits) | pool index (11 bits) | offset (48 bits) |
//
// Single-block pools only ever produce "agnostic" pointers, whose type and pool indices are zero.
// A MetaPool stamps the real indices in so that it can route a Free back to the right block.
package gpuptr

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/vkngwrapper/gpupools/memutils"
	"golang.org/x/exp/slog"
)

const (
	TypeIndexBits = 5
	PoolIndexBits = 11
	OffsetBits    = 48

	// MaxTypeIndex is the largest memory type index a Pointer can carry
	MaxTypeIndex = 1<<TypeIndexBits - 1
	// MaxPoolIndex is the largest pool index a Pointer can carry
	MaxPoolIndex = 1<<PoolIndexBits - 1
	// NullOffset is the reserved offset value marking a null Pointer. It is also the largest
	// value the offset field can hold, so no real allocation may end on it.
	NullOffset uint64 = 1<<OffsetBits - 1

	typeShift  = 64 - TypeIndexBits
	poolShift  = OffsetBits
	offsetMask = NullOffset
	tagMask    = ^offsetMask
)

var logger atomic.Pointer[slog.Logger]

// SetLogger replaces the logger used to report truncated fields and mismatched arithmetic.
// Passing nil restores slog.Default().
func SetLogger(l *slog.Logger) {
	logger.Store(l)
}

func log() *slog.Logger {
	if l := logger.Load(); l != nil {
		return l
	}
	return slog.Default()
}

func warnOverflow(field string, value uint64, width uint) {
	if memutils.FitsBits(value, width) {
		return
	}

	log().LogAttrs(context.Background(), slog.LevelWarn, "gpu pointer field overflows and will be truncated",
		slog.String("field", field),
		slog.String("value", fmt.Sprintf("%#X", value)),
		slog.Int("bits", int(width)),
	)
}

// Pointer is a packed (type index, pool index, offset) triple. The zero value is an agnostic
// pointer to offset 0.
type Pointer uint64

// New packs the three fields into a Pointer. Values that do not fit their field are truncated
// and a warning is logged.
func New(typeIndex, poolIndex int, offset uint64) Pointer {
	warnOverflow("type index", uint64(typeIndex), TypeIndexBits)
	warnOverflow("pool index", uint64(poolIndex), PoolIndexBits)
	warnOverflow("offset", offset, OffsetBits)

	return Pointer((uint64(typeIndex)&MaxTypeIndex)<<typeShift |
		(uint64(poolIndex)&MaxPoolIndex)<<poolShift |
		offset&offsetMask)
}

// Aligned is New followed by Align.
func Aligned(typeIndex, poolIndex int, offset, alignment uint64) Pointer {
	return New(typeIndex, poolIndex, offset).Align(alignment)
}

// Null returns the null Pointer: offset NullOffset with both indices zero.
func Null() Pointer {
	return Pointer(NullOffset)
}

// FromRaw reinterprets a previously packed value.
func FromRaw(raw uint64) Pointer {
	return Pointer(raw)
}

func (p Pointer) Raw() uint64 { return uint64(p) }

func (p Pointer) TypeIndex() int { return int(uint64(p) >> typeShift & MaxTypeIndex) }

func (p Pointer) PoolIndex() int { return int(uint64(p) >> poolShift & MaxPoolIndex) }

func (p Pointer) Offset() uint64 { return uint64(p) & offsetMask }

// IsNull is true iff the offset field holds NullOffset, whatever the indices say.
func (p Pointer) IsNull() bool { return p.Offset() == NullOffset }

// Agnostic clears the type and pool indices, keeping the offset.
func (p Pointer) Agnostic() Pointer { return p & Pointer(offsetMask) }

// Align rounds the offset up to the next multiple of alignment, leaving the indices untouched.
// An alignment of 0 is treated as 1. Alignments that are not a power of two panic, as does an
// aligned offset that no longer fits in 48 bits.
func (p Pointer) Align(alignment uint64) Pointer {
	if err := memutils.CheckPow2(alignment, "pointer alignment"); err != nil {
		panic(err.Error())
	}

	offset := p.Offset()
	aligned := memutils.AlignUp(offset, alignment)
	if aligned < offset || !memutils.FitsBits(aligned, OffsetBits) {
		panic(fmt.Sprintf("aligning pointer %s to %d overflows the %d-bit offset field", p, alignment, OffsetBits))
	}

	return p&Pointer(tagMask) | Pointer(aligned)
}

func (p *Pointer) SetTypeIndex(typeIndex int) {
	warnOverflow("type index", uint64(typeIndex), TypeIndexBits)
	*p = *p&^Pointer(MaxTypeIndex<<typeShift) | Pointer((uint64(typeIndex)&MaxTypeIndex)<<typeShift)
}

func (p *Pointer) SetPoolIndex(poolIndex int) {
	warnOverflow("pool index", uint64(poolIndex), PoolIndexBits)
	*p = *p&^Pointer(uint64(MaxPoolIndex)<<poolShift) | Pointer((uint64(poolIndex)&MaxPoolIndex)<<poolShift)
}

func (p *Pointer) SetOffset(offset uint64) {
	warnOverflow("offset", offset, OffsetBits)
	*p = *p&Pointer(tagMask) | Pointer(offset&offsetMask)
}

// Add sums the offsets of two pointers and keeps the receiver's indices. Operands carrying
// different indices are allowed but logged, since they usually point at a bug in the caller.
// A sum that overflows the offset field panics.
func (p Pointer) Add(other Pointer) Pointer {
	if p&Pointer(tagMask) != other&Pointer(tagMask) {
		log().LogAttrs(context.Background(), slog.LevelWarn, "adding gpu pointers with differing type/pool indices",
			slog.String("left", p.String()),
			slog.String("right", other.String()),
		)
	}

	return p.AddOffset(other.Offset())
}

// AddOffset advances the offset by n bytes. A result that overflows the offset field panics.
func (p Pointer) AddOffset(n uint64) Pointer {
	sum := p.Offset() + n
	if sum < n || !memutils.FitsBits(sum, OffsetBits) {
		panic(fmt.Sprintf("pointer value %#X overflows the %d-bit offset field", sum, OffsetBits))
	}

	return p&Pointer(tagMask) | Pointer(sum)
}

// String prints the offset in hex, prefixed by T<type> and P<pool> when those are non-zero.
func (p Pointer) String() string {
	var sb strings.Builder
	if typeIndex := p.TypeIndex(); typeIndex > 0 {
		fmt.Fprintf(&sb, "T%d", typeIndex)
	}
	if poolIndex := p.PoolIndex(); poolIndex > 0 {
		fmt.Fprintf(&sb, "P%d", poolIndex)
	}
	fmt.Fprintf(&sb, "%#X", p.Offset())
	return sb.String()
}
