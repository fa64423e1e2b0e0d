// Package bitfield tracks block availability for a feed and converts it to
// and from the run-length encoded form exchanged in Have messages.
package bitfield

import (
	"encoding/binary"
	"math/bits"

	"github.com/bits-and-blooms/bitset"
)

// PageBits is the number of blocks covered by one bitfield page. Want and
// Have ranges are answered in whole pages.
const PageBits = 8192

// Bitfield is a growable set of block indices. Bit i lives in byte i/8 under
// mask 0x80>>(i%8) when serialised.
//
// Bitfield is not safe for concurrent use; feeds guard it with their own lock.
type Bitfield struct {
	bits *bitset.BitSet
}

// New returns an empty bitfield.
func New() *Bitfield {
	return &Bitfield{bits: bitset.New(0)}
}

// FromBytes builds a bitfield from its serialised byte form.
func FromBytes(buf []byte) *Bitfield {
	b := New()
	b.Fill(buf, 0)
	return b
}

// Get reports whether index is set.
func (b *Bitfield) Get(index uint64) bool {
	return b.bits.Test(uint(index))
}

// Set sets or clears index.
func (b *Bitfield) Set(index uint64, value bool) {
	if !value && uint(index) >= b.bits.Len() {
		return
	}
	b.bits.SetTo(uint(index), value)
}

// Count returns the number of set bits.
func (b *Bitfield) Count() uint64 {
	return uint64(b.bits.Count())
}

// Last returns the highest set index. ok is false when nothing is set.
func (b *Bitfield) Last() (index uint64, ok bool) {
	n := b.bits.Len()
	if n == 0 {
		return 0, false
	}
	i, ok := b.bits.PreviousSet(n - 1)
	return uint64(i), ok
}

// Len returns one past the highest index the bitfield has storage for.
func (b *Bitfield) Len() uint64 {
	return uint64(b.bits.Len())
}

// Fill overwrites the bits starting at start with the serialised bits in buf.
// Zero bits in buf clear existing bits.
func (b *Bitfield) Fill(buf []byte, start uint64) {
	b.writeBits(start, buf, uint64(len(buf))*8)
}

// SetRange sets or clears every index in [start, end).
func (b *Bitfield) SetRange(start, end uint64, value bool) {
	if start >= end {
		return
	}
	var fill uint64
	if value {
		fill = ^uint64(0)
		b.grow(end)
	} else if n := b.Len(); end > n {
		end = n
	}
	words := b.bits.Words()
	for pos := start; pos < end; {
		width := min(64-pos%64, end-pos)
		putBits(words, pos, fill, width)
		pos += width
	}
}

// writeBits copies the first nbits serialised bits of src to pos, a word at a
// time.
func (b *Bitfield) writeBits(pos uint64, src []byte, nbits uint64) {
	if nbits == 0 {
		return
	}
	b.grow(pos + nbits)
	words := b.bits.Words()
	var chunk [8]byte
	for i := uint64(0); i < nbits; i += 64 {
		chunk = [8]byte{}
		copy(chunk[:], src[i/8:])
		// Serialised bits are MSB first; bitset words are LSB first.
		v := bits.Reverse64(binary.BigEndian.Uint64(chunk[:]))
		putBits(words, pos+i, v, min(64, nbits-i))
	}
}

// grow makes sure the bitfield has storage for n bits. It sets bit n-1, so
// callers must overwrite it.
func (b *Bitfield) grow(n uint64) {
	if b.Len() < n {
		b.bits.Set(uint(n - 1))
	}
}

// putBits overwrites width bits at pos with the low bits of v.
func putBits(words []uint64, pos, v, width uint64) {
	w, off := pos/64, pos%64
	mask := lowMask(width)
	v &= mask
	words[w] = words[w]&^(mask<<off) | v<<off
	if off+width > 64 {
		spill := off + width - 64
		words[w+1] = words[w+1]&^lowMask(spill) | v>>(64-off)
	}
}

func lowMask(n uint64) uint64 {
	if n >= 64 {
		return ^uint64(0)
	}
	return 1<<n - 1
}

// Bytes serialises the whole bitfield.
func (b *Bitfield) Bytes() []byte {
	return b.Range(0, b.Len())
}

// Range serialises length bits beginning at start. The result is
// ceil(length/8) bytes long.
func (b *Bitfield) Range(start, length uint64) []byte {
	out := make([]byte, (length+7)/8)
	for i := uint64(0); i < length; i++ {
		if b.Get(start + i) {
			out[i/8] |= 0x80 >> (i % 8)
		}
	}
	return out
}

// Compress returns the RLE encoding of length bits beginning at start. A zero
// start and length select the whole bitfield. Bits past Len are zero and the
// encoding trims trailing zeros, so the range is clamped to Len.
func (b *Bitfield) Compress(start, length uint64) []byte {
	if start == 0 && length == 0 {
		return Encode(b.Bytes())
	}
	if n := b.Len(); start >= n {
		length = 0
	} else if length > n-start {
		length = n - start
	}
	return Encode(b.Range(start, length))
}

// Clone returns an independent copy.
func (b *Bitfield) Clone() *Bitfield {
	return &Bitfield{bits: b.bits.Clone()}
}

// Equal reports whether both bitfields have the same bits set, ignoring
// trailing capacity.
func (b *Bitfield) Equal(other *Bitfield) bool {
	if b.Count() != other.Count() {
		return false
	}
	for i, ok := b.bits.NextSet(0); ok; i, ok = b.bits.NextSet(i + 1) {
		if !other.bits.Test(i) {
			return false
		}
	}
	return true
}
