package bitfield

import (
	"errors"
	"fmt"
	"math"
	"math/bits"

	"google.golang.org/protobuf/encoding/protowire"
)

// ErrInvalidRLE is returned when an encoded bitfield is truncated or malformed.
var ErrInvalidRLE = errors.New("invalid RLE bitfield")

// Encode run-length encodes a byte bitfield.
//
// The format is a sequence of varint headers. A header with the low bit set
// is a repeat run: header>>2 bytes of 0xff (bit 1 set) or 0x00. A header with
// the low bit clear is a literal run: header>>1 raw bytes follow. Trailing
// zero bytes are never encoded, so an empty bitfield encodes to an empty,
// non-nil slice.
func Encode(buf []byte) []byte {
	e := encoder{input: trimZeros(buf), output: []byte{}}
	e.run()
	return e.output
}

type encoder struct {
	input       []byte
	inputOffset int
	output      []byte
}

func (e *encoder) run() {
	var (
		runLen int
		runVal byte
	)
	for i, b := range e.input {
		if runLen > 0 && b == runVal {
			runLen++
			continue
		}
		if runLen > 0 {
			e.update(i, runLen, runVal)
		}
		if b == 0x00 || b == 0xff {
			runVal = b
			runLen = 1
		} else {
			runLen = 0
		}
	}
	if runLen > 0 {
		e.update(len(e.input), runLen, runVal)
	}
	e.flush(len(e.input))
}

// update emits a repeat run ending at end when that is cheaper than leaving
// the bytes in the pending literal section.
func (e *encoder) update(end, runLen int, runVal byte) {
	headLen := end - runLen - e.inputOffset
	headCost := 0
	if headLen > 0 {
		headCost = protowire.SizeVarint(uint64(2*headLen)) + headLen
	}
	header := repeatHeader(runLen, runVal)
	encCost := headCost + protowire.SizeVarint(header)
	pending := end - e.inputOffset
	baseCost := protowire.SizeVarint(uint64(2*pending)) + pending
	if encCost >= baseCost {
		return
	}
	if headLen > 0 {
		e.literal(end - runLen)
	}
	e.output = protowire.AppendVarint(e.output, header)
	e.inputOffset = end
}

func (e *encoder) flush(end int) {
	if end > e.inputOffset {
		e.literal(end)
	}
}

func (e *encoder) literal(end int) {
	n := end - e.inputOffset
	e.output = protowire.AppendVarint(e.output, uint64(2*n))
	e.output = append(e.output, e.input[e.inputOffset:end]...)
	e.inputOffset = end
}

func repeatHeader(runLen int, runVal byte) uint64 {
	header := uint64(runLen)<<2 | 1
	if runVal == 0xff {
		header |= 2
	}
	return header
}

func trimZeros(buf []byte) []byte {
	n := len(buf)
	for n > 0 && buf[n-1] == 0 {
		n--
	}
	return buf[:n]
}

// DecodedLength returns the number of bytes enc expands to.
func DecodedLength(enc []byte) (int, error) {
	total := 0
	for off := 0; off < len(enc); {
		header, n := protowire.ConsumeVarint(enc[off:])
		if n < 0 {
			return 0, fmt.Errorf("%w: bad varint at offset %d", ErrInvalidRLE, off)
		}
		off += n
		if header&1 == 1 {
			runLen := header >> 2
			if uint64(total) > MaxDecodedLength || runLen > MaxDecodedLength-uint64(total) {
				return 0, fmt.Errorf("%w: decoded length exceeds %d bytes", ErrInvalidRLE, MaxDecodedLength)
			}
			total += int(runLen)
			continue
		}
		runLen := header >> 1
		if runLen > uint64(len(enc)-off) {
			return 0, fmt.Errorf("%w: literal run of %d bytes overruns input", ErrInvalidRLE, runLen)
		}
		total += int(runLen)
		off += int(runLen)
	}
	return total, nil
}

// Decode expands an RLE encoded bitfield. An empty input decodes to an empty
// bitfield.
func Decode(enc []byte) ([]byte, error) {
	size, err := DecodedLength(enc)
	if err != nil {
		return nil, err
	}
	out := make([]byte, size)
	ptr := 0
	for off := 0; off < len(enc); {
		header, n := protowire.ConsumeVarint(enc[off:])
		off += n
		if header&1 == 1 {
			runLen := int(header >> 2)
			if header&2 != 0 {
				for i := ptr; i < ptr+runLen; i++ {
					out[i] = 0xff
				}
			}
			ptr += runLen
			continue
		}
		runLen := int(header >> 1)
		copy(out[ptr:], enc[off:off+runLen])
		off += runLen
		ptr += runLen
	}
	return out, nil
}

// FillEncoded applies an RLE encoded bitfield at start without expanding it
// first. A non-zero length clips the encoded range to that many bits. Bits at
// or past limit are not stored but still count toward the returned extent,
// which is one past the highest set index in the range, or zero when nothing
// in it is set. Malformed input leaves b untouched.
func (b *Bitfield) FillEncoded(enc []byte, start, length, limit uint64) (extent uint64, err error) {
	size, err := DecodedLength(enc)
	if err != nil {
		return 0, err
	}
	end := uint64(size) * 8
	if length > 0 && length < end {
		end = length
	}
	var keep uint64
	if start < limit {
		keep = min(end, limit-start)
	}

	var (
		rel     uint64
		last    uint64
		haveSet bool
	)
	for off := 0; off < len(enc) && rel < end; {
		header, n := protowire.ConsumeVarint(enc[off:])
		off += n
		if header&1 == 1 {
			ones := header&2 != 0
			runEnd := min(rel+(header>>2)*8, end)
			if ones && runEnd > rel {
				last, haveSet = runEnd-1, true
			}
			if hi := min(runEnd, keep); rel < hi {
				b.SetRange(start+rel, start+hi, ones)
			}
			rel = runEnd
			continue
		}
		lit := enc[off : off+int(header>>1)]
		off += len(lit)
		runEnd := min(rel+uint64(len(lit))*8, end)
		if i, ok := lastSet(lit, runEnd-rel); ok {
			last, haveSet = rel+i, true
		}
		if hi := min(runEnd, keep); rel < hi {
			b.writeBits(start+rel, lit, hi-rel)
		}
		rel = runEnd
	}

	if !haveSet {
		return 0, nil
	}
	if start > math.MaxUint64-last-1 {
		return math.MaxUint64, nil
	}
	return start + last + 1, nil
}

// lastSet returns the highest set bit among the first nbits serialised bits
// of buf.
func lastSet(buf []byte, nbits uint64) (uint64, bool) {
	for j := (nbits + 7) / 8; j > 0; j-- {
		v := buf[j-1]
		if j*8 > nbits {
			v &= byte(0xff << (j*8 - nbits))
		}
		if v != 0 {
			return (j-1)*8 + uint64(7-bits.TrailingZeros8(v)), true
		}
	}
	return 0, false
}

// MaxDecodedLength bounds how far a peer can make Decode allocate.
const MaxDecodedLength = 64 << 20
