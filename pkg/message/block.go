package message

import "fmt"

// Block sizes are 2^(SZX+4) bytes; SZX 7 is reserved.
const (
	MinBlockSZX uint8 = 0 // 16 bytes
	MaxBlockSZX uint8 = 6 // 1024 bytes

	// MaxBlockNum is the largest block number a 3-byte option can carry.
	MaxBlockNum = 1<<20 - 1
)

// BlockValue is the decoded value of a Block1 or Block2 option.
// See RFC 7959 Section 2.2.
type BlockValue struct {
	// Num is the relative number of the block within the sequence.
	Num uint32
	// More is set when further blocks follow this one.
	More bool
	// SZX is the size exponent: block size is 2^(SZX+4).
	SZX uint8
}

// Size returns the block size in bytes.
func (b BlockValue) Size() int {
	return SZXToSize(b.SZX)
}

// Offset returns the byte offset of this block within the full payload.
func (b BlockValue) Offset() int {
	return int(b.Num) * b.Size()
}

// Encode packs the value as NUM<<4 | M<<3 | SZX.
func (b BlockValue) Encode() (uint32, error) {
	if b.SZX > MaxBlockSZX || b.Num > MaxBlockNum {
		return 0, ErrInvalidBlock
	}
	v := b.Num<<4 | uint32(b.SZX)
	if b.More {
		v |= 1 << 3
	}
	return v, nil
}

// String returns "num/more/size", the notation used by RFC 7959.
func (b BlockValue) String() string {
	m := 0
	if b.More {
		m = 1
	}
	return fmt.Sprintf("%d/%d/%d", b.Num, m, b.Size())
}

// DecodeBlock unpacks a Block option uint value.
func DecodeBlock(v uint32) (BlockValue, error) {
	b := BlockValue{
		Num:  v >> 4,
		More: v&0x8 != 0,
		SZX:  uint8(v & 0x7),
	}
	if b.SZX > MaxBlockSZX {
		return BlockValue{}, ErrInvalidBlock
	}
	return b, nil
}

// SZXToSize converts a size exponent to a block size in bytes.
func SZXToSize(szx uint8) int {
	return 1 << (szx + 4)
}

// SZXForSize returns the largest size exponent whose block size does not
// exceed size. Sizes below 16 map to SZX 0.
func SZXForSize(size int) uint8 {
	szx := MaxBlockSZX
	for szx > MinBlockSZX && SZXToSize(szx) > size {
		szx--
	}
	return szx
}
