package message

import (
	"errors"
	"testing"
)

func TestBlockValueEncodeDecode(t *testing.T) {
	tests := []struct {
		name  string
		block BlockValue
		raw   uint32
	}{
		{"first block 16 bytes", BlockValue{Num: 0, More: true, SZX: 0}, 0x08},
		{"last block 1024 bytes", BlockValue{Num: 3, More: false, SZX: 6}, 0x36},
		{"large num", BlockValue{Num: 1000, More: true, SZX: 2}, 1000<<4 | 0x8 | 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			raw, err := tt.block.Encode()
			if err != nil {
				t.Fatalf("Encode() error = %v", err)
			}
			if raw != tt.raw {
				t.Errorf("Encode() = %#x, want %#x", raw, tt.raw)
			}

			got, err := DecodeBlock(raw)
			if err != nil {
				t.Fatalf("DecodeBlock() error = %v", err)
			}
			if got != tt.block {
				t.Errorf("DecodeBlock() = %+v, want %+v", got, tt.block)
			}
		})
	}
}

func TestBlockValueReservedSZX(t *testing.T) {
	if _, err := DecodeBlock(0x07); !errors.Is(err, ErrInvalidBlock) {
		t.Errorf("DecodeBlock(szx=7) error = %v, want ErrInvalidBlock", err)
	}
	if _, err := (BlockValue{SZX: 7}).Encode(); !errors.Is(err, ErrInvalidBlock) {
		t.Errorf("Encode(szx=7) error = %v, want ErrInvalidBlock", err)
	}
}

func TestBlockSizes(t *testing.T) {
	b := BlockValue{Num: 2, SZX: 2}
	if b.Size() != 64 {
		t.Errorf("Size() = %d, want 64", b.Size())
	}
	if b.Offset() != 128 {
		t.Errorf("Offset() = %d, want 128", b.Offset())
	}
	if b.String() != "2/0/64" {
		t.Errorf("String() = %q, want 2/0/64", b.String())
	}

	sizes := map[int]uint8{1: 0, 16: 0, 100: 2, 1024: 6, 4096: 6, 512: 5}
	for size, want := range sizes {
		if got := SZXForSize(size); got != want {
			t.Errorf("SZXForSize(%d) = %d, want %d", size, got, want)
		}
	}
}

func TestMessageBlockOption(t *testing.T) {
	m := &Message{Type: Confirmable, Code: GET}

	if _, ok, _ := m.Block(Block2); ok {
		t.Fatal("Block2 should be absent")
	}

	if err := m.SetBlock(Block2, BlockValue{Num: 5, More: true, SZX: 4}); err != nil {
		t.Fatalf("SetBlock() error = %v", err)
	}
	b, ok, err := m.Block(Block2)
	if !ok || err != nil {
		t.Fatalf("Block() ok=%v err=%v", ok, err)
	}
	if b.Num != 5 || !b.More || b.SZX != 4 {
		t.Errorf("Block() = %+v", b)
	}
}
