package message

import (
	"bytes"
	"testing"
)

func TestUintOption(t *testing.T) {
	tests := []struct {
		v    uint32
		want []byte
	}{
		{0, []byte{}},
		{1, []byte{1}},
		{255, []byte{0xff}},
		{256, []byte{1, 0}},
		{0x123456, []byte{0x12, 0x34, 0x56}},
		{0xffffffff, []byte{0xff, 0xff, 0xff, 0xff}},
	}

	for _, tt := range tests {
		got := EncodeUint(tt.v)
		if !bytes.Equal(got, tt.want) {
			t.Errorf("EncodeUint(%d) = %x, want %x", tt.v, got, tt.want)
		}
		back, err := DecodeUint(got)
		if err != nil || back != tt.v {
			t.Errorf("DecodeUint(%x) = %d, %v", got, back, err)
		}
	}

	if _, err := DecodeUint(make([]byte, 5)); err != ErrOptionTooLong {
		t.Errorf("DecodeUint(5 bytes) error = %v, want ErrOptionTooLong", err)
	}
}

func TestMessageOptions(t *testing.T) {
	m := NewRequest(Confirmable, GET, "/a/b/c")

	if m.Path() != "/a/b/c" {
		t.Errorf("Path() = %q", m.Path())
	}
	if got := len(m.OptionValues(URIPath)); got != 3 {
		t.Errorf("Uri-Path count = %d, want 3", got)
	}

	m.SetObserve(0)
	seq, ok := m.ObserveValue()
	if !ok || seq != 0 {
		t.Errorf("ObserveValue() = %d, %v", seq, ok)
	}

	m.SetObserve(0x1000001)
	seq, _ = m.ObserveValue()
	if seq != 1 {
		t.Errorf("SetObserve should mask to 24 bits, got %#x", seq)
	}

	m.SetContentFormat(AppCBOR)
	if cf, ok := m.ContentFormat(); !ok || cf != AppCBOR {
		t.Errorf("ContentFormat() = %d, %v", cf, ok)
	}

	m.RemoveOption(URIPath)
	if m.Path() != "/" {
		t.Errorf("Path() after remove = %q", m.Path())
	}
}

func TestMessageClone(t *testing.T) {
	m := &Message{
		Type:    Confirmable,
		Code:    POST,
		Token:   Token{1, 2},
		Payload: []byte("body"),
	}
	m.AddQuery("x=1")

	c := m.Clone()
	c.Token[0] = 9
	c.Payload[0] = 'B'
	c.Options[0].Value[0] = 'y'

	if m.Token[0] != 1 || m.Payload[0] != 'b' || m.Queries()[0] != "x=1" {
		t.Error("Clone() shares memory with the original")
	}
}

func TestCodeString(t *testing.T) {
	tests := map[Code]string{
		Content:             "2.05",
		NotFound:            "4.04",
		Continue:            "2.31",
		InternalServerError: "5.00",
		GET:                 "0.01",
	}
	for code, want := range tests {
		if code.String() != want {
			t.Errorf("%d.String() = %q, want %q", code, code.String(), want)
		}
	}
	if NewCode(2, 5) != Content {
		t.Error("NewCode(2, 5) != Content")
	}
	if !GET.IsRequest() || GET.IsResponse() || !Content.IsResponse() {
		t.Error("request/response classification wrong")
	}
}
