package continuation

import (
	"encoding/binary"
	"errors"
	"testing"
)

func TestEncodeDecode(t *testing.T) {
	tests := []struct {
		name string
		h    Header
	}{
		{"tail", Tail(3)},
		{"tail to entry", Tail(0)},
		{"call", Call(2, 64, 8)},
		{"return", Return(5)},
		{"finished", Done()},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			frame := make([]byte, 32)
			if err := Encode(frame, tt.h); err != nil {
				t.Fatalf("Encode failed: %v", err)
			}
			got, err := Decode(frame)
			if err != nil {
				t.Fatalf("Decode failed: %v", err)
			}
			if got != tt.h {
				t.Errorf("Decode = %+v, want %+v", got, tt.h)
			}
		})
	}
}

func TestFinishedSentinelWord(t *testing.T) {
	frame := make([]byte, HeaderSize)
	if err := Encode(frame, Done()); err != nil {
		t.Fatal(err)
	}
	if w := binary.NativeEndian.Uint32(frame); w != 0xFFFFFFFF {
		t.Errorf("word0 = %#x, want all ones", w)
	}
	if h, _ := Decode(frame); !h.Finished() {
		t.Error("header not reported finished")
	}
}

func TestDecodeInvalidKind(t *testing.T) {
	frame := make([]byte, CallHeaderSize)
	binary.NativeEndian.PutUint32(frame[0:], 1)
	binary.NativeEndian.PutUint32(frame[4:], 7)
	if _, err := Decode(frame); !errors.Is(err, ErrInvalidKind) {
		t.Errorf("err = %v, want ErrInvalidKind", err)
	}
}

func TestConsumeClears(t *testing.T) {
	frame := make([]byte, CallHeaderSize)
	if err := Encode(frame, Tail(4)); err != nil {
		t.Fatal(err)
	}
	if h, err := Consume(frame); err != nil || h != Tail(4) {
		t.Fatalf("Consume = %+v, %v", h, err)
	}
	if _, err := Decode(frame); !errors.Is(err, ErrMissingHeader) {
		t.Errorf("second decode err = %v, want ErrMissingHeader", err)
	}
}

func TestShortFrame(t *testing.T) {
	if err := Encode(make([]byte, HeaderSize), Call(1, 32, 0)); !errors.Is(err, ErrShortFrame) {
		t.Errorf("Encode err = %v, want ErrShortFrame", err)
	}
	if _, err := Decode(make([]byte, 4)); !errors.Is(err, ErrShortFrame) {
		t.Errorf("Decode err = %v, want ErrShortFrame", err)
	}

	frame := make([]byte, HeaderSize)
	binary.NativeEndian.PutUint32(frame[0:], 2)
	binary.NativeEndian.PutUint32(frame[4:], uint32(NormalCall))
	if _, err := Decode(frame); !errors.Is(err, ErrShortFrame) {
		t.Errorf("truncated call err = %v, want ErrShortFrame", err)
	}
}
