package websocket

import (
	"bytes"
	"testing"
)

func TestDecodeHeaderIncompleteThenComplete(t *testing.T) {
	h := Header{Fin: true, Opcode: OpcodeText, PayloadLength: 5}
	full := EncodeHeader(nil, h)

	for n := 0; n < len(full); n++ {
		status, left, _, err := DecodeHeader(full[:n])
		if err != nil {
			t.Fatalf("DecodeHeader(%d bytes) error = %v", n, err)
		}
		if status != HeaderIncomplete {
			t.Fatalf("DecodeHeader(%d bytes) status = %v, want Incomplete", n, status)
		}
		if left <= 0 {
			t.Errorf("DecodeHeader(%d bytes) bytesLeft = %d, want > 0", n, left)
		}
	}

	status, _, got, err := DecodeHeader(full)
	if err != nil || status != HeaderComplete {
		t.Fatalf("DecodeHeader(full) = %v, %v", status, err)
	}
	if got.Opcode != OpcodeText || got.PayloadLength != 5 || !got.Fin {
		t.Errorf("DecodeHeader(full) = %+v", got)
	}
	if got.Size != len(full) {
		t.Errorf("Size = %d, want %d", got.Size, len(full))
	}
}

func TestEncodeDecodeRoundTripLengths(t *testing.T) {
	lengths := []uint64{0, 1, 125, 126, 65535, 65536, 1 << 20}
	for _, n := range lengths {
		h := Header{Fin: true, Opcode: OpcodeBinary, PayloadLength: n}
		buf := EncodeHeader(nil, h)

		status, _, got, err := DecodeHeader(buf)
		if err != nil || status != HeaderComplete {
			t.Fatalf("len=%d: DecodeHeader() = %v, %v", n, status, err)
		}
		if got.PayloadLength != n {
			t.Errorf("len=%d: PayloadLength = %d", n, got.PayloadLength)
		}
	}
}

func TestEncodeDecodeMaskedFrame(t *testing.T) {
	key := [4]byte{1, 2, 3, 4}
	h := Header{Fin: true, Opcode: OpcodeText, Mask: true, MaskKey: key, PayloadLength: 3}
	buf := EncodeHeader(nil, h)

	status, _, got, err := DecodeHeader(buf)
	if err != nil || status != HeaderComplete {
		t.Fatalf("DecodeHeader() = %v, %v", status, err)
	}
	if !got.Mask || got.MaskKey != key {
		t.Errorf("Mask/MaskKey = %v, %v, want true, %v", got.Mask, got.MaskKey, key)
	}
}

func TestMaskPayloadIsSelfInverse(t *testing.T) {
	key := [4]byte{0xAA, 0xBB, 0xCC, 0xDD}
	original := []byte("hello, websocket!")
	payload := append([]byte(nil), original...)

	MaskPayload(payload, key)
	if bytes.Equal(payload, original) {
		t.Fatalf("MaskPayload() did not change payload")
	}

	MaskPayload(payload, key)
	if !bytes.Equal(payload, original) {
		t.Errorf("MaskPayload() applied twice = %q, want %q", payload, original)
	}
}
