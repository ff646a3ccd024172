package wire_test

import (
	"bytes"
	"testing"

	"github.com/mp-commits/reliable-fw-update/internal/wire"
)

func TestRequestRoundTrip(t *testing.T) {
	req := wire.Request{
		Op:   wire.OpWriteDataByID,
		ID:   wire.DataFirmwareUpdate,
		Data: []byte{1, 2, 3, 4, 5},
	}

	raw := req.Encode()
	got, err := wire.Decode(raw)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}

	if got.Op != req.Op || got.ID != req.ID || !bytes.Equal(got.Data, req.Data) {
		t.Fatalf("round trip mismatch: got %+v, want %+v", got, req)
	}
}

func TestRequestRoundTripEmptyPayload(t *testing.T) {
	req := wire.Request{Op: wire.OpReadDataByID, ID: wire.DataFirmwareVersion}
	raw := req.Encode()

	got, err := wire.Decode(raw)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if len(got.Data) != 0 {
		t.Fatalf("expected empty payload, got %v", got.Data)
	}
}

func TestDecodeRejectsShortFrame(t *testing.T) {
	if _, err := wire.Decode([]byte{0, 1}); err == nil {
		t.Fatal("expected an error decoding a frame shorter than the header")
	}
}

func TestDecodeRejectsLengthMismatch(t *testing.T) {
	raw := []byte{byte(wire.OpPutFragment), 0, 0, 10, 1, 2, 3}
	if _, err := wire.Decode(raw); err == nil {
		t.Fatal("expected an error when the length field does not match the body")
	}
}

func TestResponseRoundTrip(t *testing.T) {
	resp := wire.Response{Ack: wire.AckOK, Payload: []byte{0xAA, 0xBB}}
	raw := resp.Encode()

	got, err := wire.DecodeResponse(raw)
	if err != nil {
		t.Fatalf("DecodeResponse: %v", err)
	}
	if got.Ack != resp.Ack || !bytes.Equal(got.Payload, resp.Payload) {
		t.Fatalf("round trip mismatch: got %+v, want %+v", got, resp)
	}
}

func TestAckString(t *testing.T) {
	if wire.AckNackBusyRepeatRequest.String() != "NACK_BUSY_REPEAT_REQUEST" {
		t.Fatalf("unexpected Ack.String(): %s", wire.AckNackBusyRepeatRequest.String())
	}
}
