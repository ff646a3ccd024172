// Package wire defines the request/response primitives carried as
// datagram payloads after framing (spec.md section 6.1), modeled on
// newtmgr/protocol's NmgrReq: a small fixed header plus a variable-length
// payload, big-endian on the wire.
package wire

import (
	"encoding/binary"

	"github.com/mp-commits/reliable-fw-update/internal/bootutil"
)

// Op identifies which of the four request primitives a frame carries.
type Op uint8

const (
	OpReadDataByID  Op = 0
	OpWriteDataByID Op = 1
	OpPutMetadata   Op = 2
	OpPutFragment   Op = 3
)

// Ack is the single-byte result code every request produces.
type Ack uint8

const (
	AckOK                    Ack = 0
	AckNackInvalidRequest    Ack = 1
	AckNackRequestOutOfRange Ack = 2
	AckNackRequestFailed     Ack = 3
	AckNackBusyRepeatRequest Ack = 4
	AckNackInternalError     Ack = 5
)

func (a Ack) String() string {
	switch a {
	case AckOK:
		return "ACK_OK"
	case AckNackInvalidRequest:
		return "NACK_INVALID_REQUEST"
	case AckNackRequestOutOfRange:
		return "NACK_REQUEST_OUT_OF_RANGE"
	case AckNackRequestFailed:
		return "NACK_REQUEST_FAILED"
	case AckNackBusyRepeatRequest:
		return "NACK_BUSY_REPEAT_REQUEST"
	case AckNackInternalError:
		return "NACK_INTERNAL_ERROR"
	default:
		return "UNKNOWN_ACK"
	}
}

// DataID identifies a readDataById/writeDataById target.
type DataID uint8

const (
	// Readable.
	DataFirmwareVersion DataID = 0
	DataFirmwareType    DataID = 1
	DataFirmwareName    DataID = 2

	// Writable.
	DataFirmwareUpdate   DataID = 16
	DataFirmwareRollback DataID = 17
	DataReset            DataID = 18
	DataEraseSlot        DataID = 19
)

// Request is one decoded frame: an opcode, the data/slot id where the op
// takes one, and the payload bytes.
type Request struct {
	Op   Op
	ID   DataID
	Data []byte
}

var order = binary.BigEndian

// frame layout: [op:1][id:1][len:2][data...]
const headerSize = 4

// Decode parses a framed request. The transport (out of scope, spec.md
// section 1) is responsible for delivering one complete frame per call.
func Decode(raw []byte) (Request, error) {
	if len(raw) < headerSize {
		return Request{}, bootutil.Fmt("wire: frame too short: %d bytes", len(raw))
	}

	req := Request{
		Op: Op(raw[0]),
		ID: DataID(raw[1]),
	}
	length := order.Uint16(raw[2:4])
	body := raw[headerSize:]
	if int(length) != len(body) {
		return Request{}, bootutil.Fmt("wire: length field %d does not match body length %d", length, len(body))
	}
	req.Data = body
	return req, nil
}

// Encode serializes a request, for the client side of the exchange
// rather than the server itself.
func (r Request) Encode() []byte {
	out := make([]byte, headerSize+len(r.Data))
	out[0] = byte(r.Op)
	out[1] = byte(r.ID)
	order.PutUint16(out[2:4], uint16(len(r.Data)))
	copy(out[headerSize:], r.Data)
	return out
}

// Response is one encoded reply frame: an ack code plus an optional
// payload (only produced by readDataById).
type Response struct {
	Ack     Ack
	Payload []byte
}

// Encode serializes a response as [ack:1][payload...].
func (r Response) Encode() []byte {
	out := make([]byte, 1+len(r.Payload))
	out[0] = byte(r.Ack)
	copy(out[1:], r.Payload)
	return out
}

// DecodeResponse parses a response frame, for the client side of the
// exchange.
func DecodeResponse(raw []byte) (Response, error) {
	if len(raw) < 1 {
		return Response{}, bootutil.Fmt("wire: empty response frame")
	}
	return Response{Ack: Ack(raw[0]), Payload: raw[1:]}, nil
}
