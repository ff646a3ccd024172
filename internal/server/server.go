// Package server implements the Update Server Core (spec.md component
// C5): slot-assignment policy for incoming metadata/fragments, the
// data-by-id surface, and install/rollback/erase/reset requests. It
// consumes decoded wire.Request frames; it does not own the transport.
package server

import (
	"bytes"
	"encoding/binary"

	log "github.com/sirupsen/logrus"

	"github.com/mp-commits/reliable-fw-update/internal/command"
	"github.com/mp-commits/reliable-fw-update/internal/flashmem"
	"github.com/mp-commits/reliable-fw-update/internal/fragment"
	"github.com/mp-commits/reliable-fw-update/internal/onflash"
	"github.com/mp-commits/reliable-fw-update/internal/verify"
	"github.com/mp-commits/reliable-fw-update/internal/wire"
)

var order = binary.BigEndian

// maxReadPayload is the response scratch-buffer size the transport
// offers readDataById; spec.md 4.5 requires at least 16 bytes.
const maxReadPayload = 32

// NumSlots is the number of staging slots (spec.md 3.3: "three sectors"
// per Command Area, one FragmentArea per slot).
const NumSlots = 3

// Server is the stateful Update Server Core. It is a single-task
// singleton (spec.md section 5): requests are processed in arrival
// order, at most one in flight.
type Server struct {
	keystore *verify.Keystore
	areas    [NumSlots]*fragment.Area
	ca       *command.Area

	// metaMirror is the in-RAM mirror of each slot's metadata, kept in
	// sync with flash so slot-assignment policy never needs a flash
	// read on the hot path.
	metaMirror [NumSlots]*onflash.Metadata
	chainCache [NumSlots]*verify.HashChainCache

	// currentApp is the metadata of the firmware this device is
	// currently running; slot-assignment policy treats a staged slot
	// that already matches it as "already installed, don't restage".
	currentApp *onflash.Metadata

	resetRequested bool
	resetHook      func()
}

// New builds a Server bound to its three staging regions, its Command
// Area, a keystore, and the currently-running application's metadata
// (nil if unknown at startup). Each region gets its own FragmentArea,
// wired with validation hooks that close over the server's in-RAM
// mirrors and hash-chain caches.
func New(keystore *verify.Keystore, regions [NumSlots]*flashmem.Region, ca *command.Area, currentApp *onflash.Metadata, resetHook func()) *Server {
	s := &Server{
		keystore:   keystore,
		ca:         ca,
		currentApp: currentApp,
		resetHook:  resetHook,
	}
	for i := range s.chainCache {
		s.chainCache[i] = &verify.HashChainCache{}
	}
	for i, region := range regions {
		slot := i
		s.areas[slot] = fragment.Init(region, s.validateFragmentForSlot(slot), s.validateMetadata)
	}
	for slot, area := range s.areas {
		var m onflash.Metadata
		if res, err := area.ReadMetadata(&m); err == nil && res == fragment.ResultOK {
			s.metaMirror[slot] = &m
		}
	}
	return s
}

func (s *Server) validateMetadata(m *onflash.Metadata) bool {
	ok, err := verify.ValidateMetadata(s.keystore, m)
	if err != nil {
		log.Warnf("server: metadata validation error: %v", err)
		return false
	}
	return ok
}

func (s *Server) validateFragmentForSlot(slot int) fragment.ValidateFragmentFunc {
	return func(f *onflash.Fragment) bool {
		meta := s.metaMirror[slot]
		if meta == nil {
			return false
		}
		ok, err := verify.ValidateFragment(s.keystore, s.chainCache[slot], meta, f, s.fragmentReader(slot))
		if err != nil {
			log.Warnf("server: fragment validation error: %v", err)
			return false
		}
		return ok
	}
}

func (s *Server) fragmentReader(slot int) verify.FragmentReader {
	return func(index uint32) (onflash.Fragment, error) {
		var f onflash.Fragment
		_, err := s.areas[slot].ReadFragmentForce(index, &f)
		return f, err
	}
}

// HandleRequest dispatches a decoded frame to the appropriate handler.
// It does not act on the latched reset flag; the caller invokes
// FireLatchedReset once the response has been sent.
func (s *Server) HandleRequest(req wire.Request) wire.Response {
	var resp wire.Response

	switch req.Op {
	case wire.OpReadDataByID:
		ack, payload := s.ReadDataByID(req.ID, maxReadPayload)
		resp = wire.Response{Ack: ack, Payload: payload}
	case wire.OpWriteDataByID:
		resp = wire.Response{Ack: s.WriteDataByID(req.ID, req.Data)}
	case wire.OpPutMetadata:
		resp = wire.Response{Ack: s.PutMetadata(req.Data)}
	case wire.OpPutFragment:
		resp = wire.Response{Ack: s.PutFragment(req.Data)}
	default:
		resp = wire.Response{Ack: wire.AckNackRequestOutOfRange}
	}

	return resp
}

// ResetRequested reports whether a RESET request has been processed;
// the transport tear-down and graceful reset happen only after that
// request's response is delivered.
func (s *Server) ResetRequested() bool {
	return s.resetRequested
}

// FireLatchedReset invokes the external reset hook if RESET was
// requested. Callers invoke this strictly after sending the response.
func (s *Server) FireLatchedReset() {
	if s.resetRequested && s.resetHook != nil {
		s.resetHook()
	}
}

// ReadDataByID implements readDataById (spec.md 4.5). maxSize stands in
// for the caller's out-buffer capacity; a caller offering less than 16
// bytes gets NACK_INTERNAL_ERROR regardless of id.
func (s *Server) ReadDataByID(id wire.DataID, maxSize int) (wire.Ack, []byte) {
	if maxSize < 16 {
		return wire.AckNackInternalError, nil
	}

	if s.currentApp == nil {
		return wire.AckNackInternalError, nil
	}

	switch id {
	case wire.DataFirmwareVersion:
		payload := make([]byte, 4)
		order.PutUint32(payload, s.currentApp.Version)
		return wire.AckOK, payload
	case wire.DataFirmwareType:
		payload := make([]byte, 4)
		order.PutUint32(payload, s.currentApp.Type)
		return wire.AckOK, payload
	case wire.DataFirmwareName:
		payload := make([]byte, 32)
		copy(payload, s.currentApp.Name[:])
		return wire.AckOK, payload
	default:
		return wire.AckNackRequestOutOfRange, nil
	}
}

// WriteDataByID implements writeDataById (spec.md 4.5).
func (s *Server) WriteDataByID(id wire.DataID, data []byte) wire.Ack {
	switch id {
	case wire.DataFirmwareUpdate:
		return s.writeUpdateOrRollback(data, command.CommandInstall)
	case wire.DataFirmwareRollback:
		return s.writeUpdateOrRollback(data, command.CommandRollback)
	case wire.DataReset:
		s.resetRequested = true
		return wire.AckOK
	case wire.DataEraseSlot:
		return s.eraseSlot(data)
	default:
		return wire.AckNackRequestOutOfRange
	}
}

func (s *Server) writeUpdateOrRollback(data []byte, cmdType command.CommandType) wire.Ack {
	if len(data) == 0 {
		if cmdType != command.CommandRollback {
			return wire.AckNackInvalidRequest
		}
		if err := s.ca.WriteInstallCommand(cmdType, nil); err != nil {
			return wire.AckNackBusyRepeatRequest
		}
		return wire.AckOK
	}

	if len(data) != onflash.MetadataSize {
		return wire.AckNackInvalidRequest
	}
	meta, err := onflash.UnmarshalMetadata(data)
	if err != nil {
		return wire.AckNackInvalidRequest
	}
	if !s.validateMetadata(&meta) {
		return wire.AckNackInvalidRequest
	}

	if err := s.ca.WriteInstallCommand(cmdType, &meta); err != nil {
		return wire.AckNackBusyRepeatRequest
	}
	return wire.AckOK
}

func (s *Server) eraseSlot(data []byte) wire.Ack {
	if len(data) != 1 {
		return wire.AckNackInvalidRequest
	}
	slot := int(data[0])
	if slot < 0 || slot >= NumSlots {
		return wire.AckNackInvalidRequest
	}

	if err := s.areas[slot].EraseArea(); err != nil {
		return wire.AckNackRequestFailed
	}
	s.metaMirror[slot] = nil
	s.chainCache[slot].Drop()
	return wire.AckOK
}

// isCopyOfCurrentApp reports whether m byte-equals the currently-running
// firmware's metadata (spec.md 4.5 slot-assignment policy).
func (s *Server) isCopyOfCurrentApp(m *onflash.Metadata) bool {
	if s.currentApp == nil {
		return false
	}
	a, err1 := onflash.MarshalMetadata(m)
	b, err2 := onflash.MarshalMetadata(s.currentApp)
	if err1 != nil || err2 != nil {
		return false
	}
	return bytes.Equal(a, b)
}

// PutMetadata implements putMetadata (spec.md 4.5): runs the
// slot-assignment policy and writes the chosen slot's metadata.
func (s *Server) PutMetadata(data []byte) wire.Ack {
	if len(data) != onflash.MetadataSize {
		return wire.AckNackRequestOutOfRange
	}
	meta, err := onflash.UnmarshalMetadata(data)
	if err != nil {
		return wire.AckNackInvalidRequest
	}
	if !s.validateMetadata(&meta) {
		return wire.AckNackInvalidRequest
	}

	slot, alreadyStaged, ack := s.selectSlot(&meta)
	if ack != wire.AckOK {
		return ack
	}
	if alreadyStaged {
		return wire.AckOK
	}

	s.chainCache[slot].Drop()

	result, err := s.areas[slot].WriteMetadata(&meta)
	if err != nil || result == fragment.ResultBusy {
		return wire.AckNackBusyRepeatRequest
	}
	if result != fragment.ResultOK {
		return wire.AckNackInternalError
	}

	m := meta
	s.metaMirror[slot] = &m
	s.chainCache[slot].Seed(meta.FirmwareID, &meta)
	return wire.AckOK
}

// selectSlot runs the slot-assignment policy of spec.md 4.5.
func (s *Server) selectSlot(meta *onflash.Metadata) (slot int, alreadyStaged bool, ack wire.Ack) {
	if onflash.FirmwareType(meta.Type) == onflash.FirmwareTypeRescue {
		for i, m := range s.metaMirror {
			if m != nil && onflash.FirmwareType(m.Type) == onflash.FirmwareTypeRescue {
				return i, false, wire.AckOK
			}
		}
		for i, m := range s.metaMirror {
			if m == nil || !s.isCopyOfCurrentApp(m) {
				return i, false, wire.AckOK
			}
		}
		return 0, false, wire.AckNackInternalError
	}

	for i, m := range s.metaMirror {
		if m == nil {
			continue
		}
		a, err1 := onflash.MarshalMetadata(m)
		b, err2 := onflash.MarshalMetadata(meta)
		if err1 == nil && err2 == nil && bytes.Equal(a, b) {
			return i, true, wire.AckOK
		}
	}

	for i, m := range s.metaMirror {
		if m == nil {
			return i, false, wire.AckOK
		}
		if s.isCopyOfCurrentApp(m) {
			continue
		}
		if onflash.FirmwareType(m.Type) == onflash.FirmwareTypeRescue {
			continue
		}
		return i, false, wire.AckOK
	}

	return 0, false, wire.AckNackInternalError
}

// PutFragment implements putFragment (spec.md 4.5).
func (s *Server) PutFragment(data []byte) wire.Ack {
	if len(data) != onflash.FragmentSize {
		return wire.AckNackRequestOutOfRange
	}
	frag, err := onflash.UnmarshalFragment(data)
	if err != nil {
		return wire.AckNackInvalidRequest
	}

	slot := -1
	for i, m := range s.metaMirror {
		if m != nil && m.FirmwareID == frag.FirmwareID {
			slot = i
			break
		}
	}
	if slot < 0 {
		return wire.AckNackRequestFailed
	}

	result, err := s.areas[slot].WriteFragment(frag.Number, &frag)
	if err != nil || result == fragment.ResultBusy {
		return wire.AckNackBusyRepeatRequest
	}
	if result != fragment.ResultOK {
		return wire.AckNackRequestFailed
	}

	// Rejection by validateFragment surfaces only on readback, per
	// spec.md 4.5: writeFragment itself does not invoke the hook.
	var readBack onflash.Fragment
	result, err = s.areas[slot].ReadFragment(frag.Number, &readBack)
	if err != nil {
		return wire.AckNackRequestFailed
	}
	if result != fragment.ResultOK {
		return wire.AckNackRequestFailed
	}

	return wire.AckOK
}
