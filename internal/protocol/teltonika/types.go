// Package teltonika implements the Teltonika Codec 8 and Codec 8E AVL
// protocol: the IMEI login handshake, the binary record container and its
// nested I/O element groups, and the record-count acknowledgement.
package teltonika

import "errors"

// Codec identifiers carried right after the packet header.
const (
	Codec8  = 0x08
	Codec8E = 0x8E
)

const (
	// headerSize covers the zero preamble and the 4-byte data length.
	headerSize = 8
	// minPacketSize is a packet with zero records: header, codec byte,
	// two count bytes and the 4-byte CRC field.
	minPacketSize = headerSize + 1 + 1 + 1 + 4

	// IMEI length bounds accepted during the login handshake.
	minIMEILength = 10
	maxIMEILength = 20

	// Fixed part of an AVL record: timestamp(8) + priority(1) + GPS(15).
	avlFixedSize = 24
)

// I/O element IDs promoted to typed telemetry fields after decode.
const (
	ioEngineHours     = 15
	ioOdometer        = 16
	ioExternalVoltage = 66
	ioBatteryVoltage  = 67
	ioFuelLevel       = 70
	ioIgnition        = 239
	ioMovement        = 240
)

// Common errors
var (
	ErrPacketTooShort  = errors.New("packet too short")
	ErrBadPreamble     = errors.New("invalid packet preamble")
	ErrUnknownCodec    = errors.New("unknown codec id")
	ErrTruncatedRecord = errors.New("truncated AVL record")
	ErrInvalidIMEI     = errors.New("invalid IMEI frame")
	ErrCountMismatch   = errors.New("record count mismatch")
	ErrBadCoordinates  = errors.New("coordinates out of range")
)

// Single-byte replies to the IMEI login frame.
var (
	IMEIAccept = []byte{0x01}
	IMEIReject = []byte{0x00}
)
