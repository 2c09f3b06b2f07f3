// Package tfms90 implements the TFMS90 v2.0 text protocol: comma-delimited
// frames, the LG login handshake with short-alias assignment, hex
// epoch-2000 timestamps, and the ACK builders.
package tfms90

import (
	"errors"
	"time"
)

// Message type tags, field 2 of every frame.
const (
	MsgLogin       = "LG"
	MsgTrackData   = "TD"
	MsgTrackDataA  = "TDA"
	MsgTripStart   = "TS"
	MsgTripEnd     = "TE"
	MsgHarshAccel  = "HA2"
	MsgHarshBrake  = "HB2"
	MsgHarshCorner = "HC2"
	MsgOverspeed   = "OS3"
	MsgFuelFill    = "FLF"
	MsgFuelDrain   = "FLD"
	MsgStatus      = "STAT"
	MsgHeartbeat   = "HB"
)

// messageTypes is the closed set of frame tags the protocol defines. The
// sniffer keys on it as well.
var messageTypes = map[string]bool{
	MsgLogin: true, MsgTrackData: true, MsgTrackDataA: true,
	MsgTripStart: true, MsgTripEnd: true,
	MsgHarshAccel: true, MsgHarshBrake: true, MsgHarshCorner: true,
	MsgOverspeed: true, MsgFuelFill: true, MsgFuelDrain: true,
	MsgStatus: true, MsgHeartbeat: true,
	"FCR": true, "DHR": true, "ERR": true, "GEO": true, "DID": true, "TMP": true,
}

// KnownMessageType reports whether tag belongs to the protocol.
func KnownMessageType(tag string) bool {
	return messageTypes[tag]
}

// Event names carried in io_elements["event_type"].
const (
	EventTripStart   = "trip_start"
	EventTripEnd     = "trip_end"
	EventHarshAccel  = "harsh_accel"
	EventHarshBrake  = "harsh_brake"
	EventHarshCorner = "harsh_corner"
	EventFuelFill    = "fuel_fill"
	EventFuelDrain   = "fuel_drain"
)

// epoch2000 anchors the protocol's 8-hex-digit timestamps.
var epoch2000 = time.Date(2000, 1, 1, 0, 0, 0, 0, time.UTC)

// Common errors
var (
	ErrMalformedFrame     = errors.New("malformed frame")
	ErrUnknownMessageType = errors.New("unknown message type")
	ErrBadTimestamp       = errors.New("invalid hex timestamp")
	ErrBadCoordinates     = errors.New("coordinates out of range")
	ErrMissingIMEI        = errors.New("login frame missing imei")
)
