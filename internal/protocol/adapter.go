// Package protocol routes raw device traffic to the decoder that speaks it.
// Detection runs once per connection on the first buffer; the chosen adapter
// then owns every frame until the socket closes.
package protocol

import "fleetpulse/internal/core/model"

// Adapter is one device protocol: it recognises the device behind a frame,
// decodes data frames into telemetry, and builds the acknowledgement the
// device expects after a successful store.
type Adapter interface {
	// Protocol returns the wire name, e.g. "teltonika" or "tfms90".
	Protocol() string

	// IdentifyDevice extracts the device identity from the first frame of
	// a connection. An empty string means the frame carries no identity
	// and the connection must be dropped.
	IdentifyDevice(data []byte) string

	// Parse decodes a raw buffer into telemetry records attributed to
	// deviceID. Decodable records are returned even when part of the
	// buffer is broken; an error means nothing was decoded.
	Parse(data []byte, deviceID string) ([]*model.TelemetryRecord, error)

	// CreateResponse builds the data acknowledgement for count stored
	// records. ref is the first stored record, for protocols whose ACK
	// echoes frame fields; adapters that do not need it accept nil.
	CreateResponse(count int, ref *model.TelemetryRecord) []byte
}
