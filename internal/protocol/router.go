package protocol

import (
	"strings"

	"fleetpulse/internal/core/model"
	"fleetpulse/internal/protocol/teltonika"
	"fleetpulse/internal/protocol/tfms90"
)

// Router detects which protocol a connection speaks and hands out the
// adapter for it. One Router serves the whole process so that adapter state,
// such as the TFMS90 alias table, is shared across connections.
type Router struct {
	adapters map[string]Adapter
}

func NewRouter() *Router {
	r := &Router{adapters: make(map[string]Adapter)}
	for _, a := range []Adapter{teltonika.NewAdapter(), tfms90.NewAdapter()} {
		r.adapters[a.Protocol()] = a
	}
	return r
}

// Adapter returns the adapter registered under name, nil when unknown.
func (r *Router) Adapter(name string) Adapter {
	return r.adapters[name]
}

// minIMEIFrame is the 2-byte length prefix plus a full 15-digit IMEI.
const minIMEIFrame = 17

// Detect inspects the first buffer of a connection and names the protocol
// speaking, or "" when neither matches. The binary check runs first: a
// Teltonika IMEI frame is unambiguous, while its length prefix bytes could
// never open a TFMS90 text frame.
func (r *Router) Detect(data []byte) string {
	if len(data) >= minIMEIFrame && teltonika.IsIMEIFrame(data) {
		return model.ProtocolTeltonika
	}
	if isTFMS90Text(data) {
		return model.ProtocolTFMS90
	}
	return ""
}

// isTFMS90Text matches printable $-framed buffers whose message type field
// belongs to the TFMS90 set. Any byte beyond ASCII rules the protocol out
// before we try to split fields.
func isTFMS90Text(data []byte) bool {
	for _, b := range data {
		if b > 0x7F {
			return false
		}
	}
	text := strings.TrimSpace(string(data))
	if !strings.HasPrefix(text, "$") {
		return false
	}
	parts := strings.Split(text, ",")
	if len(parts) < 3 {
		return false
	}
	return tfms90.KnownMessageType(strings.ToUpper(parts[2]))
}
