package tfms90

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/log"

	"fleetpulse/internal/core/model"
)

var logger = log.WithPrefix("tfms90")

// Adapter decodes TFMS90 v2.0 frames into telemetry records and builds the
// login and data acknowledgements. The alias table it carries is shared by
// every connection for the lifetime of the process.
type Adapter struct {
	aliases *AliasTable
}

func NewAdapter() *Adapter {
	return &Adapter{aliases: NewAliasTable()}
}

func (a *Adapter) Protocol() string {
	return model.ProtocolTFMS90
}

// Aliases exposes the process-wide short-id to IMEI table so the connection
// handler can bind a fresh assignment after login.
func (a *Adapter) Aliases() *AliasTable {
	return a.aliases
}

// LoginRequest is the payload of an LG frame:
// $,<token>,LG,<short_id>,<imei>,<firmware>,<iccid>,#?
type LoginRequest struct {
	Token    string
	ShortID  string
	IMEI     string
	Firmware string
	ICCID    string
}

// splitFrame validates the $...#? envelope and returns the comma-split
// fields. Index 1 is the token, 2 the message type, 3 the device field.
func splitFrame(line string) ([]string, error) {
	text := strings.TrimSpace(line)
	if !strings.HasPrefix(text, "$") {
		return nil, fmt.Errorf("%w: missing $ prefix", ErrMalformedFrame)
	}
	if !strings.HasSuffix(text, "#?") && !strings.HasSuffix(text, "#") {
		return nil, fmt.Errorf("%w: missing #? terminator", ErrMalformedFrame)
	}
	parts := strings.Split(text, ",")
	if len(parts) < 4 {
		return nil, fmt.Errorf("%w: %d fields", ErrMalformedFrame, len(parts))
	}
	return parts, nil
}

// FormatTimestamp renders t in the protocol's hex epoch-2000 form.
func FormatTimestamp(t time.Time) string {
	return fmt.Sprintf("%X", int64(t.Sub(epoch2000)/time.Second))
}

// ParseTimestamp converts the protocol's 8-hex-digit timestamp, seconds
// since 2000-01-01T00:00:00Z, to a UTC instant.
func ParseTimestamp(h string) (time.Time, error) {
	h = strings.TrimSpace(h)
	if h == "" {
		return time.Time{}, fmt.Errorf("%w: empty field", ErrBadTimestamp)
	}
	secs, err := strconv.ParseUint(h, 16, 32)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %q", ErrBadTimestamp, h)
	}
	return epoch2000.Add(time.Duration(secs) * time.Second), nil
}

// IsLogin reports whether the frame is an LG login rather than data.
func IsLogin(data []byte) bool {
	parts, err := splitFrame(firstLine(string(data)))
	return err == nil && strings.ToUpper(parts[2]) == MsgLogin
}

// ParseLogin decodes an LG frame into its registration payload.
func (a *Adapter) ParseLogin(data []byte) (*LoginRequest, error) {
	parts, err := splitFrame(firstLine(string(data)))
	if err != nil {
		return nil, err
	}
	if strings.ToUpper(parts[2]) != MsgLogin {
		return nil, fmt.Errorf("%w: %s is not a login", ErrMalformedFrame, parts[2])
	}
	if len(parts) < 5 || !isDigits(parts[4]) {
		return nil, fmt.Errorf("%w: field 4 %q", ErrMissingIMEI, field(parts, 4))
	}
	return &LoginRequest{
		Token:    parts[1],
		ShortID:  parts[3],
		IMEI:     parts[4],
		Firmware: dataField(parts, 5),
		ICCID:    dataField(parts, 6),
	}, nil
}

// IdentifyDevice extracts the device identity from the first frame on a
// connection: the provisional IMEI id for logins, the short-alias id for
// everything else. It returns "" when the frame carries neither.
func (a *Adapter) IdentifyDevice(data []byte) string {
	parts, err := splitFrame(firstLine(string(data)))
	if err != nil {
		return ""
	}
	if strings.ToUpper(parts[2]) == MsgLogin {
		if len(parts) < 5 || !isDigits(parts[4]) {
			return ""
		}
		return model.ProvisionalDeviceID(parts[4])
	}
	shortID, err := strconv.Atoi(parts[3])
	if err != nil {
		return ""
	}
	return model.ShortAliasDeviceID(shortID)
}

// Parse decodes every line in the buffer. A line that fails to decode is
// logged and skipped; the successfully decoded records are still returned.
// An error surfaces only when nothing in the buffer decoded.
func (a *Adapter) Parse(data []byte, deviceID string) ([]*model.TelemetryRecord, error) {
	var records []*model.TelemetryRecord
	var firstErr error

	for _, line := range strings.Split(string(data), "\n") {
		if strings.TrimSpace(line) == "" {
			continue
		}
		record, err := a.parseLine(line, deviceID)
		if err != nil {
			logger.Warn("dropping frame", "device", deviceID, "err", err)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		if record != nil {
			record.RawData = strings.TrimSpace(line)
			records = append(records, record)
		}
	}

	if len(records) == 0 && firstErr != nil {
		return nil, firstErr
	}
	return records, nil
}

func (a *Adapter) parseLine(line, deviceID string) (*model.TelemetryRecord, error) {
	parts, err := splitFrame(line)
	if err != nil {
		return nil, err
	}
	msgType := strings.ToUpper(parts[2])

	switch msgType {
	case MsgLogin:
		// Registration is a handshake side-effect; no telemetry row.
		return nil, nil
	case MsgTrackData, MsgTrackDataA:
		return a.parseTrackData(parts, deviceID, msgType)
	case MsgTripStart:
		return a.parseTripStart(parts, deviceID)
	case MsgTripEnd:
		return a.parseTripEnd(parts, deviceID)
	case MsgHarshAccel, MsgHarshBrake, MsgHarshCorner:
		return a.parseHarshEvent(parts, deviceID, msgType)
	case MsgFuelFill, MsgFuelDrain:
		return a.parseFuelEvent(parts, deviceID, msgType)
	case MsgHeartbeat, MsgOverspeed, MsgStatus:
		return a.parseStatus(parts, deviceID, msgType)
	default:
		if !KnownMessageType(msgType) {
			return nil, fmt.Errorf("%w: %q", ErrUnknownMessageType, msgType)
		}
		// Known to the protocol but carries nothing we persist.
		logger.Debug("ignoring frame without telemetry contract", "type", msgType)
		return nil, nil
	}
}

// parseTrackData decodes TD/TDA:
// $,<tok>,TD,<id>,<trip>,<ts>,<lat>,<lon>,<speed>,<heading>,<sats>,<hdop>,
//   <fuel_l>,<odometer_m>,<flags>,...,...,<battery_v>,#?
func (a *Adapter) parseTrackData(parts []string, deviceID, msgType string) (*model.TelemetryRecord, error) {
	if len(parts) < 15 {
		return nil, fmt.Errorf("%w: %s has %d fields", ErrMalformedFrame, msgType, len(parts))
	}

	record, err := a.newRecord(parts, deviceID, msgType)
	if err != nil {
		return nil, err
	}
	if err := setCoordinates(record, parts[6], parts[7]); err != nil {
		return nil, err
	}

	if v, err := strconv.ParseFloat(parts[8], 64); err == nil && v >= 0 {
		record.Speed = &v
	}
	if v, err := strconv.ParseFloat(parts[9], 64); err == nil && v >= 0 && v <= 360 {
		record.Heading = &v
	}
	if v, err := strconv.Atoi(parts[10]); err == nil && v >= 0 {
		record.Satellites = &v
	}
	if v, err := strconv.ParseFloat(parts[11], 64); err == nil {
		record.HDOP = &v
	}
	if v, err := strconv.ParseFloat(parts[12], 64); err == nil {
		record.FuelLevel = &v
	}
	if v, err := strconv.ParseFloat(parts[13], 64); err == nil {
		km := v / 1000 // meters on the wire
		record.Odometer = &km
	}
	if flags, err := strconv.ParseUint(parts[14], 16, 64); err == nil {
		record.IOElements["status_flags"] = parts[14]
		ignition := flags&0x01 != 0 // bit 0 = ignition/ACC
		record.Ignition = &ignition
	}
	if v, ok := optionalFloat(parts, 17); ok {
		record.BatteryVoltage = &v
	}
	return record, nil
}

// parseTripStart decodes TS: $,<tok>,TS,<id>,<trip>,<ts>,<fuel>,<lat>,<lon>,<heading>,#?
func (a *Adapter) parseTripStart(parts []string, deviceID string) (*model.TelemetryRecord, error) {
	if len(parts) < 9 {
		return nil, fmt.Errorf("%w: TS has %d fields", ErrMalformedFrame, len(parts))
	}

	record, err := a.newRecord(parts, deviceID, MsgTripStart)
	if err != nil {
		return nil, err
	}
	if err := setCoordinates(record, parts[7], parts[8]); err != nil {
		return nil, err
	}
	if v, err := strconv.ParseFloat(parts[6], 64); err == nil {
		record.FuelLevel = &v
	}
	if v, ok := optionalFloat(parts, 9); ok && v >= 0 && v <= 360 {
		record.Heading = &v
	}
	record.IOElements["event_type"] = EventTripStart
	return record, nil
}

// parseTripEnd decodes TE, stamped at the trip-end instant with the summary
// carried in io_elements:
// $,<tok>,TE,<id>,<trip>,<start_ts>,<end_ts>,<duration_s>,?,<start_fuel>,
//   <end_fuel>,<distance_km>,?,?,<start_lat>,<start_lon>,<end_lat>,<end_lon>,<heading>,#?
func (a *Adapter) parseTripEnd(parts []string, deviceID string) (*model.TelemetryRecord, error) {
	if len(parts) < 18 {
		return nil, fmt.Errorf("%w: TE has %d fields", ErrMalformedFrame, len(parts))
	}

	startTS, err := ParseTimestamp(parts[5])
	if err != nil {
		return nil, err
	}
	endTS, err := ParseTimestamp(parts[6])
	if err != nil {
		return nil, err
	}

	record := model.NewTelemetryRecord(deviceID, model.ProtocolTFMS90, MsgTripEnd)
	record.Timestamp = endTS
	a.stampFrameContext(record, parts)
	if err := setCoordinates(record, parts[16], parts[17]); err != nil {
		return nil, err
	}
	if v, ok := optionalFloat(parts, 18); ok && v >= 0 && v <= 360 {
		record.Heading = &v
	}

	record.IOElements["event_type"] = EventTripEnd
	record.IOElements["start_timestamp"] = startTS
	record.IOElements["end_timestamp"] = endTS
	if v, ok := optionalFloat(parts, 7); ok {
		record.IOElements["duration_seconds"] = v
	}
	if v, ok := optionalFloat(parts, 9); ok {
		record.IOElements["start_fuel"] = v
	}
	if v, ok := optionalFloat(parts, 10); ok {
		record.IOElements["end_fuel"] = v
		record.FuelLevel = &v
	}
	if v, ok := optionalFloat(parts, 11); ok {
		record.IOElements["distance_km"] = v
	}
	if v, ok := optionalFloat(parts, 14); ok {
		record.IOElements["start_latitude"] = v
	}
	if v, ok := optionalFloat(parts, 15); ok {
		record.IOElements["start_longitude"] = v
	}
	return record, nil
}

// parseHarshEvent decodes HA2/HB2/HC2: $,<tok>,<type>,<id>,<trip>,<ts>,<lat>,<lon>,#?
func (a *Adapter) parseHarshEvent(parts []string, deviceID, msgType string) (*model.TelemetryRecord, error) {
	if len(parts) < 8 {
		return nil, fmt.Errorf("%w: %s has %d fields", ErrMalformedFrame, msgType, len(parts))
	}

	record, err := a.newRecord(parts, deviceID, msgType)
	if err != nil {
		return nil, err
	}
	if err := setCoordinates(record, parts[6], parts[7]); err != nil {
		return nil, err
	}
	events := map[string]string{
		MsgHarshAccel:  EventHarshAccel,
		MsgHarshBrake:  EventHarshBrake,
		MsgHarshCorner: EventHarshCorner,
	}
	record.IOElements["event_type"] = events[msgType]
	return record, nil
}

// parseFuelEvent decodes FLF/FLD:
// $,<tok>,<type>,<id>,<trip>,<ts>,<before>,<after>,<amount>,<lat>,<lon>,#?
func (a *Adapter) parseFuelEvent(parts []string, deviceID, msgType string) (*model.TelemetryRecord, error) {
	if len(parts) < 11 {
		return nil, fmt.Errorf("%w: %s has %d fields", ErrMalformedFrame, msgType, len(parts))
	}

	record, err := a.newRecord(parts, deviceID, msgType)
	if err != nil {
		return nil, err
	}
	if err := setCoordinates(record, parts[9], parts[10]); err != nil {
		return nil, err
	}

	if msgType == MsgFuelFill {
		record.IOElements["event_type"] = EventFuelFill
	} else {
		record.IOElements["event_type"] = EventFuelDrain
	}
	if v, err := strconv.ParseFloat(parts[6], 64); err == nil {
		record.IOElements["fuel_before"] = v
	}
	if v, err := strconv.ParseFloat(parts[7], 64); err == nil {
		record.IOElements["fuel_after"] = v
		record.FuelLevel = &v
	}
	if v, err := strconv.ParseFloat(parts[8], 64); err == nil {
		record.IOElements["fuel_change"] = v
	}
	return record, nil
}

// parseStatus decodes the positionless liveness frames HB/OS3/STAT. The fix
// is the (0, 0) sentinel; the timestamp falls back to the server clock when
// the field is absent or unreadable.
func (a *Adapter) parseStatus(parts []string, deviceID, msgType string) (*model.TelemetryRecord, error) {
	record := model.NewTelemetryRecord(deviceID, model.ProtocolTFMS90, msgType)
	if len(parts) > 5 {
		if ts, err := ParseTimestamp(parts[5]); err == nil {
			record.Timestamp = ts
		}
	}
	a.stampFrameContext(record, parts)
	record.IOElements["status_type"] = strings.ToLower(msgType)
	return record, nil
}

// newRecord builds a record stamped with the frame's timestamp (field 5) and
// routing context.
func (a *Adapter) newRecord(parts []string, deviceID, msgType string) (*model.TelemetryRecord, error) {
	ts, err := ParseTimestamp(parts[5])
	if err != nil {
		return nil, err
	}
	record := model.NewTelemetryRecord(deviceID, model.ProtocolTFMS90, msgType)
	record.Timestamp = ts
	a.stampFrameContext(record, parts)
	return record, nil
}

// stampFrameContext copies the routing fields every ACK and attribution
// needs: token, short id, trip number, and the IMEI behind the alias.
func (a *Adapter) stampFrameContext(record *model.TelemetryRecord, parts []string) {
	record.IOElements["token"] = parts[1]
	record.IOElements["short_device_id"] = parts[3]
	if trip := field(parts, 4); trip != "" && !isTerminator(trip) {
		record.IOElements["trip_number"] = trip
	}
	if shortID, err := strconv.Atoi(parts[3]); err == nil {
		if imei, ok := a.aliases.IMEI(shortID); ok {
			record.IOElements["imei"] = imei
		}
	}
}

func isTerminator(s string) bool {
	return s == "#?" || s == "#"
}

func setCoordinates(record *model.TelemetryRecord, latField, lonField string) error {
	lat, err := strconv.ParseFloat(latField, 64)
	if err != nil {
		return fmt.Errorf("%w: latitude %q", ErrMalformedFrame, latField)
	}
	lon, err := strconv.ParseFloat(lonField, 64)
	if err != nil {
		return fmt.Errorf("%w: longitude %q", ErrMalformedFrame, lonField)
	}
	record.Latitude = lat
	record.Longitude = lon
	if !record.ValidCoordinates() {
		return fmt.Errorf("%w: lat=%f lon=%f", ErrBadCoordinates, lat, lon)
	}
	return nil
}

// CreateResponse builds the data ACK. Token and short id are echoed from the
// acknowledged frame: $,<token>,ACK,<short_id>,<count>,#?
func (a *Adapter) CreateResponse(count int, ref *model.TelemetryRecord) []byte {
	token, shortID := "0", "000"
	if ref != nil && ref.IOElements != nil {
		if v, ok := ref.IOElements["token"].(string); ok && v != "" {
			token = v
		}
		if v, ok := ref.IOElements["short_device_id"].(string); ok && v != "" {
			shortID = v
		}
	}
	return []byte(fmt.Sprintf("$,%s,ACK,%s,%d,#?\n", token, shortID, count))
}

// LoginResponse builds the LG ACK carrying the assigned short id:
// $,0,ACK,<short_id>,#?
func (a *Adapter) LoginResponse(shortID int) []byte {
	return []byte(fmt.Sprintf("$,0,ACK,%d,#?\n", shortID))
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

// field returns parts[i] or "" when the frame is too short.
func field(parts []string, i int) string {
	if i < len(parts) {
		return parts[i]
	}
	return ""
}

// dataField is field minus the frame terminator, for trailing optionals.
func dataField(parts []string, i int) string {
	if v := field(parts, i); !isTerminator(v) {
		return v
	}
	return ""
}

// optionalFloat parses parts[i] when present and numeric; the terminator and
// blank padding fields report absent.
func optionalFloat(parts []string, i int) (float64, bool) {
	if i >= len(parts) || parts[i] == "" {
		return 0, false
	}
	v, err := strconv.ParseFloat(parts[i], 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, c := range s {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}
