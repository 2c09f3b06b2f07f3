package model

import (
	"math"
	"time"

	"fleetpulse/internal/core/util"
)

// Protocol tags every decoder stamps on its records.
const (
	ProtocolTeltonika = "teltonika"
	ProtocolTFMS90    = "tfms90"
)

// TelemetryRecord is the uniform record produced by every protocol decoder.
// Optional measurements are pointers so that "not reported" survives the trip
// to the store instead of turning into a zero.
type TelemetryRecord struct {
	ID             string                 `json:"id" bson:"_id"`
	DeviceID       string                 `json:"deviceId" bson:"device_id"`
	Protocol       string                 `json:"protocol" bson:"protocol"`
	MessageType    string                 `json:"messageType" bson:"message_type"`
	Timestamp      time.Time              `json:"timestamp" bson:"timestamp"`
	Latitude       float64                `json:"latitude" bson:"latitude"`
	Longitude      float64                `json:"longitude" bson:"longitude"`
	Altitude       *float64               `json:"altitude,omitempty" bson:"altitude,omitempty"`
	Speed          *float64               `json:"speed,omitempty" bson:"speed,omitempty"`
	Heading        *float64               `json:"heading,omitempty" bson:"heading,omitempty"`
	Satellites     *int                   `json:"satellites,omitempty" bson:"satellites,omitempty"`
	HDOP           *float64               `json:"hdop,omitempty" bson:"hdop,omitempty"`
	Odometer       *float64               `json:"odometer,omitempty" bson:"odometer,omitempty"`
	EngineHours    *float64               `json:"engineHours,omitempty" bson:"engine_hours,omitempty"`
	FuelLevel      *float64               `json:"fuelLevel,omitempty" bson:"fuel_level,omitempty"`
	BatteryVoltage *float64               `json:"batteryVoltage,omitempty" bson:"battery_voltage,omitempty"`
	Ignition       *bool                  `json:"ignition,omitempty" bson:"ignition,omitempty"`
	Moving         *bool                  `json:"moving,omitempty" bson:"moving,omitempty"`
	IOElements     map[string]interface{} `json:"ioElements,omitempty" bson:"io_elements,omitempty"`
	RawData        string                 `json:"rawData,omitempty" bson:"raw_data,omitempty"`
}

func NewTelemetryRecord(deviceID, protocol, messageType string) *TelemetryRecord {
	return &TelemetryRecord{
		ID:          util.GenerateID(),
		DeviceID:    deviceID,
		Protocol:    protocol,
		MessageType: messageType,
		Timestamp:   time.Now().UTC(),
		IOElements:  make(map[string]interface{}),
	}
}

// ValidCoordinates reports whether the fix lies inside the WGS84 envelope.
// (0, 0) passes; status and heartbeat messages carry it as a no-fix sentinel.
func (r *TelemetryRecord) ValidCoordinates() bool {
	return r.Latitude >= -90 && r.Latitude <= 90 &&
		r.Longitude >= -180 && r.Longitude <= 180
}

// Promote lifts well-known io_elements keys into their typed fields when the
// typed field is still unset. Sinks call this once per record before writing.
func (r *TelemetryRecord) Promote() {
	if r.IOElements == nil {
		return
	}
	if r.FuelLevel == nil {
		if v, ok := toFloat(r.IOElements["fuel_level"]); ok {
			r.FuelLevel = &v
		}
	}
}

// IODocument renders io_elements the way the JSON column stores it, folding
// in the typed fields that have no dedicated column of their own.
func (r *TelemetryRecord) IODocument() map[string]interface{} {
	doc := make(map[string]interface{}, len(r.IOElements)+6)
	for k, v := range r.IOElements {
		doc[k] = v
	}
	if r.HDOP != nil {
		doc["hdop"] = *r.HDOP
	}
	if r.Odometer != nil {
		doc["odometer"] = *r.Odometer
	}
	if r.EngineHours != nil {
		doc["engine_hours"] = *r.EngineHours
	}
	if r.BatteryVoltage != nil {
		doc["battery_voltage"] = *r.BatteryVoltage
	}
	if r.Ignition != nil {
		doc["ignition"] = *r.Ignition
	}
	if r.Moving != nil {
		doc["moving"] = *r.Moving
	}
	return doc
}

// TripSummary is the trip-end payload stored in dedicated telemetry columns.
type TripSummary struct {
	StartTimestamp  time.Time
	EndTimestamp    time.Time
	DurationSeconds float64
	StartFuel       float64
	EndFuel         float64
	DistanceKM      float64
	StartLatitude   float64
	StartLongitude  float64
}

// TripSummary extracts the promoted trip-end columns from io_elements.
// Only TE records carry one; every other message type yields nil.
func (r *TelemetryRecord) TripSummary() *TripSummary {
	if r.MessageType != "TE" || r.IOElements == nil {
		return nil
	}
	s := &TripSummary{}
	if t, ok := toTime(r.IOElements["start_timestamp"]); ok {
		s.StartTimestamp = t
	}
	if t, ok := toTime(r.IOElements["end_timestamp"]); ok {
		s.EndTimestamp = t
	}
	if v, ok := toFloat(r.IOElements["duration_seconds"]); ok {
		s.DurationSeconds = v
	}
	if v, ok := toFloat(r.IOElements["start_fuel"]); ok {
		s.StartFuel = v
	}
	if v, ok := toFloat(r.IOElements["end_fuel"]); ok {
		s.EndFuel = v
	}
	if v, ok := toFloat(r.IOElements["distance_km"]); ok {
		s.DistanceKM = v
	}
	if v, ok := toFloat(r.IOElements["start_latitude"]); ok {
		s.StartLatitude = v
	}
	if v, ok := toFloat(r.IOElements["start_longitude"]); ok {
		s.StartLongitude = v
	}
	return s
}

func toFloat(v interface{}) (float64, bool) {
	var f float64
	switch n := v.(type) {
	case float64:
		f = n
	case float32:
		f = float64(n)
	case int:
		f = float64(n)
	case int64:
		f = float64(n)
	case uint64:
		f = float64(n)
	default:
		return 0, false
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}

func toTime(v interface{}) (time.Time, bool) {
	switch t := v.(type) {
	case time.Time:
		return t, true
	case string:
		parsed, err := time.Parse(time.RFC3339, t)
		if err != nil {
			return time.Time{}, false
		}
		return parsed, true
	}
	return time.Time{}, false
}
