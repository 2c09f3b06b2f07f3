package tfms90

import (
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"fleetpulse/internal/core/model"
)

const testIMEI = "861261023456789"

func tsHex(t time.Time) string {
	return fmt.Sprintf("%X", int64(t.Sub(epoch2000)/time.Second))
}

func trackFrame(ts time.Time) string {
	return fmt.Sprintf("$,0,TD,100,7,%s,37.7749,-122.4194,45.2,180,8,0.9,50.5,15000,01,0,0,12.4,#?", tsHex(ts))
}

func TestParseLogin(t *testing.T) {
	a := NewAdapter()

	req, err := a.ParseLogin([]byte("$,0,LG,000," + testIMEI + ",FW2.1.3,89910210000012345678,#?\n"))
	require.NoError(t, err)
	assert.Equal(t, "0", req.Token)
	assert.Equal(t, "000", req.ShortID)
	assert.Equal(t, testIMEI, req.IMEI)
	assert.Equal(t, "FW2.1.3", req.Firmware)
	assert.Equal(t, "89910210000012345678", req.ICCID)

	_, err = a.ParseLogin([]byte("$,0,TD,100,7,30FA2B10,37.0,-122.0,#?"))
	assert.ErrorIs(t, err, ErrMalformedFrame)

	_, err = a.ParseLogin([]byte("$,0,LG,000,not-an-imei,#?"))
	assert.ErrorIs(t, err, ErrMissingIMEI)

	assert.True(t, IsLogin([]byte("$,0,LG,000,"+testIMEI+",#?")))
	assert.False(t, IsLogin([]byte(trackFrame(time.Now()))))
	assert.False(t, IsLogin([]byte{0x00, 0x0F, 0x01}))
}

func TestIdentifyDevice(t *testing.T) {
	a := NewAdapter()

	assert.Equal(t, "IMEI_"+testIMEI, a.IdentifyDevice([]byte("$,0,LG,000,"+testIMEI+",FW,SIM,#?")))
	assert.Equal(t, "TFMS90_100", a.IdentifyDevice([]byte(trackFrame(time.Now()))))
	assert.Equal(t, "TFMS90_100", a.IdentifyDevice([]byte("$,0,HB,0100,#?")), "short id is numeric, leading zeros do not matter")
	assert.Empty(t, a.IdentifyDevice([]byte("$,0,LG,000,bogus,#?")), "login without digits-only imei")
	assert.Empty(t, a.IdentifyDevice([]byte("$,0,TD,abc,#?")), "non-numeric short id")
	assert.Empty(t, a.IdentifyDevice([]byte("garbage")))
}

func TestParseTrackData(t *testing.T) {
	a := NewAdapter()
	a.Aliases().Put(100, testIMEI)
	ts := time.Date(2026, 2, 11, 8, 45, 0, 0, time.UTC)

	records, err := a.Parse([]byte(trackFrame(ts)+"\n"), "TFMS90_100")
	require.NoError(t, err)
	require.Len(t, records, 1)

	r := records[0]
	assert.Equal(t, "TFMS90_100", r.DeviceID)
	assert.Equal(t, model.ProtocolTFMS90, r.Protocol)
	assert.Equal(t, MsgTrackData, r.MessageType)
	assert.True(t, ts.Equal(r.Timestamp))
	assert.Equal(t, 37.7749, r.Latitude)
	assert.Equal(t, -122.4194, r.Longitude)

	require.NotNil(t, r.Speed)
	assert.Equal(t, 45.2, *r.Speed)
	require.NotNil(t, r.Heading)
	assert.Equal(t, 180.0, *r.Heading)
	require.NotNil(t, r.Satellites)
	assert.Equal(t, 8, *r.Satellites)
	require.NotNil(t, r.HDOP)
	assert.Equal(t, 0.9, *r.HDOP)
	require.NotNil(t, r.FuelLevel)
	assert.Equal(t, 50.5, *r.FuelLevel)
	require.NotNil(t, r.Odometer)
	assert.Equal(t, 15.0, *r.Odometer, "odometer arrives in meters, stored in km")
	require.NotNil(t, r.Ignition)
	assert.True(t, *r.Ignition)
	require.NotNil(t, r.BatteryVoltage)
	assert.Equal(t, 12.4, *r.BatteryVoltage)

	assert.Equal(t, "0", r.IOElements["token"])
	assert.Equal(t, "100", r.IOElements["short_device_id"])
	assert.Equal(t, "7", r.IOElements["trip_number"])
	assert.Equal(t, "01", r.IOElements["status_flags"])
	assert.Equal(t, testIMEI, r.IOElements["imei"])
	assert.Equal(t, strings.TrimSpace(trackFrame(ts)), r.RawData)
}

func TestParseTrackDataOptionalFields(t *testing.T) {
	a := NewAdapter()
	ts := tsHex(time.Now().UTC())

	// Heading above 360 and negative speed are dropped, not clamped. The
	// frame ends right after the flags, so battery is absent too.
	frame := fmt.Sprintf("$,0,TD,101,1,%s,10.5,20.25,-3,400,-1,,,,#?", ts)
	records, err := a.Parse([]byte(frame), "TFMS90_101")
	require.NoError(t, err)
	require.Len(t, records, 1)

	r := records[0]
	assert.Nil(t, r.Speed)
	assert.Nil(t, r.Heading)
	assert.Nil(t, r.Satellites)
	assert.Nil(t, r.HDOP)
	assert.Nil(t, r.FuelLevel)
	assert.Nil(t, r.Odometer)
	assert.Nil(t, r.Ignition)
	assert.Nil(t, r.BatteryVoltage)
	assert.Equal(t, 10.5, r.Latitude)
	assert.Equal(t, 20.25, r.Longitude)
	_, hasIMEI := r.IOElements["imei"]
	assert.False(t, hasIMEI, "no alias registered for 101")
}

func TestParseTrackDataRejectsBadCoordinates(t *testing.T) {
	a := NewAdapter()
	ts := tsHex(time.Now().UTC())

	_, err := a.Parse([]byte(fmt.Sprintf("$,0,TD,100,1,%s,95.0,-122.4,0,0,5,1,0,0,00,#?", ts)), "TFMS90_100")
	assert.ErrorIs(t, err, ErrBadCoordinates)

	_, err = a.Parse([]byte(fmt.Sprintf("$,0,TD,100,1,%s,37.0,-181.0,0,0,5,1,0,0,00,#?", ts)), "TFMS90_100")
	assert.ErrorIs(t, err, ErrBadCoordinates)
}

func TestParseTripStart(t *testing.T) {
	a := NewAdapter()
	ts := time.Date(2026, 2, 11, 9, 0, 0, 0, time.UTC)

	frame := fmt.Sprintf("$,0,TS,100,8,%s,52.0,37.7749,-122.4194,90,#?", tsHex(ts))
	records, err := a.Parse([]byte(frame), "TFMS90_100")
	require.NoError(t, err)
	require.Len(t, records, 1)

	r := records[0]
	assert.Equal(t, MsgTripStart, r.MessageType)
	assert.Equal(t, EventTripStart, r.IOElements["event_type"])
	assert.True(t, ts.Equal(r.Timestamp))
	assert.Equal(t, 37.7749, r.Latitude)
	require.NotNil(t, r.FuelLevel)
	assert.Equal(t, 52.0, *r.FuelLevel)
	require.NotNil(t, r.Heading)
	assert.Equal(t, 90.0, *r.Heading)
}

func TestParseTripEnd(t *testing.T) {
	a := NewAdapter()
	start := time.Date(2026, 2, 11, 9, 0, 0, 0, time.UTC)
	end := start.Add(time.Hour)

	frame := fmt.Sprintf("$,0,TE,100,8,%s,%s,3600,0,52.0,44.5,42.3,0,0,37.7749,-122.4194,37.8044,-122.2712,90,#?",
		tsHex(start), tsHex(end))
	records, err := a.Parse([]byte(frame), "TFMS90_100")
	require.NoError(t, err)
	require.Len(t, records, 1)

	r := records[0]
	assert.Equal(t, MsgTripEnd, r.MessageType)
	assert.True(t, end.Equal(r.Timestamp), "record is stamped at trip end")
	assert.Equal(t, 37.8044, r.Latitude, "record carries the end position")
	assert.Equal(t, -122.2712, r.Longitude)
	require.NotNil(t, r.FuelLevel)
	assert.Equal(t, 44.5, *r.FuelLevel)

	assert.Equal(t, EventTripEnd, r.IOElements["event_type"])
	assert.Equal(t, 3600.0, r.IOElements["duration_seconds"])
	assert.Equal(t, 52.0, r.IOElements["start_fuel"])
	assert.Equal(t, 44.5, r.IOElements["end_fuel"])
	assert.Equal(t, 42.3, r.IOElements["distance_km"])
	assert.Equal(t, 37.7749, r.IOElements["start_latitude"])
	assert.Equal(t, -122.4194, r.IOElements["start_longitude"])

	summary := r.TripSummary()
	require.NotNil(t, summary)
	assert.True(t, start.Equal(summary.StartTimestamp))
	assert.True(t, end.Equal(summary.EndTimestamp))
	assert.Equal(t, 42.3, summary.DistanceKM)
}

func TestParseHarshEvents(t *testing.T) {
	a := NewAdapter()
	ts := tsHex(time.Date(2026, 2, 11, 9, 12, 0, 0, time.UTC))

	tests := []struct {
		tag   string
		event string
	}{
		{MsgHarshAccel, EventHarshAccel},
		{MsgHarshBrake, EventHarshBrake},
		{MsgHarshCorner, EventHarshCorner},
	}
	for _, tt := range tests {
		t.Run(tt.tag, func(t *testing.T) {
			frame := fmt.Sprintf("$,0,%s,100,8,%s,37.7749,-122.4194,#?", tt.tag, ts)
			records, err := a.Parse([]byte(frame), "TFMS90_100")
			require.NoError(t, err)
			require.Len(t, records, 1)
			assert.Equal(t, tt.tag, records[0].MessageType)
			assert.Equal(t, tt.event, records[0].IOElements["event_type"])
			assert.Equal(t, 37.7749, records[0].Latitude)
		})
	}
}

func TestParseFuelEvents(t *testing.T) {
	a := NewAdapter()
	ts := tsHex(time.Date(2026, 2, 11, 9, 30, 0, 0, time.UTC))

	frame := fmt.Sprintf("$,0,FLF,100,9,%s,40.0,55.0,15.0,37.7749,-122.4194,#?", ts)
	records, err := a.Parse([]byte(frame), "TFMS90_100")
	require.NoError(t, err)
	require.Len(t, records, 1)

	r := records[0]
	assert.Equal(t, EventFuelFill, r.IOElements["event_type"])
	assert.Equal(t, 40.0, r.IOElements["fuel_before"])
	assert.Equal(t, 55.0, r.IOElements["fuel_after"])
	assert.Equal(t, 15.0, r.IOElements["fuel_change"])
	require.NotNil(t, r.FuelLevel)
	assert.Equal(t, 55.0, *r.FuelLevel, "fuel level lands on the post-event reading")

	frame = fmt.Sprintf("$,0,FLD,100,9,%s,55.0,30.0,25.0,37.7749,-122.4194,#?", ts)
	records, err = a.Parse([]byte(frame), "TFMS90_100")
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, EventFuelDrain, records[0].IOElements["event_type"])
}

func TestParseStatusFrames(t *testing.T) {
	a := NewAdapter()
	ts := time.Date(2026, 2, 11, 10, 0, 0, 0, time.UTC)

	records, err := a.Parse([]byte(fmt.Sprintf("$,0,HB,100,1,%s,#?", tsHex(ts))), "TFMS90_100")
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "hb", records[0].IOElements["status_type"])
	assert.True(t, ts.Equal(records[0].Timestamp))
	assert.Zero(t, records[0].Latitude)
	assert.Zero(t, records[0].Longitude)

	// No timestamp field at all: the server clock stands in.
	before := time.Now().UTC()
	records, err = a.Parse([]byte("$,0,STAT,100,#?"), "TFMS90_100")
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "stat", records[0].IOElements["status_type"])
	assert.False(t, records[0].Timestamp.Before(before))

	records, err = a.Parse([]byte(fmt.Sprintf("$,0,OS3,100,1,%s,#?", tsHex(ts))), "TFMS90_100")
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "os3", records[0].IOElements["status_type"])
}

func TestParseSkipsSilentFrames(t *testing.T) {
	a := NewAdapter()

	for _, tag := range []string{"FCR", "DHR", "ERR", "GEO", "DID", "TMP"} {
		records, err := a.Parse([]byte(fmt.Sprintf("$,0,%s,100,payload,#?", tag)), "TFMS90_100")
		assert.NoError(t, err, tag)
		assert.Empty(t, records, tag)
	}

	// A login line inside a data stream registers nothing either.
	records, err := a.Parse([]byte("$,0,LG,000,"+testIMEI+",FW,SIM,#?"), "IMEI_"+testIMEI)
	assert.NoError(t, err)
	assert.Empty(t, records)
}

func TestParseUnknownType(t *testing.T) {
	a := NewAdapter()
	_, err := a.Parse([]byte("$,0,XX,100,1,2,3,#?"), "TFMS90_100")
	assert.ErrorIs(t, err, ErrUnknownMessageType)
}

func TestParseBatchKeepsGoodLines(t *testing.T) {
	a := NewAdapter()
	ts := time.Date(2026, 2, 11, 11, 0, 0, 0, time.UTC)

	var b strings.Builder
	b.WriteString(trackFrame(ts) + "\n")
	b.WriteString("$,0,TD,100,7,ZZZZ,37.0,-122.0,0,0,5,1,0,0,00,#?\n") // bad timestamp
	b.WriteString(trackFrame(ts.Add(time.Minute)) + "\n")

	records, err := a.Parse([]byte(b.String()), "TFMS90_100")
	require.NoError(t, err, "good lines survive a bad neighbour")
	assert.Len(t, records, 2)

	// When nothing decodes the error does surface.
	_, err = a.Parse([]byte("$,0,TD,100,7,ZZZZ,37.0,-122.0,0,0,5,1,0,0,00,#?\n"), "TFMS90_100")
	assert.ErrorIs(t, err, ErrBadTimestamp)
}

func TestParseMalformedEnvelope(t *testing.T) {
	a := NewAdapter()

	_, err := a.Parse([]byte("no dollar prefix,TD,100,#?"), "TFMS90_100")
	assert.ErrorIs(t, err, ErrMalformedFrame)

	_, err = a.Parse([]byte("$,0,TD,100"), "TFMS90_100")
	assert.ErrorIs(t, err, ErrMalformedFrame)

	_, err = a.Parse([]byte("$,0,#?"), "TFMS90_100")
	assert.ErrorIs(t, err, ErrMalformedFrame)
}

func TestCreateResponse(t *testing.T) {
	a := NewAdapter()

	ref := model.NewTelemetryRecord("TFMS90_100", model.ProtocolTFMS90, MsgTrackData)
	ref.IOElements["token"] = "T123"
	ref.IOElements["short_device_id"] = "100"
	assert.Equal(t, "$,T123,ACK,100,3,#?\n", string(a.CreateResponse(3, ref)))

	assert.Equal(t, "$,0,ACK,000,0,#?\n", string(a.CreateResponse(0, nil)))
	assert.Equal(t, "$,0,ACK,100,#?\n", string(a.LoginResponse(100)))
}

func TestParseTimestampAnchors(t *testing.T) {
	got, err := ParseTimestamp("0")
	require.NoError(t, err)
	assert.True(t, got.Equal(time.Date(2000, 1, 1, 0, 0, 0, 0, time.UTC)))

	_, err = ParseTimestamp("")
	assert.ErrorIs(t, err, ErrBadTimestamp)
	_, err = ParseTimestamp("XYZ")
	assert.ErrorIs(t, err, ErrBadTimestamp)
	_, err = ParseTimestamp("123456789AB") // wider than 32 bits
	assert.ErrorIs(t, err, ErrBadTimestamp)
}

func TestParseTimestampNeverBeforeEpoch(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		secs := rapid.Uint32().Draw(t, "secs")
		got, err := ParseTimestamp(fmt.Sprintf("%X", secs))
		require.NoError(t, err)
		assert.True(t, got.Equal(epoch2000.Add(time.Duration(secs)*time.Second)))
		assert.False(t, got.Before(epoch2000))
	})
}
