package teltonika

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/charmbracelet/log"

	"fleetpulse/internal/core/model"
)

var logger = log.WithPrefix("teltonika")

// Adapter decodes Codec 8/8E data packets into telemetry records and builds
// the record-count acknowledgement.
type Adapter struct{}

func NewAdapter() *Adapter {
	return &Adapter{}
}

func (a *Adapter) Protocol() string {
	return model.ProtocolTeltonika
}

// IdentifyDevice extracts the IMEI from a login frame. It returns "" when
// the frame is not a well-formed login.
func (a *Adapter) IdentifyDevice(data []byte) string {
	imei, err := ParseIMEI(data)
	if err != nil {
		return ""
	}
	return imei
}

// ParseIMEI decodes the login frame [2 B length][ASCII digit IMEI].
func ParseIMEI(data []byte) (string, error) {
	if len(data) < 2 {
		return "", fmt.Errorf("%w: need 2 length bytes", ErrInvalidIMEI)
	}
	length := int(binary.BigEndian.Uint16(data[0:2]))
	if length < minIMEILength || length > maxIMEILength {
		return "", fmt.Errorf("%w: declared length %d", ErrInvalidIMEI, length)
	}
	if len(data) < 2+length {
		return "", fmt.Errorf("%w: frame shorter than declared length", ErrInvalidIMEI)
	}
	imei := string(data[2 : 2+length])
	for _, c := range imei {
		if c < '0' || c > '9' {
			return "", fmt.Errorf("%w: non-digit in IMEI", ErrInvalidIMEI)
		}
	}
	return imei, nil
}

// IsIMEIFrame reports whether data is a login frame rather than a data packet.
func IsIMEIFrame(data []byte) bool {
	_, err := ParseIMEI(data)
	return err == nil
}

// Parse decodes one data packet into records attributed to deviceID.
// A record that fails to decode mid-batch ends the batch: the successfully
// decoded prefix is returned and the failure is logged, not raised. Framing
// faults on the packet itself surface as errors.
func (a *Adapter) Parse(data []byte, deviceID string) ([]*model.TelemetryRecord, error) {
	if len(data) < minPacketSize {
		return nil, fmt.Errorf("%w: got %d bytes, need at least %d",
			ErrPacketTooShort, len(data), minPacketSize)
	}
	if preamble := binary.BigEndian.Uint32(data[0:4]); preamble != 0 {
		return nil, fmt.Errorf("%w: 0x%08X", ErrBadPreamble, preamble)
	}
	dataLen := int(binary.BigEndian.Uint32(data[4:8]))
	if dataLen < 3 || headerSize+dataLen+4 > len(data) {
		return nil, fmt.Errorf("%w: declared %d byte payload in %d byte packet",
			ErrPacketTooShort, dataLen, len(data))
	}

	codec := data[8]
	if codec != Codec8 && codec != Codec8E {
		logger.Warn("dropping frame with unknown codec",
			"codec", fmt.Sprintf("0x%02X", codec), "device", deviceID)
		return nil, nil
	}
	messageType := "codec_8"
	if codec == Codec8E {
		messageType = "codec_8E"
	}

	count := int(data[9])
	crcEnd := headerSize + dataLen
	// Record parsing never reads past the trailing count byte.
	body := data[:crcEnd-1]
	rawHex := hex.EncodeToString(data)

	records := make([]*model.TelemetryRecord, 0, count)
	offset := 10
	for i := 0; i < count; i++ {
		record, next, err := a.parseRecord(body, offset, codec, deviceID, messageType)
		if err != nil {
			logger.Error("record decode failed, keeping prefix",
				"device", deviceID, "record", i, "of", count, "err", err)
			return records, nil
		}
		record.RawData = rawHex
		records = append(records, record)
		offset = next
	}

	if offset != crcEnd-1 {
		logger.Warn("unconsumed bytes between records and trailing count",
			"device", deviceID, "offset", offset, "expected", crcEnd-1)
	}
	if trailer := int(data[crcEnd-1]); trailer != count {
		logger.Warn("record count mismatch, keeping parsed records",
			"device", deviceID, "header", count, "trailer", trailer)
	}
	want := binary.BigEndian.Uint32(data[crcEnd : crcEnd+4])
	if got := Crc16(data[headerSize:crcEnd]); uint32(got) != want {
		logger.Warn("crc mismatch",
			"device", deviceID,
			"want", fmt.Sprintf("0x%04X", want), "got", fmt.Sprintf("0x%04X", got))
	}

	return records, nil
}

// CreateResponse builds the data ACK: the accepted record count as a 4-byte
// big-endian integer.
func (a *Adapter) CreateResponse(count int, _ *model.TelemetryRecord) []byte {
	resp := make([]byte, 4)
	binary.BigEndian.PutUint32(resp, uint32(count))
	return resp
}

func (a *Adapter) parseRecord(data []byte, offset int, codec byte, deviceID, messageType string) (*model.TelemetryRecord, int, error) {
	if offset+avlFixedSize > len(data) {
		return nil, 0, fmt.Errorf("%w: fixed part at offset %d", ErrTruncatedRecord, offset)
	}

	ts := binary.BigEndian.Uint64(data[offset : offset+8])
	priority := data[offset+8]
	lonRaw := int32(binary.BigEndian.Uint32(data[offset+9 : offset+13]))
	latRaw := int32(binary.BigEndian.Uint32(data[offset+13 : offset+17]))
	altRaw := int16(binary.BigEndian.Uint16(data[offset+17 : offset+19]))
	angle := binary.BigEndian.Uint16(data[offset+19 : offset+21])
	satellites := data[offset+21]
	speed := binary.BigEndian.Uint16(data[offset+22 : offset+24])
	offset += avlFixedSize

	record := model.NewTelemetryRecord(deviceID, model.ProtocolTeltonika, messageType)
	record.Timestamp = time.UnixMilli(int64(ts)).UTC()
	record.Latitude = float64(latRaw) / 1e7
	record.Longitude = float64(lonRaw) / 1e7
	if !record.ValidCoordinates() {
		return nil, 0, fmt.Errorf("%w: lat=%.7f lon=%.7f",
			ErrBadCoordinates, record.Latitude, record.Longitude)
	}
	if altRaw != 0 {
		alt := float64(altRaw)
		record.Altitude = &alt
	}
	if speed > 0 {
		v := float64(speed)
		record.Speed = &v
	}
	if angle <= 360 {
		v := float64(angle)
		record.Heading = &v
	}
	if satellites > 0 {
		v := int(satellites)
		record.Satellites = &v
	}
	record.IOElements["priority"] = int64(priority)

	next, err := a.parseIOElements(data, offset, codec, record)
	if err != nil {
		return nil, 0, err
	}
	return record, next, nil
}

// parseIOElements walks the four fixed-width groups (1, 2, 4, 8 byte values)
// and, for Codec 8E, the trailing variable-length group. Codec 8E widens
// every ID and count field to two bytes.
func (a *Adapter) parseIOElements(data []byte, offset int, codec byte, record *model.TelemetryRecord) (int, error) {
	idSize := 1
	if codec == Codec8E {
		idSize = 2
	}

	eventID, offset, err := readUint(data, offset, idSize)
	if err != nil {
		return 0, err
	}
	record.IOElements["event_io_id"] = int64(eventID)

	total, offset, err := readUint(data, offset, idSize)
	if err != nil {
		return 0, err
	}

	parsed := uint64(0)
	for _, valueSize := range []int{1, 2, 4, 8} {
		var groupCount uint64
		groupCount, offset, err = readUint(data, offset, idSize)
		if err != nil {
			return 0, err
		}
		for i := uint64(0); i < groupCount; i++ {
			var id, value uint64
			id, offset, err = readUint(data, offset, idSize)
			if err != nil {
				return 0, err
			}
			value, offset, err = readUint(data, offset, valueSize)
			if err != nil {
				return 0, err
			}
			promoteIO(record, int(id), value)
			parsed++
		}
	}

	if codec == Codec8E {
		var varCount uint64
		varCount, offset, err = readUint(data, offset, idSize)
		if err != nil {
			return 0, err
		}
		for i := uint64(0); i < varCount; i++ {
			var id, length uint64
			id, offset, err = readUint(data, offset, idSize)
			if err != nil {
				return 0, err
			}
			length, offset, err = readUint(data, offset, 2)
			if err != nil {
				return 0, err
			}
			if offset+int(length) > len(data) {
				return 0, fmt.Errorf("%w: variable io %d value", ErrTruncatedRecord, id)
			}
			record.IOElements[fmt.Sprintf("io_%d_var", id)] = hex.EncodeToString(data[offset : offset+int(length)])
			offset += int(length)
			parsed++
		}
	}

	if parsed != total {
		logger.Debug("io element total disagrees with parsed count",
			"device", record.DeviceID, "total", total, "parsed", parsed)
	}
	return offset, nil
}

// promoteIO lifts well-known I/O IDs into typed fields; everything else,
// external voltage (66) included, lands in io_elements under io_<id>.
func promoteIO(record *model.TelemetryRecord, id int, value uint64) {
	switch id {
	case ioIgnition:
		v := value != 0
		record.Ignition = &v
	case ioMovement:
		v := value != 0
		record.Moving = &v
	case ioBatteryVoltage:
		v := float64(value) / 1000 // mV on the wire
		record.BatteryVoltage = &v
	case ioOdometer:
		v := float64(value) / 1000 // meters on the wire
		record.Odometer = &v
	case ioFuelLevel:
		v := float64(value)
		record.FuelLevel = &v
	case ioEngineHours:
		v := float64(value) / 3600 // seconds on the wire
		record.EngineHours = &v
	default:
		record.IOElements[fmt.Sprintf("io_%d", id)] = int64(value)
	}
}

func readUint(data []byte, offset, size int) (uint64, int, error) {
	if offset < 0 || offset+size > len(data) {
		return 0, 0, fmt.Errorf("%w: need %d bytes at offset %d", ErrTruncatedRecord, size, offset)
	}
	var v uint64
	for _, b := range data[offset : offset+size] {
		v = v<<8 | uint64(b)
	}
	return v, offset + size, nil
}
