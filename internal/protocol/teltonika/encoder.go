package teltonika

import (
	"bytes"
	"encoding/binary"
	"sort"
	"time"
)

// AVLRecord is the build input for one encoded record. The four IO maps
// correspond to the fixed-width value groups; IOVar only encodes under
// Codec 8E.
type AVLRecord struct {
	Timestamp  time.Time
	Priority   byte
	Latitude   float64
	Longitude  float64
	Altitude   int16
	Angle      uint16
	Satellites uint8
	Speed      uint16
	EventID    uint16
	IO1        map[uint16]uint8
	IO2        map[uint16]uint16
	IO4        map[uint16]uint32
	IO8        map[uint16]uint64
	IOVar      map[uint16][]byte
}

// Encoder builds wire-complete Codec 8/8E packets. The device simulator and
// the decoder tests feed on it.
type Encoder struct {
	codec byte
}

func NewEncoder(codec byte) *Encoder {
	return &Encoder{codec: codec}
}

// EncodeIMEI builds the login frame [2 B length][ASCII IMEI].
func EncodeIMEI(imei string) []byte {
	buf := make([]byte, 2+len(imei))
	binary.BigEndian.PutUint16(buf, uint16(len(imei)))
	copy(buf[2:], imei)
	return buf
}

// Encode wraps the records in preamble, length, counts and CRC.
func (e *Encoder) Encode(records []AVLRecord) []byte {
	var body bytes.Buffer
	body.WriteByte(e.codec)
	body.WriteByte(byte(len(records)))
	for i := range records {
		e.writeRecord(&body, &records[i])
	}
	body.WriteByte(byte(len(records)))

	packet := make([]byte, 0, headerSize+body.Len()+4)
	packet = append(packet, 0, 0, 0, 0)
	packet = binary.BigEndian.AppendUint32(packet, uint32(body.Len()))
	packet = append(packet, body.Bytes()...)
	packet = binary.BigEndian.AppendUint32(packet, uint32(Crc16(body.Bytes())))
	return packet
}

func (e *Encoder) writeRecord(buf *bytes.Buffer, r *AVLRecord) {
	var scratch [8]byte

	binary.BigEndian.PutUint64(scratch[:], uint64(r.Timestamp.UnixMilli()))
	buf.Write(scratch[:])
	buf.WriteByte(r.Priority)
	binary.BigEndian.PutUint32(scratch[:4], uint32(int32(r.Longitude*1e7)))
	buf.Write(scratch[:4])
	binary.BigEndian.PutUint32(scratch[:4], uint32(int32(r.Latitude*1e7)))
	buf.Write(scratch[:4])
	binary.BigEndian.PutUint16(scratch[:2], uint16(r.Altitude))
	buf.Write(scratch[:2])
	binary.BigEndian.PutUint16(scratch[:2], r.Angle)
	buf.Write(scratch[:2])
	buf.WriteByte(r.Satellites)
	binary.BigEndian.PutUint16(scratch[:2], r.Speed)
	buf.Write(scratch[:2])

	e.writeID(buf, r.EventID)
	total := len(r.IO1) + len(r.IO2) + len(r.IO4) + len(r.IO8)
	if e.codec == Codec8E {
		total += len(r.IOVar)
	}
	e.writeID(buf, uint16(total))

	e.writeID(buf, uint16(len(r.IO1)))
	for _, id := range ioKeys(r.IO1) {
		e.writeID(buf, id)
		buf.WriteByte(r.IO1[id])
	}

	e.writeID(buf, uint16(len(r.IO2)))
	for _, id := range ioKeys(r.IO2) {
		e.writeID(buf, id)
		binary.BigEndian.PutUint16(scratch[:2], r.IO2[id])
		buf.Write(scratch[:2])
	}

	e.writeID(buf, uint16(len(r.IO4)))
	for _, id := range ioKeys(r.IO4) {
		e.writeID(buf, id)
		binary.BigEndian.PutUint32(scratch[:4], r.IO4[id])
		buf.Write(scratch[:4])
	}

	e.writeID(buf, uint16(len(r.IO8)))
	for _, id := range ioKeys(r.IO8) {
		e.writeID(buf, id)
		binary.BigEndian.PutUint64(scratch[:], r.IO8[id])
		buf.Write(scratch[:])
	}

	if e.codec == Codec8E {
		e.writeID(buf, uint16(len(r.IOVar)))
		for _, id := range ioKeys(r.IOVar) {
			e.writeID(buf, id)
			binary.BigEndian.PutUint16(scratch[:2], uint16(len(r.IOVar[id])))
			buf.Write(scratch[:2])
			buf.Write(r.IOVar[id])
		}
	}
}

func (e *Encoder) writeID(buf *bytes.Buffer, v uint16) {
	if e.codec == Codec8E {
		var b [2]byte
		binary.BigEndian.PutUint16(b[:], v)
		buf.Write(b[:])
		return
	}
	buf.WriteByte(byte(v))
}

func ioKeys[V any](m map[uint16]V) []uint16 {
	keys := make([]uint16, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}
