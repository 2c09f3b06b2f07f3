// Command simulator plays a GPS tracker against a running server: it logs
// in, drives a synthetic route, and reports each acknowledgement. Useful for
// smoke-testing ingestion without hardware.
package main

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"math/rand"
	"net"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	flag "github.com/spf13/pflag"

	"fleetpulse/internal/protocol/teltonika"
	"fleetpulse/internal/protocol/tfms90"
)

var (
	protoFlag    = flag.String("protocol", "tfms90", "protocol to speak: tfms90 or teltonika")
	addrFlag     = flag.String("addr", "127.0.0.1:23000", "server address")
	imeiFlag     = flag.String("imei", "861261023456789", "device imei")
	countFlag    = flag.Int("count", 10, "track points to send")
	intervalFlag = flag.Duration("interval", 2*time.Second, "delay between frames")
	latFlag      = flag.Float64("lat", 37.7749, "starting latitude")
	lonFlag      = flag.Float64("lon", -122.4194, "starting longitude")
	speedFlag    = flag.Float64("speed", 45, "cruise speed in km/h")
	tripFlag     = flag.Bool("trip", true, "frame the run as a trip (tfms90 only)")
)

var logger = log.WithPrefix("sim")

func main() {
	flag.Parse()

	conn, err := net.Dial("tcp", *addrFlag)
	if err != nil {
		log.Fatal("server unreachable", "addr", *addrFlag, "err", err)
	}
	defer conn.Close()
	logger.Info("connected", "addr", *addrFlag, "protocol", *protoFlag)

	switch *protoFlag {
	case "tfms90":
		runTFMS90(conn)
	case "teltonika":
		runTeltonika(conn)
	default:
		log.Fatal("unknown protocol", "protocol", *protoFlag)
	}
}

// vehicle is a toy motion model: constant cruise speed along a drifting
// heading, fuel burned per km.
type vehicle struct {
	lat, lon float64
	heading  float64
	speed    float64
	odometer float64
	fuel     float64
}

func (v *vehicle) advance(dt time.Duration) {
	dist := v.speed * dt.Hours()
	rad := v.heading * math.Pi / 180
	v.lat += (dist / 111.0) * math.Cos(rad)
	v.lon += (dist / 111.0) * math.Sin(rad) / math.Cos(v.lat*math.Pi/180)
	v.odometer += dist
	v.fuel -= dist * 0.1
	if v.fuel < 5 {
		v.fuel = 60
	}
	v.heading += (rand.Float64() - 0.5) * 10
	if v.heading < 0 {
		v.heading += 360
	}
	if v.heading >= 360 {
		v.heading -= 360
	}
}

func runTFMS90(conn net.Conn) {
	reply := exchange(conn, fmt.Sprintf("$,0,LG,000,%s,FW2.1.3,89910210000012345678,#?\n", *imeiFlag))
	shortID := assignedShortID(reply)
	if shortID == "" {
		log.Fatal("login rejected", "reply", strings.TrimSpace(reply))
	}
	logger.Info("logged in", "short_id", shortID)

	v := &vehicle{lat: *latFlag, lon: *lonFlag, heading: 90, speed: *speedFlag, fuel: 60}
	start := time.Now().UTC()
	startFuel, startLat, startLon := v.fuel, v.lat, v.lon
	startOdometer := v.odometer

	if *tripFlag {
		exchange(conn, fmt.Sprintf("$,0,TS,%s,1,%s,%.1f,%.6f,%.6f,%.0f,#?\n",
			shortID, tfms90.FormatTimestamp(start), v.fuel, v.lat, v.lon, v.heading))
		logger.Info("trip started")
	}

	for i := 0; i < *countFlag; i++ {
		time.Sleep(*intervalFlag)
		v.advance(*intervalFlag)
		frame := fmt.Sprintf("$,0,TD,%s,1,%s,%.6f,%.6f,%.1f,%.0f,%d,%.1f,%.1f,%.0f,01,0,0,%.1f,#?\n",
			shortID, tfms90.FormatTimestamp(time.Now().UTC()),
			v.lat, v.lon, v.speed, v.heading,
			8+rand.Intn(4), 0.8+rand.Float64()*0.4,
			v.fuel, v.odometer*1000, 12.0+rand.Float64())
		reply := exchange(conn, frame)
		logger.Info("track point sent", "n", i+1, "ack", strings.TrimSpace(reply))
	}

	if *tripFlag {
		end := time.Now().UTC()
		exchange(conn, fmt.Sprintf("$,0,TE,%s,1,%s,%s,%.0f,0,%.1f,%.1f,%.1f,0,0,%.6f,%.6f,%.6f,%.6f,%.0f,#?\n",
			shortID, tfms90.FormatTimestamp(start), tfms90.FormatTimestamp(end),
			end.Sub(start).Seconds(), startFuel, v.fuel, v.odometer-startOdometer,
			startLat, startLon, v.lat, v.lon, v.heading))
		logger.Info("trip ended", "distance_km", v.odometer-startOdometer)
	}
}

func runTeltonika(conn net.Conn) {
	deadline(conn)
	if _, err := conn.Write(teltonika.EncodeIMEI(*imeiFlag)); err != nil {
		log.Fatal("imei write failed", "err", err)
	}
	reply := make([]byte, 1)
	if _, err := io.ReadFull(conn, reply); err != nil || reply[0] != 0x01 {
		log.Fatal("imei rejected", "err", err)
	}
	logger.Info("imei accepted")

	v := &vehicle{lat: *latFlag, lon: *lonFlag, heading: 90, speed: *speedFlag, fuel: 60}
	enc := teltonika.NewEncoder(teltonika.Codec8E)

	for i := 0; i < *countFlag; i++ {
		time.Sleep(*intervalFlag)
		v.advance(*intervalFlag)
		packet := enc.Encode([]teltonika.AVLRecord{{
			Timestamp:  time.Now().UTC(),
			Latitude:   v.lat,
			Longitude:  v.lon,
			Altitude:   30,
			Angle:      uint16(v.heading),
			Satellites: 9,
			Speed:      uint16(v.speed),
			IO1:        map[uint16]uint8{239: 1, 240: 1},
			IO2:        map[uint16]uint16{66: 12400},
			IO4:        map[uint16]uint32{16: uint32(v.odometer * 1000)},
		}})
		deadline(conn)
		if _, err := conn.Write(packet); err != nil {
			log.Fatal("packet write failed", "err", err)
		}
		ack := make([]byte, 4)
		if _, err := io.ReadFull(conn, ack); err != nil {
			log.Fatal("ack read failed", "err", err)
		}
		logger.Info("track point sent", "n", i+1, "acked", binary.BigEndian.Uint32(ack))
	}
}

// exchange writes one frame and returns the server's reply.
func exchange(conn net.Conn, frame string) string {
	deadline(conn)
	if _, err := conn.Write([]byte(frame)); err != nil {
		log.Fatal("write failed", "err", err)
	}
	buf := make([]byte, 256)
	n, err := conn.Read(buf)
	if err != nil {
		log.Fatal("no reply", "err", err)
	}
	return string(buf[:n])
}

// assignedShortID pulls the alias out of a login ACK: $,0,ACK,<id>,#?
func assignedShortID(reply string) string {
	parts := strings.Split(strings.TrimSpace(reply), ",")
	if len(parts) < 4 || strings.ToUpper(parts[2]) != "ACK" {
		return ""
	}
	return parts[3]
}

func deadline(conn net.Conn) {
	conn.SetDeadline(time.Now().Add(5 * time.Second))
}
