package store

import (
	"errors"
	"fmt"

	"fleetpulse/internal/core/model"
)

// FirstShortDeviceID seeds the TFMS90 short-alias sequence when no alias has
// been handed out yet.
const FirstShortDeviceID = 100

var (
	// ErrDeviceNotFound is returned by writes that require an existing row,
	// such as reserving a short alias for an unprovisioned IMEI.
	ErrDeviceNotFound = errors.New("store: device not found")
)

// DeviceRegistry is the contract the connection handlers use to identify and
// provision devices. Lookups return (nil, nil) when no row matches.
type DeviceRegistry interface {
	GetDevice(deviceID string) (*model.Device, error)
	GetDeviceByIMEI(imei string) (*model.Device, error)
	// UpsertDevice inserts the row or, when device_id already exists, updates
	// the provided columns. An existing short alias is never cleared.
	UpsertDevice(device *model.Device) error
	// UpdateDeviceByUUID updates a row by primary key. Used when renaming a
	// TFMS90 device to its short-alias device_id after assignment.
	UpdateDeviceByUUID(uuid string, update *model.DeviceUpdate) error
	UpdateDeviceLastSeen(deviceID string) error
	// AssignShortDeviceID returns the device's existing short alias, or
	// reserves max(existing)+1 (starting at FirstShortDeviceID) and writes it
	// to the device row. Safe under concurrent assigners.
	AssignShortDeviceID(imei, protocol string) (int, error)
}

// TelemetrySink receives decoded records. Persistence is best-effort: an
// error is surfaced to the caller, which skips the ACK and keeps the
// connection open so the device retransmits.
type TelemetrySink interface {
	Insert(record *model.TelemetryRecord) error
	InsertBatch(records []*model.TelemetryRecord) error
}

// DeviceReader and TelemetryReader serve the HTTP read API. The TCP core
// never touches them.
type DeviceReader interface {
	GetDevice(deviceID string) (*model.Device, error)
	ListDevices() ([]*model.Device, error)
}

type TelemetryReader interface {
	FindTelemetryByDeviceID(deviceID string, limit int) ([]*model.TelemetryRecord, error)
	FindLatestTelemetryByDeviceID(deviceID string) (*model.TelemetryRecord, error)
}

// Store bundles every capability a backend provides.
type Store interface {
	DeviceRegistry
	TelemetrySink
	DeviceReader
	TelemetryReader
	Close() error
}

// Backend names accepted by Open.
const (
	BackendPostgres = "postgres"
	BackendMongo    = "mongo"
	BackendMemory   = "memory"
)

// Options selects and configures a backend.
type Options struct {
	Backend       string
	PostgresDSN   string
	MongoURI      string
	MongoDatabase string
}

// Open connects the configured backend.
func Open(opts Options) (Store, error) {
	switch opts.Backend {
	case BackendPostgres:
		return NewPostgresStore(opts.PostgresDSN)
	case BackendMongo:
		return NewMongoStore(opts.MongoURI, opts.MongoDatabase)
	case BackendMemory:
		return NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unknown store backend %q", opts.Backend)
	}
}
