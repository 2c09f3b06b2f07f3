package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/lib/pq"

	"fleetpulse/internal/core/model"
)

// Advisory lock key serializing short-alias assignment across server
// instances sharing one database.
const shortAliasLockKey = 902100

// PostgresStore implements Store on a shared PostgreSQL database. The schema
// (devices, telemetry_data and their triggers) is owned by the fleet portal;
// this side only reads and writes the agreed columns.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres open: %w", err)
	}
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("postgres ping: %w", err)
	}
	return &PostgresStore{db: db}, nil
}

func (s *PostgresStore) Close() error {
	return s.db.Close()
}

const deviceColumns = `id, device_id, imei, short_device_id, protocol, firmware_version, sim_iccid, is_active, last_seen, created_at`

func (s *PostgresStore) GetDevice(deviceID string) (*model.Device, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	row := s.db.QueryRowContext(ctx,
		`SELECT `+deviceColumns+` FROM devices WHERE device_id = $1`, deviceID)
	return scanDevice(row)
}

func (s *PostgresStore) GetDeviceByIMEI(imei string) (*model.Device, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	row := s.db.QueryRowContext(ctx,
		`SELECT `+deviceColumns+` FROM devices WHERE imei = $1 LIMIT 1`, imei)
	return scanDevice(row)
}

func (s *PostgresStore) UpsertDevice(device *model.Device) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO devices (id, device_id, imei, short_device_id, protocol,
			firmware_version, sim_iccid, is_active, last_seen, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (device_id) DO UPDATE SET
			imei             = COALESCE(NULLIF(EXCLUDED.imei, ''), devices.imei),
			short_device_id  = COALESCE(EXCLUDED.short_device_id, devices.short_device_id),
			protocol         = EXCLUDED.protocol,
			firmware_version = COALESCE(NULLIF(EXCLUDED.firmware_version, ''), devices.firmware_version),
			sim_iccid        = COALESCE(NULLIF(EXCLUDED.sim_iccid, ''), devices.sim_iccid),
			is_active        = EXCLUDED.is_active,
			last_seen        = EXCLUDED.last_seen`,
		device.UUID, device.DeviceID, nullString(device.IMEI), nullIntPtr(device.ShortDeviceID),
		device.Protocol, nullString(device.FirmwareVersion), nullString(device.SIMICCID),
		device.IsActive, device.LastSeen, device.CreatedAt)
	if err != nil {
		return fmt.Errorf("upsert device %s: %w", device.DeviceID, err)
	}
	return nil
}

func (s *PostgresStore) UpdateDeviceByUUID(uuid string, update *model.DeviceUpdate) error {
	set := make([]string, 0, 8)
	args := make([]interface{}, 0, 9)
	add := func(col string, v interface{}) {
		args = append(args, v)
		set = append(set, fmt.Sprintf("%s = $%d", col, len(args)))
	}
	if update.DeviceID != nil {
		add("device_id", *update.DeviceID)
	}
	if update.IMEI != nil {
		add("imei", *update.IMEI)
	}
	if update.ShortDeviceID != nil {
		add("short_device_id", *update.ShortDeviceID)
	}
	if update.Protocol != nil {
		add("protocol", *update.Protocol)
	}
	if update.FirmwareVersion != nil {
		add("firmware_version", *update.FirmwareVersion)
	}
	if update.SIMICCID != nil {
		add("sim_iccid", *update.SIMICCID)
	}
	if update.IsActive != nil {
		add("is_active", *update.IsActive)
	}
	if update.LastSeen != nil {
		add("last_seen", *update.LastSeen)
	}
	if len(set) == 0 {
		return nil
	}
	args = append(args, uuid)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	res, err := s.db.ExecContext(ctx,
		fmt.Sprintf(`UPDATE devices SET %s WHERE id = $%d`, strings.Join(set, ", "), len(args)),
		args...)
	if err != nil {
		return fmt.Errorf("update device %s: %w", uuid, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: uuid %s", ErrDeviceNotFound, uuid)
	}
	return nil
}

func (s *PostgresStore) UpdateDeviceLastSeen(deviceID string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := s.db.ExecContext(ctx,
		`UPDATE devices SET last_seen = $2 WHERE device_id = $1`,
		deviceID, time.Now().UTC())
	return err
}

func (s *PostgresStore) AssignShortDeviceID(imei, protocol string) (int, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1)`, shortAliasLockKey); err != nil {
		return 0, err
	}

	var existing sql.NullInt64
	err = tx.QueryRowContext(ctx,
		`SELECT short_device_id FROM devices WHERE imei = $1 AND short_device_id IS NOT NULL LIMIT 1`,
		imei).Scan(&existing)
	if err == nil && existing.Valid {
		return int(existing.Int64), tx.Commit()
	}
	if err != nil && err != sql.ErrNoRows {
		return 0, err
	}

	var next int
	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(short_device_id), $1 - 1) + 1 FROM devices`,
		FirstShortDeviceID).Scan(&next); err != nil {
		return 0, err
	}

	// Writing the alias inside the locked transaction reserves it: the next
	// assigner's MAX already sees it.
	res, err := tx.ExecContext(ctx,
		`UPDATE devices SET short_device_id = $1, protocol = $2 WHERE imei = $3`,
		next, protocol, imei)
	if err != nil {
		return 0, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return 0, fmt.Errorf("%w: imei %s", ErrDeviceNotFound, imei)
	}
	return next, tx.Commit()
}

const insertTelemetrySQL = `
	INSERT INTO telemetry_data (
		device_id, timestamp, latitude, longitude, altitude, speed, heading,
		satellites, fuel_level, protocol, message_type, io_elements,
		start_timestamp, end_timestamp, duration_seconds, start_fuel, end_fuel,
		distance_km, start_latitude, start_longitude
	) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20)`

func (s *PostgresStore) Insert(record *model.TelemetryRecord) error {
	args, err := telemetryArgs(record)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if _, err := s.db.ExecContext(ctx, insertTelemetrySQL, args...); err != nil {
		return fmt.Errorf("insert telemetry for %s: %w", record.DeviceID, err)
	}
	return nil
}

func (s *PostgresStore) InsertBatch(records []*model.TelemetryRecord) error {
	if len(records) == 0 {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, insertTelemetrySQL)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, record := range records {
		args, err := telemetryArgs(record)
		if err != nil {
			return err
		}
		if _, err := stmt.ExecContext(ctx, args...); err != nil {
			return fmt.Errorf("insert telemetry batch for %s: %w", record.DeviceID, err)
		}
	}
	return tx.Commit()
}

func (s *PostgresStore) ListDevices() ([]*model.Device, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+deviceColumns+` FROM devices ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var devices []*model.Device
	for rows.Next() {
		device, err := scanDevice(rows)
		if err != nil {
			return nil, err
		}
		devices = append(devices, device)
	}
	return devices, rows.Err()
}

const telemetryColumns = `device_id, timestamp, latitude, longitude, altitude, speed, heading, satellites, fuel_level, protocol, message_type, io_elements`

func (s *PostgresStore) FindTelemetryByDeviceID(deviceID string, limit int) ([]*model.TelemetryRecord, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+telemetryColumns+` FROM telemetry_data WHERE device_id = $1 ORDER BY timestamp DESC LIMIT $2`,
		deviceID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []*model.TelemetryRecord
	for rows.Next() {
		record, err := scanTelemetry(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, record)
	}
	return records, rows.Err()
}

func (s *PostgresStore) FindLatestTelemetryByDeviceID(deviceID string) (*model.TelemetryRecord, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	row := s.db.QueryRowContext(ctx,
		`SELECT `+telemetryColumns+` FROM telemetry_data WHERE device_id = $1 ORDER BY timestamp DESC LIMIT 1`,
		deviceID)
	record, err := scanTelemetry(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return record, err
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanDevice(row rowScanner) (*model.Device, error) {
	var (
		device   model.Device
		imei     sql.NullString
		shortID  sql.NullInt64
		firmware sql.NullString
		iccid    sql.NullString
		lastSeen sql.NullTime
		created  sql.NullTime
	)
	err := row.Scan(&device.UUID, &device.DeviceID, &imei, &shortID, &device.Protocol,
		&firmware, &iccid, &device.IsActive, &lastSeen, &created)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	device.IMEI = imei.String
	if shortID.Valid {
		v := int(shortID.Int64)
		device.ShortDeviceID = &v
	}
	device.FirmwareVersion = firmware.String
	device.SIMICCID = iccid.String
	device.LastSeen = lastSeen.Time
	device.CreatedAt = created.Time
	return &device, nil
}

func scanTelemetry(row rowScanner) (*model.TelemetryRecord, error) {
	var (
		record     model.TelemetryRecord
		altitude   sql.NullFloat64
		speed      sql.NullFloat64
		heading    sql.NullFloat64
		satellites sql.NullInt64
		fuel       sql.NullFloat64
		ioRaw      []byte
	)
	err := row.Scan(&record.DeviceID, &record.Timestamp, &record.Latitude, &record.Longitude,
		&altitude, &speed, &heading, &satellites, &fuel,
		&record.Protocol, &record.MessageType, &ioRaw)
	if err != nil {
		return nil, err
	}
	if altitude.Valid {
		record.Altitude = &altitude.Float64
	}
	if speed.Valid {
		record.Speed = &speed.Float64
	}
	if heading.Valid {
		record.Heading = &heading.Float64
	}
	if satellites.Valid {
		v := int(satellites.Int64)
		record.Satellites = &v
	}
	if fuel.Valid {
		record.FuelLevel = &fuel.Float64
	}
	if len(ioRaw) > 0 {
		if err := json.Unmarshal(ioRaw, &record.IOElements); err != nil {
			return nil, fmt.Errorf("decode io_elements: %w", err)
		}
	}
	return &record, nil
}

func telemetryArgs(record *model.TelemetryRecord) ([]interface{}, error) {
	record.Promote()
	ioJSON, err := json.Marshal(record.IODocument())
	if err != nil {
		return nil, fmt.Errorf("encode io_elements: %w", err)
	}

	args := []interface{}{
		record.DeviceID, record.Timestamp, record.Latitude, record.Longitude,
		nullFloatPtr(record.Altitude), nullFloatPtr(record.Speed), nullFloatPtr(record.Heading),
		nullIntPtr(record.Satellites), nullFloatPtr(record.FuelLevel),
		record.Protocol, record.MessageType, ioJSON,
	}
	if summary := record.TripSummary(); summary != nil {
		args = append(args,
			summary.StartTimestamp, summary.EndTimestamp, summary.DurationSeconds,
			summary.StartFuel, summary.EndFuel, summary.DistanceKM,
			summary.StartLatitude, summary.StartLongitude)
	} else {
		args = append(args, nil, nil, nil, nil, nil, nil, nil, nil)
	}
	return args, nil
}

func nullString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func nullFloatPtr(p *float64) interface{} {
	if p == nil {
		return nil
	}
	return *p
}

func nullIntPtr(p *int) interface{} {
	if p == nil {
		return nil
	}
	return *p
}
