package store

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"fleetpulse/internal/core/model"
)

// memoryStore keeps everything in process. It backs the test suites and
// local runs without a database (STORE_BACKEND=memory).
type memoryStore struct {
	mu        sync.RWMutex
	devices   map[string]*model.Device // keyed by device_id
	telemetry []*model.TelemetryRecord
}

func NewMemoryStore() Store {
	return &memoryStore{devices: make(map[string]*model.Device)}
}

func (s *memoryStore) Close() error { return nil }

func (s *memoryStore) GetDevice(deviceID string) (*model.Device, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if device, exists := s.devices[deviceID]; exists {
		return device, nil
	}
	return nil, nil
}

func (s *memoryStore) GetDeviceByIMEI(imei string) (*model.Device, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.findByIMEILocked(imei), nil
}

func (s *memoryStore) findByIMEILocked(imei string) *model.Device {
	for _, device := range s.devices {
		if device.IMEI == imei {
			return device
		}
	}
	return nil
}

func (s *memoryStore) UpsertDevice(device *model.Device) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, exists := s.devices[device.DeviceID]
	if !exists {
		s.devices[device.DeviceID] = device
		return nil
	}
	if device.IMEI != "" {
		existing.IMEI = device.IMEI
	}
	if device.ShortDeviceID != nil {
		existing.ShortDeviceID = device.ShortDeviceID
	}
	existing.Protocol = device.Protocol
	if device.FirmwareVersion != "" {
		existing.FirmwareVersion = device.FirmwareVersion
	}
	if device.SIMICCID != "" {
		existing.SIMICCID = device.SIMICCID
	}
	existing.IsActive = device.IsActive
	existing.LastSeen = device.LastSeen
	return nil
}

func (s *memoryStore) UpdateDeviceByUUID(uuid string, update *model.DeviceUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var device *model.Device
	var oldKey string
	for key, d := range s.devices {
		if d.UUID == uuid {
			device, oldKey = d, key
			break
		}
	}
	if device == nil {
		return fmt.Errorf("%w: uuid %s", ErrDeviceNotFound, uuid)
	}

	if update.DeviceID != nil && *update.DeviceID != oldKey {
		delete(s.devices, oldKey)
		device.DeviceID = *update.DeviceID
		s.devices[device.DeviceID] = device
	}
	if update.IMEI != nil {
		device.IMEI = *update.IMEI
	}
	if update.ShortDeviceID != nil {
		device.ShortDeviceID = update.ShortDeviceID
	}
	if update.Protocol != nil {
		device.Protocol = *update.Protocol
	}
	if update.FirmwareVersion != nil {
		device.FirmwareVersion = *update.FirmwareVersion
	}
	if update.SIMICCID != nil {
		device.SIMICCID = *update.SIMICCID
	}
	if update.IsActive != nil {
		device.IsActive = *update.IsActive
	}
	if update.LastSeen != nil {
		device.LastSeen = *update.LastSeen
	}
	return nil
}

func (s *memoryStore) UpdateDeviceLastSeen(deviceID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if device, exists := s.devices[deviceID]; exists {
		device.LastSeen = time.Now().UTC()
	}
	return nil
}

func (s *memoryStore) AssignShortDeviceID(imei, protocol string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	device := s.findByIMEILocked(imei)
	if device == nil {
		return 0, fmt.Errorf("%w: imei %s", ErrDeviceNotFound, imei)
	}
	if device.ShortDeviceID != nil {
		return *device.ShortDeviceID, nil
	}

	next := FirstShortDeviceID
	for _, d := range s.devices {
		if d.ShortDeviceID != nil && *d.ShortDeviceID >= next {
			next = *d.ShortDeviceID + 1
		}
	}
	device.ShortDeviceID = &next
	device.Protocol = protocol
	return next, nil
}

func (s *memoryStore) Insert(record *model.TelemetryRecord) error {
	record.Promote()

	s.mu.Lock()
	defer s.mu.Unlock()
	s.telemetry = append(s.telemetry, record)
	return nil
}

func (s *memoryStore) InsertBatch(records []*model.TelemetryRecord) error {
	for _, record := range records {
		record.Promote()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.telemetry = append(s.telemetry, records...)
	return nil
}

func (s *memoryStore) ListDevices() ([]*model.Device, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	devices := make([]*model.Device, 0, len(s.devices))
	for _, device := range s.devices {
		devices = append(devices, device)
	}
	sort.Slice(devices, func(i, j int) bool {
		return devices[i].CreatedAt.Before(devices[j].CreatedAt)
	})
	return devices, nil
}

func (s *memoryStore) FindTelemetryByDeviceID(deviceID string, limit int) ([]*model.TelemetryRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var records []*model.TelemetryRecord
	for _, record := range s.telemetry {
		if record.DeviceID == deviceID {
			records = append(records, record)
		}
	}
	sort.SliceStable(records, func(i, j int) bool {
		return records[i].Timestamp.After(records[j].Timestamp)
	})
	if limit > 0 && len(records) > limit {
		records = records[:limit]
	}
	return records, nil
}

func (s *memoryStore) FindLatestTelemetryByDeviceID(deviceID string) (*model.TelemetryRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var latest *model.TelemetryRecord
	for _, record := range s.telemetry {
		if record.DeviceID == deviceID {
			if latest == nil || record.Timestamp.After(latest.Timestamp) {
				latest = record
			}
		}
	}
	return latest, nil
}
