package store

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"fleetpulse/internal/core/model"
	"fleetpulse/internal/core/util"
)

const shortIDCounter = "short_device_id"

// MongoStore implements Store on MongoDB. Short aliases come from an atomic
// counter document, seeded from the highest alias already assigned.
type MongoStore struct {
	client    *mongo.Client
	devices   *mongo.Collection
	telemetry *mongo.Collection
	counters  *mongo.Collection
}

func NewMongoStore(uri, database string) (*MongoStore, error) {
	if uri == "" {
		return nil, fmt.Errorf("mongo: URI not provided")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("mongo connect: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		return nil, fmt.Errorf("mongo ping: %w", err)
	}

	db := client.Database(database)
	return &MongoStore{
		client:    client,
		devices:   db.Collection("devices"),
		telemetry: db.Collection("telemetry_data"),
		counters:  db.Collection("counters"),
	}, nil
}

func (s *MongoStore) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.client.Disconnect(ctx)
}

func (s *MongoStore) GetDevice(deviceID string) (*model.Device, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var device model.Device
	err := s.devices.FindOne(ctx, bson.M{"device_id": deviceID}).Decode(&device)
	if err == mongo.ErrNoDocuments {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &device, nil
}

func (s *MongoStore) GetDeviceByIMEI(imei string) (*model.Device, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var device model.Device
	err := s.devices.FindOne(ctx, bson.M{"imei": imei}).Decode(&device)
	if err == mongo.ErrNoDocuments {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &device, nil
}

func (s *MongoStore) UpsertDevice(device *model.Device) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	set := bson.M{
		"protocol":  device.Protocol,
		"is_active": device.IsActive,
		"last_seen": device.LastSeen,
	}
	if device.IMEI != "" {
		set["imei"] = device.IMEI
	}
	if device.ShortDeviceID != nil {
		set["short_device_id"] = *device.ShortDeviceID
	}
	if device.FirmwareVersion != "" {
		set["firmware_version"] = device.FirmwareVersion
	}
	if device.SIMICCID != "" {
		set["sim_iccid"] = device.SIMICCID
	}

	_, err := s.devices.UpdateOne(ctx,
		bson.M{"device_id": device.DeviceID},
		bson.M{
			"$set":         set,
			"$setOnInsert": bson.M{"_id": device.UUID, "created_at": device.CreatedAt},
		},
		options.Update().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("upsert device %s: %w", device.DeviceID, err)
	}
	return nil
}

func (s *MongoStore) UpdateDeviceByUUID(uuid string, update *model.DeviceUpdate) error {
	set := bson.M{}
	if update.DeviceID != nil {
		set["device_id"] = *update.DeviceID
	}
	if update.IMEI != nil {
		set["imei"] = *update.IMEI
	}
	if update.ShortDeviceID != nil {
		set["short_device_id"] = *update.ShortDeviceID
	}
	if update.Protocol != nil {
		set["protocol"] = *update.Protocol
	}
	if update.FirmwareVersion != nil {
		set["firmware_version"] = *update.FirmwareVersion
	}
	if update.SIMICCID != nil {
		set["sim_iccid"] = *update.SIMICCID
	}
	if update.IsActive != nil {
		set["is_active"] = *update.IsActive
	}
	if update.LastSeen != nil {
		set["last_seen"] = *update.LastSeen
	}
	if len(set) == 0 {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	res, err := s.devices.UpdateByID(ctx, uuid, bson.M{"$set": set})
	if err != nil {
		return fmt.Errorf("update device %s: %w", uuid, err)
	}
	if res.MatchedCount == 0 {
		return fmt.Errorf("%w: uuid %s", ErrDeviceNotFound, uuid)
	}
	return nil
}

func (s *MongoStore) UpdateDeviceLastSeen(deviceID string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := s.devices.UpdateOne(ctx,
		bson.M{"device_id": deviceID},
		bson.M{"$set": bson.M{"last_seen": time.Now().UTC()}})
	return err
}

func (s *MongoStore) AssignShortDeviceID(imei, protocol string) (int, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var device model.Device
	err := s.devices.FindOne(ctx,
		bson.M{"imei": imei, "short_device_id": bson.M{"$gt": 0}}).Decode(&device)
	if err == nil && device.ShortDeviceID != nil {
		return *device.ShortDeviceID, nil
	}
	if err != nil && err != mongo.ErrNoDocuments {
		return 0, err
	}

	next, err := s.nextShortID(ctx)
	if err != nil {
		return 0, err
	}

	res, err := s.devices.UpdateOne(ctx,
		bson.M{"imei": imei},
		bson.M{"$set": bson.M{"short_device_id": next, "protocol": protocol}})
	if err != nil {
		return 0, err
	}
	if res.MatchedCount == 0 {
		return 0, fmt.Errorf("%w: imei %s", ErrDeviceNotFound, imei)
	}
	return next, nil
}

// nextShortID increments the counter document atomically. The first caller
// seeds it from the highest alias already present; racers that lose the
// insert fall through to the same $inc.
func (s *MongoStore) nextShortID(ctx context.Context) (int, error) {
	count, err := s.counters.CountDocuments(ctx, bson.M{"_id": shortIDCounter})
	if err != nil {
		return 0, err
	}
	if count == 0 {
		seed := FirstShortDeviceID - 1
		opts := options.FindOne().SetSort(bson.M{"short_device_id": -1})
		var top model.Device
		err := s.devices.FindOne(ctx, bson.M{"short_device_id": bson.M{"$gt": 0}}, opts).Decode(&top)
		if err == nil && top.ShortDeviceID != nil {
			seed = *top.ShortDeviceID
		} else if err != nil && err != mongo.ErrNoDocuments {
			return 0, err
		}
		_, err = s.counters.InsertOne(ctx, bson.M{"_id": shortIDCounter, "seq": seed})
		if err != nil && !mongo.IsDuplicateKeyError(err) {
			return 0, err
		}
	}

	var counter struct {
		Seq int `bson:"seq"`
	}
	err = s.counters.FindOneAndUpdate(ctx,
		bson.M{"_id": shortIDCounter},
		bson.M{"$inc": bson.M{"seq": 1}},
		options.FindOneAndUpdate().SetReturnDocument(options.After),
	).Decode(&counter)
	if err != nil {
		return 0, err
	}
	return counter.Seq, nil
}

func (s *MongoStore) Insert(record *model.TelemetryRecord) error {
	record.Promote()
	if record.ID == "" {
		record.ID = util.GenerateID()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if _, err := s.telemetry.InsertOne(ctx, record); err != nil {
		return fmt.Errorf("insert telemetry for %s: %w", record.DeviceID, err)
	}
	return nil
}

func (s *MongoStore) InsertBatch(records []*model.TelemetryRecord) error {
	if len(records) == 0 {
		return nil
	}
	docs := make([]interface{}, len(records))
	for i, record := range records {
		record.Promote()
		if record.ID == "" {
			record.ID = util.GenerateID()
		}
		docs[i] = record
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_, err := s.telemetry.InsertMany(ctx, docs, options.InsertMany().SetOrdered(true))
	if err != nil {
		return fmt.Errorf("insert telemetry batch: %w", err)
	}
	return nil
}

func (s *MongoStore) ListDevices() ([]*model.Device, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	cursor, err := s.devices.Find(ctx, bson.M{})
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	var devices []*model.Device
	if err = cursor.All(ctx, &devices); err != nil {
		return nil, err
	}
	return devices, nil
}

func (s *MongoStore) FindTelemetryByDeviceID(deviceID string, limit int) ([]*model.TelemetryRecord, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	opts := options.Find().SetSort(bson.M{"timestamp": -1}).SetLimit(int64(limit))
	cursor, err := s.telemetry.Find(ctx, bson.M{"device_id": deviceID}, opts)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	var records []*model.TelemetryRecord
	if err = cursor.All(ctx, &records); err != nil {
		return nil, err
	}
	return records, nil
}

func (s *MongoStore) FindLatestTelemetryByDeviceID(deviceID string) (*model.TelemetryRecord, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	opts := options.FindOne().SetSort(bson.M{"timestamp": -1})
	var record model.TelemetryRecord
	err := s.telemetry.FindOne(ctx, bson.M{"device_id": deviceID}, opts).Decode(&record)
	if err == mongo.ErrNoDocuments {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &record, nil
}
