package model

import (
	"fmt"
	"strings"
	"time"

	"fleetpulse/internal/core/util"
)

// Device is the registry row the ingestion core reads and writes. TFMS90
// devices additionally carry an IMEI and an integer short alias assigned at
// login; Teltonika devices are keyed by IMEI alone.
type Device struct {
	UUID            string    `json:"uuid" bson:"_id"`
	DeviceID        string    `json:"deviceId" bson:"device_id"`
	IMEI            string    `json:"imei,omitempty" bson:"imei,omitempty"`
	ShortDeviceID   *int      `json:"shortDeviceId,omitempty" bson:"short_device_id,omitempty"`
	Protocol        string    `json:"protocol" bson:"protocol"`
	FirmwareVersion string    `json:"firmwareVersion,omitempty" bson:"firmware_version,omitempty"`
	SIMICCID        string    `json:"simIccid,omitempty" bson:"sim_iccid,omitempty"`
	IsActive        bool      `json:"isActive" bson:"is_active"`
	LastSeen        time.Time `json:"lastSeen" bson:"last_seen"`
	CreatedAt       time.Time `json:"createdAt" bson:"created_at"`
}

func NewDevice(deviceID, protocol string) *Device {
	now := time.Now().UTC()
	return &Device{
		UUID:      util.GenerateID(),
		DeviceID:  deviceID,
		Protocol:  protocol,
		IsActive:  true,
		LastSeen:  now,
		CreatedAt: now,
	}
}

// DeviceUpdate carries only the columns to change; nil fields stay untouched.
type DeviceUpdate struct {
	DeviceID        *string
	IMEI            *string
	ShortDeviceID   *int
	Protocol        *string
	FirmwareVersion *string
	SIMICCID        *string
	IsActive        *bool
	LastSeen        *time.Time
}

// ShortAliasDeviceID renders the device_id used after a TFMS90 short-alias
// assignment, e.g. TFMS90_104.
func ShortAliasDeviceID(shortID int) string {
	return fmt.Sprintf("TFMS90_%d", shortID)
}

// ProvisionalDeviceID renders the device_id of a TFMS90 device that has
// logged in but not yet been renamed to its short alias.
func ProvisionalDeviceID(imei string) string {
	return "IMEI_" + imei
}

// IsProvisional reports whether the device still carries its pre-alias id.
func (d *Device) IsProvisional() bool {
	return strings.Contains(d.DeviceID, "IMEI_")
}
