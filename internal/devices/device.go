package devices

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"
)

// Device captures one enrolled field device and the worker carrying it.
type Device struct {
	DeviceID          string    `gorm:"column:device_id;primaryKey;size:190;not null"`
	WorkerID          string    `gorm:"column:worker_id;size:190;not null;index"`
	Label             string    `gorm:"column:label;size:320"`
	EnrollmentKeyHash string    `gorm:"column:enrollment_key_hash;size:64;not null"`
	LastSeenAt        time.Time `gorm:"column:last_seen_at;autoUpdateTime"`
	CreatedAt         time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt         time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName exposes the table backing enrolled devices.
func (Device) TableName() string {
	return "devices"
}

// HashEnrollmentKey digests a raw enrollment key for storage and comparison.
func HashEnrollmentKey(rawKey string) string {
	digest := sha256.Sum256([]byte(strings.TrimSpace(rawKey)))
	return hex.EncodeToString(digest[:])
}
