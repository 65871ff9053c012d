package devices

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"gorm.io/gorm"
)

var (
	// ErrUnknownDevice indicates the device id is not enrolled.
	ErrUnknownDevice = errors.New("devices: unknown device")
	// ErrBadEnrollmentKey indicates the presented enrollment key does not match.
	ErrBadEnrollmentKey = errors.New("devices: enrollment key mismatch")
	// ErrInvalidDevice indicates the registration input is unusable.
	ErrInvalidDevice = errors.New("devices: invalid device")
)

// RegistryConfig describes the dependencies for the device registry.
type RegistryConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
}

// Registry resolves enrolled devices to worker identities and verifies
// enrollment keys. Verified worker ids are cached per device.
type Registry struct {
	db    *gorm.DB
	now   func() time.Time
	cache sync.Map
}

// NewRegistry constructs the registry.
func NewRegistry(cfg RegistryConfig) (*Registry, error) {
	if cfg.Database == nil {
		return nil, fmt.Errorf("devices: database connection required")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Registry{
		db:  cfg.Database,
		now: clock,
	}, nil
}

// Register enrolls a device or rotates its enrollment key.
func (r *Registry) Register(ctx context.Context, deviceID, workerID, label, enrollmentKey string) error {
	deviceID = strings.TrimSpace(deviceID)
	workerID = strings.TrimSpace(workerID)
	if deviceID == "" || workerID == "" || strings.TrimSpace(enrollmentKey) == "" {
		return ErrInvalidDevice
	}

	hash := HashEnrollmentKey(enrollmentKey)
	var existing Device
	err := r.db.WithContext(ctx).Where("device_id = ?", deviceID).First(&existing).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		record := Device{
			DeviceID:          deviceID,
			WorkerID:          workerID,
			Label:             strings.TrimSpace(label),
			EnrollmentKeyHash: hash,
			LastSeenAt:        r.now(),
		}
		if err := r.db.WithContext(ctx).Create(&record).Error; err != nil {
			return err
		}
		r.cache.Delete(deviceID)
		return nil
	}
	if err != nil {
		return err
	}

	updates := map[string]interface{}{
		"worker_id":           workerID,
		"enrollment_key_hash": hash,
	}
	if label = strings.TrimSpace(label); label != "" {
		updates["label"] = label
	}
	if err := r.db.WithContext(ctx).Model(&Device{}).Where("device_id = ?", deviceID).Updates(updates).Error; err != nil {
		return err
	}
	r.cache.Delete(deviceID)
	return nil
}

// Authenticate verifies the enrollment key for a device and returns its
// registration. The last-seen timestamp is refreshed on success.
func (r *Registry) Authenticate(ctx context.Context, deviceID, enrollmentKey string) (Device, error) {
	deviceID = strings.TrimSpace(deviceID)
	if deviceID == "" {
		return Device{}, ErrUnknownDevice
	}

	var record Device
	err := r.db.WithContext(ctx).Where("device_id = ?", deviceID).First(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Device{}, ErrUnknownDevice
	}
	if err != nil {
		return Device{}, err
	}

	presented := HashEnrollmentKey(enrollmentKey)
	if subtle.ConstantTimeCompare([]byte(presented), []byte(record.EnrollmentKeyHash)) != 1 {
		return Device{}, ErrBadEnrollmentKey
	}

	_ = r.db.WithContext(ctx).Model(&Device{}).
		Where("device_id = ?", deviceID).
		Update("last_seen_at", r.now()).Error

	r.cache.Store(deviceID, record.WorkerID)
	return record, nil
}

// WorkerFor returns the worker id assigned to an enrolled device.
func (r *Registry) WorkerFor(ctx context.Context, deviceID string) (string, error) {
	if cached, ok := r.cache.Load(deviceID); ok {
		if workerID, ok := cached.(string); ok {
			return workerID, nil
		}
	}

	var record Device
	err := r.db.WithContext(ctx).Where("device_id = ?", deviceID).First(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", ErrUnknownDevice
	}
	if err != nil {
		return "", err
	}
	r.cache.Store(deviceID, record.WorkerID)
	return record.WorkerID, nil
}
