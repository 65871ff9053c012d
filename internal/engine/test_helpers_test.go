package engine

import (
	"fmt"
	"sync"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type sequentialIDProvider struct {
	mu      sync.Mutex
	counter int
}

func (p *sequentialIDProvider) NewID() (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.counter++
	return fmt.Sprintf("srv-%03d", p.counter), nil
}

type fakeClock struct {
	mu   sync.Mutex
	now  time.Time
	step time.Duration
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	current := c.now
	c.now = c.now.Add(c.step)
	return current
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(
		&EntityRecord{},
		&EntityChange{},
		&IdempotencyRecord{},
		&ConflictRecord{},
		&DeviceCursor{},
		&RetentionMark{},
	); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	if err := db.Create(&RetentionMark{ID: 1, FloorSeq: 0}).Error; err != nil {
		t.Fatalf("failed to seed retention mark: %v", err)
	}
	return db
}

func newTestService(t *testing.T, limits Limits) (*Service, *gorm.DB) {
	t.Helper()
	db := newTestDB(t)
	service, err := NewService(ServiceConfig{
		Database:   db,
		Clock:      func() time.Time { return time.Unix(1700000000, 0).UTC() },
		IDProvider: &sequentialIDProvider{},
		Logger:     zap.NewNop(),
		Limits:     limits,
	})
	if err != nil {
		t.Fatalf("failed to build service: %v", err)
	}
	return service, db
}

func mustDeviceID(t *testing.T, value string) DeviceID {
	t.Helper()
	id, err := NewDeviceID(value)
	if err != nil {
		t.Fatalf("unexpected device id error: %v", err)
	}
	return id
}

func mustMutation(t *testing.T, cfg MutationConfig) Mutation {
	t.Helper()
	mutation, err := NewMutation(cfg)
	if err != nil {
		t.Fatalf("unexpected mutation error: %v", err)
	}
	return mutation
}
