package ledger

import (
	"path/filepath"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"github.com/guildhall-labs/guildhall/backend/internal/platform"
	"gorm.io/gorm"
)

// testClock is an injectable clock tests advance by hand.
type testClock struct {
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Unix(1750000000, 0).UTC()}
}

func (c *testClock) Now() time.Time {
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.now = c.now.Add(d)
}

func mustOpenDatabase(t *testing.T) *gorm.DB {
	t.Helper()
	databasePath := filepath.Join(t.TempDir(), "ledger.db")
	db, err := gorm.Open(sqlite.Open(databasePath), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&Snapshot{}); err != nil {
		t.Fatalf("failed to migrate schema: %v", err)
	}
	return db
}

func mustStore(t *testing.T, db *gorm.DB, clock func() time.Time) *Store {
	t.Helper()
	store, err := NewStore(StoreConfig{Database: db, Clock: clock})
	if err != nil {
		t.Fatalf("unexpected store error: %v", err)
	}
	return store
}

type serviceFixture struct {
	service  *Service
	store    *Store
	platform *platform.Memory
	clock    *testClock
}

// rollMin fixes every dice roll at the low end of its range.
func rollMin(min, _ int) int {
	return min
}

// rollMax fixes every dice roll at the high end of its range.
func rollMax(_, max int) int {
	return max
}

func mustService(t *testing.T, roll func(min, max int) int) serviceFixture {
	t.Helper()
	clock := newTestClock()
	store := mustStore(t, mustOpenDatabase(t), clock.Now)
	memory := platform.NewMemory()

	service, err := NewService(ServiceConfig{
		Store:     store,
		Directory: memory,
		Remover:   memory,
		Notifier:  memory,
		Clock:     clock.Now,
		Roll:      roll,
	})
	if err != nil {
		t.Fatalf("unexpected service error: %v", err)
	}
	return serviceFixture{service: service, store: store, platform: memory, clock: clock}
}
