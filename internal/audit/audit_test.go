package audit

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func newTestService(t *testing.T) (*Service, *gorm.DB) {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)

	require.NoError(t, db.AutoMigrate(&Entry{}))

	return NewService(db), db
}

func TestNewEntryMarshalsMetadata(t *testing.T) {
	entry := NewEntry("position", "POS_1", "OPEN", "CLOSED", "allocation_engine", "consumed by exit", map[string]any{
		"allocated_quantity": 25.0,
		"exit_id":            "EXT_1",
	})

	assert.Contains(t, entry.AuditID, "AUD_")
	assert.False(t, entry.CreatedAt.IsZero())

	var meta map[string]any
	require.NoError(t, json.Unmarshal([]byte(entry.Metadata), &meta))
	assert.Equal(t, "EXT_1", meta["exit_id"])
	assert.InDelta(t, 25.0, meta["allocated_quantity"], 1e-9)
}

func TestNewEntryEmptyMetadata(t *testing.T) {
	entry := NewEntry("position", "POS_1", "OPEN", "CLOSED", "allocation_engine", "", nil)
	assert.Equal(t, "{}", entry.Metadata)
}

func TestRecordAndListFilters(t *testing.T) {
	service, _ := newTestService(t)

	require.NoError(t, service.Record(NewEntry("position", "POS_1", "OPEN", "CLOSED", "allocation_engine", "", nil)))
	require.NoError(t, service.Record(NewEntry("position", "POS_2", "OPEN", "OPEN", "allocation_engine", "", nil)))
	require.NoError(t, service.Record(NewEntry("order", "ORD_1", "PENDING", "COMPLETE", "reconciliation_worker", "", nil)))

	byType, err := service.List(ListOptions{EntityType: "position"})
	require.NoError(t, err)
	assert.Len(t, byType, 2)

	byEntity, err := service.List(ListOptions{EntityType: "position", EntityID: "POS_1"})
	require.NoError(t, err)
	require.Len(t, byEntity, 1)
	assert.Equal(t, "CLOSED", byEntity[0].NewState)

	byActor, err := service.List(ListOptions{Actor: "reconciliation_worker"})
	require.NoError(t, err)
	require.Len(t, byActor, 1)
	assert.Equal(t, "ORD_1", byActor[0].EntityID)

	all, err := service.List(ListOptions{})
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

func TestListNewestFirstWithLimit(t *testing.T) {
	service, _ := newTestService(t)

	base := time.Now().Add(-time.Hour)
	for i := 0; i < 5; i++ {
		entry := NewEntry("position", fmt.Sprintf("POS_%d", i), "OPEN", "CLOSED", "allocation_engine", "", nil)
		entry.CreatedAt = base.Add(time.Duration(i) * time.Minute)
		require.NoError(t, service.Record(entry))
	}

	entries, err := service.List(ListOptions{Limit: 2})
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "POS_4", entries[0].EntityID)
	assert.Equal(t, "POS_3", entries[1].EntityID)
}

func TestListSinceUntilWindow(t *testing.T) {
	service, _ := newTestService(t)

	base := time.Now().Add(-time.Hour)
	for i := 0; i < 3; i++ {
		entry := NewEntry("position", fmt.Sprintf("POS_%d", i), "OPEN", "CLOSED", "allocation_engine", "", nil)
		entry.CreatedAt = base.Add(time.Duration(i) * 10 * time.Minute)
		require.NoError(t, service.Record(entry))
	}

	since := base.Add(5 * time.Minute)
	until := base.Add(15 * time.Minute)
	entries, err := service.List(ListOptions{Since: &since, Until: &until})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "POS_1", entries[0].EntityID)
}

func TestRecordTxRollsBackWithCaller(t *testing.T) {
	service, db := newTestService(t)

	err := db.Transaction(func(tx *gorm.DB) error {
		if err := service.RecordTx(tx, NewEntry("position", "POS_1", "OPEN", "CLOSED", "allocation_engine", "", nil)); err != nil {
			return err
		}
		return errors.New("state change failed")
	})
	require.Error(t, err)

	entries, err := service.List(ListOptions{})
	require.NoError(t, err)
	assert.Empty(t, entries, "audit entry must not outlive the transaction it describes")
}
