package repository

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"tgstate-go/internal/model"
)

// setupTestDB creates an in-memory SQLite database for testing.
func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)

	// :memory: 数据库按连接隔离，限制为单连接保证所有查询看到同一个库。
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	require.NoError(t, db.AutoMigrate(&model.FileRecord{}))
	return db
}

func newRecord(id, name string) *model.FileRecord {
	return &model.FileRecord{
		Filename:    name,
		CompositeID: id,
		Size:        42,
		Strategy:    model.StrategySingle,
		ChunkCount:  1,
	}
}

func TestFileRepository_InsertGet(t *testing.T) {
	ctx := context.Background()
	repo := NewFileRepository(setupTestDB(t))

	require.NoError(t, repo.Insert(ctx, newRecord("10:abc", "a.txt")))

	got, err := repo.Get(ctx, "10:abc")
	require.NoError(t, err)
	assert.Equal(t, "a.txt", got.Filename)
	assert.EqualValues(t, 42, got.Size)
	assert.Equal(t, model.StrategySingle, got.Strategy)
	assert.False(t, got.CreatedAt.IsZero())

	_, err = repo.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrFileNotFound)
}

func TestFileRepository_InsertDuplicate(t *testing.T) {
	ctx := context.Background()
	repo := NewFileRepository(setupTestDB(t))

	require.NoError(t, repo.Insert(ctx, newRecord("10:abc", "a.txt")))
	err := repo.Insert(ctx, newRecord("10:abc", "b.txt"))
	assert.ErrorIs(t, err, ErrDuplicateFile)

	all, err := repo.ListAll(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, "a.txt", all[0].Filename)
}

func TestFileRepository_ListAllOrder(t *testing.T) {
	ctx := context.Background()
	repo := NewFileRepository(setupTestDB(t))

	base := time.Now().Add(-time.Hour)
	for i := 0; i < 3; i++ {
		rec := newRecord(fmt.Sprintf("%d:f", i), fmt.Sprintf("f%d", i))
		rec.CreatedAt = base.Add(time.Duration(i) * time.Minute)
		require.NoError(t, repo.Insert(ctx, rec))
	}

	all, err := repo.ListAll(ctx)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "f2", all[0].Filename)
	assert.Equal(t, "f0", all[2].Filename)
}

func TestFileRepository_Delete(t *testing.T) {
	ctx := context.Background()
	repo := NewFileRepository(setupTestDB(t))
	require.NoError(t, repo.Insert(ctx, newRecord("10:abc", "a.txt")))

	existed, err := repo.DeleteByCompositeID(ctx, "10:abc")
	require.NoError(t, err)
	assert.True(t, existed)

	existed, err = repo.DeleteByCompositeID(ctx, "10:abc")
	require.NoError(t, err)
	assert.False(t, existed)
}

func TestFileRepository_FindByMessageID(t *testing.T) {
	ctx := context.Background()
	repo := NewFileRepository(setupTestDB(t))
	require.NoError(t, repo.Insert(ctx, newRecord("11:xyz", "eleven")))
	require.NoError(t, repo.Insert(ctx, newRecord("1:abc", "one")))

	got, err := repo.FindByMessageID(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, "one", got.Filename)

	_, err = repo.FindByMessageID(ctx, 2)
	assert.ErrorIs(t, err, ErrFileNotFound)
}

func TestFileRepository_ConcurrentInsert(t *testing.T) {
	ctx := context.Background()
	repo := NewFileRepository(setupTestDB(t))

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			assert.NoError(t, repo.Insert(ctx, newRecord(fmt.Sprintf("%d:c", i), "c")))
		}(i)
	}
	wg.Wait()

	all, err := repo.ListAll(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 20)
}

func TestKeyedMutex(t *testing.T) {
	k := newKeyedMutex()
	unlock := k.Lock("a")

	acquired := make(chan struct{})
	released := make(chan struct{})
	go func() {
		u := k.Lock("a")
		close(acquired)
		u()
		close(released)
	}()

	// 不同的 key 互不阻塞。
	k.Lock("b")()

	select {
	case <-acquired:
		t.Fatal("second Lock on the same key should block")
	case <-time.After(50 * time.Millisecond):
	}
	unlock()

	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("Lock was not released")
	}
	<-released

	k.mu.Lock()
	defer k.mu.Unlock()
	assert.Empty(t, k.locks)
}
