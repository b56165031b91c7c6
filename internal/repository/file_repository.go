// Package repository 定义了与数据库进行数据交换的接口和实现。
package repository

import (
	"context"
	"errors"
	"strconv"
	"sync"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"tgstate-go/internal/model"
)

var (
	// ErrFileNotFound 表示元数据库中没有该文件。
	ErrFileNotFound = errors.New("file record not found")
	// ErrDuplicateFile 表示 composite id 已存在。
	ErrDuplicateFile = errors.New("file record already exists")
)

// FileRepository 接口定义了文件元数据的持久化操作。所有方法都可被并发调用。
type FileRepository interface {
	Insert(ctx context.Context, record *model.FileRecord) error
	Get(ctx context.Context, compositeID string) (*model.FileRecord, error)
	ListAll(ctx context.Context) ([]model.FileRecord, error)
	// DeleteByCompositeID 删除记录，返回记录此前是否存在。
	DeleteByCompositeID(ctx context.Context, compositeID string) (bool, error)
	// FindByMessageID 按锚点消息 ID 查找记录。
	FindByMessageID(ctx context.Context, messageID int64) (*model.FileRecord, error)
	// Lock 获取 compositeID 的变更锁，返回解锁函数。
	Lock(compositeID string) func()
}

// fileRepository 是 FileRepository 接口的 GORM 实现。
// 写操作由 writeMu 串行化，读操作并发执行。
type fileRepository struct {
	db      *gorm.DB
	writeMu sync.Mutex
	locks   *keyedMutex
}

// NewFileRepository 创建一个新的 FileRepository 实例。
func NewFileRepository(db *gorm.DB) FileRepository {
	return &fileRepository{db: db, locks: newKeyedMutex()}
}

// Insert 插入一条文件记录，composite id 冲突时返回 ErrDuplicateFile。
func (r *fileRepository) Insert(ctx context.Context, record *model.FileRecord) error {
	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	res := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "composite_id"}}, DoNothing: true}).
		Create(record)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrDuplicateFile
	}
	return nil
}

// Get 根据 composite id 检索文件记录。
func (r *fileRepository) Get(ctx context.Context, compositeID string) (*model.FileRecord, error) {
	var record model.FileRecord
	err := r.db.WithContext(ctx).Where("composite_id = ?", compositeID).First(&record).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrFileNotFound
		}
		return nil, err
	}
	return &record, nil
}

// ListAll 按上传时间倒序列出所有文件。
func (r *fileRepository) ListAll(ctx context.Context) ([]model.FileRecord, error) {
	var records []model.FileRecord
	err := r.db.WithContext(ctx).Order("created_at desc").Order("id desc").Find(&records).Error
	return records, err
}

func (r *fileRepository) DeleteByCompositeID(ctx context.Context, compositeID string) (bool, error) {
	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	res := r.db.WithContext(ctx).Where("composite_id = ?", compositeID).Delete(&model.FileRecord{})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *fileRepository) FindByMessageID(ctx context.Context, messageID int64) (*model.FileRecord, error) {
	var record model.FileRecord
	prefix := strconv.FormatInt(messageID, 10) + ":%"
	err := r.db.WithContext(ctx).Where("composite_id LIKE ?", prefix).First(&record).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrFileNotFound
		}
		return nil, err
	}
	return &record, nil
}

func (r *fileRepository) Lock(compositeID string) func() {
	return r.locks.Lock(compositeID)
}

// keyedMutex 为每个 key 提供独立的互斥锁，不再使用的锁会被回收。
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyedEntry
}

type keyedEntry struct {
	mu   sync.Mutex
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[string]*keyedEntry)}
}

func (k *keyedMutex) Lock(key string) func() {
	k.mu.Lock()
	e, ok := k.locks[key]
	if !ok {
		e = &keyedEntry{}
		k.locks[key] = e
	}
	e.refs++
	k.mu.Unlock()

	e.mu.Lock()
	return func() {
		e.mu.Unlock()
		k.mu.Lock()
		e.refs--
		if e.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
