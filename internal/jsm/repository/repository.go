// Package repository 提供 SR 与 VDI 记录的持久化
//
// 非 legacy 模式下 VDI 的标签、描述、快照关系等属性以这里的记录为准，
// 元数据卷只是它的副本。
package repository

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
	_ "modernc.org/sqlite" // 纯 Go SQLite 驱动，不需要 CGO

	"github.com/jimyag/jsm/internal/jsm/repository/model"
)

// busy_timeout 让扫描和 API 的并发写排队，而不是立即返回 SQLITE_BUSY
const pragmas = "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)"

// models 需要建表的记录类型
var models = []any{
	&model.SR{},
	&model.VDI{},
}

// Repository 持有 SR 记录数据库的连接
type Repository struct {
	db *gorm.DB
}

// New 打开（必要时创建）dbPath 处的数据库并建表
func New(dbPath string) (*Repository, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	sqlDB, err := sql.Open("sqlite", "file:"+dbPath+pragmas)
	if err != nil {
		return nil, fmt.Errorf("open database %s: %w", dbPath, err)
	}
	// sqlite 只有一个写者
	sqlDB.SetMaxOpenConns(1)

	db, err := gorm.Open(sqlite.Dialector{DriverName: "sqlite", Conn: sqlDB}, &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("open gorm database: %w", err)
	}

	if err := db.AutoMigrate(models...); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("migrate %s: %w", dbPath, err)
	}
	return &Repository{db: db}, nil
}

// DB 返回底层的 gorm 连接，供 SRRepository 和 VDIRepository 使用
func (r *Repository) DB() *gorm.DB {
	return r.db
}

func (r *Repository) Close() error {
	sqlDB, err := r.db.DB()
	if err != nil {
		return fmt.Errorf("get sql database: %w", err)
	}
	return sqlDB.Close()
}
