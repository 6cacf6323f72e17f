package database

import (
	"fmt"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
	"gorm.io/gorm/schema"

	"stockat/models"
)

// Config 是資料庫連線設定
type Config struct {
	User     string
	Password string
	Host     string
	Port     int
	Database string
	Schema   string

	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	Debug           bool
}

// DSN 回傳 postgres 連線字串
func (c Config) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=disable&search_path=%s", c.User, c.Password, c.Host, c.Port, c.Database, c.Schema)
}

// Open 建立 postgres 連線
func Open(config Config) (*gorm.DB, error) {
	const op = "Open"
	gormConfig := &gorm.Config{
		TranslateError: true,
		Logger:         logger.Default.LogMode(logger.Warn),
	}
	if config.Schema != "" {
		gormConfig.NamingStrategy = schema.NamingStrategy{
			TablePrefix: config.Schema + ".",
		}
	}
	if config.Debug {
		gormConfig.Logger = logger.Default.LogMode(logger.Info)
	}
	db, err := gorm.Open(postgres.Open(config.DSN()), gormConfig)
	if err != nil {
		return nil, fmt.Errorf("[%s] Fail to connect to database, err=%w", op, err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("[%s] Fail to get connection pool, err=%w", op, err)
	}
	if config.MaxOpenConns > 0 {
		sqlDB.SetMaxOpenConns(config.MaxOpenConns)
	}
	if config.MaxIdleConns > 0 {
		sqlDB.SetMaxIdleConns(config.MaxIdleConns)
	}
	if config.ConnMaxLifetime > 0 {
		sqlDB.SetConnMaxLifetime(config.ConnMaxLifetime)
	}
	return db, nil
}

// Migrate 依照模型建立資料表，正式環境建議使用 atlas 產生的遷移檔
func Migrate(db *gorm.DB) error {
	const op = "Migrate"
	if err := db.AutoMigrate(models.All()...); err != nil {
		return fmt.Errorf("[%s] Fail to migrate schema, err=%w", op, err)
	}
	return nil
}
