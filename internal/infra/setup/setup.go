// Package setup opens the controller's external connections.
package setup

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/opencloud-community/ot-controller-sub009/internal/domain"
)

// InitDB opens the MySQL connection pool.
func InitDB(dsn string, log *logrus.Logger) (*gorm.DB, error) {
	db, err := gorm.Open(mysql.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("setup: connect to MySQL: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("setup: get underlying sql.DB: %w", err)
	}
	sqlDB.SetMaxOpenConns(50)
	sqlDB.SetMaxIdleConns(10)
	sqlDB.SetConnMaxLifetime(30 * time.Minute)
	log.Info("MySQL connected")
	return db, nil
}

// MigrateDB applies the schema for all persisted models.
func MigrateDB(db *gorm.DB, log *logrus.Logger) error {
	err := db.AutoMigrate(
		&domain.User{},
		&domain.Tariff{},
		&domain.Room{},
		&domain.Invite{},
		&domain.Asset{},
	)
	if err != nil {
		return fmt.Errorf("setup: migrate database: %w", err)
	}
	log.Info("database migrated")
	return nil
}

// InitRedis opens the shared Redis client used for volatile state, the
// exchange and the job queue, and verifies the connection.
func InitRedis(addr, password string, log *logrus.Logger) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           0,
		PoolSize:     20,
		MinIdleConns: 5,
		MaxConnAge:   30 * time.Minute,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := client.Ping(ctx).Result(); err != nil {
		return nil, fmt.Errorf("setup: connect to Redis: %w", err)
	}
	log.Info("Redis connected")
	return client, nil
}
