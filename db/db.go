package db

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/techagentng/expertchat/config"
	"github.com/techagentng/expertchat/models"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

type GormDB struct {
	DB *gorm.DB
}

func GetDB(c *config.Config) (*GormDB, error) {
	gormDB := &GormDB{}
	if err := gormDB.Init(c); err != nil {
		return nil, err
	}
	return gormDB, nil
}

func (g *GormDB) Init(c *config.Config) error {
	gormConfig := &gorm.Config{
		NowFunc: func() time.Time { return time.Now().UTC().Truncate(time.Microsecond) },
		Logger:  logger.Default.LogMode(logger.Silent),
	}
	if c.Env != "prod" && c.Debug {
		gormConfig.Logger = logger.Default.LogMode(logger.Info)
	}

	var err error
	switch c.DBDriver {
	case config.DriverSQLite:
		g.DB, err = getSQLiteDB(c.SQLitePath, gormConfig)
	default:
		g.DB, err = getPostgresDB(c, gormConfig)
	}
	return err
}

func getPostgresDB(c *config.Config, gormConfig *gorm.Config) (*gorm.DB, error) {
	log.Info().Str("host", c.PostgresHost).Int("port", c.PostgresPort).Str("db", c.PostgresDB).Msg("connecting to postgres")
	postgresDSN := fmt.Sprintf("host=%s user=%s password=%s dbname=%s port=%d TimeZone=UTC",
		c.PostgresHost, c.PostgresUser, c.PostgresPassword, c.PostgresDB, c.PostgresPort)

	gormDB, err := gorm.Open(postgres.New(postgres.Config{
		DSN: postgresDSN,
	}), gormConfig)
	if err != nil {
		return nil, errors.Wrap(err, "open postgres")
	}
	return gormDB, nil
}

// getSQLiteDB opens a single-connection sqlite database. BEGIN IMMEDIATE plus one pooled
// connection makes every transaction take the write lock up front, the same serialization
// the conversation row lock gives on postgres.
func getSQLiteDB(path string, gormConfig *gorm.Config) (*gorm.DB, error) {
	log.Info().Str("path", path).Msg("opening sqlite")
	dsn := path
	if !strings.Contains(dsn, "?") {
		dsn += "?_busy_timeout=5000&_txlock=immediate&_foreign_keys=1"
	}
	gormDB, err := gorm.Open(sqlite.Open(dsn), gormConfig)
	if err != nil {
		return nil, errors.Wrap(err, "open sqlite")
	}
	sqlDB, err := gormDB.DB()
	if err != nil {
		return nil, errors.Wrap(err, "sqlite handle")
	}
	sqlDB.SetMaxOpenConns(1)
	return gormDB, nil
}

// Migrate creates or updates the tables this service owns plus the read-only users table.
func (g *GormDB) Migrate() error {
	err := g.DB.AutoMigrate(
		&models.User{},
		&models.Conversation{},
		&models.Message{},
	)
	if err != nil {
		return errors.Wrap(err, "auto migrate")
	}
	return nil
}

func (g *GormDB) Ping(ctx context.Context) error {
	sqlDB, err := g.DB.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

func (g *GormDB) Close() error {
	sqlDB, err := g.DB.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
