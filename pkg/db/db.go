package db

import (
	"database/sql"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/joho/godotenv"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"line-plant/pkg/model"
)

// Config selects and locates the SQL backend.
type Config struct {
	Driver string // mysql | sqlite
	DSN    string
}

// ConfigFromEnv builds a Config from the environment (and .env if present).
// Env:
//
//	PLANT_DB_DRIVER (mysql|sqlite, default sqlite)
//	SQLITE_PATH (default plant.db)
//	MYSQL_DSN or MYSQL_HOST, MYSQL_PORT, MYSQL_USER, MYSQL_PASS, MYSQL_DB
func ConfigFromEnv() Config {
	_ = loadDotEnv()
	driver := getenv("PLANT_DB_DRIVER", "sqlite")
	if driver == "sqlite" {
		return Config{Driver: driver, DSN: getenv("SQLITE_PATH", "plant.db")}
	}
	dsn := os.Getenv("MYSQL_DSN")
	if dsn == "" {
		dsn = fmt.Sprintf("%s:%s@tcp(%s:%s)/%s?charset=utf8mb4&parseTime=True&loc=Local",
			getenv("MYSQL_USER", "root"), getenv("MYSQL_PASS", ""),
			getenv("MYSQL_HOST", "127.0.0.1"), getenv("MYSQL_PORT", "3306"),
			getenv("MYSQL_DB", "line_plant"))
	}
	return Config{Driver: driver, DSN: dsn}
}

// Open connects to the configured database and runs migrations.
func Open(cfg Config) (*gorm.DB, error) {
	gcfg := &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	}
	var (
		db  *gorm.DB
		err error
	)
	switch cfg.Driver {
	case "sqlite":
		db, err = gorm.Open(sqlite.Open(cfg.DSN), gcfg)
		if err != nil {
			return nil, err
		}
		sqlDB, _ := db.DB()
		sqlDB.SetMaxOpenConns(1)
	case "mysql":
		db, err = openMySQL(cfg.DSN, gcfg)
		if err != nil {
			return nil, err
		}
		sqlDB, _ := db.DB()
		sqlDB.SetConnMaxLifetime(time.Hour)
		sqlDB.SetMaxIdleConns(5)
		sqlDB.SetMaxOpenConns(20)
	default:
		return nil, fmt.Errorf("unsupported database driver: %s", cfg.Driver)
	}
	if err := db.AutoMigrate(&model.DistributionNode{}, &model.PhoneLine{}, &model.RouteHop{}, &model.Operator{}); err != nil {
		return nil, err
	}
	return db, nil
}

func openMySQL(dsn string, cfg *gorm.Config) (*gorm.DB, error) {
	db, err := gorm.Open(mysql.Open(dsn), cfg)
	if err == nil {
		return db, nil
	}
	// Try to create database if missing
	if !strings.Contains(err.Error(), "Unknown database") {
		return nil, err
	}
	base, name, ok := splitDSN(dsn)
	if !ok {
		return nil, err
	}
	if cerr := createDatabase(base, name); cerr != nil {
		return nil, fmt.Errorf("create database failed: %w", cerr)
	}
	return gorm.Open(mysql.Open(dsn), cfg)
}

// splitDSN separates "user:pass@tcp(host)/name?opts" into the server part and the database name.
func splitDSN(dsn string) (string, string, bool) {
	i := strings.LastIndex(dsn, "/")
	if i < 0 {
		return "", "", false
	}
	name := dsn[i+1:]
	if j := strings.Index(name, "?"); j >= 0 {
		name = name[:j]
	}
	return dsn[:i+1], name, name != ""
}

func createDatabase(serverDSN, dbname string) error {
	db, err := sql.Open("mysql", serverDSN)
	if err != nil {
		return err
	}
	defer db.Close()
	_, err = db.Exec(fmt.Sprintf("CREATE DATABASE IF NOT EXISTS `%s` DEFAULT CHARACTER SET utf8mb4", dbname))
	return err
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func loadDotEnv() error {
	if _, err := os.Stat(".env"); err == nil {
		return godotenv.Load(".env")
	}
	return nil
}
