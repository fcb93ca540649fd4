package db

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/smallbiznis/genstudio/internal/config"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

// Dialect picks the gorm driver for the configured database type. Postgres
// is the production ledger store; sqlite serves local development. The
// ledger writes rely on ON CONFLICT, so other engines are rejected.
func Dialect(cfg config.Config) (gorm.Dialector, error) {
	c := ConfigFrom(cfg)
	switch strings.ToLower(strings.TrimSpace(c.Type)) {
	case "postgres", "postgresql", "":
		return postgres.Open(c.postgresDSN()), nil
	case "sqlite":
		return sqlite.Open(c.sqliteDSN()), nil
	default:
		return nil, fmt.Errorf("unsupported database type %q", c.Type)
	}
}

func (c Config) postgresDSN() string {
	return fmt.Sprintf("host=%s user=%s password=%s dbname=%s port=%s sslmode=%s TimeZone=UTC",
		c.Host, c.User, c.Password, c.Name, c.Port, valueOr(c.SSLMode, "disable"))
}

// sqliteDSN enables WAL and a busy timeout so concurrent debits wait for
// the writer instead of failing immediately.
func (c Config) sqliteDSN() string {
	name := valueOr(c.Name, "genstudio.db")
	if strings.Contains(name, "?") {
		return name
	}
	params := url.Values{}
	params.Set("_journal_mode", "WAL")
	params.Set("_busy_timeout", "5000")
	params.Set("_foreign_keys", "on")
	return name + "?" + params.Encode()
}

func valueOr(value, fallback string) string {
	if value = strings.TrimSpace(value); value != "" {
		return value
	}
	return fallback
}
