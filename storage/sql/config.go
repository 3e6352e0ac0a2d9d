package sql

import (
	"database/sql"
	"fmt"
	"regexp"
	"strings"

	"github.com/sirupsen/logrus"

	_ "github.com/lib/pq"
)

// Config holds the `database` section of the JSON config file.
type Config struct {
	User     string `json:"user"`
	Password string `json:"password"`
	Host     string `json:"host"`
	Database string `json:"database"`
	SSLMode  string `json:"sslMode"`
}

var dsnEscape = regexp.MustCompile(`([\\'])`)

func dsnQuote(s string) string {
	return "'" + dsnEscape.ReplaceAllString(s, `\$1`) + "'"
}

// dataSourceName builds a libpq keyword/value connection string.
func (c *Config) dataSourceName() string {
	add := func(parts []string, key, val string) []string {
		if val == "" {
			return parts
		}
		return append(parts, fmt.Sprintf("%s=%s", key, dsnQuote(val)))
	}
	var parts []string
	parts = add(parts, "host", c.Host)
	parts = add(parts, "user", c.User)
	parts = add(parts, "password", c.Password)
	parts = add(parts, "dbname", c.Database)
	mode := c.SSLMode
	if mode == "" {
		mode = "disable"
	}
	parts = add(parts, "sslmode", mode)
	return strings.Join(parts, " ")
}

// Open connects to Postgres, runs migrations and returns a ready storage.
func Open(cfg Config, logger logrus.FieldLogger) (*conn, error) {
	db, err := sql.Open("postgres", cfg.dataSourceName())
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)

	c := &conn{db: db, logger: logger}
	if err := c.migrate(); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return c, nil
}
