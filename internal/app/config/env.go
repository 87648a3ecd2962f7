package config

import (
	"fmt"
	"strconv"
	"time"
)

// applyEnv overrides database, logging and supervisor settings from the
// environment, so secrets and per-site tuning stay out of the file.
func (c *Config) applyEnv(getenv func(string) string) error {
	strs := []struct {
		key string
		dst *string
	}{
		{"FIQ_DB_DRIVER", &c.Database.Driver},
		{"FIQ_DB_DSN", &c.Database.DSN},
		{"FIQ_DB_HOST", &c.Database.Host},
		{"FIQ_DB_NAME", &c.Database.Name},
		{"FIQ_DB_USER", &c.Database.User},
		{"FIQ_DB_PASSWORD", &c.Database.Password},
		{"FIQ_DB_SSLMODE", &c.Database.SSLMode},
		{"FIQ_DB_TABLE", &c.Database.Table},
		{"FIQ_LOG_LEVEL", &c.Log.Level},
		{"FIQ_LOG_FORMAT", &c.Log.Format},
		{"FIQ_SPOOL_DIR", &c.Spool.Dir},
	}
	for _, s := range strs {
		if v := getenv(s.key); v != "" {
			*s.dst = v
		}
	}

	if v := getenv("FIQ_DB_PORT"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid FIQ_DB_PORT %q: %w", v, err)
		}
		c.Database.Port = n
	}

	secs := []struct {
		key string
		dst *time.Duration
	}{
		{"WATCHDOG_TIMEOUT_SEC", &c.Watchdog.Timeout},
		{"DEADMAN_TIMEOUT_SEC", &c.Deadman.Timeout},
	}
	for _, s := range secs {
		v := getenv(s.key)
		if v == "" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return fmt.Errorf("invalid %s %q: must be a positive number of seconds", s.key, v)
		}
		*s.dst = time.Duration(n) * time.Second
	}
	return nil
}
