package database

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
	"go.etcd.io/bbolt"
)

// OpenBolt opens (creating if needed) the on-disk autosave database used when
// the exam client runs on a single lab machine without Redis.
func OpenBolt(path string, log zerolog.Logger) (*bbolt.DB, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create bolt directory: %w", err)
	}

	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt %s: %w", path, err)
	}

	log.Info().Str("path", path).Msg("Bolt autosave store opened")
	return db, nil
}
