package store

import "fmt"

// NewStore creates an approval store from configuration.
func NewStore(cfg Config) (Store, error) {
	switch cfg.Type {
	case StoreTypeMemory, "":
		return NewMemoryStore(), nil
	case StoreTypeFile:
		baseDir := cfg.BaseDir
		if baseDir == "" {
			baseDir = "./data/approvals"
		}
		return NewFileStore(baseDir)
	case StoreTypeRedis:
		return NewRedisStore(cfg.Redis)
	case StoreTypeSQLite:
		path := cfg.Path
		if path == "" {
			path = "./data/approvals.db"
		}
		return NewSQLiteStore(path)
	default:
		return nil, fmt.Errorf("%w: unknown store type %q", ErrInvalidInput, cfg.Type)
	}
}
