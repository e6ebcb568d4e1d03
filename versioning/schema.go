// Package versioning implements schema-version registration and
// cross-version event migration (spec §5.7), grounded on
// original_source's versioning.rs (EventVersionManager, SchemaVersion,
// EventMigrator), translated from an async RwLock-guarded manager to a
// mutex-guarded one.
package versioning

import "time"

// SchemaVersion records one registered schema revision for an event type.
type SchemaVersion struct {
	EventType      string
	Version        int32
	Description    string
	IntroducedAt   time.Time
	DeprecatedAt   *time.Time
	MigrationNotes string
}

// Deprecated reports whether this schema version has been superseded.
func (s SchemaVersion) Deprecated() bool {
	return s.DeprecatedAt != nil
}

// Config mirrors original_source's VersioningConfig.
type Config struct {
	// AutoMigrate is carried in the configuration only: Manager does not
	// read it, and events are migrated only by explicit MigrateToLatest or
	// MigrateToVersion calls.
	AutoMigrate bool
	// StrictValidation rejects events of unregistered types instead of
	// passing them through unchanged.
	StrictValidation bool
	// MaxMigrationChainLength bounds how many migrator hops a single
	// migration may take, preventing runaway chains from a cyclic or
	// sprawling registration mistake.
	MaxMigrationChainLength int
	// CacheMigrations enables the per-event migration result cache.
	CacheMigrations bool
	// MigrationCacheSize bounds the cache's entry count.
	MigrationCacheSize int
}

// DefaultConfig matches original_source's VersioningConfig::default.
func DefaultConfig() Config {
	return Config{
		AutoMigrate:             true,
		StrictValidation:        false,
		MaxMigrationChainLength: 10,
		CacheMigrations:         true,
		MigrationCacheSize:      1000,
	}
}

// Statistics reports migration throughput and cache effectiveness
// (original_source: VersioningStatistics).
type Statistics struct {
	TotalMigrations      uint64
	SuccessfulMigrations uint64
	FailedMigrations     uint64
	MigrationsByType     map[string]uint64
	MigrationsByVersion  map[string]uint64 // "event_type:from->to"
	AverageMigrationMs   float64
	CacheHits            uint64
	CacheMisses          uint64
}
