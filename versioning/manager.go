package versioning

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/cortexflow/engine/errs"
	"github.com/cortexflow/engine/eventstore"
)

// edge is one registered migrator's (from, to) version hop.
type edge struct {
	from, to int32
}

func migratorKey(eventType string, from, to int32) string {
	return fmt.Sprintf("%s:%d->%d", eventType, from, to)
}

// Manager registers schema versions and migrators for event types and
// applies version migrations on read/replay (original_source:
// EventVersionManager). A manager is safe for concurrent use.
type Manager struct {
	cfg Config

	mu        sync.RWMutex
	versions  map[string][]SchemaVersion
	migrators map[string]Migrator

	cacheMu    sync.Mutex
	cache      map[string]cacheEntry
	cacheOrder []string // least recently used first, for LRU eviction

	statsMu sync.Mutex
	stats   Statistics
}

type cacheEntry struct {
	data []byte
}

// New constructs a Manager.
func New(cfg Config) *Manager {
	return &Manager{
		cfg:       cfg,
		versions:  make(map[string][]SchemaVersion),
		migrators: make(map[string]Migrator),
		cache:     make(map[string]cacheEntry),
		stats: Statistics{
			MigrationsByType:    make(map[string]uint64),
			MigrationsByVersion: make(map[string]uint64),
		},
	}
}

// RegisterSchemaVersion adds a schema version for an event type. Versions
// are kept sorted ascending; registering a version number twice for the
// same event type is a configuration error.
func (m *Manager) RegisterSchemaVersion(sv SchemaVersion) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, existing := range m.versions[sv.EventType] {
		if existing.Version == sv.Version {
			return &errs.ConfigurationError{Message: fmt.Sprintf(
				"schema version %d already exists for event type %q", sv.Version, sv.EventType)}
		}
	}
	if sv.IntroducedAt.IsZero() {
		sv.IntroducedAt = time.Now().UTC()
	}
	list := append(m.versions[sv.EventType], sv)
	sort.Slice(list, func(i, j int) bool { return list[i].Version < list[j].Version })
	m.versions[sv.EventType] = list
	return nil
}

// RegisterMigrator adds a migrator for one (event_type, from, to) hop.
// Registering the same hop twice is a configuration error.
func (m *Manager) RegisterMigrator(mig Migrator) error {
	key := migratorKey(mig.EventType(), mig.FromVersion(), mig.ToVersion())

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.migrators[key]; exists {
		return &errs.ConfigurationError{Message: fmt.Sprintf("migrator already registered for %s", key)}
	}
	m.migrators[key] = mig
	return nil
}

// LatestVersion returns the highest registered version for an event type,
// or (0, false) if none are registered.
func (m *Manager) LatestVersion(eventType string) (int32, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	list := m.versions[eventType]
	if len(list) == 0 {
		return 0, false
	}
	return list[len(list)-1].Version, true
}

// SchemaVersions returns every registered version for an event type,
// ascending.
func (m *Manager) SchemaVersions(eventType string) []SchemaVersion {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]SchemaVersion, len(m.versions[eventType]))
	copy(out, m.versions[eventType])
	return out
}

// IsVersionSupported reports whether version is registered for eventType.
func (m *Manager) IsVersionSupported(eventType string, version int32) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, v := range m.versions[eventType] {
		if v.Version == version {
			return true
		}
	}
	return false
}

// MigrateToLatest migrates env to the latest registered version for its
// event type. If no versions are registered: returns env unchanged unless
// StrictValidation is set, in which case it errors.
func (m *Manager) MigrateToLatest(env eventstore.EventEnvelope) (eventstore.EventEnvelope, error) {
	latest, ok := m.LatestVersion(env.EventType)
	if !ok {
		if m.cfg.StrictValidation {
			return env, &errs.ConfigurationError{Message: fmt.Sprintf(
				"no schema versions registered for event type %q", env.EventType)}
		}
		return env, nil
	}
	if env.SchemaVersion == latest {
		return env, nil
	}
	return m.migrate(env, latest)
}

// MigrateToVersion migrates env to a specific target version.
func (m *Manager) MigrateToVersion(env eventstore.EventEnvelope, target int32) (eventstore.EventEnvelope, error) {
	if env.SchemaVersion == target {
		return env, nil
	}
	return m.migrate(env, target)
}

func (m *Manager) migrate(env eventstore.EventEnvelope, target int32) (eventstore.EventEnvelope, error) {
	start := time.Now()
	from := env.SchemaVersion

	cacheKey := fmt.Sprintf("%s:%s:%d->%d", env.EventType, env.EventID, from, target)
	if m.cfg.CacheMigrations {
		if entry, ok := m.cacheGet(cacheKey); ok {
			env.EventData = append([]byte(nil), entry.data...)
			env.SchemaVersion = target
			m.recordCacheHit()
			return env, nil
		}
	}

	path, err := m.findMigrationPath(env.EventType, from, target)
	if err != nil {
		return env, err
	}
	if len(path) == 0 {
		return env, &errs.ConfigurationError{Message: fmt.Sprintf(
			"no migration path found from version %d to %d for event type %q", from, target, env.EventType)}
	}
	if len(path) > m.cfg.MaxMigrationChainLength {
		return env, &errs.ConfigurationError{Message: fmt.Sprintf(
			"migration chain too long: %d steps (max %d)", len(path), m.cfg.MaxMigrationChainLength)}
	}

	current := env.EventData
	for _, hop := range path {
		key := migratorKey(env.EventType, hop.from, hop.to)

		m.mu.RLock()
		mig, ok := m.migrators[key]
		m.mu.RUnlock()
		if !ok {
			m.recordFailure(env.EventType)
			return env, &errs.ConfigurationError{Message: fmt.Sprintf("no migrator found for %s", key)}
		}
		if !mig.CanMigrate(current) {
			m.recordFailure(env.EventType)
			return env, &errs.SerialisationError{Message: fmt.Sprintf("migration %s cannot be applied to event data", key)}
		}
		migrated, err := mig.Apply(current)
		if err != nil {
			m.recordFailure(env.EventType)
			return env, &errs.SerialisationError{Message: fmt.Sprintf("migration %s failed", key), Cause: err}
		}
		current = migrated
	}

	env.EventData = current
	env.SchemaVersion = target

	if m.cfg.CacheMigrations {
		m.cachePut(cacheKey, current)
	}
	m.recordSuccess(env.EventType, from, target, time.Since(start))
	return env, nil
}

// findMigrationPath finds the shortest chain of registered (from, to) hops
// connecting from to to, via plain BFS (original_source's doc comment
// calls this Dijkstra, but every edge has uniform weight 1 so BFS and
// Dijkstra coincide — this mirrors what the reference actually implements).
func (m *Manager) findMigrationPath(eventType string, from, to int32) ([]edge, error) {
	if from == to {
		return nil, nil
	}

	m.mu.RLock()
	graph := make(map[int32][]int32)
	for _, mig := range m.migrators {
		if mig.EventType() != eventType {
			continue
		}
		graph[mig.FromVersion()] = append(graph[mig.FromVersion()], mig.ToVersion())
	}
	m.mu.RUnlock()

	visited := map[int32]bool{from: true}
	parent := map[int32]int32{}
	hasParent := map[int32]bool{}

	queue := []int32{from}
	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]
		if current == to {
			break
		}
		for _, next := range graph[current] {
			if !visited[next] {
				visited[next] = true
				parent[next] = current
				hasParent[next] = true
				queue = append(queue, next)
			}
		}
	}

	if !hasParent[to] && from != to {
		return nil, &errs.ConfigurationError{Message: fmt.Sprintf(
			"no migration path found from version %d to %d for event type %q", from, to, eventType)}
	}

	var path []edge
	current := to
	for hasParent[current] {
		prev := parent[current]
		path = append([]edge{{from: prev, to: current}}, path...)
		current = prev
	}
	return path, nil
}

func (m *Manager) cacheGet(key string) (cacheEntry, bool) {
	m.cacheMu.Lock()
	defer m.cacheMu.Unlock()
	entry, ok := m.cache[key]
	if ok {
		// Move the key to the back so eviction drops the least recently used.
		for i, k := range m.cacheOrder {
			if k == key {
				m.cacheOrder = append(append(m.cacheOrder[:i:i], m.cacheOrder[i+1:]...), key)
				break
			}
		}
	}
	return entry, ok
}

func (m *Manager) cachePut(key string, data []byte) {
	m.cacheMu.Lock()
	defer m.cacheMu.Unlock()
	if _, exists := m.cache[key]; !exists {
		if len(m.cache) >= m.cfg.MigrationCacheSize && len(m.cacheOrder) > 0 {
			oldest := m.cacheOrder[0]
			m.cacheOrder = m.cacheOrder[1:]
			delete(m.cache, oldest)
		}
		m.cacheOrder = append(m.cacheOrder, key)
	}
	m.cache[key] = cacheEntry{data: append([]byte(nil), data...)}
}

// ClearCache empties the migration result cache.
func (m *Manager) ClearCache() {
	m.cacheMu.Lock()
	defer m.cacheMu.Unlock()
	m.cache = make(map[string]cacheEntry)
	m.cacheOrder = nil
}

// CacheSize returns the current number of cached migration results.
func (m *Manager) CacheSize() int {
	m.cacheMu.Lock()
	defer m.cacheMu.Unlock()
	return len(m.cache)
}

func (m *Manager) recordCacheHit() {
	m.statsMu.Lock()
	defer m.statsMu.Unlock()
	m.stats.CacheHits++
}

func (m *Manager) recordFailure(eventType string) {
	m.statsMu.Lock()
	defer m.statsMu.Unlock()
	m.stats.TotalMigrations++
	m.stats.FailedMigrations++
	m.stats.MigrationsByType[eventType]++
}

func (m *Manager) recordSuccess(eventType string, from, to int32, elapsed time.Duration) {
	m.statsMu.Lock()
	defer m.statsMu.Unlock()
	m.stats.TotalMigrations++
	m.stats.SuccessfulMigrations++
	m.stats.CacheMisses++
	m.stats.MigrationsByType[eventType]++
	m.stats.MigrationsByVersion[fmt.Sprintf("%s:%d->%d", eventType, from, to)]++

	ms := float64(elapsed.Microseconds()) / 1000.0
	total := m.stats.AverageMigrationMs * float64(m.stats.TotalMigrations-1)
	m.stats.AverageMigrationMs = (total + ms) / float64(m.stats.TotalMigrations)
}

// GetStatistics returns a snapshot of migration statistics.
func (m *Manager) GetStatistics() Statistics {
	m.statsMu.Lock()
	defer m.statsMu.Unlock()
	out := m.stats
	out.MigrationsByType = make(map[string]uint64, len(m.stats.MigrationsByType))
	for k, v := range m.stats.MigrationsByType {
		out.MigrationsByType[k] = v
	}
	out.MigrationsByVersion = make(map[string]uint64, len(m.stats.MigrationsByVersion))
	for k, v := range m.stats.MigrationsByVersion {
		out.MigrationsByVersion[k] = v
	}
	return out
}
