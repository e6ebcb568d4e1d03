package versioning

import "encoding/json"

// Migrator transforms one event type's data between two adjacent schema
// versions. Implementations should only touch the fields that changed
// between FromVersion and ToVersion (original_source: EventMigrator).
type Migrator interface {
	EventType() string
	FromVersion() int32
	ToVersion() int32

	// Apply migrates data from FromVersion to ToVersion.
	Apply(data json.RawMessage) (json.RawMessage, error)

	// CanMigrate reports whether this migrator can be applied to data.
	// Most migrators accept anything shaped like their event type; this
	// hook exists for migrators that need to check a discriminating field
	// first.
	CanMigrate(data json.RawMessage) bool

	// Description is a short human-readable summary, surfaced in logs and
	// registration errors.
	Description() string
}

// BaseMigrator implements the permissive defaults (CanMigrate always true,
// Description returns a generic label) so concrete migrators only need to
// embed it and implement Apply.
type BaseMigrator struct {
	Type string
	From int32
	To   int32
	Desc string
}

func (b BaseMigrator) EventType() string               { return b.Type }
func (b BaseMigrator) FromVersion() int32               { return b.From }
func (b BaseMigrator) ToVersion() int32                 { return b.To }
func (b BaseMigrator) CanMigrate(json.RawMessage) bool { return true }

func (b BaseMigrator) Description() string {
	if b.Desc != "" {
		return b.Desc
	}
	return "event migration"
}
