package versioning

import (
	"encoding/json"
	"fmt"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// PatchOp is one field-level mutation applied by a PatchMigrator.
type PatchOp struct {
	// Path is a gjson/sjson dot path (e.g. "config.timeout_seconds").
	Path string
	// Set, when non-nil, assigns this value at Path.
	Set any
	// RenameFrom, when non-empty, moves the value at this path to Path and
	// removes the original.
	RenameFrom string
	// Delete removes Path instead of setting it.
	Delete bool
}

// PatchMigrator applies a fixed list of field-level operations to raw
// event_data JSON without a full unmarshal/remarshal round trip — the
// migration style spec §5.7's domain stack calls for, so a migrator only
// needs to express the fields that actually changed between versions.
type PatchMigrator struct {
	BaseMigrator
	Ops []PatchOp
}

// NewPatchMigrator constructs a PatchMigrator for one (event_type, from,
// to) hop.
func NewPatchMigrator(eventType string, from, to int32, description string, ops ...PatchOp) *PatchMigrator {
	return &PatchMigrator{
		BaseMigrator: BaseMigrator{Type: eventType, From: from, To: to, Desc: description},
		Ops:          ops,
	}
}

// Apply implements Migrator.
func (p *PatchMigrator) Apply(data json.RawMessage) (json.RawMessage, error) {
	current := string(data)
	var err error
	for _, op := range p.Ops {
		switch {
		case op.Delete:
			current, err = sjson.Delete(current, op.Path)
		case op.RenameFrom != "":
			val := gjson.Get(current, op.RenameFrom)
			if !val.Exists() {
				continue
			}
			current, err = sjson.SetRaw(current, op.Path, val.Raw)
			if err == nil {
				current, err = sjson.Delete(current, op.RenameFrom)
			}
		default:
			current, err = sjson.Set(current, op.Path, op.Set)
		}
		if err != nil {
			return nil, fmt.Errorf("patch migrator %s %d->%d: op on %q: %w", p.Type, p.From, p.To, op.Path, err)
		}
	}
	return json.RawMessage(current), nil
}
