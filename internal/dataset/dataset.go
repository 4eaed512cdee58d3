package dataset

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"slices"
)

// ErrUnknownTable is returned for a table that is not configured for sync
var ErrUnknownTable = errors.New("table is not configured for sync")

// Dataset is the local datastore as seen by the sync engine.
type Dataset interface {
	// Tables resolves a scope into the ordered list of table names it covers
	Tables(scope Scope) ([]string, error)
	// Manifest summarizes the full content of a table
	Manifest(ctx context.Context, table string) (Manifest, error)
	// ReadBatch returns up to limit records whose key sorts after the given key
	ReadBatch(ctx context.Context, table, after string, limit int) ([]Record, error)
	// Apply writes records into a table, resolving collisions with the configured
	// resolver. Writes to one table are serialized.
	Apply(ctx context.Context, table string, records []Record) (ApplyResult, error)
	// Restore applies records of several tables as a single atomic unit
	Restore(ctx context.Context, tables []TableRecords) (ApplyResult, error)
}

// Decision is the outcome of a conflict resolution
type Decision int

const (
	// DecisionKeepLocal drops the incoming record
	DecisionKeepLocal Decision = iota
	// DecisionTakeIncoming overwrites the local record
	DecisionTakeIncoming
)

// Resolution explains a conflict decision
type Resolution struct {
	Decision Decision
	// Duplicate is set when neither side carried a comparable version
	Duplicate bool
	Reason    string
}

// ConflictResolver decides the surviving version of a key present on both sides
// with different data.
type ConflictResolver interface {
	Resolve(ctx context.Context, table string, local, incoming Record) Resolution
}

// action is what a dataset implementation has to do with one incoming record
type action int

const (
	actionNone action = iota
	actionInsert
	actionUpdate
)

// decide classifies one incoming record against the local one (nil when absent)
// and accounts for it in result.
func decide(
	ctx context.Context,
	resolver ConflictResolver,
	table string,
	local *Record,
	incoming Record,
	result *ApplyResult,
) action {
	if local == nil {
		result.Inserted++
		return actionInsert
	}
	if SameData(local.Data, incoming.Data) {
		result.Unchanged++
		return actionNone
	}

	result.Conflicts++
	res := resolver.Resolve(ctx, table, *local, incoming)
	switch {
	case res.Decision == DecisionTakeIncoming:
		result.Updated++
		return actionUpdate
	case res.Duplicate:
		result.Duplicates++
	default:
		result.KeptLocal++
	}
	return actionNone
}

// identifierPattern restricts table and column names to plain SQL identifiers
var identifierPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]{0,62}$`)

// Options configures a dataset implementation
type Options struct {
	// Tables lists the synced tables in the order they are transferred
	Tables []string
	// KeyColumn is the primary key column shared by every synced table
	KeyColumn string
	// VersionColumn holds the last-modified timestamp of a row
	VersionColumn string
}

func (o *Options) normalize() error {
	if o.KeyColumn == "" {
		o.KeyColumn = DefaultKeyColumn
	}
	if o.VersionColumn == "" {
		o.VersionColumn = DefaultVersionColumn
	}
	if !identifierPattern.MatchString(o.KeyColumn) {
		return fmt.Errorf("invalid key column name %q", o.KeyColumn)
	}
	if !identifierPattern.MatchString(o.VersionColumn) {
		return fmt.Errorf("invalid version column name %q", o.VersionColumn)
	}
	seen := make(map[string]bool, len(o.Tables))
	for _, t := range o.Tables {
		if !identifierPattern.MatchString(t) {
			return fmt.Errorf("invalid table name %q", t)
		}
		if seen[t] {
			return fmt.Errorf("duplicate table name %q", t)
		}
		seen[t] = true
	}
	return nil
}

// resolveScope is the shared implementation of Dataset.Tables
func resolveScope(known []string, scope Scope) ([]string, error) {
	if scope.IsAll() {
		return slices.Clone(known), nil
	}
	out := make([]string, 0, len(scope))
	for _, name := range scope {
		if !slices.Contains(known, name) {
			return nil, fmt.Errorf("%w: %s", ErrUnknownTable, name)
		}
		out = append(out, name)
	}
	return out, nil
}
