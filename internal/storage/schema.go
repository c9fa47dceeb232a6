package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// SchemaFn returns the DDL statements a component needs for a dialect.
// Statements must be idempotent (CREATE ... IF NOT EXISTS).
type SchemaFn func(Dialect) []string

var (
	schemaMu  sync.RWMutex
	schemaFns = map[string]SchemaFn{}
)

// RegisterSchema registers (or replaces) the DDL of a component. Store
// packages call it from init.
func RegisterSchema(component string, fn SchemaFn) {
	schemaMu.Lock()
	defer schemaMu.Unlock()
	schemaFns[component] = fn
}

// Bootstrap applies the DDL of every registered component, in name order.
func (db *DB) Bootstrap(ctx context.Context) error {
	schemaMu.RLock()
	names := make([]string, 0, len(schemaFns))
	for name := range schemaFns {
		names = append(names, name)
	}
	fns := make(map[string]SchemaFn, len(schemaFns))
	for k, v := range schemaFns {
		fns[k] = v
	}
	schemaMu.RUnlock()
	sort.Strings(names)

	for _, name := range names {
		for _, stmt := range fns[name](db.Dialect) {
			if _, err := db.ExecContext(ctx, stmt); err != nil {
				return fmt.Errorf("storage: bootstrap %s: %w", name, err)
			}
		}
	}
	return nil
}
