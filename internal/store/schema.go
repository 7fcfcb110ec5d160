package store

import (
	"fmt"
	"strings"

	"github.com/pulseboard/ingest/internal/config"
	"github.com/pulseboard/ingest/internal/transform"
)

// Column is one typed column of an entity table.
type Column struct {
	Name    string
	SQLType string
}

// Entity describes one store table derived from a source mapping:
// mapped columns plus the bookkeeping columns the loader maintains,
// keyed by the source's natural key.
type Entity struct {
	Table      string
	Columns    []Column
	KeyColumns []string
}

// sqlTypes maps mapping types to Postgres column types.
var sqlTypes = map[string]string{
	"bigint":      "BIGINT",
	"double":      "DOUBLE PRECISION",
	"text":        "TEXT",
	"bool":        "BOOLEAN",
	"timestamptz": "TIMESTAMPTZ",
}

// EntityFromSource derives the entity table shape from a validated
// source configuration.
func EntityFromSource(source config.SourceConfig) Entity {
	columns := make([]Column, 0, len(source.Mapping.Fields))
	for _, f := range source.Mapping.Fields {
		columns = append(columns, Column{Name: f.Column, SQLType: sqlTypes[f.Type]})
	}
	return Entity{
		Table:      source.Entity,
		Columns:    columns,
		KeyColumns: source.Mapping.NaturalKey,
	}
}

// CreateTableSQL returns idempotent DDL for the entity table. The
// natural key becomes the primary key, so duplicate inserts are
// impossible by construction.
func (e Entity) CreateTableSQL() string {
	var b strings.Builder
	fmt.Fprintf(&b, "CREATE TABLE IF NOT EXISTS %s (\n", e.Table)
	for _, c := range e.Columns {
		notNull := ""
		if e.isKey(c.Name) {
			notNull = " NOT NULL"
		}
		fmt.Fprintf(&b, "\t%s %s%s,\n", c.Name, c.SQLType, notNull)
	}
	b.WriteString("\trecord_version BIGINT NOT NULL,\n")
	b.WriteString("\tingested_at TIMESTAMPTZ NOT NULL DEFAULT now(),\n")
	fmt.Fprintf(&b, "\tPRIMARY KEY (%s)\n)", strings.Join(e.KeyColumns, ", "))
	return b.String()
}

// UpsertSQL returns the idempotent insert for one record. The update
// arm is version gated: an incoming record applies only when its
// version is newer than or equal to the stored one, so replays win
// ties and stale data never regresses a row.
func (e Entity) UpsertSQL() string {
	names := make([]string, 0, len(e.Columns)+1)
	placeholders := make([]string, 0, len(e.Columns)+1)
	for i, c := range e.Columns {
		names = append(names, c.Name)
		placeholders = append(placeholders, fmt.Sprintf("$%d", i+1))
	}
	names = append(names, "record_version")
	placeholders = append(placeholders, fmt.Sprintf("$%d", len(e.Columns)+1))

	sets := make([]string, 0, len(e.Columns)+2)
	for _, c := range e.Columns {
		if e.isKey(c.Name) {
			continue
		}
		sets = append(sets, fmt.Sprintf("%s = EXCLUDED.%s", c.Name, c.Name))
	}
	sets = append(sets, "record_version = EXCLUDED.record_version")
	sets = append(sets, "ingested_at = now()")

	return fmt.Sprintf(
		"INSERT INTO %s (%s) VALUES (%s) ON CONFLICT (%s) DO UPDATE SET %s WHERE EXCLUDED.record_version >= %s.record_version",
		e.Table,
		strings.Join(names, ", "),
		strings.Join(placeholders, ", "),
		strings.Join(e.KeyColumns, ", "),
		strings.Join(sets, ", "),
		e.Table,
	)
}

// Args returns the positional arguments for UpsertSQL in column order.
func (e Entity) Args(rec *transform.Record) []any {
	args := make([]any, 0, len(e.Columns)+1)
	for _, c := range e.Columns {
		args = append(args, rec.Columns[c.Name])
	}
	args = append(args, rec.Version)
	return args
}

func (e Entity) isKey(column string) bool {
	for _, k := range e.KeyColumns {
		if k == column {
			return true
		}
	}
	return false
}
