package db

import (
	"sort"

	apperrors "github.com/Dovieandi-se-tovya-sagain/godaisy-core-sub002/internal/errors"
)

// Table names a store table.
type Table string

const (
	TablePredictions    Table = "predictions"
	TableSpecies        Table = "species"
	TableImages         Table = "images"
	TableGeoCells       Table = "geo_cells"
	TableFavorites      Table = "favorites"
	TablePendingActions Table = "pending_actions"
	TableDeadLetters    Table = "dead_letters"
)

// Index names usable with GetByIndex and GetByIndexRange.
const (
	IndexTimestamp  = "timestamp"
	IndexEntityCode = "entityCode"
	IndexDate       = "date"
	IndexCategory   = "category"
)

// tableSchema maps index names to the columns backing them. The timestamp
// column exists on every table; it is only listed where it is a declared index.
type tableSchema struct {
	indexes map[string]string
	// extra holds index names whose values come from Record.Indexes, sorted.
	extra []string
}

var schemas = buildSchemas(map[Table]map[string]string{
	TablePredictions: {
		IndexEntityCode: "entity_code",
		IndexDate:       "pred_date",
		IndexTimestamp:  "timestamp",
	},
	TableSpecies: {
		IndexCategory: "category",
	},
	TableImages: {
		IndexTimestamp: "timestamp",
	},
	TableGeoCells:       {},
	TableFavorites:      {},
	TablePendingActions: {IndexTimestamp: "timestamp"},
	TableDeadLetters:    {},
})

func buildSchemas(in map[Table]map[string]string) map[Table]tableSchema {
	out := make(map[Table]tableSchema, len(in))
	for table, indexes := range in {
		s := tableSchema{indexes: indexes}
		for name, col := range indexes {
			if col != "timestamp" {
				s.extra = append(s.extra, name)
			}
		}
		sort.Strings(s.extra)
		out[table] = s
	}
	return out
}

// Tables returns every table managed by the store, in a stable order.
func Tables() []Table {
	return []Table{
		TablePredictions,
		TableSpecies,
		TableImages,
		TableGeoCells,
		TableFavorites,
		TablePendingActions,
		TableDeadLetters,
	}
}

func schemaFor(table Table) (tableSchema, error) {
	s, ok := schemas[table]
	if !ok {
		return tableSchema{}, apperrors.Newf(apperrors.ErrInvalid, "unknown table %q", table)
	}
	return s, nil
}

func (s tableSchema) column(index string, table Table) (string, error) {
	col, ok := s.indexes[index]
	if !ok {
		return "", apperrors.Newf(apperrors.ErrInvalid, "table %q has no index %q", table, index)
	}
	return col, nil
}

// columns returns the physical column list in select/insert order.
func (s tableSchema) columns() []string {
	cols := []string{"key", "timestamp"}
	for _, name := range s.extra {
		cols = append(cols, s.indexes[name])
	}
	return append(cols, "payload", "blob")
}
