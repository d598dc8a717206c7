package store

import (
	"fmt"
	"strings"

	"github.com/pnwsync/pnwsync/pkg/models"
)

func insertSQL(rec models.Record) string {
	cols := models.Columns(rec)
	placeholders := make([]string, len(cols))
	for i := range cols {
		placeholders[i] = fmt.Sprintf("$%d", i+1)
	}
	return fmt.Sprintf(
		"INSERT INTO %s (%s) VALUES (%s) ON CONFLICT (id) DO NOTHING",
		rec.Table(), strings.Join(cols, ", "), strings.Join(placeholders, ", "),
	)
}

func selectSQL(rec models.Record) string {
	return fmt.Sprintf(
		"SELECT %s FROM %s WHERE id = $1",
		strings.Join(models.Columns(rec), ", "), rec.Table(),
	)
}

// updateSQL touches exactly the changed columns; the id is the final
// placeholder.
func updateSQL(table string, changes []models.FieldChange) (string, []any) {
	sets := make([]string, len(changes))
	args := make([]any, 0, len(changes)+1)
	for i, ch := range changes {
		sets[i] = fmt.Sprintf("%s = $%d", ch.Column, i+1)
		args = append(args, ch.New)
	}
	sql := fmt.Sprintf("UPDATE %s SET %s WHERE id = $%d", table, strings.Join(sets, ", "), len(changes)+1)
	return sql, args
}

func deleteSQL(table string) string {
	return fmt.Sprintf("DELETE FROM %s WHERE id = $1 RETURNING id", table)
}
