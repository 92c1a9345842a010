package main

import (
	"fmt"
	"strings"
)

// generateInsert produces a parameterized INSERT for one record. Values are
// bound in recordValues.columns() order. With returning set the statement
// yields the new row's id.
func generateInsert(pgSchema, table string, vals recordValues, returning bool) (string, []any) {
	var b strings.Builder
	fmt.Fprintf(&b, "INSERT INTO %s", pgQualified(pgSchema, table))

	cols := vals.columns()
	args := make([]any, len(cols))
	if len(cols) == 0 {
		b.WriteString(" DEFAULT VALUES")
	} else {
		fmt.Fprintf(&b, " (%s) VALUES (", quotedColumnList(cols))
		for i, c := range cols {
			if i > 0 {
				b.WriteString(", ")
			}
			fmt.Fprintf(&b, "$%d", i+1)
			args[i] = vals[c]
		}
		b.WriteByte(')')
	}
	if returning {
		b.WriteString(" RETURNING id")
	}
	return b.String(), args
}

// generateDropConstraints produces one ALTER TABLE per constraint. IF EXISTS
// keeps reruns working after the first successful drop.
func generateDropConstraints(pgSchema, table string, names []string) []string {
	stmts := make([]string, 0, len(names))
	for _, n := range names {
		stmts = append(stmts, fmt.Sprintf("ALTER TABLE %s DROP CONSTRAINT IF EXISTS %s",
			pgQualified(pgSchema, table), pgIdent(n)))
	}
	return stmts
}

// generateCountValue produces the orphan probe for one foreign-key column.
func generateCountValue(pgSchema, table, column string) string {
	return fmt.Sprintf("SELECT count(*) FROM %s WHERE %s = $1",
		pgQualified(pgSchema, table), pgIdent(column))
}
