// Package models provides data model definitions for the offline sync core.
package models

import "fmt"

// Table identifies one of the remote tables mirrored into the local store.
// The set is fixed at build time; stringly-typed table names are rejected
// at the API boundary.
type Table string

const (
	TableStudents   Table = "students"
	TableTeachers   Table = "teachers"
	TableClasses    Table = "classes"
	TableAttendance Table = "attendance"
	TableFees       Table = "fees"
	TableExams      Table = "exams"
	TableMessages   Table = "messages"
)

// knownTables preserves declaration order for hydration and catch-up passes.
var knownTables = []Table{
	TableStudents,
	TableTeachers,
	TableClasses,
	TableAttendance,
	TableFees,
	TableExams,
	TableMessages,
}

// KnownTables returns the fixed set of mirrored tables in stable order.
func KnownTables() []Table {
	out := make([]Table, len(knownTables))
	copy(out, knownTables)
	return out
}

// Valid reports whether t is one of the known mirrored tables.
func (t Table) Valid() bool {
	for _, k := range knownTables {
		if t == k {
			return true
		}
	}
	return false
}

// String returns the remote table name.
func (t Table) String() string {
	return string(t)
}

// ValidateTable returns an error when t is not a known mirrored table.
func ValidateTable(t Table) error {
	if !t.Valid() {
		return fmt.Errorf("unknown table %q", string(t))
	}
	return nil
}
