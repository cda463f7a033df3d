package leaderboard

import (
	"strings"

	"golang.org/x/text/cases"
)

// ScopeAll is the bucket scope that includes every department.
const ScopeAll = "all"

// DepartmentKey normalizes a department name so "Sales Ops", "sales ops" and
// " SALES  OPS " share one bucket.
func DepartmentKey(department string) string {
	// Casers are stateful, so each call gets its own.
	fields := strings.Fields(cases.Fold().String(department))
	return strings.Join(fields, "-")
}

// Scope returns the bucket scope for a department filter. An empty filter
// selects ScopeAll.
func Scope(department string) string {
	key := DepartmentKey(department)
	if key == "" {
		return ScopeAll
	}
	return "dept:" + key
}
