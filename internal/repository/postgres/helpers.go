package postgres

import (
	"strings"
	"time"
)

// isUniqueViolation recognises Postgres' unique_violation SQLSTATE (23505).
func isUniqueViolation(err error) bool {
	return strings.Contains(err.Error(), "23505") ||
		strings.Contains(err.Error(), "unique constraint")
}

func secondsToDuration(s int64) time.Duration {
	return time.Duration(s) * time.Second
}
