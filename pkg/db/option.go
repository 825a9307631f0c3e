package db

import (
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// LockingUpdate is a scope that takes a row-level FOR UPDATE lock inside a
// transaction. SQLite (tests) has no row locks and a single writer, so the
// clause is skipped there.
func LockingUpdate(tx *gorm.DB) *gorm.DB {
	if tx.Dialector.Name() == "sqlite" {
		return tx
	}
	return tx.Clauses(clause.Locking{Strength: "UPDATE"})
}
