// ─────────────────────────────────────────────────────────────────────────────
// [Package]: manifest — CRU/endpoint bootstrap lookups backed by sqlite
//
// Purpose:
//   - At bootstrap, a readout process knows each front-end link only as
//     (cruId, endPointId). This package resolves that pair to the
//     equipment id and bank name an operator has pre-assigned it,
//     read from a small sqlite manifest shipped alongside the run
//     configuration.
//
// Grounded on router.go's mustDB/addr20 pattern: open the database once,
// hold the *sql.DB for the process lifetime, and resolve identifiers
// through single-row QueryRow lookups keyed by an integer id — here the
// id is the (cruId, endPointId) pair's packed form rather than a pool
// index, and the database is a link manifest rather than a pool-address
// table. This is the one place readoutcore touches MySQL's sibling
// sqlite instead: ReadoutDatabase.cxx's MySQL run-reporting backend is
// explicitly out of scope (database reporting, §1 Non-goals) — this
// lookup is bootstrap-time link tagging, not run-history storage.
// ─────────────────────────────────────────────────────────────────────────────

package manifest

import (
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
)

// Entry is one row of the link manifest: which equipment id and bank
// name an operator has pre-assigned to a given (cruId, endPointId).
type Entry struct {
	EquipmentID uint16
	BankName    string
}

// Manifest wraps a read-only sqlite database of link assignments.
type Manifest struct {
	db *sql.DB
}

// Open opens the manifest database at path and verifies connectivity.
// The schema expected is a single table:
//
//	CREATE TABLE links (
//	    cruId       INTEGER NOT NULL,
//	    endPointId  INTEGER NOT NULL,
//	    equipmentId INTEGER NOT NULL,
//	    bankName    TEXT NOT NULL,
//	    PRIMARY KEY (cruId, endPointId)
//	);
func Open(path string) (*Manifest, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("manifest: open %q: %w", path, err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("manifest: ping %q: %w", path, err)
	}
	return &Manifest{db: db}, nil
}

// Close releases the underlying database handle.
func (m *Manifest) Close() error { return m.db.Close() }

// Lookup resolves a (cruId, endPointId) pair to its manifest entry.
func (m *Manifest) Lookup(cruID, endPointID uint16) (Entry, error) {
	var e Entry
	err := m.db.QueryRow(
		`SELECT equipmentId, bankName FROM links WHERE cruId = ? AND endPointId = ?`,
		cruID, endPointID,
	).Scan(&e.EquipmentID, &e.BankName)
	if err != nil {
		return Entry{}, fmt.Errorf("manifest: lookup cru=%d endpoint=%d: %w", cruID, endPointID, err)
	}
	return e, nil
}

// MustCreateSchema creates the links table if it doesn't exist yet.
// Intended for test fixtures and first-run bootstrap of an empty
// manifest file, not for production schema migration.
func (m *Manifest) MustCreateSchema() error {
	_, err := m.db.Exec(`CREATE TABLE IF NOT EXISTS links (
		cruId       INTEGER NOT NULL,
		endPointId  INTEGER NOT NULL,
		equipmentId INTEGER NOT NULL,
		bankName    TEXT NOT NULL,
		PRIMARY KEY (cruId, endPointId)
	)`)
	if err != nil {
		return fmt.Errorf("manifest: create schema: %w", err)
	}
	return nil
}

// Insert adds or replaces one manifest entry. Used by test fixtures and
// by operator tooling outside this package's scope.
func (m *Manifest) Insert(cruID, endPointID uint16, e Entry) error {
	_, err := m.db.Exec(
		`INSERT OR REPLACE INTO links (cruId, endPointId, equipmentId, bankName) VALUES (?, ?, ?, ?)`,
		cruID, endPointID, e.EquipmentID, e.BankName,
	)
	if err != nil {
		return fmt.Errorf("manifest: insert cru=%d endpoint=%d: %w", cruID, endPointID, err)
	}
	return nil
}
