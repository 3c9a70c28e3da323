// Package storage reads Naive Bayes model records from sql databases.
// Records carry the same fields as the flat model file and are turned into nbayes.Model
// with the same rules, so both sources give identical models.
package storage

import (
	"context"
	"errors"
	"fmt"
	"regexp"

	"github.com/brandon-castaing-ucb/nb-mapper/app/storage/engine"
	"github.com/brandon-castaing-ucb/nb-mapper/lib/nbayes"
)

// DefaultModelTable is the default name of the model table
const DefaultModelTable = "nb_model"

// ModelSchema returns the expected model table layout for the engine type, table name goes to %s.
// Rows are read in id order, the last row for a token wins.
func ModelSchema(dbType engine.Type) (string, error) {
	var id string
	switch dbType {
	case engine.Sqlite:
		id = "id INTEGER PRIMARY KEY AUTOINCREMENT"
	case engine.Postgres:
		id = "id SERIAL PRIMARY KEY"
	default:
		return "", fmt.Errorf("unsupported database type %q", dbType)
	}
	return `CREATE TABLE IF NOT EXISTS %s (
	` + id + `,
	token TEXT NOT NULL,
	ham_count DOUBLE PRECISION NOT NULL DEFAULT 0,
	spam_count DOUBLE PRECISION NOT NULL DEFAULT 0,
	p_ham DOUBLE PRECISION NOT NULL,
	p_spam DOUBLE PRECISION NOT NULL
)`, nil
}

var tableNameRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// ModelStore reads model records from a table, read-only.
type ModelStore struct {
	db    *engine.SQL
	table string
}

// modelRow is a single row of the model table
type modelRow struct {
	Token     string  `db:"token"`
	HamCount  float64 `db:"ham_count"`
	SpamCount float64 `db:"spam_count"`
	PHam      float64 `db:"p_ham"`
	PSpam     float64 `db:"p_spam"`
}

// NewModelStore makes a ModelStore for the given table, empty table means DefaultModelTable.
func NewModelStore(db *engine.SQL, table string) (*ModelStore, error) {
	if db == nil {
		return nil, errors.New("db connection is nil")
	}
	if table == "" {
		table = DefaultModelTable
	}
	if !tableNameRe.MatchString(table) {
		return nil, fmt.Errorf("invalid model table name %q", table)
	}
	return &ModelStore{db: db, table: table}, nil
}

// Records returns all model records in id order. Missing table reported as nbayes.ErrModelNotFound.
func (s *ModelStore) Records(ctx context.Context) ([]nbayes.Record, error) {
	ok, err := s.db.TableExists(ctx, s.table)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("no %s table: %w", s.table, nbayes.ErrModelNotFound)
	}

	q := "SELECT token, ham_count, spam_count, p_ham, p_spam FROM " + s.table + " ORDER BY id"

	var rows []modelRow
	if err := s.db.SelectContext(ctx, &rows, q); err != nil {
		return nil, fmt.Errorf("failed to read model from %s: %w", s.table, err)
	}

	res := make([]nbayes.Record, 0, len(rows))
	for _, r := range rows {
		res = append(res, nbayes.Record{Token: r.Token, HamCount: r.HamCount, SpamCount: r.SpamCount,
			PHam: r.PHam, PSpam: r.PSpam})
	}
	return res, nil
}

// Load reads all records and builds the model.
func (s *ModelStore) Load(ctx context.Context) (*nbayes.Model, error) {
	records, err := s.Records(ctx)
	if err != nil {
		return nil, err
	}
	m, err := nbayes.NewModel(records...)
	if err != nil {
		return nil, fmt.Errorf("can't make model from %s: %w", s.table, err)
	}
	return m, nil
}
