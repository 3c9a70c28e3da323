package storage

import (
	"context"
	"fmt"
	"math"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brandon-castaing-ucb/nb-mapper/app/storage/engine"
	"github.com/brandon-castaing-ucb/nb-mapper/lib/nbayes"
)

func makeModelDB(t *testing.T, table string, rows ...nbayes.Record) *engine.SQL {
	t.Helper()
	db, err := engine.NewSqlite(filepath.Join(t.TempDir(), "model.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	schema, err := ModelSchema(engine.Sqlite)
	require.NoError(t, err)
	_, err = db.Exec(fmt.Sprintf(schema, table))
	require.NoError(t, err)
	for _, r := range rows {
		_, err = db.Exec("INSERT INTO "+table+" (token, ham_count, spam_count, p_ham, p_spam) VALUES (?, ?, ?, ?, ?)",
			r.Token, r.HamCount, r.SpamCount, r.PHam, r.PSpam)
		require.NoError(t, err)
	}
	return db
}

func TestModelStore_Load(t *testing.T) {
	db := makeModelDB(t, DefaultModelTable,
		nbayes.Record{Token: nbayes.ClassPriorsKey, HamCount: 3, SpamCount: 2, PHam: 0.6, PSpam: 0.4},
		nbayes.Record{Token: "free", HamCount: 1, SpamCount: 9, PHam: 0.1, PSpam: 0.9},
		nbayes.Record{Token: "meeting", HamCount: 8, PHam: 0.8, PSpam: 0},
		nbayes.Record{Token: "free", HamCount: 1, SpamCount: 3, PHam: 0.25, PSpam: 0.75},
	)

	store, err := NewModelStore(db, "")
	require.NoError(t, err)

	recs, err := store.Records(context.Background())
	require.NoError(t, err)
	require.Len(t, recs, 4)
	assert.Equal(t, nbayes.Record{Token: "free", HamCount: 1, SpamCount: 9, PHam: 0.1, PSpam: 0.9}, recs[1])

	m, err := store.Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, m.Len())
	assert.Equal(t, nbayes.LogProb{Ham: math.Log(0.6), Spam: math.Log(0.4)}, m.Priors())

	lp, ok := m.Lookup("free")
	require.True(t, ok)
	assert.Equal(t, nbayes.LogProb{Ham: math.Log(0.25), Spam: math.Log(0.75)}, lp, "last row wins")

	lp, ok = m.Lookup("meeting")
	require.True(t, ok)
	assert.True(t, math.IsInf(lp.Spam, -1))
}

func TestModelStore_LoadOrderedByID(t *testing.T) {
	db := makeModelDB(t, DefaultModelTable)
	rows := []struct {
		id  int
		rec nbayes.Record
	}{
		{id: 30, rec: nbayes.Record{Token: "free", PHam: 0.25, PSpam: 0.75}},
		{id: 10, rec: nbayes.Record{Token: nbayes.ClassPriorsKey, PHam: 0.6, PSpam: 0.4}},
		{id: 20, rec: nbayes.Record{Token: "free", PHam: 0.1, PSpam: 0.9}},
	}
	for _, r := range rows {
		_, err := db.Exec("INSERT INTO "+DefaultModelTable+" (id, token, p_ham, p_spam) VALUES (?, ?, ?, ?)",
			r.id, r.rec.Token, r.rec.PHam, r.rec.PSpam)
		require.NoError(t, err)
	}

	store, err := NewModelStore(db, "")
	require.NoError(t, err)
	recs, err := store.Records(context.Background())
	require.NoError(t, err)
	require.Len(t, recs, 3)
	assert.Equal(t, []string{nbayes.ClassPriorsKey, "free", "free"}, []string{recs[0].Token, recs[1].Token, recs[2].Token})

	m, err := store.Load(context.Background())
	require.NoError(t, err)
	lp, ok := m.Lookup("free")
	require.True(t, ok)
	assert.Equal(t, nbayes.LogProb{Ham: math.Log(0.25), Spam: math.Log(0.75)}, lp, "highest id wins, not insertion order")
}

func TestModelSchema(t *testing.T) {
	q, err := ModelSchema(engine.Sqlite)
	require.NoError(t, err)
	assert.Contains(t, q, "id INTEGER PRIMARY KEY AUTOINCREMENT")

	q, err = ModelSchema(engine.Postgres)
	require.NoError(t, err)
	assert.Contains(t, q, "id SERIAL PRIMARY KEY")
	assert.Contains(t, fmt.Sprintf(q, "nb_model"), "CREATE TABLE IF NOT EXISTS nb_model (")

	_, err = ModelSchema(engine.Unknown)
	assert.Error(t, err)
}

func TestModelStore_SameAsFile(t *testing.T) {
	file := "ClassPriors\t3,2,0.6,0.4\nfree\t1,9,0.1,0.9\nmoney\t5,5,0.5,0.5\n"
	fileModel, err := nbayes.LoadModel(strings.NewReader(file))
	require.NoError(t, err)

	var rows []nbayes.Record
	for _, line := range strings.Split(strings.TrimSpace(file), "\n") {
		rec, perr := nbayes.ParseRecord(line)
		require.NoError(t, perr)
		rows = append(rows, rec)
	}
	store, err := NewModelStore(makeModelDB(t, "model_v2", rows...), "model_v2")
	require.NoError(t, err)
	dbModel, err := store.Load(context.Background())
	require.NoError(t, err)

	assert.Equal(t, fileModel, dbModel)
}

func TestModelStore_Errors(t *testing.T) {
	t.Run("nil db", func(t *testing.T) {
		_, err := NewModelStore(nil, "")
		assert.Error(t, err)
	})

	t.Run("bad table name", func(t *testing.T) {
		db := makeModelDB(t, DefaultModelTable)
		for _, name := range []string{"nb model", "x;drop table y", "1abc", "a-b"} {
			_, err := NewModelStore(db, name)
			assert.Error(t, err, name)
		}
	})

	t.Run("missing table", func(t *testing.T) {
		db := makeModelDB(t, DefaultModelTable)
		store, err := NewModelStore(db, "other")
		require.NoError(t, err)
		_, err = store.Load(context.Background())
		assert.ErrorIs(t, err, nbayes.ErrModelNotFound)
	})

	t.Run("no priors", func(t *testing.T) {
		db := makeModelDB(t, DefaultModelTable, nbayes.Record{Token: "free", PHam: 0.1, PSpam: 0.9})
		store, err := NewModelStore(db, "")
		require.NoError(t, err)
		_, err = store.Load(context.Background())
		assert.ErrorIs(t, err, nbayes.ErrNoPriors)
	})

	t.Run("negative probability", func(t *testing.T) {
		db := makeModelDB(t, DefaultModelTable,
			nbayes.Record{Token: nbayes.ClassPriorsKey, PHam: 0.5, PSpam: 0.5},
			nbayes.Record{Token: "bad", PHam: -0.1, PSpam: 0.9})
		store, err := NewModelStore(db, "")
		require.NoError(t, err)
		_, err = store.Load(context.Background())
		assert.ErrorIs(t, err, nbayes.ErrModelFormat)
	})
}
