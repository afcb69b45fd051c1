package history

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"strokebind/internal/resolve"
	"strokebind/internal/stroke"
	"strokebind/internal/token"
)

func openTest(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "sub", "history.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestOpenMigrates(t *testing.T) {
	s := openTest(t)
	v, err := SchemaVersion(s.db)
	require.NoError(t, err)
	assert.Equal(t, LatestVersion(), v)
	assert.Equal(t, 1, v, "a fresh database is created in one step")

	var cols int
	require.NoError(t, s.db.QueryRow(
		`SELECT COUNT(*) FROM pragma_table_info('outcomes') WHERE name IN ('best_fingerprint', 'button')`,
	).Scan(&cols))
	assert.Equal(t, 2, cols)

	// re-running is a no-op
	require.NoError(t, MigrateDB(s.db))
}

func TestCloseNilDB(t *testing.T) {
	s := &Store{}
	assert.NoError(t, s.Close())
}

func TestRecordAndRecent(t *testing.T) {
	s := openTest(t)
	clock := time.Unix(1700000000, 0)
	s.now = func() time.Time {
		clock = clock.Add(time.Second)
		return clock
	}

	best := &stroke.Stroke{Points: []stroke.Point{{X: 0, Y: 0}, {X: 1, Y: 0}}}
	id := token.New()
	hit := &resolve.Outcome{
		Matched: true,
		ID:      id,
		Name:    "back",
		Score:   0.9,
		Best:    best,
		Stroke:  &stroke.Stroke{Points: best.Points, Button: 3},
		Ranking: []resolve.Candidate{
			{Score: 0.9, Match: true, ID: id, Name: "back", Stroke: best},
			{Score: 0.4, Match: false, ID: token.New(), Name: "forward"},
		},
	}
	miss := &resolve.Outcome{ID: token.NotFound, Score: -1}

	require.NoError(t, s.Record("Firefox", hit))
	require.NoError(t, s.Record("Default", miss))

	entries, err := s.Recent(10)
	require.NoError(t, err)
	require.Len(t, entries, 2)

	assert.Equal(t, "Default", entries[0].Scope, "newest first")
	assert.False(t, entries[0].Matched)
	assert.Equal(t, token.NotFound, entries[0].Token)
	assert.Empty(t, entries[0].Ranking)

	e := entries[1]
	assert.True(t, e.Matched)
	assert.Equal(t, id, e.Token)
	assert.Equal(t, "back", e.Name)
	assert.Equal(t, uint(3), e.Button)
	assert.Equal(t, best.Fingerprint().String(), e.BestFingerprint)
	require.Len(t, e.Ranking, 2)
	assert.Equal(t, Rank{Ordinal: 0, Score: 0.9, Name: "back", Exact: true}, e.Ranking[0])
	assert.Equal(t, "forward", e.Ranking[1].Name)

	n, err := s.Prune(clock)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	entries, err = s.Recent(10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
}

func TestRecordCapsRanking(t *testing.T) {
	s := openTest(t)
	o := &resolve.Outcome{ID: token.NotFound, Score: 0.5}
	for i := 0; i < MaxRanked+5; i++ {
		o.Ranking = append(o.Ranking, resolve.Candidate{Score: 0.5, Name: "c"})
	}
	require.NoError(t, s.Record("Default", o))

	var count int
	require.NoError(t, s.db.QueryRow("SELECT COUNT(*) FROM rankings").Scan(&count))
	assert.Equal(t, MaxRanked, count)
}

func TestRecorderInterface(t *testing.T) {
	var _ resolve.Recorder = (*Store)(nil)
}
