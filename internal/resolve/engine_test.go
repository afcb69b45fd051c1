package resolve

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"strokebind/internal/action"
	"strokebind/internal/actiondb"
	"strokebind/internal/stroke"
	"strokebind/internal/token"
)

// scores returns a comparator that looks up the stored shape's result by
// fingerprint. Unknown shapes score 0.
type scores map[stroke.Fingerprint]result

type result struct {
	match bool
	score float64
}

func (s scores) Compare(_, b *stroke.Stroke) (bool, float64) {
	r := s[b.Fingerprint()]
	return r.match, r.score
}

type recordingEnv struct {
	spawned  []string
	released []uint
	order    []string
}

func (r *recordingEnv) Spawn(cmd string) error {
	r.spawned = append(r.spawned, cmd)
	r.order = append(r.order, "spawn")
	return nil
}

func (r *recordingEnv) Inject(action.ModEvent) error { return nil }

func (r *recordingEnv) ReleaseButton(b uint) error {
	r.released = append(r.released, b)
	r.order = append(r.order, "release")
	return nil
}

type failingSpawner struct{}

func (failingSpawner) Spawn(string) error { return errors.New("fork failed") }

type memRecorder struct{ outcomes []*Outcome }

func (m *memRecorder) Record(_ string, o *Outcome) error {
	m.outcomes = append(m.outcomes, o)
	return nil
}

func shape(n float64) *stroke.Stroke {
	return &stroke.Stroke{Points: []stroke.Point{{X: 0, Y: 0}, {X: n, Y: 1}}}
}

var drawn = &stroke.Stroke{Points: []stroke.Point{{X: 0, Y: 0}, {X: 5, Y: 5}}}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newEngine(cmp stroke.Comparator, env *recordingEnv) *Engine {
	return New(cmp, action.Env{Spawner: env, Injector: env}, quietLogger())
}

func TestResolveSingleExactMatch(t *testing.T) {
	root := actiondb.NewRoot()
	a := root.Add(&actiondb.Binding{Name: "open", Strokes: stroke.NewSet(shape(1)), Action: action.NewCommand("xdg-open .")})
	root.Add(&actiondb.Binding{Name: "far", Strokes: stroke.NewSet(shape(2)), Action: action.NewCommand("nope")})

	cmp := scores{
		shape(1).Fingerprint(): {match: true, score: 0.9},
		shape(2).Fingerprint(): {match: false, score: 0.1},
	}
	env := &recordingEnv{}
	o := newEngine(cmp, env).Resolve(root, drawn, 0)

	require.True(t, o.Matched)
	assert.Equal(t, a, o.ID)
	assert.Equal(t, "open", o.Name)
	assert.Equal(t, action.KindCommand, o.Action.Kind)
	assert.InDelta(t, 0.9, o.Score, 1e-9)
	assert.Len(t, o.Ranking, 1, "scores below the floor are not ranked")
	assert.Equal(t, []string{"xdg-open ."}, env.spawned)
	assert.Empty(t, env.released)
}

func TestResolveFloorBoundary(t *testing.T) {
	root := actiondb.NewRoot()
	below := root.Add(&actiondb.Binding{Name: "below", Strokes: stroke.NewSet(shape(1)), Action: action.NewCommand("below")})
	at := root.Add(&actiondb.Binding{Name: "at", Strokes: stroke.NewSet(shape(2)), Action: action.NewCommand("at")})

	cmp := scores{
		shape(1).Fingerprint(): {match: true, score: 0.24999},
		shape(2).Fingerprint(): {match: true, score: 0.25},
	}
	o := newEngine(cmp, &recordingEnv{}).Resolve(root, drawn, 0)

	require.True(t, o.Matched)
	assert.Equal(t, at, o.ID)
	require.Len(t, o.Ranking, 1)
	assert.NotEqual(t, below, o.Ranking[0].ID)
	assert.Equal(t, 0.25, o.Score)
}

func TestResolveRankingOrder(t *testing.T) {
	root := actiondb.NewRoot()
	root.Add(&actiondb.Binding{Name: "low", Strokes: stroke.NewSet(shape(1)), Action: action.NewCommand("low")})
	root.Add(&actiondb.Binding{Name: "high", Strokes: stroke.NewSet(shape(2)), Action: action.NewCommand("high")})
	root.Add(&actiondb.Binding{Name: "mid", Strokes: stroke.NewSet(shape(3), shape(4)), Action: action.NewCommand("mid")})

	cmp := scores{
		shape(1).Fingerprint(): {match: true, score: 0.5},
		shape(2).Fingerprint(): {match: false, score: 0.95},
		shape(3).Fingerprint(): {match: true, score: 0.7},
		shape(4).Fingerprint(): {match: false, score: 0.3},
	}
	env := &recordingEnv{}
	o := newEngine(cmp, env).Resolve(root, drawn, 0)

	names := make([]string, len(o.Ranking))
	for i, c := range o.Ranking {
		names[i] = c.Name
	}
	assert.Equal(t, []string{"high", "mid", "low", "mid"}, names)
	assert.InDelta(t, 0.95, o.Score, 1e-9, "best score counts non-matching candidates")
	assert.False(t, o.Matched, "the top candidate is not an exact match")
	assert.Equal(t, token.NotFound, o.ID)
	assert.Nil(t, o.Best)
	assert.Empty(t, env.spawned)
}

func TestResolveLowerExactMatchLosesToHigherScore(t *testing.T) {
	root := actiondb.NewRoot()
	root.Add(&actiondb.Binding{Name: "close", Strokes: stroke.NewSet(shape(1)), Action: action.NewCommand("close")})
	root.Add(&actiondb.Binding{Name: "open", Strokes: stroke.NewSet(shape(2)), Action: action.NewCommand("open")})

	cmp := scores{
		shape(1).Fingerprint(): {match: false, score: 0.9},
		shape(2).Fingerprint(): {match: true, score: 0.5},
	}
	env := &recordingEnv{}
	o := newEngine(cmp, env).Resolve(root, drawn, 1)

	require.Len(t, o.Ranking, 2)
	assert.Equal(t, "close", o.Ranking[0].Name)
	assert.False(t, o.Matched)
	assert.Equal(t, token.NotFound, o.ID)
	assert.Empty(t, o.Name)
	assert.Nil(t, o.Action)
	assert.InDelta(t, 0.9, o.Score, 1e-9)
	assert.Empty(t, env.spawned)
	assert.Empty(t, env.released)
}

func TestResolveExactMatchAmongTopTies(t *testing.T) {
	root := actiondb.NewRoot()
	root.Add(&actiondb.Binding{Name: "alpha", Strokes: stroke.NewSet(shape(1)), Action: action.NewCommand("alpha")})
	z := root.Add(&actiondb.Binding{Name: "zulu", Strokes: stroke.NewSet(shape(2)), Action: action.NewCommand("zulu")})

	cmp := scores{
		shape(1).Fingerprint(): {match: false, score: 0.8},
		shape(2).Fingerprint(): {match: true, score: 0.8},
	}
	env := &recordingEnv{}
	o := newEngine(cmp, env).Resolve(root, drawn, 0)

	assert.Equal(t, "alpha", o.Ranking[0].Name)
	require.True(t, o.Matched)
	assert.Equal(t, z, o.ID)
	assert.True(t, stroke.Equal(shape(2), o.Best))
	assert.Equal(t, []string{"zulu"}, env.spawned)
}

func TestResolveTieBreakByName(t *testing.T) {
	root := actiondb.NewRoot()
	root.Add(&actiondb.Binding{Name: "zulu", Strokes: stroke.NewSet(shape(1)), Action: action.NewCommand("zulu")})
	root.Add(&actiondb.Binding{Name: "alpha", Strokes: stroke.NewSet(shape(2)), Action: action.NewCommand("alpha")})

	cmp := scores{
		shape(1).Fingerprint(): {match: true, score: 0.8},
		shape(2).Fingerprint(): {match: true, score: 0.8},
	}
	for i := 0; i < 20; i++ {
		o := newEngine(cmp, &recordingEnv{}).Resolve(root, drawn, 0)
		require.Equal(t, "alpha", o.Name)
	}
}

func TestResolveTrivialClickFallback(t *testing.T) {
	root := actiondb.NewRoot()
	env := &recordingEnv{}
	o := newEngine(scores{}, env).Resolve(root, &stroke.Stroke{Trivial: true}, 1)

	assert.True(t, o.Matched)
	assert.Equal(t, token.Click, o.ID)
	assert.Equal(t, DefaultClickName, o.Name)
	assert.Nil(t, o.Action)
	assert.Equal(t, []uint{1}, env.released, "the swallowed release is replayed")
	assert.Empty(t, env.spawned)
}

func TestResolveTrivialTimeoutFallback(t *testing.T) {
	root := actiondb.NewRoot()
	env := &recordingEnv{}
	o := newEngine(scores{}, env).Resolve(root, &stroke.Stroke{Trivial: true, Timeout: true}, 1)

	assert.False(t, o.Matched)
	assert.Equal(t, token.Timeout, o.ID)
	assert.Equal(t, DefaultClickName, o.Name)
	assert.Empty(t, env.released)
}

func TestResolveTrivialPrefersExactMatch(t *testing.T) {
	root := actiondb.NewRoot()
	a := root.Add(&actiondb.Binding{Name: "tap", Strokes: stroke.NewSet(shape(1)), Action: action.NewCommand("tap")})
	cmp := scores{shape(1).Fingerprint(): {match: true, score: 1}}

	o := newEngine(cmp, &recordingEnv{}).Resolve(root, &stroke.Stroke{Trivial: true}, 0)
	assert.Equal(t, a, o.ID)
}

func TestResolveNotFound(t *testing.T) {
	root := actiondb.NewRoot()
	root.Add(&actiondb.Binding{Name: "x", Strokes: stroke.NewSet(shape(1)), Action: action.NewCommand("x")})
	env := &recordingEnv{}
	eng := newEngine(scores{shape(1).Fingerprint(): {match: false, score: 0.6}}, env)

	o := eng.Resolve(root, drawn, 3)
	assert.False(t, o.Matched)
	assert.Equal(t, token.NotFound, o.ID)
	assert.InDelta(t, 0.6, o.Score, 1e-9)
	assert.Empty(t, env.released)
	assert.Empty(t, env.spawned)

	o = eng.Resolve(root, nil, 0)
	assert.False(t, o.Matched)
	assert.Equal(t, token.NotFound, o.ID)
	assert.Equal(t, -1.0, o.Score)
}

func TestResolveReleaseBeforeAction(t *testing.T) {
	root := actiondb.NewRoot()
	root.Add(&actiondb.Binding{Name: "x", Strokes: stroke.NewSet(shape(1)), Action: action.NewCommand("x")})
	env := &recordingEnv{}
	newEngine(scores{shape(1).Fingerprint(): {match: true, score: 1}}, env).Resolve(root, drawn, 2)

	assert.Equal(t, []string{"release", "spawn"}, env.order)
}

func TestResolveExecutionFailureStillMatches(t *testing.T) {
	root := actiondb.NewRoot()
	root.Add(&actiondb.Binding{Name: "x", Strokes: stroke.NewSet(shape(1)), Action: action.NewCommand("x")})
	eng := New(scores{shape(1).Fingerprint(): {match: true, score: 1}}, action.Env{Spawner: failingSpawner{}}, quietLogger())

	o := eng.Resolve(root, drawn, 0)
	assert.True(t, o.Matched)
}

func TestResolveUsesScopeOverrides(t *testing.T) {
	db := actiondb.New()
	var tok token.Token
	require.NoError(t, db.Update(func(root *actiondb.Node) error {
		tok = root.Add(&actiondb.Binding{Name: "x", Strokes: stroke.NewSet(shape(1)), Action: action.NewCommand("global")})
		app := root.AddChild("Editor", "editor")
		return app.SetAction(tok, action.NewCommand("local"))
	}))

	env := &recordingEnv{}
	rec := &memRecorder{}
	eng := newEngine(scores{shape(1).Fingerprint(): {match: true, score: 1}}, env)
	eng.Recorder = rec

	o := eng.ResolveForApp(db, "editor", drawn, 0)
	assert.Equal(t, "Editor", o.Scope)
	o = eng.ResolveForApp(db, "other", drawn, 0)
	assert.Equal(t, actiondb.DefaultName, o.Scope)
	assert.Equal(t, []string{"local", "global"}, env.spawned)
	assert.Len(t, rec.outcomes, 2)

	require.NoError(t, db.Update(func(root *actiondb.Node) error {
		db.Scope("Editor").Delete(tok)
		return nil
	}))
	o = eng.ResolveForApp(db, "editor", drawn, 0)
	assert.False(t, o.Matched, "deleted in the scope")
}

// editingRecorder changes the database while it records, which needs the
// write lock.
type editingRecorder struct {
	db     *actiondb.DB
	scopes []string
}

func (r *editingRecorder) Record(scope string, o *Outcome) error {
	r.scopes = append(r.scopes, scope)
	return r.db.Update(func(root *actiondb.Node) error {
		root.AddChild(fmt.Sprintf("seen-%d", len(r.scopes)), "")
		return nil
	})
}

func TestResolveRecordsOutsideReadLock(t *testing.T) {
	db := actiondb.New()
	require.NoError(t, db.Update(func(root *actiondb.Node) error {
		root.Add(&actiondb.Binding{Name: "x", Strokes: stroke.NewSet(shape(1)), Action: action.NewCommand("x")})
		root.AddChild("Term", "xterm")
		return nil
	}))

	env := &recordingEnv{}
	rec := &editingRecorder{db: db}
	eng := newEngine(scores{shape(1).Fingerprint(): {match: true, score: 1}}, env)
	eng.Recorder = rec

	done := make(chan *Outcome, 1)
	go func() { done <- eng.ResolveForApp(db, "xterm", drawn, 0) }()
	select {
	case o := <-done:
		assert.True(t, o.Matched)
		assert.Equal(t, []string{"Term"}, rec.scopes)
		assert.Equal(t, []string{"x"}, env.spawned)
	case <-time.After(2 * time.Second):
		t.Fatal("recorder blocked on the database lock")
	}
}
