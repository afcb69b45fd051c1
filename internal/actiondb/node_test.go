package actiondb

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"strokebind/internal/action"
	"strokebind/internal/stroke"
	"strokebind/internal/token"
)

func shape(dx, dy float64) *stroke.Stroke {
	return &stroke.Stroke{Points: []stroke.Point{{X: 0, Y: 0}, {X: dx, Y: dy}}}
}

func binding(name string, shapes ...*stroke.Stroke) *Binding {
	return &Binding{Name: name, Strokes: stroke.NewSet(shapes...), Action: action.NewCommand(name)}
}

func TestRootStrokesOnlyAdded(t *testing.T) {
	root := NewRoot()
	a := root.Add(binding("a", shape(1, 0)))
	root.Add(binding("empty"))

	got := root.Strokes()
	require.Len(t, got, 1, "bindings without shapes are not candidates")
	assert.Equal(t, 1, got[a].Len())
}

func TestChildInheritsAndOverrides(t *testing.T) {
	root := NewRoot()
	a := root.Add(binding("a", shape(1, 0)))
	b := root.Add(binding("b", shape(0, 1)))

	app := root.AddChild("firefox", "Firefox")
	require.NoError(t, app.Set(b, binding("b2", shape(-1, 0))))
	c := app.Add(binding("c", shape(0, -1)))

	got := app.Strokes()
	require.Len(t, got, 3)
	assert.True(t, got[a].Contains(shape(1, 0)))
	assert.True(t, got[b].Contains(shape(-1, 0)), "closer scope wins")
	assert.False(t, got[b].Contains(shape(0, 1)))
	assert.True(t, got[c].Contains(shape(0, -1)))

	assert.Len(t, root.Strokes(), 2, "child changes do not leak upwards")
}

func TestDeleteSuppressesInherited(t *testing.T) {
	root := NewRoot()
	a := root.Add(binding("a", shape(1, 0)))
	app := root.AddChild("term", "XTerm")
	grand := app.AddChild("term-sub", "")

	assert.True(t, app.Delete(a))
	assert.Equal(t, StatusDeleted, app.Status(a))
	assert.NotContains(t, app.Strokes(), a)
	assert.NotContains(t, grand.Strokes(), a, "deletion applies to descendants")
	assert.Contains(t, root.Strokes(), a)

	for _, n := range []*Node{app, grand} {
		for _, tok := range n.Deleted() {
			_, added := n.added[tok]
			assert.False(t, added, "a token is never both deleted and added")
		}
	}
}

func TestOverrideWinsOverDeletion(t *testing.T) {
	root := NewRoot()
	a := root.Add(binding("a", shape(1, 0)))
	app := root.AddChild("app", "App")

	app.Delete(a)
	require.NoError(t, app.Set(a, binding("again", shape(0, 1))))

	assert.Empty(t, app.Deleted())
	got := app.Strokes()
	require.Contains(t, got, a)
	assert.True(t, got[a].Contains(shape(0, 1)))
	assert.Equal(t, StatusOverridden, app.Status(a))
}

func TestDeleteAtRootRemovesFromSubtree(t *testing.T) {
	root := NewRoot()
	a := root.Add(binding("a", shape(1, 0)))
	app := root.AddChild("app", "App")
	require.NoError(t, app.SetName(a, "renamed"))

	root.Delete(a)
	assert.Equal(t, StatusMissing, app.Status(a))
	assert.Empty(t, app.Local())
	assert.Empty(t, app.Deleted(), "no dangling deletions once the ancestor is gone")
}

func TestPartialOverrideInheritsFields(t *testing.T) {
	root := NewRoot()
	a := root.Add(binding("a", shape(1, 0)))
	app := root.AddChild("app", "App")

	require.NoError(t, app.SetAction(a, action.NewMisc(action.MiscShowHide)))
	info, ok := app.Info(a)
	require.True(t, ok)
	assert.Equal(t, "a", info.Name, "name is inherited")
	assert.True(t, info.Strokes.Contains(shape(1, 0)), "shapes are inherited")
	assert.Equal(t, action.KindMisc, info.Action.Kind)

	assert.True(t, app.Strokes()[a].Contains(shape(1, 0)), "an override without shapes keeps the inherited ones")

	require.NoError(t, app.AddStroke(a, shape(0, 1)))
	info, _ = app.Info(a)
	assert.Equal(t, 2, info.Strokes.Len())
	rootInfo, _ := root.Info(a)
	assert.Equal(t, 1, rootInfo.Strokes.Len())

	assert.True(t, app.Reset(a))
	info, _ = app.Info(a)
	assert.Equal(t, action.KindCommand, info.Action.Kind)
	assert.False(t, root.Reset(a), "reset is meaningless at the root")
}

func TestOverrideUnknownToken(t *testing.T) {
	root := NewRoot()
	assert.ErrorIs(t, root.SetName(token.New(), "x"), ErrNotFound)
	assert.ErrorIs(t, root.SetName(token.Click, "x"), ErrReservedToken)
	assert.ErrorIs(t, root.Set(token.NotFound, binding("x")), ErrReservedToken)
}

func TestStrokesIdempotent(t *testing.T) {
	root := NewRoot()
	root.Add(binding("a", shape(1, 0)))
	app := root.AddChild("app", "App")
	app.Add(binding("b", shape(0, 1)))

	first := app.Strokes()
	second := app.Strokes()
	require.Equal(t, len(first), len(second))
	for tok, s := range first {
		assert.True(t, s.Equal(second[tok]))
	}
}

func TestTokensAndBindings(t *testing.T) {
	root := NewRoot()
	b := root.Add(binding("b", shape(1, 0)))
	a := root.Add(binding("a"))
	app := root.AddChild("app", "App")
	app.Delete(b)

	assert.Equal(t, []token.Token{a, b}, root.Tokens(), "sorted by name")
	assert.Equal(t, []token.Token{a}, app.Tokens())
	assert.Len(t, app.Bindings(), 1)
}

func TestChildren(t *testing.T) {
	root := NewRoot()
	x := root.AddChild("x", "X")
	y := root.AddChild("y", "Y")
	z := x.AddChild("z", "Z")

	assert.Equal(t, []*Node{x, y}, root.Children())
	assert.Equal(t, []string{"Default", "x", "z"}, z.Path())
	assert.Same(t, z, root.Find("z"))

	require.NoError(t, root.RemoveChild(x))
	assert.Nil(t, x.Parent())
	assert.Nil(t, root.Find("z"), "removing a scope removes its subtree")
	assert.ErrorIs(t, root.RemoveChild(z), ErrNotChild)
}

func TestJSONRoundTrip(t *testing.T) {
	root := NewRoot()
	a := root.Add(binding("a", shape(1, 0)))
	b := root.Add(&Binding{Name: "key", Strokes: stroke.NewSet(shape(0, 1)), Action: action.NewSendKey(action.ModControl, 0x63)})
	app := root.AddChild("firefox", "Firefox")
	app.Delete(a)
	require.NoError(t, app.SetName(b, "copy"))
	grand := app.AddChild("private", "Firefox-private*")
	grand.Add(binding("g", shape(-1, -1)))

	data, err := json.Marshal(root)
	require.NoError(t, err)

	var got Node
	require.NoError(t, json.Unmarshal(data, &got))

	var walkA, walkB []*Node
	_ = root.Walk(func(n *Node) error { walkA = append(walkA, n); return nil })
	_ = got.Walk(func(n *Node) error { walkB = append(walkB, n); return nil })
	require.Len(t, walkB, len(walkA))

	for i := range walkA {
		assert.Equal(t, walkA[i].Name, walkB[i].Name)
		assert.Equal(t, walkA[i].App, walkB[i].App)
		want, have := walkA[i].Bindings(), walkB[i].Bindings()
		require.Equal(t, len(want), len(have), "scope %s", walkA[i].Name)
		for tok, wb := range want {
			assert.True(t, wb.Equal(have[tok]), "scope %s token %v", walkA[i].Name, tok)
		}
	}
}

func TestUnmarshalRejectsSentinel(t *testing.T) {
	data := `{"name":"Default","deleted":[],"added":{"00000000-0000-0000-0000-000000000002":{"name":"x","strokes":[]}},"children":[]}`
	var n Node
	assert.ErrorIs(t, json.Unmarshal([]byte(data), &n), ErrReservedToken)
}

func TestRefreshKeys(t *testing.T) {
	root := NewRoot()
	tok := root.Add(&Binding{Name: "k", Action: action.NewSendKey(0, 0x61)})
	app := root.AddChild("app", "App")
	require.NoError(t, app.SetAction(tok, action.NewSendKey(0, 0x62)))

	errs := root.RefreshKeys(action.NewKeymap(map[action.Keysym]uint32{0x61: 38}))
	require.Len(t, errs, 1, "unknown keysym reported")

	info, _ := root.Info(tok)
	assert.Equal(t, uint32(38), info.Action.Code())
}
