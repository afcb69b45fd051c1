package store

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"strokebind/internal/action"
	"strokebind/internal/actiondb"
	"strokebind/internal/stroke"
)

func shape(dx, dy float64) *stroke.Stroke {
	return &stroke.Stroke{Points: []stroke.Point{{X: 0, Y: 0}, {X: dx, Y: dy}}}
}

func writeFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), FileName)
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))
	return path
}

func names(n *actiondb.Node) []string {
	var out []string
	for _, tok := range n.Tokens() {
		info, _ := n.Info(tok)
		out = append(out, info.Name)
	}
	return out
}

func TestSaveLoadRoundTrip(t *testing.T) {
	root := actiondb.NewRoot()
	a := root.Add(&actiondb.Binding{Name: "back", Strokes: stroke.NewSet(shape(-1, 0)), Action: action.NewSendKey(action.ModMod1, 0xff51)})
	b := root.Add(&actiondb.Binding{Name: "term", Strokes: stroke.NewSet(shape(0, 1)), Action: action.NewCommand("xterm")})
	app := root.AddChild("Firefox", "firefox")
	app.Delete(b)
	require.NoError(t, app.SetName(a, "history back"))
	app.AddChild("Private", "firefox-private*").Add(&actiondb.Binding{Name: "close", Strokes: stroke.NewSet(shape(1, 1)), Action: action.NewMisc(action.MiscShowHide)})

	path := filepath.Join(t.TempDir(), "sub", FileName)
	require.NoError(t, Save(path, root))

	fi, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), fi.Mode().Perm())

	got, err := Load(path, action.NewKeymap(map[action.Keysym]uint32{0xff51: 113}))
	require.NoError(t, err)
	assert.Equal(t, actiondb.DefaultName, got.Name)

	gotApp := got.Find("Firefox")
	require.NotNil(t, gotApp)
	assert.Equal(t, "firefox", gotApp.App)
	assert.Equal(t, actiondb.StatusDeleted, gotApp.Status(b))
	info, ok := gotApp.Info(a)
	require.True(t, ok)
	assert.Equal(t, "history back", info.Name)
	assert.Equal(t, uint32(113), info.Action.Code(), "key codes are recomputed on load")

	priv := got.Find("Private")
	require.NotNil(t, priv)
	assert.Equal(t, []string{"back", "term"}, names(got))
	assert.Len(t, priv.Strokes(), 2)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.NotContains(t, string(data), `"code"`, "derived codes are not persisted")
}

func TestSaveReplacesExisting(t *testing.T) {
	path := filepath.Join(t.TempDir(), FileName)
	first := actiondb.NewRoot()
	first.Add(&actiondb.Binding{Name: "one", Strokes: stroke.NewSet(shape(1, 0))})
	require.NoError(t, Save(path, first))

	second := actiondb.NewRoot()
	second.Add(&actiondb.Binding{Name: "two", Strokes: stroke.NewSet(shape(0, 1))})
	require.NoError(t, Save(path, second))

	got, err := Load(path, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"two"}, names(got))

	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "no temporary files left behind")
}

func TestSaveFailure(t *testing.T) {
	dir := t.TempDir()
	blocker := filepath.Join(dir, "notadir")
	require.NoError(t, os.WriteFile(blocker, nil, 0600))

	err := Save(filepath.Join(blocker, FileName), actiondb.NewRoot())
	require.Error(t, err)
	var pe *PathError
	require.True(t, errors.As(err, &pe))
	assert.Equal(t, "save", pe.Op)
}

func TestLoadVersion0(t *testing.T) {
	path := writeFile(t, `{
		"version": 0,
		"strokes": {
			"zoom": {"strokes": [{"points": [{"x":0,"y":0},{"x":1,"y":1}]}], "action": {"type":"command","cmd":"zoom"}},
			"alpha": {"name": "ignored", "strokes": [], "action": {"type":"scroll","mods":4}}
		}
	}`)

	root, err := Load(path, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"alpha", "zoom"}, names(root), "names come from the keys")
	assert.Len(t, root.Strokes(), 1)
	for _, b := range root.Bindings() {
		if b.Name == "alpha" {
			assert.Equal(t, action.KindScroll, b.Action.Kind)
			assert.Equal(t, action.ModControl, b.Action.Mods)
		}
	}
}

func TestLoadMissingVersionIsVersion0(t *testing.T) {
	root, version, err := Decode([]byte(`{"strokes": {"tap": {}}}`))
	require.NoError(t, err)
	assert.Equal(t, 0, version)
	assert.Equal(t, []string{"tap"}, names(root))
}

func TestLoadVersion1(t *testing.T) {
	path := writeFile(t, `{
		"version": 1,
		"strokes": {
			"10": {"name": "ten", "strokes": [{"points": [{"x":0,"y":0},{"x":0,"y":1}]}], "action": {"type":"ignore"}},
			"2": {"name": "two", "strokes": [{"points": [{"x":0,"y":0},{"x":1,"y":0}]}], "action": {"type":"button","button":3}}
		}
	}`)

	root, err := Load(path, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"ten", "two"}, names(root))
	toks := root.Tokens()
	require.Len(t, toks, 2)
	assert.NotEqual(t, toks[0], toks[1])
	for _, tok := range toks {
		assert.True(t, tok.Storable(), "legacy entries get fresh tokens")
	}
	assert.Empty(t, root.Children())
}

func TestLoadVersion1RejectsNonIntegerKeys(t *testing.T) {
	_, _, err := Decode([]byte(`{"version": 1, "strokes": {"abc": {}}}`))
	assert.ErrorIs(t, err, ErrInvalid)
}

func TestLoadForcesRootName(t *testing.T) {
	root, _, err := Decode([]byte(`{"version": 2, "root": {"name": "Renamed", "app": "x", "deleted": [], "added": {}, "children": []}}`))
	require.NoError(t, err)
	assert.Equal(t, actiondb.DefaultName, root.Name)
	assert.Empty(t, root.App)
}

func TestLoadErrors(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    error
	}{
		{"future version", `{"version": 3, "root": {}}`, ErrUnsupportedVersion},
		{"malformed", `{"version": 2, "root": `, ErrInvalid},
		{"not an object", `[1, 2]`, ErrInvalid},
		{"missing root", `{"version": 2}`, ErrInvalid},
		{"unknown action", `{"version": 0, "strokes": {"x": {"action": {"type": "teleport"}}}}`, ErrInvalid},
		{"bad token", `{"version": 2, "root": {"name": "Default", "added": {"nope": {}}}}`, ErrInvalid},
		{"reserved token", `{"version": 2, "root": {"name": "Default", "added": {"00000000-0000-0000-0000-000000000001": {}}}}`, actiondb.ErrReservedToken},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeFile(t, tt.content)
			root, err := Load(path, nil)
			assert.Nil(t, root)
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.want)

			var pe *PathError
			require.True(t, errors.As(err, &pe))
			assert.Equal(t, path, pe.Path)
		})
	}
}

func TestLoadNotExist(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), FileName), nil)
	assert.ErrorIs(t, err, ErrNotExist)
}

func TestMigrate(t *testing.T) {
	src := writeFile(t, `{"version": 0, "strokes": {"left": {"strokes": [{"points": [{"x":0,"y":0},{"x":-1,"y":0}]}], "action": {"type":"command","cmd":"prev"}}}}`)
	dst := filepath.Join(t.TempDir(), "out", FileName)

	version, err := Migrate(src, dst)
	require.NoError(t, err)
	assert.Equal(t, 0, version)

	root, version, err := func() (*actiondb.Node, int, error) {
		data, err := os.ReadFile(dst)
		if err != nil {
			return nil, 0, err
		}
		return Decode(data)
	}()
	require.NoError(t, err)
	assert.Equal(t, CurrentVersion, version)
	assert.Equal(t, []string{"left"}, names(root))
}

func TestPath(t *testing.T) {
	assert.Equal(t, filepath.Join("/cfg", "actions"), Path("/cfg"))
}
