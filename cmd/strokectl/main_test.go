package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"strokebind/internal/action"
	"strokebind/internal/config"
	"strokebind/internal/store"
)

const v1Actions = `{
	"version": 1,
	"strokes": {
		"1": {"name": "back", "strokes": [{"points": [{"x":1,"y":0},{"x":0,"y":0}]}], "action": {"type":"command","cmd":"true"}}
	}
}`

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := newRootCommand(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestMigrateAndCheck(t *testing.T) {
	dir := t.TempDir()
	in := filepath.Join(dir, "old")
	out := filepath.Join(dir, "new", "actions")
	require.NoError(t, os.WriteFile(in, []byte(v1Actions), 0600))

	msg, err := execute(t, "migrate", in, out)
	require.NoError(t, err)
	assert.Contains(t, msg, "version 1")

	root, err := store.Load(out, nil)
	require.NoError(t, err)
	assert.Len(t, root.Tokens(), 1)

	msg, err = execute(t, "check", out)
	require.NoError(t, err)
	assert.Contains(t, msg, "Default: 1 bindings, 1 local, 0 deleted")
}

func TestCheckRejectsFutureVersion(t *testing.T) {
	path := filepath.Join(t.TempDir(), "actions")
	require.NoError(t, os.WriteFile(path, []byte(`{"version": 9, "root": {}}`), 0600))

	_, err := execute(t, "check", path)
	assert.ErrorIs(t, err, store.ErrUnsupportedVersion)
}

func TestActionFlags(t *testing.T) {
	a, err := (&actionFlags{key: "0xff51", mods: "Ctrl+Alt"}).action()
	require.NoError(t, err)
	assert.Equal(t, action.KindSendKey, a.Kind)
	assert.Equal(t, action.ModControl|action.ModMod1, a.Mods)

	a, err = (&actionFlags{misc: "showhide"}).action()
	require.NoError(t, err)
	assert.Equal(t, action.MiscShowHide, a.Misc)

	_, err = (&actionFlags{}).action()
	assert.Error(t, err)

	_, err = (&actionFlags{cmd: "true", scroll: true}).action()
	assert.Error(t, err)

	_, err = (&actionFlags{ignore: true, mods: "Hyper"}).action()
	assert.Error(t, err)
}

func TestReadStrokes(t *testing.T) {
	dir := t.TempDir()
	one := filepath.Join(dir, "one.json")
	many := filepath.Join(dir, "many.json")
	require.NoError(t, os.WriteFile(one, []byte(`{"points":[{"x":0,"y":0},{"x":1,"y":1}],"button":3}`), 0600))
	require.NoError(t, os.WriteFile(many, []byte(`[{"points":[{"x":0,"y":0}]},{"trivial":true}]`), 0600))

	s, err := readStrokes(one)
	require.NoError(t, err)
	require.Len(t, s, 1)
	assert.Equal(t, uint(3), s[0].Button)

	s, err = readStrokes(many)
	require.NoError(t, err)
	require.Len(t, s, 2)
	assert.True(t, s[1].Trivial)
}

func TestDaemonNotRunning(t *testing.T) {
	dir, err := os.MkdirTemp("", "sbctl")
	require.NoError(t, err)
	defer os.RemoveAll(dir)

	_, err = execute(t, "--socket", filepath.Join(dir, "none.sock"), "status")
	assert.Error(t, err)
}

func TestConfigInit(t *testing.T) {
	dir := t.TempDir()
	t.Setenv(config.EnvConfigDir, dir)
	path := filepath.Join(dir, "config.toml")

	msg, err := execute(t, "--config", path, "config", "init")
	require.NoError(t, err)
	assert.Contains(t, msg, "wrote "+path)
	_, err = os.Stat(path)
	require.NoError(t, err)

	msg, err = execute(t, "--config", path, "config", "init")
	require.NoError(t, err)
	assert.Contains(t, msg, "already exists")

	msg, err = execute(t, "--config", path, "config", "show")
	require.NoError(t, err)
	assert.Contains(t, msg, filepath.Join(dir, "actions"))
}

func TestOverrideNeedsAChange(t *testing.T) {
	_, err := execute(t, "override", "3f2a", "--scope", "Browser")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "nothing to override")

	assert.False(t, (&actionFlags{mods: "Ctrl"}).given(), "modifiers alone pick no action")
	assert.True(t, (&actionFlags{button: 2}).given())
}
