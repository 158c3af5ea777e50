package cli

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/superfly/fly.rs/internal/infrastructure/config"
	"github.com/superfly/fly.rs/internal/infrastructure/logging"
)

func testRootOptions() *RootOptions {
	return &RootOptions{Config: config.Default(), Logger: logging.NewNop()}
}

func writeFiles(t *testing.T, dir string, files map[string]string) {
	t.Helper()
	for name, src := range files {
		p := filepath.Join(dir, filepath.FromSlash(name))
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
		require.NoError(t, os.WriteFile(p, []byte(src), 0o644))
	}
}

func TestCompileWritesOutput(t *testing.T) {
	src := t.TempDir()
	out := t.TempDir()
	writeFiles(t, src, map[string]string{
		"app.ts":         "export function double(n: number): number {\n\treturn n * 2;\n}\n",
		"lib/util.ts":    "export const greeting: string = \"hi\";\n",
		"types/env.d.ts": "declare const FLY: string;\n",
	})

	buf := &bytes.Buffer{}
	cmd := NewCompileCommand(testRootOptions())
	cmd.SetOut(buf)
	cmd.SetArgs([]string{"-C", src, "-o", out, "**/*.ts"})
	require.NoError(t, cmd.Execute())

	app, err := os.ReadFile(filepath.Join(out, "app.js"))
	require.NoError(t, err)
	assert.Contains(t, string(app), "double")
	assert.NotContains(t, string(app), ": number")
	assert.Contains(t, string(app), "//# sourceURL=file:///app.ts")

	_, err = os.Stat(filepath.Join(out, "app.js.map"))
	assert.NoError(t, err)
	_, err = os.Stat(filepath.Join(out, "lib", "util.js"))
	assert.NoError(t, err)
	_, err = os.Stat(filepath.Join(out, "types", "env.js"))
	assert.True(t, os.IsNotExist(err))

	assert.Contains(t, buf.String(), filepath.Join(out, "app.js"))
}

func TestCompilePrintsWithoutOutDir(t *testing.T) {
	src := t.TempDir()
	writeFiles(t, src, map[string]string{"main.js": "console.log(\"ready\");\n"})

	buf := &bytes.Buffer{}
	cmd := NewCompileCommand(testRootOptions())
	cmd.SetOut(buf)
	cmd.SetArgs([]string{"-C", src, "main.js"})
	require.NoError(t, cmd.Execute())

	assert.Contains(t, buf.String(), "// file:///main.js")
	assert.Contains(t, buf.String(), "ready")
}

func TestCompileReportsFailures(t *testing.T) {
	src := t.TempDir()
	writeFiles(t, src, map[string]string{
		"good.ts": "export const ok = 1;\n",
		"bad.ts":  "export const = ;\n",
	})

	out, errOut := &bytes.Buffer{}, &bytes.Buffer{}
	cmd := NewCompileCommand(testRootOptions())
	cmd.SetOut(out)
	cmd.SetErr(errOut)
	cmd.SetArgs([]string{"-C", src, "*.ts"})

	err := cmd.Execute()
	require.ErrorIs(t, err, ErrCompileFailed)
	assert.Contains(t, err.Error(), "1 of 2")
	assert.Contains(t, errOut.String(), "bad.ts")
	assert.Contains(t, out.String(), "file:///good.ts")
}

func TestCompileNoMatches(t *testing.T) {
	cmd := NewCompileCommand(testRootOptions())
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"-C", t.TempDir(), "*.ts"})

	err := cmd.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no files match")
}

func TestExpandGlobs(t *testing.T) {
	src := t.TempDir()
	writeFiles(t, src, map[string]string{
		"a.ts":          "",
		"b.js":          "",
		"b.js.map":      "",
		"nested/c.ts":   "",
		"nested/c.d.ts": "",
	})

	files, err := expandGlobs(os.DirFS(src), []string{"./**/*.ts", "*.js*", "a.ts"})
	require.NoError(t, err)
	assert.Equal(t, []string{"a.ts", "b.js", "nested/c.ts"}, files)

	_, err = expandGlobs(os.DirFS(src), []string{"[a-"})
	assert.Error(t, err)
}
