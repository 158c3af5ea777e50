package module

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"testing/fstest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMediaTypeOf(t *testing.T) {
	tests := []struct {
		origin string
		source string
		want   MediaType
	}{
		{"file:///index.ts", "", MediaTypeScript},
		{"file:///lib/util.js", "", MediaJavaScript},
		{"file:///util.js?v=2", "", MediaJavaScript},
		{"assets://local/lib.d.ts", "", MediaDeclaration},
		{"secrets:///api.json", "", MediaJSON},
		{"file:///config", `{"a": 1}`, MediaJSON},
		{"file:///empty", "", MediaUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.origin, func(t *testing.T) {
			assert.Equal(t, tt.want, MediaTypeOf(tt.origin, tt.source))
		})
	}
}

func TestCachePutIsIdempotent(t *testing.T) {
	c := NewCache()
	first := c.Put(newRecord(&Source{OriginURL: "file:///a.js", Code: "one"}))
	second := c.Put(newRecord(&Source{OriginURL: "file:///a.js", Code: "two"}))

	assert.Same(t, first, second)
	assert.Equal(t, "one", second.Source)
	assert.Equal(t, 1, c.Len())
	assert.Equal(t, []string{"file:///a.js"}, c.OriginURLs())
}

func TestCacheReload(t *testing.T) {
	c := NewCache()
	rec := c.Put(newRecord(&Source{OriginURL: "file:///a.js", Code: "src"}))
	rec.Compiled = "out"
	rec.Deps = []string{"exports"}
	rec.HasRun = true

	got, err := c.Reload("file:///a.js")
	require.NoError(t, err)
	assert.Same(t, rec, got)
	assert.Equal(t, 2, rec.Version)
	assert.Empty(t, rec.Compiled)
	assert.False(t, rec.Defined())
	assert.False(t, rec.HasRun)
	assert.Equal(t, "src", rec.Source)

	_, err = c.Reload("file:///missing.js")
	assert.ErrorIs(t, err, ErrNotCached)
}

func TestResolverCachesEdges(t *testing.T) {
	calls := 0
	loader := LoaderFunc(func(_ context.Context, specifier, referrer string) (*Source, error) {
		calls++
		return &Source{OriginURL: "file:///shared.js", Code: "define([], function () {});"}, nil
	})
	r := NewResolver(loader, nil, nil)
	ctx := context.Background()

	a, err := r.Resolve(ctx, "./shared", "file:///index.js")
	require.NoError(t, err)
	b, err := r.Resolve(ctx, "./shared", "file:///index.js")
	require.NoError(t, err)
	assert.Same(t, a, b)
	assert.Equal(t, 1, calls)

	// A different edge to the same origin shares the record.
	c, err := r.Resolve(ctx, "../shared.js", "file:///lib/x.js")
	require.NoError(t, err)
	assert.Same(t, a, c)
	assert.Equal(t, 2, calls)
	assert.Equal(t, 1, r.Cache().Len())
}

func TestResolverErrors(t *testing.T) {
	boom := errors.New("boom")
	r := NewResolver(LoaderFunc(func(context.Context, string, string) (*Source, error) {
		return nil, boom
	}), nil, nil)

	_, err := r.Resolve(context.Background(), "./x", "file:///index.js")
	var re *ResolutionError
	require.ErrorAs(t, err, &re)
	assert.Equal(t, "./x", re.Specifier)
	assert.Equal(t, "file:///index.js", re.Referrer)
	assert.ErrorIs(t, err, boom)

	empty := NewResolver(LoaderFunc(func(context.Context, string, string) (*Source, error) {
		return &Source{}, nil
	}), nil, nil)
	_, err = empty.Resolve(context.Background(), "./x", "")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = NewResolver(nil, nil, nil).Resolve(context.Background(), "./x", "")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestResolverAssets(t *testing.T) {
	r := NewResolver(nil, nil, nil)
	ctx := context.Background()

	lib, err := r.Resolve(ctx, AssetsPrefix+"lib.d.ts", "")
	require.NoError(t, err)
	assert.Equal(t, "assets://local/lib.d.ts", lib.OriginURL)
	assert.Equal(t, MediaDeclaration, lib.MediaType)
	assert.NotEmpty(t, lib.Source)

	// Bare names imported from an asset stay in the namespace.
	es, err := r.Resolve(ctx, "lib.es2017", lib.OriginURL)
	require.NoError(t, err)
	assert.Equal(t, "assets://local/lib.es2017.d.ts", es.OriginURL)

	_, err = r.Resolve(ctx, AssetsPrefix+"nope.d.ts", "")
	assert.ErrorIs(t, err, ErrNoSuchAsset)

	assert.Contains(t, AssetNames(), "lib.fly.runtime.d.ts")
}

func TestAssetName(t *testing.T) {
	tests := []struct {
		specifier string
		want      string
	}{
		{specifier: "lib", want: "lib.d.ts"},
		{specifier: "lib.d.ts", want: "lib.d.ts"},
		{specifier: "lib.es2017", want: "lib.es2017.d.ts"},
		{specifier: "lib.fly.runtime", want: "lib.fly.runtime.d.ts"},
		{specifier: "assets://local/lib.es2017.d.ts", want: "lib.es2017.d.ts"},
		{specifier: "types/lib.es2017", want: "lib.es2017.d.ts"},
	}
	for _, tt := range tests {
		t.Run(tt.specifier, func(t *testing.T) {
			assert.Equal(t, tt.want, assetName(tt.specifier))
		})
	}
}

func TestFSLoaderProbesExtensions(t *testing.T) {
	fsys := fstest.MapFS{
		"index.ts":        {Data: []byte("export const a = 1;")},
		"lib/util.js":     {Data: []byte("exports.u = 1;")},
		"lib/util.js.map": {Data: []byte(`{"version":3}`)},
		"data.json":       {Data: []byte(`{"k":"v"}`)},
		"both.ts":         {Data: []byte("ts")},
		"both.js":         {Data: []byte("js")},
	}
	l := NewFSLoader(fsys, "")
	ctx := context.Background()

	tests := []struct {
		name      string
		specifier string
		referrer  string
		origin    string
	}{
		{"exact", "index.ts", "", "file:///index.ts"},
		{"probe ts", "./index", "", "file:///index.ts"},
		{"relative to referrer", "./util", "file:///lib/other.js", "file:///lib/util.js"},
		{"parent directory", "../data", "file:///lib/util.js", "file:///data.json"},
		{"ts wins over js", "./both", "", "file:///both.ts"},
		{"absolute url", "file:///lib/util.js", "file:///index.ts", "file:///lib/util.js"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			src, err := l.Load(ctx, tt.specifier, tt.referrer)
			require.NoError(t, err)
			assert.Equal(t, tt.origin, src.OriginURL)
		})
	}

	src, err := l.Load(ctx, "./lib/util.js", "")
	require.NoError(t, err)
	assert.Equal(t, `{"version":3}`, src.SourceMap)

	_, err = l.Load(ctx, "./missing", "")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = l.Load(ctx, "https://example.com/x.js", "")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSecretsLoader(t *testing.T) {
	l, err := NewSecretsLoader([]byte("api:\n  key: abc\n  port: 8080\nname: demo\n"))
	require.NoError(t, err)
	ctx := context.Background()

	src, err := l.Load(ctx, "secrets:api.json", "")
	require.NoError(t, err)
	assert.Equal(t, "secrets:///api.json", src.OriginURL)
	assert.JSONEq(t, `{"key":"abc","port":8080}`, src.Code)
	assert.Equal(t, MediaJSON, MediaTypeOf(src.OriginURL, src.Code))

	src, err = l.Load(ctx, "secrets:///api/key", "")
	require.NoError(t, err)
	assert.Equal(t, `"abc"`, src.Code)

	_, err = l.Load(ctx, "secrets:///api/missing", "")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = l.Load(ctx, "secrets:///name/deeper", "")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestLoadSecretsFileTOML(t *testing.T) {
	name := filepath.Join(t.TempDir(), "secrets.toml")
	require.NoError(t, os.WriteFile(name, []byte("name = \"demo\"\n\n[api]\nkey = \"abc\"\nport = 8080\n"), 0o600))

	l, err := LoadSecretsFile(name)
	require.NoError(t, err)

	src, err := l.Load(context.Background(), "secrets:///api", "")
	require.NoError(t, err)
	assert.JSONEq(t, `{"key":"abc","port":8080}`, src.Code)

	bad := filepath.Join(t.TempDir(), "bad.toml")
	require.NoError(t, os.WriteFile(bad, []byte("= nope"), 0o600))
	_, err = LoadSecretsFile(bad)
	assert.Error(t, err)
}

func TestSchemeLoader(t *testing.T) {
	miss := LoaderFunc(func(context.Context, string, string) (*Source, error) {
		return nil, ErrNotFound
	})
	hit := LoaderFunc(func(_ context.Context, specifier, _ string) (*Source, error) {
		return &Source{OriginURL: "file:///" + specifier, Code: "x"}, nil
	})
	l := NewSchemeLoader("", nil).Register("file", miss).Register("file", hit)
	ctx := context.Background()

	src, err := l.Load(ctx, "index.js", "")
	require.NoError(t, err)
	assert.Equal(t, "file:///index.js", src.OriginURL)

	_, err = l.Load(ctx, "https://example.com/x.js", "")
	assert.ErrorIs(t, err, ErrNotFound)

	onlyMiss := NewSchemeLoader("", nil).Register("file", miss)
	_, err = onlyMiss.Load(ctx, "index.js", "")
	assert.ErrorIs(t, err, ErrNotFound)
}
