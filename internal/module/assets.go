package module

import (
	"embed"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strings"
)

// AssetsPrefix names the built-in declaration files.
const AssetsPrefix = "assets://local/"

//go:embed assets/*.d.ts
var assetFS embed.FS

// isAsset reports whether specifier is served from the assets namespace,
// either directly or because it is imported by an asset.
func isAsset(specifier, referrer string) bool {
	return strings.HasPrefix(specifier, AssetsPrefix) || strings.HasPrefix(referrer, AssetsPrefix)
}

// assetName strips any path from specifier and appends ".d.ts" unless the
// name already ends with it, so "lib.es2017" names "lib.es2017.d.ts".
func assetName(specifier string) string {
	name := specifier
	if i := strings.LastIndex(name, "/"); i >= 0 {
		name = name[i+1:]
	}
	if !strings.HasSuffix(name, ".d.ts") {
		name += ".d.ts"
	}
	return name
}

func loadAsset(specifier string) (*Source, error) {
	name := assetName(specifier)
	b, err := assetFS.ReadFile(path.Join("assets", name))
	if err != nil {
		return nil, fmt.Errorf("%w %q", ErrNoSuchAsset, name)
	}
	return &Source{OriginURL: AssetsPrefix + name, Code: string(b)}, nil
}

// AssetNames lists the embedded assets.
func AssetNames() []string {
	entries, err := fs.ReadDir(assetFS, "assets")
	if err != nil {
		return nil
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	sort.Strings(names)
	return names
}
