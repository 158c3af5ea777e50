package hostapi

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/superfly/fly.rs/internal/bridge"
	"github.com/superfly/fly.rs/internal/module"
	"github.com/superfly/fly.rs/internal/wire"
)

// MaxRandomValues mirrors the Web Crypto quota for getRandomValues.
const MaxRandomValues = 65536

var ErrQuotaExceeded = errors.New("random values request exceeds 65536 bytes")

// Crypto exposes host digests and randomness.
type Crypto struct {
	bridge Bridge
}

// NewCrypto returns a crypto client sending commands over b.
func NewCrypto(b Bridge) *Crypto {
	return &Crypto{bridge: b}
}

// Digest hashes data with the named algorithm, e.g. "SHA-256".
func (c *Crypto) Digest(ctx context.Context, algo string, data []byte) ([]byte, error) {
	res, _, err := expect[*wire.CryptoDigestReady](c.bridge.Call(ctx, &wire.CryptoDigest{Algo: algo}, data))
	if err != nil {
		return nil, err
	}
	return res.Buffer, nil
}

// RandomValues returns n random bytes.
func (c *Crypto) RandomValues(ctx context.Context, n int) ([]byte, error) {
	if n > MaxRandomValues {
		return nil, ErrQuotaExceeded
	}
	res, _, err := expect[*wire.CryptoRandomValuesReady](c.bridge.SendSync(ctx, &wire.CryptoRandomValues{Len: uint32(n)}, nil))
	if err != nil {
		return nil, err
	}
	if len(res.Buffer) != n {
		return nil, fmt.Errorf("host returned %d random bytes, want %d", len(res.Buffer), n)
	}
	return res.Buffer, nil
}

// OS exposes process-level host commands.
type OS struct {
	bridge Bridge
}

// NewOS returns a process client sending commands over b.
func NewOS(b Bridge) *OS {
	return &OS{bridge: b}
}

// Exit asks the host to terminate the isolate with code.
func (o *OS) Exit(ctx context.Context, code int) error {
	_, err := o.bridge.SendSync(ctx, &wire.OsExit{Code: int32(code)}, nil)
	return err
}

// SourceMaps maps compiled stack positions back to source through the host.
type SourceMaps struct {
	bridge Bridge
}

// NewSourceMaps returns a source map client sending commands over b.
func NewSourceMaps(b Bridge) *SourceMaps {
	return &SourceMaps{bridge: b}
}

// Symbolicate maps frames. Frames the host cannot map come back unchanged.
func (s *SourceMaps) Symbolicate(ctx context.Context, frames []wire.StackFrame) ([]wire.StackFrame, error) {
	if len(frames) == 0 {
		return nil, nil
	}
	res, _, err := expect[*wire.SourceMapReady](s.bridge.SendSync(ctx, &wire.SourceMap{Frames: frames}, nil))
	if err != nil {
		return nil, err
	}
	return res.Frames, nil
}

// FormatStack renders frames below message in the V8 stack layout.
func FormatStack(message string, frames []wire.StackFrame) string {
	var b strings.Builder
	b.WriteString(message)
	for _, f := range frames {
		b.WriteString("\n    at ")
		loc := fmt.Sprintf("%s:%d:%d", f.Filename, f.Line, f.Col)
		if f.Name != "" {
			fmt.Fprintf(&b, "%s (%s)", f.Name, loc)
		} else {
			b.WriteString(loc)
		}
	}
	return b.String()
}

// ModuleLoader asks the host for module source. It satisfies module.Loader.
// ModuleLoader loads module sources from the host. It is a module.Loader.
type ModuleLoader struct {
	bridge Bridge
}

// NewModuleLoader returns a loader sending commands over b.
func NewModuleLoader(b Bridge) *ModuleLoader {
	return &ModuleLoader{bridge: b}
}

// Load asks the host for the source of specifier. The call is synchronous.
func (l *ModuleLoader) Load(ctx context.Context, specifier, referrer string) (*module.Source, error) {
	res, _, err := expect[*wire.LoadModuleResp](l.bridge.SendSync(ctx, &wire.LoadModule{
		SpecifierURL:     specifier,
		RefererOriginURL: referrer,
	}, nil))
	if err != nil {
		if bridge.IsNotFound(err) {
			return nil, fmt.Errorf("%w: %v", module.ErrNotFound, err)
		}
		return nil, err
	}
	return &module.Source{
		OriginURL: res.OriginURL,
		Code:      res.SourceCode,
		SourceMap: res.SourceMap,
	}, nil
}
