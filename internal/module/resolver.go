package module

import (
	"context"
	"errors"
	"fmt"
	"net/url"

	"go.uber.org/zap"
)

var (
	ErrNoSuchAsset = errors.New("no such asset")
	ErrNotFound    = errors.New("module not found")
)

// Source is what a Loader returns for a specifier.
type Source struct {
	OriginURL string
	Code      string
	SourceMap string
}

// Loader fetches module source. referrer is the origin URL of the importing
// module, or empty for top-level specifiers.
type Loader interface {
	Load(ctx context.Context, specifier, referrer string) (*Source, error)
}

// LoaderFunc adapts a function into a Loader.
type LoaderFunc func(ctx context.Context, specifier, referrer string) (*Source, error)

func (f LoaderFunc) Load(ctx context.Context, specifier, referrer string) (*Source, error) {
	return f(ctx, specifier, referrer)
}

// ResolutionError reports a specifier that could not be resolved.
type ResolutionError struct {
	Specifier string
	Referrer  string
	Err       error
}

func (e *ResolutionError) Error() string {
	if e.Referrer == "" {
		return fmt.Sprintf("failed to resolve %q: %v", e.Specifier, e.Err)
	}
	return fmt.Sprintf("failed to resolve %q from %q: %v", e.Specifier, e.Referrer, e.Err)
}

func (e *ResolutionError) Unwrap() error {
	return e.Err
}

// Resolver maps specifiers to cached records, serving the built-in assets
// namespace itself and delegating everything else to a Loader.
type Resolver struct {
	loader Loader
	cache  *Cache
	logger *zap.Logger
}

// NewResolver returns a resolver loading through loader. A nil cache gets a
// fresh one; a nil loader serves embedded assets only.
func NewResolver(loader Loader, cache *Cache, logger *zap.Logger) *Resolver {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cache == nil {
		cache = NewCache()
	}
	return &Resolver{loader: loader, cache: cache, logger: logger}
}

// Cache returns the module cache backing r.
func (r *Resolver) Cache() *Cache {
	return r.cache
}

// Resolve returns the record for specifier as imported by referrer.
func (r *Resolver) Resolve(ctx context.Context, specifier, referrer string) (*Record, error) {
	if rec, ok := r.cache.lookupEdge(specifier, referrer); ok {
		return rec, nil
	}

	src, err := r.fetch(ctx, specifier, referrer)
	if err != nil {
		return nil, &ResolutionError{Specifier: specifier, Referrer: referrer, Err: err}
	}
	if src.OriginURL == "" {
		return nil, &ResolutionError{Specifier: specifier, Referrer: referrer, Err: ErrNotFound}
	}

	rec, ok := r.cache.Get(src.OriginURL)
	if !ok {
		rec = r.cache.Put(newRecord(src))
		r.logger.Debug("Module resolved",
			zap.String("specifier", specifier),
			zap.String("origin_url", rec.OriginURL),
			zap.Stringer("media_type", rec.MediaType),
		)
	}
	r.cache.storeEdge(specifier, referrer, rec.OriginURL)
	return rec, nil
}

func (r *Resolver) fetch(ctx context.Context, specifier, referrer string) (*Source, error) {
	if isAsset(specifier, referrer) {
		return loadAsset(specifier)
	}
	if r.loader == nil {
		return nil, ErrNotFound
	}
	return r.loader.Load(ctx, specifier, referrer)
}

// joinURL resolves specifier against base. Absolute specifiers pass through.
func joinURL(specifier, base string) (*url.URL, error) {
	u, err := url.Parse(specifier)
	if err != nil {
		return nil, err
	}
	if u.IsAbs() {
		return u, nil
	}
	if base == "" {
		return nil, fmt.Errorf("relative specifier %q without a base", specifier)
	}
	b, err := url.Parse(base)
	if err != nil {
		return nil, err
	}
	return b.ResolveReference(u), nil
}
