package isolate

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"time"

	"github.com/dop251/goja"

	"github.com/superfly/fly.rs/internal/bridge"
	"github.com/superfly/fly.rs/internal/hostapi"
)

// body is an opaque streamed body handed to scripts. It is read at most
// once.
type body struct {
	r io.Reader
}

func (b *body) readAll() ([]byte, error) {
	defer closeReader(b.r)
	return io.ReadAll(b.r)
}

func (b *body) readCloser() io.ReadCloser {
	if rc, ok := b.r.(io.ReadCloser); ok {
		return rc
	}
	return io.NopCloser(b.r)
}

func closeReader(r io.Reader) {
	if c, ok := r.(io.Closer); ok {
		_ = c.Close()
	}
}

// nativeObject exposes the host APIs the prelude builds on. Every argument
// has already been normalized by the prelude.
func (i *Isolate) nativeObject() *goja.Object {
	vm := i.vm
	c := i.client
	n := vm.NewObject()

	set := func(name string, fn func(goja.FunctionCall) goja.Value) {
		_ = n.Set(name, fn)
	}

	set("isBody", func(call goja.FunctionCall) goja.Value {
		_, ok := call.Argument(0).Export().(*body)
		return vm.ToValue(ok)
	})
	set("encode", func(call goja.FunctionCall) goja.Value {
		return vm.ToValue(vm.NewArrayBuffer([]byte(call.Argument(0).String())))
	})
	set("decode", func(call goja.FunctionCall) goja.Value {
		return vm.ToValue(string(i.bytesArg(call.Argument(0))))
	})
	set("readBody", func(call goja.FunctionCall) goja.Value {
		b, ok := call.Argument(0).Export().(*body)
		if !ok {
			panic(vm.NewTypeError("not a body"))
		}
		return i.async(func(context.Context) (any, error) {
			return b.readAll()
		}, i.arrayBuffer)
	})

	set("fetch", func(call goja.FunctionCall) goja.Value {
		req := &bridge.Request{
			Method: call.Argument(0).String(),
			URL:    call.Argument(1).String(),
			Header: i.headerArg(call.Argument(2)),
		}
		switch b := call.Argument(3).Export().(type) {
		case *body:
			req.Body = b.readCloser()
		case nil:
		default:
			req.Body = io.NopCloser(bytes.NewReader(i.bytesArg(call.Argument(3))))
		}
		return i.async(func(ctx context.Context) (any, error) {
			return c.Fetch.Fetch(ctx, req)
		}, func(v any) goja.Value {
			return i.responseParts(v.(*bridge.Response))
		})
	})

	set("cacheGet", func(call goja.FunctionCall) goja.Value {
		key := call.Argument(0).String()
		return i.async(func(ctx context.Context) (any, error) {
			v, ok, err := c.Cache.GetString(ctx, key)
			if err != nil || !ok {
				return nil, err
			}
			return v, nil
		}, nil)
	})
	set("cacheGetBuffer", func(call goja.FunctionCall) goja.Value {
		key := call.Argument(0).String()
		return i.async(func(ctx context.Context) (any, error) {
			v, ok, err := c.Cache.Get(ctx, key)
			if err != nil || !ok {
				return nil, err
			}
			return v, nil
		}, func(v any) goja.Value {
			if v == nil {
				return goja.Null()
			}
			return i.arrayBuffer(v)
		})
	})
	set("cacheSet", func(call goja.FunctionCall) goja.Value {
		key := call.Argument(0).String()
		value := i.bytesArg(call.Argument(1))
		opts := hostapi.SetOptions{
			TTL:         i.secondsArg(call.Argument(2)),
			Tags:        i.stringsArg(call.Argument(3)),
			Meta:        call.Argument(4).String(),
			OnlyIfEmpty: call.Argument(5).ToBoolean(),
		}
		return i.async(func(ctx context.Context) (any, error) {
			return true, c.Cache.Set(ctx, key, value, opts)
		}, nil)
	})
	set("cacheDel", func(call goja.FunctionCall) goja.Value {
		key := call.Argument(0).String()
		return i.async(func(ctx context.Context) (any, error) {
			return found(c.Cache.Del(ctx, key))
		}, nil)
	})
	set("cacheExpire", func(call goja.FunctionCall) goja.Value {
		key := call.Argument(0).String()
		ttl := i.secondsArg(call.Argument(1))
		return i.async(func(ctx context.Context) (any, error) {
			return found(c.Cache.Expire(ctx, key, ttl))
		}, nil)
	})
	set("cacheSetMeta", func(call goja.FunctionCall) goja.Value {
		key, meta := call.Argument(0).String(), call.Argument(1).String()
		return i.async(func(ctx context.Context) (any, error) {
			return found(c.Cache.SetMeta(ctx, key, meta))
		}, nil)
	})
	set("cacheSetTags", func(call goja.FunctionCall) goja.Value {
		key, tags := call.Argument(0).String(), i.stringsArg(call.Argument(1))
		return i.async(func(ctx context.Context) (any, error) {
			return found(c.Cache.SetTags(ctx, key, tags))
		}, nil)
	})
	set("cachePurgeTag", func(call goja.FunctionCall) goja.Value {
		tag := call.Argument(0).String()
		return i.async(func(ctx context.Context) (any, error) {
			return c.Cache.PurgeTag(ctx, tag)
		}, func(v any) goja.Value {
			return i.stringArray(v.([]string))
		})
	})

	set("dataPut", func(call goja.FunctionCall) goja.Value {
		coll, key, doc := call.Argument(0).String(), call.Argument(1).String(), call.Argument(2).String()
		return i.async(func(ctx context.Context) (any, error) {
			return true, c.Data.Collection(coll).PutJSON(ctx, key, doc)
		}, nil)
	})
	set("dataGet", func(call goja.FunctionCall) goja.Value {
		coll, key := call.Argument(0).String(), call.Argument(1).String()
		return i.async(func(ctx context.Context) (any, error) {
			doc, ok, err := c.Data.Collection(coll).GetJSON(ctx, key)
			if err != nil || !ok {
				return nil, err
			}
			return doc, nil
		}, nil)
	})
	set("dataDel", func(call goja.FunctionCall) goja.Value {
		coll, key := call.Argument(0).String(), call.Argument(1).String()
		return i.async(func(ctx context.Context) (any, error) {
			return found(c.Data.Collection(coll).Del(ctx, key))
		}, nil)
	})
	set("dataIncr", func(call goja.FunctionCall) goja.Value {
		coll, key, field := call.Argument(0).String(), call.Argument(1).String(), call.Argument(2).String()
		amount := call.Argument(3).ToInteger()
		return i.async(func(ctx context.Context) (any, error) {
			return true, c.Data.Collection(coll).Increment(ctx, key, field, amount)
		}, nil)
	})
	set("dataDrop", func(call goja.FunctionCall) goja.Value {
		name := call.Argument(0).String()
		return i.async(func(ctx context.Context) (any, error) {
			return found(c.Data.DropCollection(ctx, name))
		}, nil)
	})

	set("randomBytes", func(call goja.FunctionCall) goja.Value {
		buf, err := c.Crypto.RandomValues(i.ctx, int(call.Argument(0).ToInteger()))
		if err != nil {
			panic(vm.NewGoError(err))
		}
		return i.arrayBuffer(buf)
	})
	set("digest", func(call goja.FunctionCall) goja.Value {
		algo, data := call.Argument(0).String(), i.bytesArg(call.Argument(1))
		return i.async(func(ctx context.Context) (any, error) {
			return c.Crypto.Digest(ctx, algo, data)
		}, i.arrayBuffer)
	})

	set("exit", func(call goja.FunctionCall) goja.Value {
		code := int(call.Argument(0).ToInteger())
		if err := c.OS.Exit(i.ctx, code); err != nil {
			panic(vm.NewGoError(err))
		}
		i.exit(code)
		i.loop.Stop()
		return goja.Undefined()
	})
	return n
}

// found maps a NotFound host error to false.
func found(err error) (any, error) {
	if bridge.IsNotFound(err) {
		return false, nil
	}
	return err == nil, err
}

func (i *Isolate) arrayBuffer(v any) goja.Value {
	return i.vm.ToValue(i.vm.NewArrayBuffer(v.([]byte)))
}

// bytesArg reads a string or ArrayBuffer argument. The result is a copy.
func (i *Isolate) bytesArg(v goja.Value) []byte {
	switch x := v.Export().(type) {
	case nil:
		return nil
	case goja.ArrayBuffer:
		return bytes.Clone(x.Bytes())
	case []byte:
		return bytes.Clone(x)
	default:
		return []byte(v.String())
	}
}

func (i *Isolate) stringsArg(v goja.Value) []string {
	var out []string
	if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
		return nil
	}
	if err := i.vm.ExportTo(v, &out); err != nil {
		panic(i.vm.NewTypeError("expected an array of strings"))
	}
	return out
}

func (i *Isolate) secondsArg(v goja.Value) time.Duration {
	return time.Duration(v.ToFloat() * float64(time.Second))
}

// headerArg reads a Headers list of [name, value] pairs.
func (i *Isolate) headerArg(v goja.Value) http.Header {
	var pairs [][]string
	if err := i.vm.ExportTo(v, &pairs); err != nil {
		panic(i.vm.NewTypeError("invalid headers"))
	}
	h := make(http.Header, len(pairs))
	for _, p := range pairs {
		if len(p) == 2 {
			h.Add(p[0], p[1])
		}
	}
	return h
}

// headerPairs builds a script array of [name, value] pairs.
func (i *Isolate) headerPairs(h http.Header) *goja.Object {
	hs := bridge.HeaderToWire(h)
	pairs := make([]any, 0, len(hs))
	for _, kv := range hs {
		pairs = append(pairs, i.vm.NewArray(kv.Key, kv.Value))
	}
	return i.vm.NewArray(pairs...)
}

func (i *Isolate) stringArray(ss []string) *goja.Object {
	items := make([]any, len(ss))
	for n, s := range ss {
		items[n] = s
	}
	return i.vm.NewArray(items...)
}

// responseParts describes a fetched response for the prelude's Response
// constructor.
func (i *Isolate) responseParts(res *bridge.Response) goja.Value {
	obj := i.vm.NewObject()
	_ = obj.Set("status", res.Status)
	_ = obj.Set("headers", i.headerPairs(res.Header))
	switch {
	case len(res.Static) > 0:
		_ = obj.Set("body", i.vm.NewArrayBuffer(res.Static))
	case res.Body != nil:
		_ = obj.Set("body", &body{r: res.Body})
	default:
		_ = obj.Set("body", goja.Null())
	}
	return obj
}
