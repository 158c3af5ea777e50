package isolate

import (
	"bytes"
	"context"
	"fmt"

	"github.com/bytedance/sonic"
	"github.com/dop251/goja"

	"github.com/superfly/fly.rs/internal/bridge"
	"github.com/superfly/fly.rs/internal/task"
	"github.com/superfly/fly.rs/internal/wire"
)

// onFetch hops a fetch event onto the loop. It runs on a bridge goroutine.
func (i *Isolate) onFetch(ev *bridge.FetchEvent) {
	fut := task.New[*bridge.Response]()
	if !i.loop.Do(func() { i.dispatchFetch(ev.Request, fut) }) {
		_ = fut.Reject(ErrStopped)
	}
	if ev.Request.Body != nil {
		fut.Then(func(*bridge.Response, error) { _ = ev.Request.Body.Close() })
	}
	ev.RespondWith(fut)
}

func (i *Isolate) dispatchFetch(req *bridge.Request, fut *task.Future[*bridge.Response]) {
	vm := i.vm
	if len(i.fetchHandlers) == 0 {
		_ = fut.Reject(ErrNoListener)
		return
	}

	var reqBody goja.Value = goja.Null()
	if req.Body != nil {
		reqBody = vm.ToValue(&body{r: req.Body})
	}
	reqObj, err := i.helpers.makeRequest(goja.Undefined(),
		vm.ToValue(req.Method),
		vm.ToValue(req.URL),
		i.headerPairs(req.Header),
		vm.ToValue(req.RemoteAddr),
		reqBody,
	)
	if err != nil {
		_ = fut.Reject(i.scriptError(err))
		return
	}

	responded := false
	ev := vm.NewObject()
	_ = ev.Set("type", "fetch")
	_ = ev.Set("request", reqObj)
	_ = ev.Set("respondWith", func(call goja.FunctionCall) goja.Value {
		if responded {
			panic(vm.NewTypeError("respondWith already called"))
		}
		responded = true
		i.settle(call.Argument(0), func(v goja.Value) {
			res, err := i.toResponse(v)
			if err != nil {
				_ = fut.Reject(err)
				return
			}
			_ = fut.Resolve(res)
		}, func(err error) {
			_ = fut.Reject(err)
		})
		return goja.Undefined()
	})

	for _, h := range i.fetchHandlers {
		if _, err := h(goja.Undefined(), ev); err != nil {
			if !responded {
				responded = true
				_ = fut.Reject(i.scriptError(err))
				return
			}
			i.uncaught("fetch listener", err)
		}
	}
	if !responded {
		_ = fut.Reject(ErrNoResponse)
	}
}

// settle waits for v, which may be a promise or a function returning one, and
// calls ok or fail on the loop.
func (i *Isolate) settle(v goja.Value, ok func(goja.Value), fail func(error)) {
	onOK := func(call goja.FunctionCall) goja.Value {
		ok(call.Argument(0))
		return goja.Undefined()
	}
	onFail := func(call goja.FunctionCall) goja.Value {
		fail(i.valueError(call.Argument(0)))
		return goja.Undefined()
	}
	if _, err := i.helpers.settle(goja.Undefined(), v, i.vm.ToValue(onOK), i.vm.ToValue(onFail)); err != nil {
		fail(i.scriptError(err))
	}
}

// toResponse converts a script Response. Loop goroutine only.
func (i *Isolate) toResponse(v goja.Value) (*bridge.Response, error) {
	isResponse, err := i.helpers.isResponse(goja.Undefined(), v)
	if err != nil {
		return nil, i.scriptError(err)
	}
	if !isResponse.ToBoolean() {
		return nil, fmt.Errorf("respondWith: expected a Response, got %s", valueString(v))
	}
	obj := v.ToObject(i.vm)
	res := &bridge.Response{
		Status: int(obj.Get("status").ToInteger()),
		Header: i.headerArg(obj.Get("headers").ToObject(i.vm).Get("_list")),
	}
	switch b := obj.Get("_body").Export().(type) {
	case nil:
	case *body:
		res.Body = b.r
	case string:
		res.Static = []byte(b)
	case goja.ArrayBuffer:
		res.Static = bytes.Clone(b.Bytes())
	default:
		return nil, fmt.Errorf("respondWith: unsupported body %T", b)
	}
	_ = obj.Set("bodyUsed", true)
	return res, nil
}

// dnsAnswer and dnsRecord are the script shape of a resolve answer.
type dnsRecord struct {
	Name  string  `json:"name"`
	Type  string  `json:"type"`
	Class uint32  `json:"class"`
	TTL   uint32  `json:"ttl"`
	Data  dnsData `json:"data"`
}

type dnsData struct {
	IP         string   `json:"ip,omitempty"`
	Name       string   `json:"name,omitempty"`
	Preference uint32   `json:"preference,omitempty"`
	Exchange   string   `json:"exchange,omitempty"`
	Priority   uint32   `json:"priority,omitempty"`
	Weight     uint32   `json:"weight,omitempty"`
	Port       uint32   `json:"port,omitempty"`
	Target     string   `json:"target,omitempty"`
	MName      string   `json:"mname,omitempty"`
	RName      string   `json:"rname,omitempty"`
	Serial     uint32   `json:"serial,omitempty"`
	Refresh    int64    `json:"refresh,omitempty"`
	Retry      int64    `json:"retry,omitempty"`
	Expire     int64    `json:"expire,omitempty"`
	Minimum    uint32   `json:"minimum,omitempty"`
	Text       []string `json:"text,omitempty"`
}

type dnsAnswer struct {
	Authoritative bool        `json:"authoritative"`
	Truncated     bool        `json:"truncated"`
	ResponseCode  string      `json:"responseCode"`
	Answers       []dnsRecord `json:"answers"`
}

// onResolve hops a resolve event onto the loop and waits for the answer. It
// runs on a bridge goroutine.
func (i *Isolate) onResolve(ctx context.Context, req *wire.DnsRequest) (*wire.DnsResponse, error) {
	fut := task.New[*wire.DnsResponse]()
	if !i.loop.Do(func() { i.dispatchResolve(req, fut) }) {
		return nil, ErrStopped
	}
	return fut.Await(ctx)
}

func (i *Isolate) dispatchResolve(req *wire.DnsRequest, fut *task.Future[*wire.DnsResponse]) {
	vm := i.vm
	if len(i.resolveHandlers) == 0 {
		_ = fut.Reject(ErrNoListener)
		return
	}

	queries := make([]any, 0, len(req.Queries))
	for _, q := range req.Queries {
		o := vm.NewObject()
		_ = o.Set("name", q.Name)
		_ = o.Set("type", q.Type.String())
		_ = o.Set("class", uint32(q.Class))
		queries = append(queries, o)
	}
	reqObj := vm.NewObject()
	_ = reqObj.Set("id", req.ID)
	_ = reqObj.Set("queries", vm.NewArray(queries...))

	responded := false
	ev := vm.NewObject()
	_ = ev.Set("type", "resolve")
	_ = ev.Set("request", reqObj)
	_ = ev.Set("respondWith", func(call goja.FunctionCall) goja.Value {
		if responded {
			panic(vm.NewTypeError("respondWith already called"))
		}
		responded = true
		i.settle(call.Argument(0), func(v goja.Value) {
			res, err := i.toDnsResponse(req, v)
			if err != nil {
				_ = fut.Reject(err)
				return
			}
			_ = fut.Resolve(res)
		}, func(err error) {
			_ = fut.Reject(err)
		})
		return goja.Undefined()
	})

	for _, h := range i.resolveHandlers {
		if _, err := h(goja.Undefined(), ev); err != nil {
			if !responded {
				responded = true
				_ = fut.Reject(i.scriptError(err))
				return
			}
			i.uncaught("resolve listener", err)
		}
	}
	if !responded {
		_ = fut.Reject(ErrNoResponse)
	}
}

// toDnsResponse decodes a script answer for req. Loop goroutine only.
func (i *Isolate) toDnsResponse(req *wire.DnsRequest, v goja.Value) (*wire.DnsResponse, error) {
	doc, err := i.helpers.stringify(goja.Undefined(), v)
	if err != nil {
		return nil, i.scriptError(err)
	}
	var ans dnsAnswer
	if err := sonic.UnmarshalString(doc.String(), &ans); err != nil {
		return nil, fmt.Errorf("resolve: invalid answer: %w", err)
	}

	res := &wire.DnsResponse{
		ID:            req.ID,
		MessageType:   wire.DnsMessageResponse,
		Authoritative: ans.Authoritative,
		Truncated:     ans.Truncated,
		ResponseCode:  wire.DnsNoError,
	}
	if ans.ResponseCode != "" {
		code, ok := parseResponseCode(ans.ResponseCode)
		if !ok {
			return nil, fmt.Errorf("resolve: unknown response code %q", ans.ResponseCode)
		}
		res.ResponseCode = code
	}
	for _, a := range ans.Answers {
		typ, ok := wire.ParseDnsRecordType(a.Type)
		if !ok {
			return nil, fmt.Errorf("resolve: unknown record type %q", a.Type)
		}
		rec := wire.DnsRecord{
			Name:  a.Name,
			Type:  typ,
			Class: wire.DnsClass(a.Class),
			TTL:   a.TTL,
			Data: wire.DnsRdata{
				IP:         a.Data.IP,
				Name:       a.Data.Name,
				Preference: a.Data.Preference,
				Exchange:   a.Data.Exchange,
				Priority:   a.Data.Priority,
				Weight:     a.Data.Weight,
				Port:       a.Data.Port,
				Target:     a.Data.Target,
				MName:      a.Data.MName,
				RName:      a.Data.RName,
				Serial:     a.Data.Serial,
				Refresh:    a.Data.Refresh,
				Retry:      a.Data.Retry,
				Expire:     a.Data.Expire,
				Minimum:    a.Data.Minimum,
			},
		}
		for _, t := range a.Data.Text {
			rec.Data.Text = append(rec.Data.Text, []byte(t))
		}
		res.Answers = append(res.Answers, rec)
	}
	return res, nil
}

func parseResponseCode(name string) (wire.DnsResponseCode, bool) {
	for c := wire.DnsNoError; c <= wire.DnsRefused; c++ {
		if c.String() == name {
			return c, true
		}
	}
	return 0, false
}
