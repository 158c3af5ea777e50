package bridge

import (
	"context"

	"go.uber.org/zap"

	"github.com/superfly/fly.rs/internal/wire"
)

// ResolveHandler answers one DNS resolve event. A returned error, or a
// panic, becomes a ServFail response.
type ResolveHandler func(ctx context.Context, req *wire.DnsRequest) (*wire.DnsResponse, error)

// AddResolveListener installs h for inbound DnsRequest events and tells the
// host. Only the first registration takes effect.
func (b *Bridge) AddResolveListener(ctx context.Context, h ResolveHandler) error {
	return b.addListener(ctx, wire.KindDnsRequest, wire.EventResolv, func(env *wire.Envelope, _ []byte) {
		req := env.Msg.(*wire.DnsRequest)
		go b.runResolve(req, h)
	})
}

func (b *Bridge) runResolve(req *wire.DnsRequest, h ResolveHandler) {
	res, err := b.callResolve(req, h)
	if err == nil && res == nil {
		err = ErrNilResponse
	}
	if err != nil {
		b.metrics.RecordHandlerFailure("resolv")
		b.logger.Warn("Resolve handler failed", zap.Uint32("dns_id", req.ID), zap.Error(err))
		res = &wire.DnsResponse{
			ResponseCode:  wire.DnsServFail,
			Authoritative: true,
		}
	}

	res.ID = req.ID
	res.MessageType = wire.DnsMessageResponse
	if err := b.Post(res, nil); err != nil {
		b.logger.Error("Failed to send DNS response", zap.Uint32("dns_id", req.ID), zap.Error(err))
	}
}

func (b *Bridge) callResolve(req *wire.DnsRequest, h ResolveHandler) (res *wire.DnsResponse, err error) {
	defer func() {
		if v := recover(); v != nil {
			err = recovered(v)
		}
	}()
	return h(context.Background(), req)
}
