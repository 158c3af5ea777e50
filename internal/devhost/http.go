package devhost

import (
	"context"
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/klauspost/compress/gzhttp"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
	"google.golang.org/grpc"

	"github.com/superfly/fly.rs/internal/bridge"
	"github.com/superfly/fly.rs/internal/infrastructure/monitoring"
	"github.com/superfly/fly.rs/internal/transport"
	"github.com/superfly/fly.rs/internal/wire"
)

// Reserved paths on the development host. Everything else is proxied.
const (
	PathHealth   = "/__fly/health"
	PathIsolates = "/__fly/isolates"
	PathMetrics  = "/__fly/metrics"
	PathConnect  = "/__fly/ws"
)

// ServerConfig configures the HTTP front end.
type ServerConfig struct {
	Development bool
	CORS        CORSConfig
	// RateLimit is disabled when RequestsPerSecond is zero.
	RateLimit RateLimitConfig
	// Gatherer backs the metrics endpoint; nil uses the default registry.
	Gatherer prometheus.Gatherer
}

// Handler builds the HTTP front end: isolate traffic, the WebSocket endpoint
// isolates connect to, and operational endpoints. It speaks HTTP/1.1 and
// cleartext HTTP/2 and compresses responses.
func (h *Host) Handler(cfg ServerConfig) http.Handler {
	if !cfg.Development {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()

	router.Use(gin.Recovery())
	router.Use(RequestID())
	router.Use(monitoring.Middleware(h.metrics))
	router.Use(AccessLog(h.logger.Named("http")))
	router.Use(CORS(cfg.CORS))
	if cfg.RateLimit.RequestsPerSecond > 0 {
		router.Use(GlobalRateLimit(cfg.RateLimit))
	}

	gatherer := cfg.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}

	router.GET(PathHealth, h.health)
	router.GET(PathIsolates, h.isolates)
	router.GET(PathMetrics, gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))
	router.GET(PathConnect, h.connect)
	router.NoRoute(h.proxy)

	return h2c.NewHandler(gzhttp.GzipHandler(router), &http2.Server{})
}

func (h *Host) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":   "ok",
		"isolates": len(h.Sessions()),
	})
}

func (h *Host) isolates(c *gin.Context) {
	sessions := h.Sessions()
	list := make([]gin.H, 0, len(sessions))
	for _, s := range sessions {
		list = append(list, gin.H{
			"id":      s.ID(),
			"fetch":   s.Listening(wire.EventFetch),
			"resolve": s.Listening(wire.EventResolv),
		})
	}
	breakers := gin.H{}
	for host, state := range h.fetcher.Breakers().States() {
		breakers[host] = state.String()
	}
	c.JSON(http.StatusOK, gin.H{
		"isolates":      list,
		"cache_entries": h.cache.Len(),
		"breakers":      breakers,
	})
}

// connect upgrades an isolate's WebSocket and serves it until it goes away.
func (h *Host) connect(c *gin.Context) {
	conn, err := transport.AcceptWebSocket(c.Writer, c.Request, h.logger.Named("ws"))
	if err != nil {
		h.logger.Warn("Isolate upgrade failed", zap.Error(err))
		return
	}
	if err := h.Serve(c.Request.Context(), conn); err != nil {
		h.logger.Warn("Isolate session ended", zap.Error(err))
	}
}

// proxy forwards the request to a listening isolate and writes its response.
func (h *Host) proxy(c *gin.Context) {
	r := c.Request
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	req := &bridge.Request{
		Method:     r.Method,
		URL:        scheme + "://" + r.Host + r.RequestURI,
		Header:     r.Header.Clone(),
		RemoteAddr: c.ClientIP(),
	}
	if r.Body != nil && r.Body != http.NoBody && (r.ContentLength != 0 || len(r.TransferEncoding) > 0) {
		req.Body = r.Body
	}

	res, err := h.Fetch(r.Context(), req)
	if err != nil {
		status := http.StatusBadGateway
		if errors.Is(err, ErrNoListener) {
			status = http.StatusServiceUnavailable
		}
		h.logger.Warn("Proxy failed", zap.String("url", req.URL), zap.Error(err))
		c.String(status, "%s\n", err.Error())
		return
	}
	if closer, ok := res.Body.(io.Closer); ok {
		defer closer.Close()
	}

	for k, vs := range res.Header {
		for _, v := range vs {
			c.Writer.Header().Add(k, v)
		}
	}
	c.Status(res.Status)
	switch {
	case res.Static != nil:
		_, _ = c.Writer.Write(res.Static)
	case res.Body != nil:
		if _, err := io.Copy(c.Writer, res.Body); err != nil {
			h.logger.Debug("Response body interrupted", zap.String("url", req.URL), zap.Error(err))
		}
	default:
		c.Writer.WriteHeaderNow()
	}
}

// RegisterGRPC serves isolates connecting over gRPC on srv. srv must be
// created with transport.GRPCServerOptions.
func (h *Host) RegisterGRPC(srv *grpc.Server) {
	transport.RegisterGRPC(srv, func(conn transport.Conn) {
		if err := h.Serve(context.Background(), conn); err != nil {
			h.logger.Warn("Isolate session ended", zap.Error(err))
		}
	}, h.logger.Named("grpc"))
}
