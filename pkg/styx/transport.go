package styx

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/netip"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/tartarus-sandbox/minos/pkg/domain"
)

// Transport is an http.RoundTripper that sends plugin requests through the gateway.
// The plugin is read from the request context.
type Transport struct {
	gateway *Gateway
	base    http.RoundTripper
}

// Transport wraps base. A nil base gets a dialer that enforces the address contract
// on resolved addresses.
func (g *Gateway) Transport(base http.RoundTripper) *Transport {
	if base == nil {
		base = g.baseTransport()
	}
	return &Transport{gateway: g, base: base}
}

// Client returns an http.Client whose every hop, redirects included, crosses the gateway.
func (g *Gateway) Client(timeout time.Duration) *http.Client {
	return &http.Client{Transport: g.Transport(nil), Timeout: timeout}
}

func (g *Gateway) baseTransport() http.RoundTripper {
	dialer := &net.Dialer{
		Timeout:   10 * time.Second,
		KeepAlive: 30 * time.Second,
		Control:   g.dialControl,
	}
	t := http.DefaultTransport.(*http.Transport).Clone()
	t.DialContext = dialer.DialContext
	return t
}

func (g *Gateway) dialControl(network, address string, _ syscall.RawConn) error {
	host, _, err := net.SplitHostPort(address)
	if err != nil {
		return err
	}
	addr, err := netip.ParseAddr(host)
	if err != nil {
		return err
	}
	if !g.contract.Permits(addr) {
		return fmt.Errorf("dial %s: address denied by network contract", addr)
	}
	return nil
}

func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	ctx := req.Context()
	plugin, ok := domain.PluginFromContext(ctx)
	if !ok {
		return nil, domain.ErrNoPluginContext
	}

	if err := t.gateway.Admit(ctx, plugin, req.URL.Hostname()); err != nil {
		return nil, err
	}

	var body *countingBody
	if req.Body != nil && req.Body != http.NoBody {
		body = &countingBody{ReadCloser: req.Body}
		req = req.Clone(ctx)
		req.Body = body
	}

	resp, err := t.base.RoundTrip(req)

	var sent int64
	if body != nil {
		// The body may still be streaming; the declared length is the better count then.
		sent = max(body.n.Load(), req.ContentLength)
	}
	t.gateway.RecordBytes(ctx, plugin, sent, 0)
	if err != nil {
		return nil, err
	}

	resp.Body = &countingBody{
		ReadCloser: resp.Body,
		onClose: func(n int64) {
			t.gateway.RecordBytes(context.WithoutCancel(ctx), plugin, 0, n)
		},
	}
	return resp, nil
}

// countingBody counts bytes read and reports the total once on Close.
type countingBody struct {
	io.ReadCloser
	n       atomic.Int64
	once    sync.Once
	onClose func(int64)
}

func (b *countingBody) Read(p []byte) (int, error) {
	n, err := b.ReadCloser.Read(p)
	b.n.Add(int64(n))
	return n, err
}

func (b *countingBody) Close() error {
	err := b.ReadCloser.Close()
	b.once.Do(func() {
		if b.onClose != nil {
			b.onClose(b.n.Load())
		}
	})
	return err
}
