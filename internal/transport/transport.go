// Package transport provides the shared upstream HTTP plumbing: a tuned
// connection pool with HTTP/2 keepalive pings, per-proxy transport caching,
// response decompression, and a context-aware stream reader.
package transport

import (
	"context"
	"crypto/tls"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"golang.org/x/net/http2"
	"golang.org/x/net/proxy"
)

// PoolConfig holds HTTP transport settings tuned for high-concurrency LLM
// API streaming.
var PoolConfig = struct {
	MaxIdleConns          int
	MaxIdleConnsPerHost   int
	MaxConnsPerHost       int
	IdleConnTimeout       time.Duration
	TLSHandshakeTimeout   time.Duration
	ExpectContinueTimeout time.Duration
	ResponseHeaderTimeout time.Duration
	DialTimeout           time.Duration
	KeepAlive             time.Duration
	H2ReadIdleTimeout     time.Duration
	H2PingTimeout         time.Duration
}{
	MaxIdleConns:        1000,
	MaxIdleConnsPerHost: 100,
	MaxConnsPerHost:     0, // unlimited, HTTP/2 multiplexes

	IdleConnTimeout:       90 * time.Second,
	TLSHandshakeTimeout:   10 * time.Second,
	ExpectContinueTimeout: 1 * time.Second,
	ResponseHeaderTimeout: 600 * time.Second, // large-context requests are slow to first byte
	DialTimeout:           30 * time.Second,
	KeepAlive:             30 * time.Second,

	// Ping when no data arrives so stalled HTTP/2 streams are detected.
	H2ReadIdleTimeout: 30 * time.Second,
	H2PingTimeout:     15 * time.Second,
}

var (
	sharedTransport     *http.Transport
	sharedTransportOnce sync.Once
)

// Shared returns the singleton pooled transport for non-proxy requests.
func Shared() *http.Transport {
	sharedTransportOnce.Do(func() {
		sharedTransport = newBaseTransport()
		sharedTransport.DialContext = newDialer().DialContext
	})
	return sharedTransport
}

func newDialer() *net.Dialer {
	return &net.Dialer{
		Timeout:   PoolConfig.DialTimeout,
		KeepAlive: PoolConfig.KeepAlive,
	}
}

// newBaseTransport creates a transport without DialContext; the caller sets
// it based on proxy mode.
func newBaseTransport() *http.Transport {
	t := &http.Transport{
		MaxIdleConns:        PoolConfig.MaxIdleConns,
		MaxIdleConnsPerHost: PoolConfig.MaxIdleConnsPerHost,
		MaxConnsPerHost:     PoolConfig.MaxConnsPerHost,
		IdleConnTimeout:     PoolConfig.IdleConnTimeout,

		TLSHandshakeTimeout:   PoolConfig.TLSHandshakeTimeout,
		ExpectContinueTimeout: PoolConfig.ExpectContinueTimeout,
		ResponseHeaderTimeout: PoolConfig.ResponseHeaderTimeout,

		ForceAttemptHTTP2: true,

		// Compression is negotiated explicitly via AcceptEncoding and
		// decoded by DecodeBody, so the automatic gzip path stays off.
		DisableCompression: true,

		TLSClientConfig: &tls.Config{
			MinVersion: tls.VersionTLS12,
		},

		WriteBufferSize: 64 * 1024,
		ReadBufferSize:  64 * 1024,
	}
	configureHTTP2(t)
	return t
}

func configureHTTP2(t *http.Transport) {
	h2, err := http2.ConfigureTransports(t)
	if err != nil {
		return
	}
	h2.ReadIdleTimeout = PoolConfig.H2ReadIdleTimeout
	h2.PingTimeout = PoolConfig.H2PingTimeout
}

func proxyTransport(proxyURL *url.URL) *http.Transport {
	t := newBaseTransport()
	t.Proxy = http.ProxyURL(proxyURL)
	t.DialContext = newDialer().DialContext
	return t
}

func socks5Transport(dialFunc func(network, addr string) (net.Conn, error)) *http.Transport {
	t := newBaseTransport()
	t.DialContext = func(_ context.Context, network, addr string) (net.Conn, error) {
		return dialFunc(network, addr)
	}
	return t
}

// Cache holds one transport per proxy URL so connection pools are reused.
type Cache struct {
	mu    sync.RWMutex
	cache map[string]*http.Transport
}

func NewCache() *Cache {
	return &Cache{cache: make(map[string]*http.Transport)}
}

// GetOrCreate returns the transport for proxyURLStr, creating and caching it
// on first use. An empty URL returns the shared transport.
func (c *Cache) GetOrCreate(proxyURLStr string) (*http.Transport, error) {
	if proxyURLStr == "" {
		return Shared(), nil
	}

	c.mu.RLock()
	if t := c.cache[proxyURLStr]; t != nil {
		c.mu.RUnlock()
		return t, nil
	}
	c.mu.RUnlock()

	proxyURL, err := url.Parse(proxyURLStr)
	if err != nil {
		return nil, err
	}

	var t *http.Transport
	switch proxyURL.Scheme {
	case "socks5":
		var auth *proxy.Auth
		if proxyURL.User != nil {
			password, _ := proxyURL.User.Password()
			auth = &proxy.Auth{User: proxyURL.User.Username(), Password: password}
		}
		dialer, err := proxy.SOCKS5("tcp", proxyURL.Host, auth, proxy.Direct)
		if err != nil {
			return nil, err
		}
		t = socks5Transport(dialer.Dial)
	case "http", "https":
		t = proxyTransport(proxyURL)
	default:
		return Shared(), nil
	}

	c.mu.Lock()
	c.cache[proxyURLStr] = t
	c.mu.Unlock()

	return t, nil
}

var (
	globalCache     *Cache
	globalCacheOnce sync.Once
)

func globalTransportCache() *Cache {
	globalCacheOnce.Do(func() {
		globalCache = NewCache()
	})
	return globalCache
}

// NewClient returns an http.Client backed by the cached transport for
// proxyURL. timeout applies to the whole exchange including the body; pass 0
// for streaming clients and enforce deadlines via context instead.
func NewClient(proxyURL string, timeout time.Duration) (*http.Client, error) {
	t, err := globalTransportCache().GetOrCreate(proxyURL)
	if err != nil {
		return nil, err
	}
	return &http.Client{
		Transport: t,
		Timeout:   timeout,
	}, nil
}
