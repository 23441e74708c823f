package proxy

import (
	"bufio"
	"context"
	"crypto/tls"
	"encoding/base64"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	xproxy "golang.org/x/net/proxy"
)

const dialTimeout = 15 * time.Second

// ConnStats is reported once for every client connection after it closes.
// TxBytes counts client->upstream traffic and RxBytes upstream->client traffic.
type ConnStats struct {
	ConnID  uint64
	Target  string
	TxBytes int64
	RxBytes int64
}

// ConnClosedFunc is notified when a tunnelled connection finishes.
type ConnClosedFunc func(ConnStats)

type dialFunc func(ctx context.Context, network, addr string) (net.Conn, error)

// Tunnel is a local forward proxy chaining every connection through an
// upstream proxy. A session owns exactly one tunnel.
type Tunnel struct {
	upstream *url.URL
	dial     dialFunc
	log      logrus.FieldLogger

	listener net.Listener
	nextID   atomic.Uint64

	// ctx is cancelled by a forced Close; it cuts both ends of every
	// connection and aborts dials in progress.
	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	onClosed []ConnClosedFunc
	closed   bool
	wg       sync.WaitGroup
}

// New creates a tunnel for upstreamURL. Supported schemes are http, https,
// socks5 and socks5h. An empty upstream dials targets directly.
func New(upstreamURL string, log logrus.FieldLogger) (*Tunnel, error) {
	ctx, cancel := context.WithCancel(context.Background())
	t := &Tunnel{
		log:    log,
		ctx:    ctx,
		cancel: cancel,
	}
	if upstreamURL == "" {
		d := &net.Dialer{Timeout: dialTimeout}
		t.dial = d.DialContext
		return t, nil
	}

	u, err := url.Parse(upstreamURL)
	if err != nil {
		cancel()
		return nil, errors.Wrap(err, "invalid proxy url")
	}
	if u.Host == "" {
		cancel()
		return nil, errors.Errorf("invalid proxy url %q: missing host", upstreamURL)
	}
	t.upstream = u

	switch u.Scheme {
	case "http", "https":
		t.dial = t.dialHTTPConnect
	case "socks5", "socks5h":
		d, err := xproxy.FromURL(u, &net.Dialer{Timeout: dialTimeout})
		if err != nil {
			cancel()
			return nil, errors.Wrap(err, "failed to create socks dialer")
		}
		cd, ok := d.(xproxy.ContextDialer)
		if !ok {
			cancel()
			return nil, errors.New("socks dialer does not support contexts")
		}
		t.dial = cd.DialContext
	default:
		cancel()
		return nil, errors.Errorf("unsupported proxy scheme %q", u.Scheme)
	}
	return t, nil
}

// OnConnectionClosed subscribes fn to per-connection byte counters.
func (t *Tunnel) OnConnectionClosed(fn ConnClosedFunc) {
	t.mu.Lock()
	t.onClosed = append(t.onClosed, fn)
	t.mu.Unlock()
}

// Listen starts accepting connections on a loopback port.
func (t *Tunnel) Listen() error {
	return t.ListenOn("127.0.0.1")
}

// ListenOn starts accepting connections on an ephemeral port of host. Bind a
// non-loopback host when the browser runs outside this network namespace.
func (t *Tunnel) ListenOn(host string) error {
	l, err := net.Listen("tcp", net.JoinHostPort(host, "0"))
	if err != nil {
		return errors.Wrap(err, "failed to listen")
	}
	t.listener = l

	t.wg.Add(1)
	go t.acceptLoop()
	return nil
}

// URL is the address browsers should use as their proxy server.
func (t *Tunnel) URL() string {
	if t.listener == nil {
		return ""
	}
	addr := t.listener.Addr().(*net.TCPAddr)
	if addr.IP.IsUnspecified() {
		return "http://" + net.JoinHostPort("127.0.0.1", strconv.Itoa(addr.Port))
	}
	return "http://" + addr.String()
}

// Upstream returns the upstream proxy with credentials removed.
func (t *Tunnel) Upstream() string {
	if t.upstream == nil {
		return ""
	}
	return t.upstream.Redacted()
}

// Close stops accepting connections. With force set, in-flight connections
// are cut as well; otherwise Close waits for them to drain.
func (t *Tunnel) Close(force bool) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.mu.Unlock()

	if force {
		t.cancel()
	}
	var err error
	if t.listener != nil {
		err = t.listener.Close()
	}
	t.wg.Wait()
	t.cancel()
	return err
}

func (t *Tunnel) acceptLoop() {
	defer t.wg.Done()
	for {
		conn, err := t.listener.Accept()
		if err != nil {
			return
		}

		t.mu.Lock()
		if t.closed {
			t.mu.Unlock()
			conn.Close()
			return
		}
		t.wg.Add(1)
		t.mu.Unlock()

		go t.serve(conn)
	}
}

func (t *Tunnel) serve(client net.Conn) {
	defer t.wg.Done()
	stats := ConnStats{ConnID: t.nextID.Add(1)}
	stopClient := context.AfterFunc(t.ctx, func() { client.Close() })

	defer func() {
		stopClient()
		client.Close()
		t.mu.Lock()
		fns := append([]ConnClosedFunc(nil), t.onClosed...)
		t.mu.Unlock()
		for _, fn := range fns {
			fn(stats)
		}
	}()

	br := bufio.NewReader(client)
	req, err := http.ReadRequest(br)
	if err != nil {
		return
	}

	target := req.Host
	if req.Method != http.MethodConnect {
		target = req.URL.Host
	}
	if target == "" {
		fmt.Fprintf(client, "HTTP/1.1 400 Bad Request\r\nConnection: close\r\n\r\n")
		return
	}
	if _, _, err := net.SplitHostPort(target); err != nil {
		port := "80"
		if req.Method == http.MethodConnect || req.URL.Scheme == "https" {
			port = "443"
		}
		target = net.JoinHostPort(target, port)
	}
	stats.Target = target

	ctx, cancel := context.WithTimeout(t.ctx, dialTimeout)
	remote, err := t.dial(ctx, "tcp", target)
	cancel()
	if err != nil {
		t.log.WithError(err).WithField("target", target).Debug("Tunnel dial failed")
		fmt.Fprintf(client, "HTTP/1.1 502 Bad Gateway\r\nConnection: close\r\n\r\n")
		return
	}
	stopRemote := context.AfterFunc(t.ctx, func() { remote.Close() })
	defer func() {
		stopRemote()
		remote.Close()
	}()

	if req.Method == http.MethodConnect {
		if _, err := io.WriteString(client, "HTTP/1.1 200 Connection Established\r\n\r\n"); err != nil {
			return
		}
	} else {
		// One request per client connection keeps the target fixed.
		req.Close = true
		req.Header.Del("Proxy-Connection")
		req.Header.Del("Proxy-Authorization")
		cw := &countingWriter{w: remote}
		if err := req.Write(cw); err != nil {
			return
		}
		stats.TxBytes += cw.n
	}

	tx, rx := pipe(&bufferedConn{Conn: client, r: br}, remote)
	stats.TxBytes += tx
	stats.RxBytes += rx
}

// pipe copies in both directions until either side finishes and returns the
// byte counts client->remote and remote->client.
func pipe(client, remote net.Conn) (tx, rx int64) {
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		tx, _ = io.Copy(remote, client)
		if cw, ok := remote.(interface{ CloseWrite() error }); ok {
			cw.CloseWrite()
		} else {
			remote.Close()
		}
	}()

	rx, _ = io.Copy(client, remote)
	client.Close()
	remote.Close()
	wg.Wait()
	return tx, rx
}

func (t *Tunnel) dialHTTPConnect(ctx context.Context, network, addr string) (net.Conn, error) {
	d := &net.Dialer{Timeout: dialTimeout}
	conn, err := d.DialContext(ctx, network, t.upstream.Host)
	if err != nil {
		return nil, errors.Wrap(err, "failed to reach upstream proxy")
	}
	if t.upstream.Scheme == "https" {
		tlsConn := tls.Client(conn, &tls.Config{ServerName: t.upstream.Hostname()})
		if err := tlsConn.HandshakeContext(ctx); err != nil {
			conn.Close()
			return nil, errors.Wrap(err, "upstream proxy tls handshake")
		}
		conn = tlsConn
	}
	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
		defer conn.SetDeadline(time.Time{})
	}
	// Unblock the handshake when the tunnel is force-closed mid-dial.
	stop := context.AfterFunc(ctx, func() { conn.SetDeadline(time.Unix(1, 0)) })
	defer stop()

	req := &http.Request{
		Method: http.MethodConnect,
		URL:    &url.URL{Opaque: addr},
		Host:   addr,
		Header: make(http.Header),
	}
	if user := t.upstream.User; user != nil {
		pass, _ := user.Password()
		token := base64.StdEncoding.EncodeToString([]byte(user.Username() + ":" + pass))
		req.Header.Set("Proxy-Authorization", "Basic "+token)
	}
	if err := req.Write(conn); err != nil {
		conn.Close()
		return nil, errors.Wrap(err, "failed to send CONNECT")
	}

	br := bufio.NewReader(conn)
	resp, err := http.ReadResponse(br, req)
	if err != nil {
		conn.Close()
		return nil, errors.Wrap(err, "failed to read CONNECT response")
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		conn.Close()
		return nil, errors.Errorf("upstream proxy refused CONNECT: %s", resp.Status)
	}
	return &bufferedConn{Conn: conn, r: br}, nil
}

// bufferedConn drains bytes a bufio.Reader already pulled off the wire
// before reading from the connection again.
type bufferedConn struct {
	net.Conn
	r *bufio.Reader
}

func (c *bufferedConn) Read(p []byte) (int, error) {
	return c.r.Read(p)
}

func (c *bufferedConn) CloseWrite() error {
	if cw, ok := c.Conn.(interface{ CloseWrite() error }); ok {
		return cw.CloseWrite()
	}
	return c.Conn.Close()
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}
