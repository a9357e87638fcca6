// Package httpingress terminates public HTTP/1.1 and HTTP/2 connections,
// routes each request to the tunnel session whose advertised tunnel ID
// matches the normalized Host header, and relays it over a freshly opened
// multiplexed stream.
package httpingress

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"golang.org/x/net/http2"

	"github.com/ferrotunnel/ferrotunnel/internal/mux"
	"github.com/ferrotunnel/ferrotunnel/internal/protocol"
	"github.com/ferrotunnel/ferrotunnel/internal/ratelimit"
	"github.com/ferrotunnel/ferrotunnel/internal/session"
)

// DefaultConnectionLimit bounds concurrent connections the ingress serves.
const DefaultConnectionLimit = 10000

// DefaultMaxResponseSize caps a buffered upstream response body.
const DefaultMaxResponseSize = 100 * 1024 * 1024

// DefaultHandshakeTimeout bounds request forwarding plus upstream response
// headers.
const DefaultHandshakeTimeout = 10 * time.Second

// DefaultResponseTimeout bounds reading the upstream response body.
const DefaultResponseTimeout = 60 * time.Second

// ErrResponseTooLarge is returned when a buffered upstream response body
// exceeds the configured cap.
var ErrResponseTooLarge = errors.New("httpingress: upstream response exceeds max_response_size")

// ErrInvalidHost is returned by NormalizeHost for an empty or unparsable
// Host header.
var ErrInvalidHost = errors.New("httpingress: invalid host header")

// ActionKind is the verdict a Plugin returns from a hook.
type ActionKind int

const (
	// ActionContinue forwards the request/response unmodified.
	ActionContinue ActionKind = iota
	// ActionModify signals the plugin already mutated the request/response
	// in place; forwarding continues.
	ActionModify
	// ActionReject aborts the exchange with Status/Reason.
	ActionReject
	// ActionRespond aborts the exchange, writing Status/Headers/Body
	// directly to the client instead of forwarding upstream's reply.
	ActionRespond
)

// PluginAction is a hook's verdict.
type PluginAction struct {
	Kind    ActionKind
	Status  int
	Reason  string
	Headers http.Header
	Body    []byte
}

// Continue lets the request/response proceed unmodified.
func Continue() PluginAction { return PluginAction{Kind: ActionContinue} }

// Modify signals an in-place mutation was already applied.
func Modify() PluginAction { return PluginAction{Kind: ActionModify} }

// Reject aborts the exchange with the given status and reason.
func Reject(status int, reason string) PluginAction {
	return PluginAction{Kind: ActionReject, Status: status, Reason: reason}
}

// Respond aborts the exchange, sending a response the plugin constructed
// itself.
func Respond(status int, headers http.Header, body []byte) PluginAction {
	return PluginAction{Kind: ActionRespond, Status: status, Headers: headers, Body: body}
}

// RequestContext is passed to a plugin's request hook.
type RequestContext struct {
	TunnelID   string
	RemoteAddr string
}

// ResponseContext is passed to a plugin's response hook.
type ResponseContext struct {
	RequestContext
	UpstreamStatus int
}

// Plugin is the collaborator contract the HTTP ingress consults before
// forwarding a request and after receiving the upstream response. No
// built-in plugins ship with this package; callers register their own.
type Plugin interface {
	ExecuteRequestHooks(r *http.Request, rc *RequestContext) PluginAction
	ExecuteResponseHooks(resp *http.Response, rc *ResponseContext) PluginAction
	NeedsResponseBuffering() bool
}

// Options configures an Ingress.
type Options struct {
	Sessions         *session.Store
	Log              *slog.Logger
	ConnLimiter      *ratelimit.ConnectionLimiter
	Plugins          []Plugin
	MaxResponseSize  int64
	HandshakeTimeout time.Duration
	ResponseTimeout  time.Duration
}

// Ingress is an http.Handler that fronts every tunneled HTTP/WebSocket
// request.
type Ingress struct {
	opts Options
	log  *slog.Logger
}

// New returns an Ingress. Unset optional fields take spec-mandated
// defaults.
func New(opts Options) *Ingress {
	if opts.Log == nil {
		opts.Log = slog.Default()
	}
	if opts.MaxResponseSize == 0 {
		opts.MaxResponseSize = DefaultMaxResponseSize
	}
	if opts.HandshakeTimeout == 0 {
		opts.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if opts.ResponseTimeout == 0 {
		opts.ResponseTimeout = DefaultResponseTimeout
	}
	if opts.ConnLimiter == nil {
		opts.ConnLimiter = ratelimit.NewConnectionLimiter(DefaultConnectionLimit)
	}
	return &Ingress{opts: opts, log: opts.Log}
}

// Server wraps the Ingress in an *http.Server with HTTP/2 serving
// explicitly configured (ALPN "h2" over TLS; plain listeners stay
// HTTP/1.1 only, matching net/http's own default).
func (g *Ingress) Server(addr string) *http.Server {
	srv := &http.Server{Addr: addr, Handler: g}
	http2.ConfigureServer(srv, &http2.Server{})
	return srv
}

// ServeHTTP implements http.Handler.
func (g *Ingress) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if g.opts.ConnLimiter != nil {
		if !g.opts.ConnLimiter.TryAcquire() {
			http.Error(w, "too many connections", http.StatusServiceUnavailable)
			return
		}
		defer g.opts.ConnLimiter.Release()
	}

	if r.URL.Path == "/health" {
		w.WriteHeader(http.StatusOK)
		return
	}

	tunnelID, err := NormalizeHost(r.Host)
	if err != nil {
		http.Error(w, "invalid host", http.StatusBadRequest)
		return
	}

	record, ok := g.opts.Sessions.LookupByTunnelID(tunnelID)
	if !ok {
		http.Error(w, "no tunnel bound to this host", http.StatusNotFound)
		return
	}
	if record.Mux == nil {
		http.Error(w, "tunnel not ready", http.StatusBadGateway)
		return
	}

	rc := &RequestContext{TunnelID: tunnelID, RemoteAddr: r.RemoteAddr}
	switch action := g.runRequestHooks(r, rc); action.Kind {
	case ActionReject:
		http.Error(w, action.Reason, nonZeroStatus(action.Status, http.StatusForbidden))
		return
	case ActionRespond:
		writeAction(w, action)
		return
	}

	proto := protocol.ProtocolHTTP
	isWS := isWebSocketUpgrade(r)
	if isWS {
		proto = protocol.ProtocolWebSocket
	}

	st, err := record.Mux.OpenStream(proto)
	if err != nil {
		g.log.Warn("opening stream failed", "tunnel_id", tunnelID, "error", err)
		http.Error(w, "tunnel stream unavailable", http.StatusBadGateway)
		return
	}
	defer st.Close()

	if isWS {
		g.handleWebSocket(w, r, st)
		return
	}
	g.handleHTTP(w, r, st, rc)
}

func (g *Ingress) handleHTTP(w http.ResponseWriter, r *http.Request, st *mux.Stream, rc *RequestContext) {
	var resp *http.Response
	err := g.withTimeout(st, g.opts.HandshakeTimeout, func() error {
		if err := r.Write(st); err != nil {
			return fmt.Errorf("forwarding request: %w", err)
		}
		var err error
		resp, err = http.ReadResponse(bufio.NewReader(st), r)
		if err != nil {
			return fmt.Errorf("reading upstream response: %w", err)
		}
		return nil
	})
	if err != nil {
		g.log.Warn("upstream handshake failed", "tunnel_id", rc.TunnelID, "error", err)
		http.Error(w, "Bad Gateway", http.StatusBadGateway)
		return
	}
	defer resp.Body.Close()

	if !g.anyPluginNeedsBuffering() {
		copyHeaders(w.Header(), resp.Header)
		w.WriteHeader(resp.StatusCode)
		g.withTimeout(st, g.opts.ResponseTimeout, func() error {
			_, err := io.Copy(w, resp.Body)
			return err
		})
		return
	}

	var body []byte
	err = g.withTimeout(st, g.opts.ResponseTimeout, func() error {
		var err error
		body, err = readLimited(resp.Body, g.opts.MaxResponseSize)
		return err
	})
	if errors.Is(err, ErrResponseTooLarge) {
		g.log.Warn("upstream response too large", "tunnel_id", rc.TunnelID)
		http.Error(w, "Bad Gateway", http.StatusBadGateway)
		return
	}
	if err != nil {
		g.log.Warn("reading upstream response body", "tunnel_id", rc.TunnelID, "error", err)
		http.Error(w, "Bad Gateway", http.StatusBadGateway)
		return
	}

	respCtx := &ResponseContext{RequestContext: *rc, UpstreamStatus: resp.StatusCode}
	switch action := g.runResponseHooks(resp, respCtx, body); action.Kind {
	case ActionReject:
		http.Error(w, action.Reason, nonZeroStatus(action.Status, http.StatusBadGateway))
		return
	case ActionRespond:
		writeAction(w, action)
		return
	}

	copyHeaders(w.Header(), resp.Header)
	w.WriteHeader(resp.StatusCode)
	w.Write(body)
}

// handleWebSocket performs the upstream HTTP/1.1 handshake over st and,
// on a 101 reply, hijacks the client connection and copies raw bytes
// both ways until either side closes. Copy errors are logged, not
// signaled, matching an ordinary proxied WebSocket's failure mode.
func (g *Ingress) handleWebSocket(w http.ResponseWriter, r *http.Request, st *mux.Stream) {
	var resp *http.Response
	var br *bufio.Reader
	err := g.withTimeout(st, g.opts.HandshakeTimeout, func() error {
		if err := r.Write(st); err != nil {
			return fmt.Errorf("forwarding upgrade request: %w", err)
		}
		br = bufio.NewReader(st)
		var err error
		resp, err = http.ReadResponse(br, r)
		return err
	})
	if err != nil {
		g.log.Warn("websocket upstream handshake failed", "error", err)
		http.Error(w, "Bad Gateway", http.StatusBadGateway)
		return
	}

	if resp.StatusCode != http.StatusSwitchingProtocols {
		defer resp.Body.Close()
		copyHeaders(w.Header(), resp.Header)
		w.WriteHeader(resp.StatusCode)
		io.Copy(w, resp.Body)
		return
	}

	hj, ok := w.(http.Hijacker)
	if !ok {
		http.Error(w, "websocket upgrade not supported", http.StatusInternalServerError)
		return
	}
	clientConn, clientBuf, err := hj.Hijack()
	if err != nil {
		g.log.Warn("hijacking client connection failed", "error", err)
		return
	}
	defer clientConn.Close()

	if err := resp.Write(clientConn); err != nil {
		g.log.Warn("writing upgrade response to client failed", "error", err)
		return
	}
	if n := br.Buffered(); n > 0 {
		io.CopyN(clientConn, br, int64(n))
	}
	if clientBuf.Reader.Buffered() > 0 {
		io.CopyN(st, clientBuf.Reader, int64(clientBuf.Reader.Buffered()))
	}

	done := make(chan struct{}, 2)
	go func() {
		if _, err := io.Copy(st, clientConn); err != nil {
			g.log.Debug("websocket client->upstream copy ended", "error", err)
		}
		done <- struct{}{}
	}()
	go func() {
		if _, err := io.Copy(clientConn, st); err != nil {
			g.log.Debug("websocket upstream->client copy ended", "error", err)
		}
		done <- struct{}{}
	}()
	<-done
}

// withTimeout runs fn in its own goroutine and returns its error, or a
// timeout error if d elapses first. On timeout st is closed to unblock
// fn, since Stream carries no read/write deadline of its own.
func (g *Ingress) withTimeout(st *mux.Stream, d time.Duration, fn func() error) error {
	done := make(chan error, 1)
	go func() { done <- fn() }()

	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case err := <-done:
		return err
	case <-timer.C:
		st.Close()
		return fmt.Errorf("httpingress: timed out after %s", d)
	}
}

func (g *Ingress) runRequestHooks(r *http.Request, rc *RequestContext) PluginAction {
	for _, p := range g.opts.Plugins {
		switch action := p.ExecuteRequestHooks(r, rc); action.Kind {
		case ActionReject, ActionRespond:
			return action
		}
	}
	return Continue()
}

func (g *Ingress) runResponseHooks(resp *http.Response, rc *ResponseContext, body []byte) PluginAction {
	resp.Body = io.NopCloser(bytes.NewReader(body))
	for _, p := range g.opts.Plugins {
		switch action := p.ExecuteResponseHooks(resp, rc); action.Kind {
		case ActionReject, ActionRespond:
			return action
		}
	}
	return Continue()
}

func (g *Ingress) anyPluginNeedsBuffering() bool {
	for _, p := range g.opts.Plugins {
		if p.NeedsResponseBuffering() {
			return true
		}
	}
	return false
}

func nonZeroStatus(status, fallback int) int {
	if status == 0 {
		return fallback
	}
	return status
}

func writeAction(w http.ResponseWriter, a PluginAction) {
	copyHeaders(w.Header(), a.Headers)
	w.WriteHeader(nonZeroStatus(a.Status, http.StatusOK))
	w.Write(a.Body)
}

func copyHeaders(dst, src http.Header) {
	for k, vs := range src {
		for _, v := range vs {
			dst.Add(k, v)
		}
	}
}

// readLimited reads r fully, failing with ErrResponseTooLarge if more
// than max bytes are available.
func readLimited(r io.Reader, max int64) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(r, max+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > max {
		return nil, ErrResponseTooLarge
	}
	return data, nil
}

// isWebSocketUpgrade reports whether r asks to upgrade to the websocket
// protocol, matching case-insensitively on both the Connection and
// Upgrade headers (Connection may list multiple tokens).
func isWebSocketUpgrade(r *http.Request) bool {
	return headerHasToken(r.Header, "Connection", "upgrade") &&
		strings.EqualFold(r.Header.Get("Upgrade"), "websocket")
}

func headerHasToken(h http.Header, key, token string) bool {
	for _, v := range h.Values(key) {
		for _, part := range strings.Split(v, ",") {
			if strings.EqualFold(strings.TrimSpace(part), token) {
				return true
			}
		}
	}
	return false
}

// NormalizeHost strips the port (including bracketed IPv6 forms),
// lowercases, and strips a trailing dot from an HTTP Host header, per
// the matching rule used to route a request to its tunnel session. An
// empty result (including an empty input) is an error.
func NormalizeHost(raw string) (string, error) {
	if raw == "" {
		return "", ErrInvalidHost
	}
	host := raw
	if h, _, err := net.SplitHostPort(raw); err == nil {
		host = h
	} else if strings.HasPrefix(raw, "[") && strings.HasSuffix(raw, "]") {
		host = strings.TrimSuffix(strings.TrimPrefix(raw, "["), "]")
	}
	host = strings.ToLower(host)
	host = strings.TrimSuffix(host, ".")
	if host == "" {
		return "", ErrInvalidHost
	}
	return host, nil
}
