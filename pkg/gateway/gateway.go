// Package gateway serves the JSON-RPC endpoint over HTTP. Connections are
// accepted and answered one at a time on a single goroutine: each connection
// carries exactly one request and its response is fully written before the
// next connection is accepted.
package gateway

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/morezero/capabilities-gateway/pkg/dispatcher"
)

const logPrefix = "gateway:gateway"

// MCPPath is the only path that serves JSON-RPC.
const MCPPath = "/mcp"

const (
	DefaultReadTimeout  = 10 * time.Second
	DefaultWriteTimeout = 10 * time.Second
	DefaultMaxBodyBytes = 4 << 20
)

const acceptBackoff = 10 * time.Millisecond

// RPCHandler answers one JSON-RPC body. A nil response means the request
// was a notification.
type RPCHandler interface {
	HandleBody(ctx context.Context, body []byte) (*dispatcher.Response, string)
}

// Config holds listener settings.
type Config struct {
	Addr         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	MaxBodyBytes int64
}

// NewGatewayParams holds parameters for NewGateway.
type NewGatewayParams struct {
	Config  Config
	Handler RPCHandler
	Clients *ClientTable
}

// Gateway is the sequential HTTP front end. It implements http.Handler so
// the routing can also be mounted on an ordinary mux.
type Gateway struct {
	cfg     Config
	handler RPCHandler
	clients *ClientTable

	mu     sync.Mutex
	ln     net.Listener
	cancel context.CancelFunc
	done   chan struct{}
	active net.Conn
}

// NewGateway creates a stopped gateway.
func NewGateway(p NewGatewayParams) *Gateway {
	cfg := p.Config
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = DefaultReadTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = DefaultWriteTimeout
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = DefaultMaxBodyBytes
	}
	clients := p.Clients
	if clients == nil {
		clients = NewClientTable(ClientTableConfig{})
	}
	return &Gateway{cfg: cfg, handler: p.Handler, clients: clients}
}

// Clients returns the client-activity table.
func (g *Gateway) Clients() *ClientTable {
	return g.clients
}

// Start binds the listener and launches the accept loop. Starting a running
// gateway is a no-op.
func (g *Gateway) Start() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.ln != nil {
		return nil
	}

	ln, err := net.Listen("tcp", g.cfg.Addr)
	if err != nil {
		return fmt.Errorf("%s - failed to listen on %s: %w", logPrefix, g.cfg.Addr, err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	g.ln, g.cancel, g.done = ln, cancel, done

	go g.acceptLoop(ctx, ln, done)

	slog.Info(fmt.Sprintf("%s - MCP gateway listening on http://%s%s", logPrefix, ln.Addr(), MCPPath))
	return nil
}

// Stop closes the listener, cancels the in-flight request and waits for the
// accept loop to exit. The in-flight request still gets its response.
func (g *Gateway) Stop() error {
	g.mu.Lock()
	ln, cancel, done, active := g.ln, g.cancel, g.done, g.active
	g.ln, g.cancel, g.done = nil, nil, nil
	g.mu.Unlock()

	if ln == nil {
		return nil
	}

	cancel()
	if active != nil {
		_ = active.SetReadDeadline(time.Now())
	}
	err := ln.Close()
	<-done

	slog.Info(fmt.Sprintf("%s - MCP gateway stopped", logPrefix))
	if err != nil && !errors.Is(err, net.ErrClosed) {
		return fmt.Errorf("%s - failed to close listener: %w", logPrefix, err)
	}
	return nil
}

// Running reports whether the listener is open.
func (g *Gateway) Running() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.ln != nil
}

// Addr returns the bound address, or "" when stopped.
func (g *Gateway) Addr() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.ln == nil {
		return ""
	}
	return g.ln.Addr().String()
}

func (g *Gateway) acceptLoop(ctx context.Context, ln net.Listener, done chan struct{}) {
	defer close(done)
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			slog.Warn(fmt.Sprintf("%s - accept failed: %v", logPrefix, err))
			time.Sleep(acceptBackoff)
			continue
		}
		g.serveConn(ctx, conn)
	}
}

func (g *Gateway) setActive(conn net.Conn) {
	g.mu.Lock()
	g.active = conn
	g.mu.Unlock()
}

// serveConn reads one request, routes it and writes one response. Failures
// stay inside this connection.
func (g *Gateway) serveConn(ctx context.Context, conn net.Conn) {
	g.setActive(conn)
	defer g.setActive(nil)
	defer conn.Close()
	defer func() {
		if r := recover(); r != nil {
			slog.Error(fmt.Sprintf("%s - panic serving %s: %v", logPrefix, conn.RemoteAddr(), r))
		}
	}()

	_ = conn.SetReadDeadline(time.Now().Add(g.cfg.ReadTimeout))
	req, err := http.ReadRequest(bufio.NewReader(conn))
	if err != nil {
		if !errors.Is(err, io.EOF) {
			slog.Debug(fmt.Sprintf("%s - bad request from %s: %v", logPrefix, conn.RemoteAddr(), err))
			g.writeRaw(conn, nil, http.StatusBadRequest)
		}
		return
	}
	req.RemoteAddr = conn.RemoteAddr().String()

	rw := newBufferedResponse()
	g.ServeHTTP(rw, req.WithContext(ctx))

	_ = conn.SetWriteDeadline(time.Now().Add(g.cfg.WriteTimeout))
	if err := rw.writeTo(conn, req); err != nil {
		slog.Debug(fmt.Sprintf("%s - failed to write response to %s: %v", logPrefix, req.RemoteAddr, err))
	}
}

func (g *Gateway) writeRaw(conn net.Conn, req *http.Request, status int) {
	rw := newBufferedResponse()
	setCORS(rw.Header())
	rw.WriteHeader(status)
	_ = conn.SetWriteDeadline(time.Now().Add(g.cfg.WriteTimeout))
	_ = rw.writeTo(conn, req)
}

// ServeHTTP routes one request: CORS preflight, the JSON-RPC endpoint, or an
// error status. Every request is recorded in the client table.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	label := r.Method
	defer func() {
		g.clients.Touch(clientKey(r.RemoteAddr), r.UserAgent(), label)
	}()

	setCORS(w.Header())

	switch {
	case r.Method == http.MethodOptions:
		w.WriteHeader(http.StatusOK)
	case r.URL.Path != MCPPath:
		http.Error(w, "Not Found", http.StatusNotFound)
	case r.Method != http.MethodPost:
		w.Header().Set("Allow", "POST, OPTIONS")
		http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
	default:
		label = g.serveRPC(w, r)
	}
}

// clientKey reduces a remote address to its host. Every response closes the
// connection, so the source port changes on each request.
func clientKey(remoteAddr string) string {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return remoteAddr
	}
	return host
}

func (g *Gateway) serveRPC(w http.ResponseWriter, r *http.Request) string {
	body, err := io.ReadAll(io.LimitReader(r.Body, g.cfg.MaxBodyBytes+1))
	if err != nil {
		slog.Debug(fmt.Sprintf("%s - failed to read body from %s: %v", logPrefix, r.RemoteAddr, err))
	}
	if int64(len(body)) > g.cfg.MaxBodyBytes {
		writeJSON(w, http.StatusRequestEntityTooLarge, &dispatcher.Response{
			JSONRPC: dispatcher.JSONRPCVersion,
			Error:   &dispatcher.ErrorDetail{Code: mcp.INVALID_REQUEST, Message: "Request body too large"},
		})
		return "too_large"
	}

	resp, label := g.handler.HandleBody(r.Context(), body)
	if resp == nil {
		w.WriteHeader(http.StatusAccepted)
		return label
	}
	writeJSON(w, http.StatusOK, resp)
	return label
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error(fmt.Sprintf("%s - failed to encode response: %v", logPrefix, err))
	}
}

func setCORS(h http.Header) {
	h.Set("Access-Control-Allow-Origin", "*")
	h.Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
	h.Set("Access-Control-Allow-Headers", "Content-Type, Accept")
}
