package ipc

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"log/slog"
	"net"
	"os"
	"sync"
	"time"

	"github.com/cccc-kernel/cccc/internal/metrics"
)

// maxLineBytes bounds one NDJSON request/response line; large payloads
// (message text, attachments) go through the blob store, not the IPC
// envelope, so this only needs to be generous, not unlimited.
const maxLineBytes = 4 * 1024 * 1024

// opTimeout is the implicit per-operation timeout (spec.md §4.7),
// except for the streaming upgrades which run for the life of the
// connection.
const opTimeout = 60 * time.Second

// Handler dispatches one decoded request and returns either a result
// (marshaled into the response envelope) or an error. Streaming ops
// (events_stream, term_attach) are recognized by name and handed to
// StreamFunc instead; Handler is never called for them.
type Handler func(ctx context.Context, op string, args json.RawMessage) (result interface{}, err error)

// StreamWriter lets a streaming op push additional lines to the client
// after the initial response, until the connection or context ends.
type StreamWriter interface {
	// WriteLine marshals v as one JSON line and flushes it. Safe to
	// call from a goroutine other than the one driving the request.
	WriteLine(v interface{}) error
}

// StreamFunc handles a streaming-upgrade op. It must write the upgrade
// acknowledgement itself (via w) and then block, writing further lines
// until ctx is cancelled (connection closed) or it returns.
type StreamFunc func(ctx context.Context, args json.RawMessage, w StreamWriter) error

// Config configures a Server.
type Config struct {
	SocketPath string // unix socket path, required
	TCPAddr    string // optional additional loopback TCP listener, empty disables
	Handler    Handler
	Streams    map[string]StreamFunc // op name -> streaming handler
}

// Server is the C7 IPC server: a unix socket (plus optional TCP)
// accepting NDJSON connections, one goroutine per connection.
type Server struct {
	cfg Config

	mu        sync.Mutex
	listeners []net.Listener
	wg        sync.WaitGroup
}

// New constructs a Server. Call Serve to start accepting connections.
func New(cfg Config) *Server {
	return &Server{cfg: cfg}
}

// removeStaleSocket removes a leftover socket file from a previous
// crash, refusing to touch anything that isn't actually a socket.
func removeStaleSocket(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	if info.Mode().Type() == fs.ModeSocket {
		return os.Remove(path)
	}
	return fmt.Errorf("%s exists but is not a socket", path)
}

// Serve listens on the configured socket (and optional TCP address)
// and accepts connections until ctx is cancelled, then closes every
// listener and waits for in-flight connections to finish their
// current request before returning.
func (s *Server) Serve(ctx context.Context) error {
	if err := removeStaleSocket(s.cfg.SocketPath); err != nil {
		return fmt.Errorf("remove stale socket: %w", err)
	}

	unixLn, err := net.Listen("unix", s.cfg.SocketPath)
	if err != nil {
		return fmt.Errorf("listen unix: %w", err)
	}
	if err := os.Chmod(s.cfg.SocketPath, 0o600); err != nil {
		_ = unixLn.Close()
		return fmt.Errorf("chmod socket: %w", err)
	}

	s.mu.Lock()
	s.listeners = []net.Listener{unixLn}
	s.mu.Unlock()

	if s.cfg.TCPAddr != "" {
		tcpLn, err := net.Listen("tcp", s.cfg.TCPAddr)
		if err != nil {
			_ = unixLn.Close()
			return fmt.Errorf("listen tcp: %w", err)
		}
		s.mu.Lock()
		s.listeners = append(s.listeners, tcpLn)
		s.mu.Unlock()
	}

	go func() {
		<-ctx.Done()
		s.mu.Lock()
		for _, ln := range s.listeners {
			_ = ln.Close()
		}
		s.mu.Unlock()
	}()

	errCh := make(chan error, len(s.listeners))
	for _, ln := range s.listeners {
		ln := ln
		go func() {
			errCh <- s.acceptLoop(ctx, ln)
		}()
	}

	slog.Info("ipc listening", "socket", s.cfg.SocketPath, "tcp", s.cfg.TCPAddr)

	var firstErr error
	for range s.listeners {
		if err := <-errCh; err != nil && ctx.Err() == nil {
			firstErr = err
		}
	}

	s.wg.Wait()
	_ = os.Remove(s.cfg.SocketPath)
	return firstErr
}

func (s *Server) acceptLoop(ctx context.Context, ln net.Listener) error {
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("accept: %w", err)
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConn(ctx, conn)
		}()
	}
}

func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	// Close the connection on shutdown so a blocked read returns and
	// Serve's wait does not depend on the client hanging up.
	go func() {
		<-connCtx.Done()
		_ = conn.Close()
	}()

	w := &lineWriter{conn: conn, mu: &sync.Mutex{}}
	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var req Request
		if err := json.Unmarshal(line, &req); err != nil {
			_ = w.WriteLine(Response{V: EnvelopeVersion, OK: false, Error: NewError(CodeInvalidRequest, "malformed request envelope")})
			continue
		}
		s.dispatch(connCtx, req, w)
	}
}

func (s *Server) dispatch(ctx context.Context, req Request, w *lineWriter) {
	start := time.Now()

	if stream, ok := s.cfg.Streams[req.Op]; ok {
		metrics.IPCStreamSubscribers.Inc()
		defer metrics.IPCStreamSubscribers.Dec()
		if err := stream(ctx, req.Args, w); err != nil {
			metrics.InstrumentOp(req.Op, string(WrapError(err).Code), start)
			_ = w.WriteLine(Response{V: EnvelopeVersion, OK: false, Error: WrapError(err)})
			return
		}
		metrics.InstrumentOp(req.Op, "ok", start)
		return
	}

	opCtx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	if req.Op == "" || s.cfg.Handler == nil {
		metrics.InstrumentOp(req.Op, string(CodeUnknownOp), start)
		_ = w.WriteLine(Response{V: EnvelopeVersion, OK: false, Error: NewError(CodeUnknownOp, "unknown op: "+req.Op)})
		return
	}

	result, err := s.cfg.Handler(opCtx, req.Op, req.Args)
	if err != nil {
		ipcErr := WrapError(err)
		metrics.InstrumentOp(req.Op, string(ipcErr.Code), start)
		_ = w.WriteLine(Response{V: EnvelopeVersion, OK: false, Error: ipcErr})
		return
	}

	payload, merr := json.Marshal(result)
	if merr != nil {
		metrics.InstrumentOp(req.Op, string(CodeResourceError), start)
		_ = w.WriteLine(Response{V: EnvelopeVersion, OK: false, Error: NewError(CodeResourceError, "marshal result: "+merr.Error())})
		return
	}
	metrics.InstrumentOp(req.Op, "ok", start)
	_ = w.WriteLine(Response{V: EnvelopeVersion, OK: true, Result: payload})
}

// lineWriter serializes writes to a connection across the request
// goroutine and any streaming goroutine pushing further lines.
type lineWriter struct {
	conn net.Conn
	mu   *sync.Mutex
}

func (w *lineWriter) WriteLine(v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal response line: %w", err)
	}
	data = append(data, '\n')
	w.mu.Lock()
	defer w.mu.Unlock()
	_, err = w.conn.Write(data)
	return err
}
