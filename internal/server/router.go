// Package server implements the identity daemon's line-oriented TCP
// command channel.
//
// Each request is one line: a command word followed by space separated
// arguments. Each reply is one line, either "OK", "OK <json>", "PONG" or
// "ERR <CODE> <message>".
package server

import (
	"bufio"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/celerix-dev/celerix-identity/internal/auth"
	core "github.com/celerix-dev/celerix-identity/internal/engine"
	"github.com/celerix-dev/celerix-identity/pkg/cid"
	"github.com/celerix-dev/celerix-identity/pkg/engine"
	"github.com/celerix-dev/celerix-identity/pkg/sdk"
)

const (
	maxConnections = 100
	connLifetime   = 5 * time.Minute
	commandTimeout = 30 * time.Second
)

// codeUnknownCommand is a protocol reply, not a domain error.
const codeUnknownCommand engine.Code = "UNKNOWN_COMMAND"

type Router struct {
	engine *core.Engine
	auth   *auth.Authority
	logger *slog.Logger
	cert   *tls.Certificate

	mu       sync.Mutex
	listener net.Listener
	stopped  bool
	active   map[net.Conn]struct{}
	conns    sync.WaitGroup
}

func NewRouter(e *core.Engine, a *auth.Authority, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{engine: e, auth: a, logger: logger, active: make(map[net.Conn]struct{})}
}

// SetCertificate sets the TLS certificate for the router
func (r *Router) SetCertificate(cert tls.Certificate) {
	r.cert = &cert
}

// Listen starts the TCP server and blocks until Stop is called.
func (r *Router) Listen(port string) error {
	var listener net.Listener
	var err error

	if r.cert != nil {
		config := &tls.Config{Certificates: []tls.Certificate{*r.cert}, MinVersion: tls.VersionTLS12}
		listener, err = tls.Listen("tcp", ":"+port, config)
	} else {
		listener, err = net.Listen("tcp", ":"+port)
	}
	if err != nil {
		return err
	}
	return r.Serve(listener)
}

// Serve accepts connections on l until Stop is called.
func (r *Router) Serve(l net.Listener) error {
	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		l.Close()
		return nil
	}
	r.listener = l
	r.mu.Unlock()

	r.logger.Info("command channel listening", "addr", l.Addr().String(), "tls", r.cert != nil)

	semaphore := make(chan struct{}, maxConnections)

	for {
		conn, err := l.Accept()
		if err != nil {
			if r.isStopped() {
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			r.logger.Warn("accept failed", "error", err)
			continue
		}

		conn.SetDeadline(time.Now().Add(connLifetime))
		if !r.track(conn) {
			conn.Close()
			return nil
		}

		go func(c net.Conn) {
			semaphore <- struct{}{}
			defer func() {
				<-semaphore
				c.Close()
				r.untrack(c)
			}()
			r.HandleConnection(c)
		}(conn)
	}
}

// Addr returns the listening address, or nil before Listen.
func (r *Router) Addr() net.Addr {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.listener == nil {
		return nil
	}
	return r.listener.Addr()
}

// Stop closes the listener and every open connection, then waits for
// their handlers to return.
func (r *Router) Stop() error {
	r.mu.Lock()
	r.stopped = true
	l := r.listener
	for c := range r.active {
		c.Close()
	}
	r.mu.Unlock()

	var err error
	if l != nil {
		err = l.Close()
	}
	r.conns.Wait()
	return err
}

func (r *Router) track(c net.Conn) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stopped {
		return false
	}
	r.active[c] = struct{}{}
	r.conns.Add(1)
	return true
}

func (r *Router) untrack(c net.Conn) {
	r.mu.Lock()
	delete(r.active, c)
	r.mu.Unlock()
	r.conns.Done()
}

func (r *Router) isStopped() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stopped
}

// session is the per-connection state. The store is rebound on AUTH.
type session struct {
	store   *sdk.Local
	expires time.Time
}

// HandleConnection serves commands on conn until QUIT, EOF or a read
// timeout. The caller owns conn.
func (r *Router) HandleConnection(conn net.Conn) {
	reader := bufio.NewReader(conn)
	s := &session{store: sdk.NewLocal(r.engine, engine.Principal{})}

	for {
		conn.SetReadDeadline(time.Now().Add(commandTimeout))

		line, err := reader.ReadString('\n')
		if err != nil {
			return
		}

		parts := strings.Fields(strings.TrimSpace(line))
		if len(parts) < 1 {
			continue
		}

		command := strings.ToUpper(parts[0])
		args := parts[1:]

		switch command {
		case "PING":
			fmt.Fprintln(conn, "PONG")
			continue
		case "QUIT":
			return
		}

		h, ok := commands[command]
		if !ok {
			writeErr(conn, engine.Newf(codeUnknownCommand, "unknown command %q", command))
			continue
		}
		if h.mutates {
			if err := r.authorized(s); err != nil {
				writeErr(conn, err)
				continue
			}
		}

		r.logger.Debug("command", "cmd", command, "caller", s.store.Caller().String())
		out, err := h.run(r, s, args)
		if err != nil {
			writeErr(conn, err)
			continue
		}
		writeOK(conn, out)
	}
}

func (r *Router) authorized(s *session) error {
	if s.store.Caller().IsZero() {
		return engine.Wrap(engine.CodeUnauthorized, "AUTH required", nil)
	}
	if !r.engine.Now().Before(s.expires) {
		s.store = s.store.As(engine.Principal{})
		return engine.Wrap(engine.CodeUnauthorized, "token expired", nil)
	}
	return nil
}

func writeOK(conn net.Conn, out any) {
	if out == nil {
		fmt.Fprintln(conn, "OK")
		return
	}
	res, err := json.Marshal(out)
	if err != nil {
		fmt.Fprintln(conn, "ERR INTERNAL internal error")
		return
	}
	fmt.Fprintln(conn, "OK", string(res))
}

func writeErr(conn net.Conn, err error) {
	code := engine.CodeOf(err)
	if code == "" {
		code = "INTERNAL"
	}
	msg := strings.ReplaceAll(err.Error(), "\n", " ")
	fmt.Fprintln(conn, "ERR", string(code), msg)
}

type handler struct {
	mutates bool
	run     func(r *Router, s *session, args []string) (any, error)
}

var commands = map[string]handler{
	"AUTH": {run: func(r *Router, s *session, args []string) (any, error) {
		if len(args) < 1 {
			return nil, engine.Wrap(engine.CodeUnauthorized, "AUTH needs a token", nil)
		}
		claims, err := r.auth.Verify(args[0])
		if err != nil {
			return nil, err
		}
		s.store = s.store.As(claims.Subject)
		s.expires = claims.ExpiresAt
		return map[string]any{"principal": claims.Subject, "expires_at": claims.ExpiresAt}, nil
	}},

	"REGISTER": {mutates: true, run: func(_ *Router, s *session, args []string) (any, error) {
		c, err := commitmentArg(args, 0)
		if err != nil {
			return nil, err
		}
		return s.store.Register(c)
	}},
	"UPDATE": {mutates: true, run: func(_ *Router, s *session, args []string) (any, error) {
		c, err := commitmentArg(args, 0)
		if err != nil {
			return nil, err
		}
		return s.store.Update(c)
	}},
	"RECOVER": {mutates: true, run: func(_ *Router, s *session, args []string) (any, error) {
		owner, err := principalArg(args, 0)
		if err != nil {
			return nil, err
		}
		c, err := commitmentArg(args, 1)
		if err != nil {
			return nil, err
		}
		return s.store.Recover(owner, c)
	}},
	"EXISTS": {run: func(_ *Router, s *session, args []string) (any, error) {
		p, err := principalArg(args, 0)
		if err != nil {
			return nil, err
		}
		return s.store.Exists(p)
	}},
	"COMMITMENT": {run: func(_ *Router, s *session, args []string) (any, error) {
		p, err := principalArg(args, 0)
		if err != nil {
			return nil, err
		}
		c, err := s.store.GetCommitment(p)
		if err != nil {
			return nil, err
		}
		return map[string]string{"commitment": c.String(), "cid": cid.EncodeCommitment(c).String()}, nil
	}},
	"IDENTITY": {run: func(_ *Router, s *session, args []string) (any, error) {
		p, err := principalArg(args, 0)
		if err != nil {
			return nil, err
		}
		return s.store.Identity(p)
	}},

	"GRANT": {mutates: true, run: func(_ *Router, s *session, args []string) (any, error) {
		accessor, err := principalArg(args, 0)
		if err != nil {
			return nil, err
		}
		if len(args) < 2 {
			return nil, engine.ErrInvalidDuration
		}
		seconds, err := strconv.ParseInt(args[1], 10, 64)
		if err != nil {
			return nil, engine.Wrap(engine.CodeInvalidDuration, "parse duration "+args[1], err)
		}
		return s.store.Grant(accessor, seconds)
	}},
	"REVOKE": {mutates: true, run: func(_ *Router, s *session, args []string) (any, error) {
		accessor, err := principalArg(args, 0)
		if err != nil {
			return nil, err
		}
		return nil, s.store.Revoke(accessor)
	}},
	"CHECK": {run: func(_ *Router, s *session, args []string) (any, error) {
		owner, accessor, err := principalPair(args)
		if err != nil {
			return nil, err
		}
		return s.store.CheckAccess(owner, accessor)
	}},
	"GET_GRANT": {run: func(_ *Router, s *session, args []string) (any, error) {
		owner, accessor, err := principalPair(args)
		if err != nil {
			return nil, err
		}
		return s.store.GetGrant(owner, accessor)
	}},
	"GRANTS": {run: func(_ *Router, s *session, args []string) (any, error) {
		owner, err := principalArg(args, 0)
		if err != nil {
			return nil, err
		}
		return s.store.Grants(owner)
	}},

	"ADD_GUARDIAN": {mutates: true, run: func(_ *Router, s *session, args []string) (any, error) {
		g, err := principalArg(args, 0)
		if err != nil {
			return nil, err
		}
		return nil, s.store.AddGuardian(g)
	}},
	"REMOVE_GUARDIAN": {mutates: true, run: func(_ *Router, s *session, args []string) (any, error) {
		g, err := principalArg(args, 0)
		if err != nil {
			return nil, err
		}
		return nil, s.store.RemoveGuardian(g)
	}},
	"GUARDIANS": {run: func(_ *Router, s *session, args []string) (any, error) {
		owner, err := principalArg(args, 0)
		if err != nil {
			return nil, err
		}
		list, err := s.store.Guardians(owner)
		if err != nil {
			return nil, err
		}
		if list == nil {
			list = []engine.Principal{}
		}
		return list, nil
	}},

	"AUDIT": {run: func(_ *Router, s *session, args []string) (any, error) {
		owner, err := principalArg(args, 0)
		if err != nil {
			return nil, err
		}
		return s.store.Audit(owner)
	}},
	"STATS": {run: func(_ *Router, s *session, args []string) (any, error) {
		owner, err := principalArg(args, 0)
		if err != nil {
			return nil, err
		}
		return s.store.AuditStats(owner)
	}},
}

func principalArg(args []string, i int) (engine.Principal, error) {
	if len(args) <= i {
		return engine.Principal{}, engine.ErrInvalidPrincipal
	}
	return engine.ParsePrincipal(args[i])
}

func principalPair(args []string) (engine.Principal, engine.Principal, error) {
	a, err := principalArg(args, 0)
	if err != nil {
		return engine.Principal{}, engine.Principal{}, err
	}
	b, err := principalArg(args, 1)
	if err != nil {
		return engine.Principal{}, engine.Principal{}, err
	}
	return a, b, nil
}

func commitmentArg(args []string, i int) (engine.Commitment, error) {
	if len(args) <= i {
		return engine.Commitment{}, engine.ErrInvalidCommitmentLength
	}
	return engine.ParseCommitment(args[i])
}
