// Package sdk provides the client-side library for the Celerix identity
// service. It supports both remote connections via TCP/TLS and a local
// embedded engine.
package sdk

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

	"github.com/celerix-dev/celerix-identity/pkg/engine"
	"github.com/celerix-dev/celerix-identity/pkg/schema"
)

const (
	maxAttempts    = 3
	requestTimeout = 30 * time.Second
)

// Options configures a remote Client.
type Options struct {
	// DisableTLS dials plain TCP. The daemon uses self-signed certificates,
	// so TLS connections skip verification.
	DisableTLS bool

	// Token is sent with AUTH on every (re)connect. Without it the client
	// can only read.
	Token string

	Logger *slog.Logger
}

// Client is a remote client for the identity daemon.
// It implements the IdentityStore interface.
type Client struct {
	addr   string
	opts   Options
	conn   net.Conn
	reader *bufio.Reader
	caller engine.Principal
	mu     sync.Mutex // Protects concurrent access to the connection
}

// Connect dials the daemon at addr and, when a token is configured,
// authenticates the connection.
func Connect(addr string, opts Options) (*Client, error) {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	c := &Client{addr: addr, opts: opts}
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.reconnect(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Client) reconnect() error {
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}

	var conn net.Conn
	var err error

	dialer := &net.Dialer{
		Timeout:   10 * time.Second,
		KeepAlive: 60 * time.Second,
	}

	if c.opts.DisableTLS {
		conn, err = dialer.Dial("tcp", c.addr)
	} else {
		config := &tls.Config{
			InsecureSkipVerify: true, // self-signed certs for internal traffic
		}
		conn, err = tls.DialWithDialer(dialer, "tcp", c.addr, config)
	}
	if err != nil {
		return err
	}

	c.conn = conn
	c.reader = bufio.NewReader(conn)

	if c.opts.Token == "" {
		return nil
	}
	resp, err := c.roundTrip("AUTH " + c.opts.Token)
	if err != nil {
		c.conn.Close()
		c.conn = nil
		return err
	}
	var out struct {
		Principal engine.Principal `json:"principal"`
	}
	if err := json.Unmarshal([]byte(resp), &out); err != nil {
		return fmt.Errorf("decode AUTH reply: %w", err)
	}
	c.caller = out.Principal
	return nil
}

// roundTrip writes one command and reads one reply on the current
// connection. Replies starting with ERR come back as coded errors; any
// other error is a transport failure.
func (c *Client) roundTrip(cmd string) (string, error) {
	c.conn.SetDeadline(time.Now().Add(requestTimeout))

	if _, err := fmt.Fprint(c.conn, cmd+"\n"); err != nil {
		return "", err
	}
	resp, err := c.reader.ReadString('\n')
	if err != nil {
		return "", err
	}
	resp = strings.TrimSpace(resp)
	if strings.HasPrefix(resp, "ERR") {
		return "", parseErr(resp)
	}
	return strings.TrimSpace(strings.TrimPrefix(resp, "OK")), nil
}

// Internal helper for TCP communication
func (c *Client) sendAndReceive(cmd string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var err error

	for i := 0; i < maxAttempts; i++ {
		if c.conn == nil {
			if reconnectErr := c.reconnect(); reconnectErr != nil {
				err = fmt.Errorf("reconnect failed: %w", reconnectErr)
				if isReply(reconnectErr) {
					return "", reconnectErr
				}
				time.Sleep(time.Duration(i*100) * time.Millisecond)
				continue
			}
		}

		var resp string
		resp, err = c.roundTrip(cmd)
		if err == nil || isReply(err) {
			return resp, err
		}

		c.opts.Logger.Warn("identity request failed, reconnecting", "attempt", i+1, "error", err)

		if closeErr := c.reconnect(); closeErr != nil {
			c.opts.Logger.Warn("reconnect failed", "error", closeErr)
		}

		time.Sleep(time.Duration((i+1)*200) * time.Millisecond)
	}

	return "", fmt.Errorf("failed after %d attempts: %w", maxAttempts, err)
}

// isReply reports whether err came from the daemon rather than the network.
func isReply(err error) bool {
	var e *engine.Error
	return errors.As(err, &e)
}

// parseErr rebuilds a coded error from "ERR <CODE> <message>".
func parseErr(line string) error {
	rest := strings.TrimSpace(strings.TrimPrefix(line, "ERR"))
	code, msg, _ := strings.Cut(rest, " ")
	if code == "" {
		code = "INTERNAL"
	}
	return engine.New(engine.Code(code), msg)
}

func (c *Client) call(cmd string, out any) error {
	resp, err := c.sendAndReceive(cmd)
	if err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal([]byte(resp), out)
}

// Caller returns the principal bound by the token, if any.
func (c *Client) Caller() engine.Principal {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.caller
}

func (c *Client) Exists(p engine.Principal) (bool, error) {
	var ok bool
	err := c.call("EXISTS "+p.String(), &ok)
	return ok, err
}

func (c *Client) GetCommitment(p engine.Principal) (engine.Commitment, error) {
	var out struct {
		Commitment engine.Commitment `json:"commitment"`
	}
	err := c.call("COMMITMENT "+p.String(), &out)
	return out.Commitment, err
}

func (c *Client) Identity(p engine.Principal) (schema.IdentityRecord, error) {
	var rec schema.IdentityRecord
	err := c.call("IDENTITY "+p.String(), &rec)
	return rec, err
}

func (c *Client) Register(commitment engine.Commitment) (schema.IdentityRecord, error) {
	var rec schema.IdentityRecord
	err := c.call("REGISTER "+commitment.String(), &rec)
	return rec, err
}

func (c *Client) Update(commitment engine.Commitment) (schema.IdentityRecord, error) {
	var rec schema.IdentityRecord
	err := c.call("UPDATE "+commitment.String(), &rec)
	return rec, err
}

func (c *Client) Recover(owner engine.Principal, commitment engine.Commitment) (schema.IdentityRecord, error) {
	var rec schema.IdentityRecord
	err := c.call(fmt.Sprintf("RECOVER %s %s", owner, commitment), &rec)
	return rec, err
}

func (c *Client) Grant(accessor engine.Principal, seconds int64) (schema.GrantRecord, error) {
	var g schema.GrantRecord
	err := c.call("GRANT "+accessor.String()+" "+strconv.FormatInt(seconds, 10), &g)
	return g, err
}

func (c *Client) Revoke(accessor engine.Principal) error {
	return c.call("REVOKE "+accessor.String(), nil)
}

func (c *Client) CheckAccess(owner, accessor engine.Principal) (bool, error) {
	var ok bool
	err := c.call(fmt.Sprintf("CHECK %s %s", owner, accessor), &ok)
	return ok, err
}

func (c *Client) GetGrant(owner, accessor engine.Principal) (schema.GrantRecord, error) {
	var g schema.GrantRecord
	err := c.call(fmt.Sprintf("GET_GRANT %s %s", owner, accessor), &g)
	return g, err
}

func (c *Client) Grants(owner engine.Principal) ([]schema.GrantRecord, error) {
	var list []schema.GrantRecord
	err := c.call("GRANTS "+owner.String(), &list)
	return list, err
}

func (c *Client) AddGuardian(guardian engine.Principal) error {
	return c.call("ADD_GUARDIAN "+guardian.String(), nil)
}

func (c *Client) RemoveGuardian(guardian engine.Principal) error {
	return c.call("REMOVE_GUARDIAN "+guardian.String(), nil)
}

func (c *Client) Guardians(owner engine.Principal) ([]engine.Principal, error) {
	var list []engine.Principal
	err := c.call("GUARDIANS "+owner.String(), &list)
	return list, err
}

func (c *Client) Audit(owner engine.Principal) ([]schema.AuditRecord, error) {
	var list []schema.AuditRecord
	err := c.call("AUDIT "+owner.String(), &list)
	return list, err
}

func (c *Client) AuditStats(owner engine.Principal) (schema.AuditStats, error) {
	var s schema.AuditStats
	err := c.call("STATS "+owner.String(), &s)
	return s, err
}

// Ping checks that the daemon is answering.
func (c *Client) Ping() error {
	resp, err := c.sendAndReceive("PING")
	if err != nil {
		return err
	}
	if resp != "PONG" {
		return fmt.Errorf("unexpected ping reply %q", resp)
	}
	return nil
}

func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	fmt.Fprintln(c.conn, "QUIT")
	err := c.conn.Close()
	c.conn = nil
	return err
}
