package cache

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"time"
)

// ValkeyConfig holds connection parameters for a Valkey/Redis-compatible server.
type ValkeyConfig struct {
	Addr         string
	Username     string
	Password     string
	DB           int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	MaxRetries   int
	PoolSize     int
	TLS          bool
}

// ValkeyProvider implements Provider over RESP with a small connection pool.
type ValkeyProvider struct {
	cfg  ValkeyConfig
	idle chan *respConn
}

// NewValkeyProvider connects and pings the server so misconfiguration fails fast.
func NewValkeyProvider(ctx context.Context, cfg ValkeyConfig) (*ValkeyProvider, error) {
	if cfg.Addr == "" {
		return nil, errors.New("valkey addr is required")
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 2 * time.Second
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 500 * time.Millisecond
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 500 * time.Millisecond
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 1
	}
	if cfg.PoolSize <= 0 {
		cfg.PoolSize = 4
	}

	p := &ValkeyProvider{cfg: cfg, idle: make(chan *respConn, cfg.PoolSize)}
	pingCtx, cancel := context.WithTimeout(ctx, cfg.DialTimeout)
	defer cancel()
	reply, err := p.do(pingCtx, "PING")
	if err != nil {
		return nil, fmt.Errorf("valkey ping: %w", err)
	}
	if reply.str != "PONG" {
		return nil, fmt.Errorf("unexpected PING response: %q", reply.str)
	}
	return p, nil
}

// Get fetches bytes by key, returning ErrCacheMiss when the key is absent.
func (p *ValkeyProvider) Get(ctx context.Context, key string) ([]byte, error) {
	reply, err := p.do(ctx, "GET", key)
	if err != nil {
		return nil, err
	}
	if reply.nil {
		return nil, ErrCacheMiss
	}
	return reply.bulk, nil
}

// Set stores bytes with the provided TTL.
func (p *ValkeyProvider) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	reply, err := p.do(ctx, setArgs(key, value, ttl, false)...)
	if err != nil {
		return err
	}
	if reply.str != "OK" {
		return fmt.Errorf("unexpected SET response: %q", reply.str)
	}
	return nil
}

// SetNX stores the value only if the key does not exist and reports whether it did.
func (p *ValkeyProvider) SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	reply, err := p.do(ctx, setArgs(key, value, ttl, true)...)
	if err != nil {
		return false, err
	}
	return !reply.nil && reply.str == "OK", nil
}

// Del removes a key.
func (p *ValkeyProvider) Del(ctx context.Context, key string) error {
	_, err := p.do(ctx, "DEL", key)
	return err
}

// Close drops every pooled connection.
func (p *ValkeyProvider) Close() error {
	for {
		select {
		case c := <-p.idle:
			c.conn.Close()
		default:
			return nil
		}
	}
}

func setArgs(key string, value []byte, ttl time.Duration, nx bool) []string {
	args := []string{"SET", key, string(value)}
	if ttl > 0 {
		args = append(args, "PX", strconv.FormatInt(ttl.Milliseconds(), 10))
	}
	if nx {
		args = append(args, "NX")
	}
	return args
}

// do runs one command, retrying on network timeouts with a fresh connection.
func (p *ValkeyProvider) do(ctx context.Context, args ...string) (respReply, error) {
	var lastErr error
	for attempt := 0; attempt < p.cfg.MaxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return respReply{}, err
		}
		c, err := p.acquire(ctx)
		if err != nil {
			lastErr = err
			if retryable(err) {
				sleepCtx(ctx, time.Duration(1<<attempt)*25*time.Millisecond)
				continue
			}
			return respReply{}, err
		}
		reply, err := c.roundTrip(p.cfg, args)
		if err != nil {
			c.conn.Close()
			var serverErr respError
			if errors.As(err, &serverErr) {
				return respReply{}, err
			}
			lastErr = err
			if retryable(err) {
				sleepCtx(ctx, time.Duration(1<<attempt)*25*time.Millisecond)
				continue
			}
			return respReply{}, err
		}
		p.release(c)
		return reply, nil
	}
	return respReply{}, lastErr
}

func (p *ValkeyProvider) acquire(ctx context.Context) (*respConn, error) {
	select {
	case c := <-p.idle:
		return c, nil
	default:
	}

	dialer := net.Dialer{Timeout: p.cfg.DialTimeout}
	var (
		conn net.Conn
		err  error
	)
	if p.cfg.TLS {
		host, _, splitErr := net.SplitHostPort(p.cfg.Addr)
		if splitErr != nil {
			host = p.cfg.Addr
		}
		td := tls.Dialer{NetDialer: &dialer, Config: &tls.Config{MinVersion: tls.VersionTLS12, ServerName: host}}
		conn, err = td.DialContext(ctx, "tcp", p.cfg.Addr)
	} else {
		conn, err = dialer.DialContext(ctx, "tcp", p.cfg.Addr)
	}
	if err != nil {
		return nil, err
	}

	c := &respConn{conn: conn, r: bufio.NewReader(conn), w: bufio.NewWriter(conn)}
	if p.cfg.Password != "" {
		auth := []string{"AUTH", p.cfg.Password}
		if p.cfg.Username != "" {
			auth = []string{"AUTH", p.cfg.Username, p.cfg.Password}
		}
		if _, err := c.roundTrip(p.cfg, auth); err != nil {
			conn.Close()
			return nil, fmt.Errorf("auth: %w", err)
		}
	}
	if p.cfg.DB > 0 {
		if _, err := c.roundTrip(p.cfg, []string{"SELECT", strconv.Itoa(p.cfg.DB)}); err != nil {
			conn.Close()
			return nil, fmt.Errorf("select db: %w", err)
		}
	}
	return c, nil
}

func (p *ValkeyProvider) release(c *respConn) {
	select {
	case p.idle <- c:
	default:
		c.conn.Close()
	}
}

type respReply struct {
	str  string
	bulk []byte
	num  int64
	nil  bool
}

type respError string

func (e respError) Error() string { return string(e) }

type respConn struct {
	conn net.Conn
	r    *bufio.Reader
	w    *bufio.Writer
}

func (c *respConn) roundTrip(cfg ValkeyConfig, args []string) (respReply, error) {
	if err := c.conn.SetWriteDeadline(time.Now().Add(cfg.WriteTimeout)); err != nil {
		return respReply{}, err
	}
	c.w.WriteString("*" + strconv.Itoa(len(args)) + "\r\n")
	for _, a := range args {
		c.w.WriteString("$" + strconv.Itoa(len(a)) + "\r\n")
		c.w.WriteString(a)
		c.w.WriteString("\r\n")
	}
	if err := c.w.Flush(); err != nil {
		return respReply{}, err
	}

	if err := c.conn.SetReadDeadline(time.Now().Add(cfg.ReadTimeout)); err != nil {
		return respReply{}, err
	}
	return c.read()
}

func (c *respConn) read() (respReply, error) {
	line, err := c.r.ReadString('\n')
	if err != nil {
		return respReply{}, err
	}
	line = strings.TrimRight(line, "\r\n")
	if line == "" {
		return respReply{}, errors.New("empty RESP line")
	}

	switch line[0] {
	case '+':
		return respReply{str: line[1:]}, nil
	case '-':
		return respReply{}, respError(line[1:])
	case ':':
		n, err := strconv.ParseInt(line[1:], 10, 64)
		return respReply{num: n}, err
	case '_':
		return respReply{nil: true}, nil
	case '$':
		size, err := strconv.Atoi(line[1:])
		if err != nil {
			return respReply{}, err
		}
		if size < 0 {
			return respReply{nil: true}, nil
		}
		buf := make([]byte, size+2)
		if _, err := io.ReadFull(c.r, buf); err != nil {
			return respReply{}, err
		}
		return respReply{bulk: buf[:size]}, nil
	default:
		return respReply{}, fmt.Errorf("unexpected RESP prefix %q", line[0])
	}
}

func retryable(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

func sleepCtx(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
