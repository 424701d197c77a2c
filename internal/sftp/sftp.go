// Package sftp delivers files to and collects files from the agency SFTP
// endpoints. Servers are addressed by their configured name.
package sftp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net"
	"os"
	"path"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/guided-traffic/agency-interchange/internal/monitoring"
	"github.com/pkg/sftp"
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

// ErrUnknownServer is returned for a server name missing from the configuration.
var ErrUnknownServer = errors.New("unknown sftp server")

// ServerConfig describes one SFTP endpoint. Password, PrivateKey and
// Passphrase may be Secrets Manager references.
type ServerConfig struct {
	Host                  string        `mapstructure:"host" validate:"required"`
	Port                  int           `mapstructure:"port" validate:"omitempty,min=1,max=65535"`
	User                  string        `mapstructure:"user" validate:"required"`
	Password              string        `mapstructure:"password"`
	PrivateKey            string        `mapstructure:"private_key"`
	Passphrase            string        `mapstructure:"passphrase"`
	KnownHostsFile        string        `mapstructure:"known_hosts_file"`
	InsecureIgnoreHostKey bool          `mapstructure:"insecure_ignore_host_key"`
	Timeout               time.Duration `mapstructure:"timeout"`
}

// SecretResolver turns configured values into secrets.
type SecretResolver interface {
	Resolve(ctx context.Context, value string) (string, error)
}

type session struct {
	client *sftp.Client
	closer io.Closer
}

func (s *session) Close() error {
	err := s.client.Close()
	if s.closer != nil {
		if cerr := s.closer.Close(); err == nil {
			err = cerr
		}
	}
	return err
}

type dialFunc func(ctx context.Context, name string, cfg ServerConfig) (*session, error)

// Client keeps one session per server and reconnects after a failure.
type Client struct {
	servers map[string]ServerConfig
	secrets SecretResolver
	dial    dialFunc
	logger  *logrus.Entry

	mu       sync.Mutex
	sessions map[string]*session
}

// NewClient creates a client for servers. resolver may be nil.
func NewClient(servers map[string]ServerConfig, resolver SecretResolver) *Client {
	c := &Client{
		servers:  servers,
		secrets:  resolver,
		logger:   logrus.WithField("component", "sftp"),
		sessions: make(map[string]*session),
	}
	c.dial = c.dialSSH
	return c
}

func (c *Client) resolve(ctx context.Context, value string) (string, error) {
	if c.secrets == nil || value == "" {
		return value, nil
	}
	return c.secrets.Resolve(ctx, value)
}

func (c *Client) authMethods(ctx context.Context, cfg ServerConfig) ([]ssh.AuthMethod, error) {
	var methods []ssh.AuthMethod

	if cfg.PrivateKey != "" {
		key, err := c.resolve(ctx, cfg.PrivateKey)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve private key: %w", err)
		}
		pass, err := c.resolve(ctx, cfg.Passphrase)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve passphrase: %w", err)
		}
		var signer ssh.Signer
		if pass != "" {
			signer, err = ssh.ParsePrivateKeyWithPassphrase([]byte(key), []byte(pass))
		} else {
			signer, err = ssh.ParsePrivateKey([]byte(key))
		}
		if err != nil {
			return nil, fmt.Errorf("failed to parse private key: %w", err)
		}
		methods = append(methods, ssh.PublicKeys(signer))
	}

	if cfg.Password != "" {
		pw, err := c.resolve(ctx, cfg.Password)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve password: %w", err)
		}
		methods = append(methods, ssh.Password(pw))
	}

	if len(methods) == 0 {
		return nil, errors.New("no private key or password configured")
	}
	return methods, nil
}

func hostKeyCallback(cfg ServerConfig) (ssh.HostKeyCallback, error) {
	if cfg.KnownHostsFile != "" {
		cb, err := knownhosts.New(cfg.KnownHostsFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load known hosts: %w", err)
		}
		return cb, nil
	}
	if cfg.InsecureIgnoreHostKey {
		return ssh.InsecureIgnoreHostKey(), nil // #nosec G106 - explicit opt-in for test endpoints
	}
	return nil, errors.New("known_hosts_file is required unless insecure_ignore_host_key is set")
}

func (c *Client) dialSSH(ctx context.Context, name string, cfg ServerConfig) (*session, error) {
	auth, err := c.authMethods(ctx, cfg)
	if err != nil {
		return nil, err
	}
	hostKey, err := hostKeyCallback(cfg)
	if err != nil {
		return nil, err
	}

	port := cfg.Port
	if port == 0 {
		port = 22
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	addr := net.JoinHostPort(cfg.Host, strconv.Itoa(port))

	dialer := net.Dialer{Timeout: timeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", addr, err)
	}
	sshConn, chans, reqs, err := ssh.NewClientConn(conn, addr, &ssh.ClientConfig{
		User:            cfg.User,
		Auth:            auth,
		HostKeyCallback: hostKey,
		Timeout:         timeout,
	})
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed ssh handshake with %s: %w", addr, err)
	}
	sshClient := ssh.NewClient(sshConn, chans, reqs)

	client, err := sftp.NewClient(sshClient)
	if err != nil {
		_ = sshClient.Close()
		return nil, fmt.Errorf("failed to start sftp subsystem on %s: %w", addr, err)
	}

	c.logger.WithFields(logrus.Fields{
		"server": name,
		"addr":   addr,
	}).Info("Connected to SFTP server")
	return &session{client: client, closer: sshClient}, nil
}

func (c *Client) session(ctx context.Context, server string) (*session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if s, ok := c.sessions[server]; ok {
		return s, nil
	}
	cfg, ok := c.servers[server]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownServer, server)
	}
	s, err := c.dial(ctx, server, cfg)
	if err != nil {
		return nil, err
	}
	c.sessions[server] = s
	return s, nil
}

func (c *Client) drop(server string, s *session) {
	c.mu.Lock()
	if c.sessions[server] == s {
		delete(c.sessions, server)
	}
	c.mu.Unlock()
	_ = s.Close()
}

// do runs fn on the server's session. A failure other than a missing file
// discards the session so the next call reconnects.
func (c *Client) do(ctx context.Context, server string, fn func(*sftp.Client) error) error {
	s, err := c.session(ctx, server)
	if err != nil {
		return err
	}
	if err := fn(s.client); err != nil {
		if !isNotExist(err) {
			c.drop(server, s)
		}
		return err
	}
	return nil
}

func isNotExist(err error) bool {
	if errors.Is(err, fs.ErrNotExist) {
		return true
	}
	var se *sftp.StatusError
	return errors.As(err, &se) && se.FxCode() == sftp.ErrSSHFxNoSuchFile
}

// Upload writes data to p on server, creating parent directories.
func (c *Client) Upload(ctx context.Context, server, p string, data []byte) error {
	err := c.do(ctx, server, func(cl *sftp.Client) error {
		if dir := path.Dir(p); dir != "." && dir != "/" {
			if err := cl.MkdirAll(dir); err != nil {
				return fmt.Errorf("failed to create %s: %w", dir, err)
			}
		}
		f, err := cl.Create(p)
		if err != nil {
			return fmt.Errorf("failed to create %s: %w", p, err)
		}
		if _, err := f.Write(data); err != nil {
			_ = f.Close()
			return fmt.Errorf("failed to write %s: %w", p, err)
		}
		return f.Close()
	})
	if err != nil {
		return err
	}
	monitoring.RecordBytesTransferred("upload", "sftp", len(data))
	c.logger.WithFields(logrus.Fields{
		"server": server,
		"path":   p,
		"bytes":  len(data),
	}).Debug("Uploaded file")
	return nil
}

// Download reads p from server.
func (c *Client) Download(ctx context.Context, server, p string) ([]byte, error) {
	var data []byte
	err := c.do(ctx, server, func(cl *sftp.Client) error {
		f, err := cl.Open(p)
		if err != nil {
			return fmt.Errorf("failed to open %s: %w", p, err)
		}
		defer f.Close()
		data, err = io.ReadAll(f)
		if err != nil {
			return fmt.Errorf("failed to read %s: %w", p, err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	monitoring.RecordBytesTransferred("download", "sftp", len(data))
	return data, nil
}

// List returns the names of the regular files in dir, sorted.
func (c *Client) List(ctx context.Context, server, dir string) ([]string, error) {
	var names []string
	err := c.do(ctx, server, func(cl *sftp.Client) error {
		entries, err := cl.ReadDir(dir)
		if err != nil {
			return fmt.Errorf("failed to list %s: %w", dir, err)
		}
		for _, e := range entries {
			if e.Mode().IsRegular() {
				names = append(names, e.Name())
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(names)
	return names, nil
}

// Delete removes p on server. It reports false when p did not exist.
func (c *Client) Delete(ctx context.Context, server, p string) (bool, error) {
	err := c.do(ctx, server, func(cl *sftp.Client) error {
		return cl.Remove(p)
	})
	switch {
	case err == nil:
		return true, nil
	case isNotExist(err):
		return false, nil
	default:
		return false, fmt.Errorf("failed to delete %s: %w", p, err)
	}
}

// Close ends every open session.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	var errs []error
	for name, s := range c.sessions {
		if err := s.Close(); err != nil && !errors.Is(err, os.ErrClosed) {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
		delete(c.sessions, name)
	}
	return errors.Join(errs...)
}
