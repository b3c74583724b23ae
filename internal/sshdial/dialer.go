// Package sshdial implements the supervisor's session capability on top of
// golang.org/x/crypto/ssh. A session is one SSH client connection carrying
// the profile's port forwards, with a keepalive probe loop that detects dead
// transports. The daemon's SSH protocol surface lives entirely here; the
// supervisor only sees the Session interface.
package sshdial

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"github.com/tunneld/tunneld/internal/config"
	"github.com/tunneld/tunneld/internal/crypto"
	"github.com/tunneld/tunneld/internal/database"
	"github.com/tunneld/tunneld/internal/registry"
	"github.com/tunneld/tunneld/internal/supervisor"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

// Dialer opens SSH sessions from profiles. It holds the daemon's identity
// signer for key-auth profiles that don't name their own key file.
type Dialer struct {
	Signer            ssh.Signer
	ConnectTimeout    time.Duration
	KeepaliveInterval time.Duration
	KnownHostsPath    string

	// DecryptSecret decrypts a stored profile password. Defaults to
	// crypto.Decrypt; tests inject their own.
	DecryptSecret func(string) (string, error)
}

// New creates a Dialer using the daemon-wide connection settings.
func New(signer ssh.Signer) *Dialer {
	return &Dialer{
		Signer:            signer,
		ConnectTimeout:    config.Cfg.ConnectTimeout,
		KeepaliveInterval: config.Cfg.KeepaliveInterval,
		KnownHostsPath:    config.Cfg.KnownHostsPath,
		DecryptSecret:     crypto.Decrypt,
	}
}

// OpenSession dials the profile's host, authenticates, and establishes the
// profile's port forwards. Errors are classified for the supervisor's retry
// policy: profile problems are terminal, auth rejections retry with a capped
// budget, everything else is a transport failure.
func (d *Dialer) OpenSession(ctx context.Context, profile database.Profile) (supervisor.Session, error) {
	forwards, err := profile.Forwards()
	if err != nil {
		return nil, supervisor.NewError(registry.ErrKindInvalidProfile, err)
	}
	if profile.Host == "" || profile.Username == "" {
		return nil, supervisor.NewError(registry.ErrKindInvalidProfile,
			fmt.Errorf("profile %q: host and username are required", profile.Name))
	}

	auth, err := d.authMethods(&profile)
	if err != nil {
		return nil, err
	}
	hostKeyCallback, err := d.hostKeyCallback(&profile)
	if err != nil {
		return nil, err
	}

	cfg := &ssh.ClientConfig{
		User:            profile.Username,
		Auth:            auth,
		HostKeyCallback: hostKeyCallback,
		Timeout:         d.ConnectTimeout,
	}

	addr := net.JoinHostPort(profile.Host, fmt.Sprintf("%d", profile.Port))

	dialer := net.Dialer{Timeout: d.ConnectTimeout}
	netConn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, supervisor.NewError(registry.ErrKindTransport, fmt.Errorf("dial %s: %w", addr, err))
	}

	sshConn, chans, reqs, err := ssh.NewClientConn(netConn, addr, cfg)
	if err != nil {
		netConn.Close()
		return nil, classifyHandshake(addr, err)
	}
	client := ssh.NewClient(sshConn, chans, reqs)

	sess := newSession(client, d.KeepaliveInterval)
	if err := sess.setupForwards(forwards); err != nil {
		sess.Close()
		return nil, supervisor.NewError(registry.ErrKindTransport, err)
	}
	sess.start()
	return sess, nil
}

// authMethods builds the SSH auth chain for a profile.
func (d *Dialer) authMethods(profile *database.Profile) ([]ssh.AuthMethod, error) {
	switch profile.AuthMethod {
	case database.AuthPassword:
		decrypt := d.DecryptSecret
		if decrypt == nil {
			decrypt = crypto.Decrypt
		}
		pw, err := decrypt(profile.EncryptedPassword)
		if err != nil {
			return nil, supervisor.NewError(registry.ErrKindInvalidProfile,
				fmt.Errorf("profile %q: decrypt password: %w", profile.Name, err))
		}
		return []ssh.AuthMethod{ssh.Password(pw)}, nil

	case database.AuthKey, "":
		if profile.KeyPath != "" {
			pem, err := os.ReadFile(profile.KeyPath)
			if err != nil {
				return nil, supervisor.NewError(registry.ErrKindInvalidProfile,
					fmt.Errorf("profile %q: read key %s: %w", profile.Name, profile.KeyPath, err))
			}
			signer, err := ssh.ParsePrivateKey(pem)
			if err != nil {
				return nil, supervisor.NewError(registry.ErrKindInvalidProfile,
					fmt.Errorf("profile %q: parse key %s: %w", profile.Name, profile.KeyPath, err))
			}
			return []ssh.AuthMethod{ssh.PublicKeys(signer)}, nil
		}
		if d.Signer == nil {
			return nil, supervisor.NewError(registry.ErrKindInvalidProfile,
				fmt.Errorf("profile %q: key auth requested but no identity key available", profile.Name))
		}
		return []ssh.AuthMethod{ssh.PublicKeys(d.Signer)}, nil

	default:
		return nil, supervisor.NewError(registry.ErrKindInvalidProfile,
			fmt.Errorf("profile %q: unknown auth method %q", profile.Name, profile.AuthMethod))
	}
}

// hostKeyCallback resolves the profile's host key policy.
func (d *Dialer) hostKeyCallback(profile *database.Profile) (ssh.HostKeyCallback, error) {
	switch profile.HostKeyPolicy {
	case database.HostKeyInsecure, "":
		return ssh.InsecureIgnoreHostKey(), nil
	case database.HostKeyKnownHosts:
		path := d.KnownHostsPath
		if path == "" {
			return nil, supervisor.NewError(registry.ErrKindInvalidProfile,
				fmt.Errorf("profile %q: known_hosts policy but no known_hosts path configured", profile.Name))
		}
		cb, err := knownhosts.New(path)
		if err != nil {
			return nil, supervisor.NewError(registry.ErrKindInvalidProfile,
				fmt.Errorf("profile %q: load known_hosts %s: %w", profile.Name, path, err))
		}
		return cb, nil
	default:
		return nil, supervisor.NewError(registry.ErrKindInvalidProfile,
			fmt.Errorf("profile %q: unknown host key policy %q", profile.Name, profile.HostKeyPolicy))
	}
}

// classifyHandshake separates authentication rejections from transport
// failures so the supervisor can cap auth retries and the UI can tell the
// user which one happened.
func classifyHandshake(addr string, err error) error {
	wrapped := fmt.Errorf("ssh handshake with %s: %w", addr, err)

	var keyErr *knownhosts.KeyError
	if errors.As(err, &keyErr) {
		return supervisor.NewError(registry.ErrKindAuthFailure, wrapped)
	}
	if strings.Contains(err.Error(), "unable to authenticate") ||
		strings.Contains(err.Error(), "knownhosts") {
		return supervisor.NewError(registry.ErrKindAuthFailure, wrapped)
	}
	return supervisor.NewError(registry.ErrKindTransport, wrapped)
}
