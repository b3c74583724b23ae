package sshdial

import (
	"fmt"
	"io"
	"log"
	"net"
	"sync"
	"time"

	"github.com/tunneld/tunneld/internal/database"
	"github.com/tunneld/tunneld/internal/supervisor"
	"golang.org/x/crypto/ssh"
)

// session is one live SSH connection with its forward listeners and
// keepalive loop. It reports death once through done and forward health
// changes through health.
type session struct {
	client            *ssh.Client
	keepaliveInterval time.Duration

	done   chan error
	health chan supervisor.HealthNotice

	failOnce  sync.Once
	closeOnce sync.Once
	closing   chan struct{}

	mu        sync.Mutex
	listeners []net.Listener
}

func newSession(client *ssh.Client, keepaliveInterval time.Duration) *session {
	return &session{
		client:            client,
		keepaliveInterval: keepaliveInterval,
		done:              make(chan error, 1),
		health:            make(chan supervisor.HealthNotice, 8),
		closing:           make(chan struct{}),
	}
}

func (s *session) Done() <-chan error                     { return s.done }
func (s *session) Health() <-chan supervisor.HealthNotice { return s.health }

// Close tears down the forward listeners and the SSH connection. Safe to
// call more than once.
func (s *session) Close() error {
	s.closeOnce.Do(func() {
		close(s.closing)
		s.mu.Lock()
		for _, ln := range s.listeners {
			ln.Close()
		}
		s.mu.Unlock()
		s.client.Close()
	})
	return nil
}

// fail reports the session as dead. Only the first cause wins.
func (s *session) fail(err error) {
	s.failOnce.Do(func() {
		s.done <- err
	})
}

// notify sends a health notice without blocking. A full channel means the
// supervisor is behind; stale notices are droppable.
func (s *session) notify(healthy bool, detail string) {
	select {
	case s.health <- supervisor.HealthNotice{Healthy: healthy, Detail: detail}:
	default:
	}
}

// setupForwards binds every forward in the profile. Local forwards listen on
// this host and dial through the SSH connection; remote forwards listen on
// the SSH server and dial back out locally. Any bind failure aborts the
// session open.
func (s *session) setupForwards(forwards []database.ForwardSpec) error {
	for _, fw := range forwards {
		bind := fw.BindAddr
		if bind == "" {
			bind = "127.0.0.1"
		}
		bindAddr := net.JoinHostPort(bind, fmt.Sprintf("%d", fw.BindPort))
		target := net.JoinHostPort(fw.Host, fmt.Sprintf("%d", fw.Port))

		var ln net.Listener
		var err error
		switch fw.Type {
		case database.ForwardLocal:
			ln, err = net.Listen("tcp", bindAddr)
		case database.ForwardRemote:
			ln, err = s.client.Listen("tcp", bindAddr)
		default:
			return fmt.Errorf("unknown forward type %q", fw.Type)
		}
		if err != nil {
			return fmt.Errorf("bind %s forward on %s: %w", fw.Type, bindAddr, err)
		}

		s.mu.Lock()
		s.listeners = append(s.listeners, ln)
		s.mu.Unlock()
		go s.acceptLoop(ln, fw.Type, target)
	}
	return nil
}

// start launches the background loops that outlive OpenSession.
func (s *session) start() {
	go s.waitLoop()
	if s.keepaliveInterval > 0 {
		go s.keepaliveLoop()
	}
}

// waitLoop turns the SSH connection closing underneath us into a death
// report.
func (s *session) waitLoop() {
	err := s.client.Wait()
	select {
	case <-s.closing:
		return
	default:
	}
	if err == nil {
		err = fmt.Errorf("ssh connection closed")
	}
	s.fail(fmt.Errorf("ssh connection lost: %w", err))
}

// keepaliveLoop probes the server periodically. A failed probe means the
// transport is dead even if the TCP socket hasn't noticed yet.
func (s *session) keepaliveLoop() {
	ticker := time.NewTicker(s.keepaliveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.closing:
			return
		case <-ticker.C:
			if _, _, err := s.client.SendRequest("keepalive@openssh.com", true, nil); err != nil {
				s.fail(fmt.Errorf("keepalive probe failed: %w", err))
				return
			}
		}
	}
}

// acceptLoop serves one forward listener until it closes. A listener dying
// while the session is still up degrades the tunnel instead of killing it.
func (s *session) acceptLoop(ln net.Listener, fwType, target string) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-s.closing:
			default:
				s.notify(false, fmt.Sprintf("%s forward on %s stopped: %v", fwType, ln.Addr(), err))
			}
			return
		}
		go s.forwardConnection(conn, fwType, target)
	}
}

// forwardConnection bridges one accepted connection to its target and copies
// bytes both ways until either side closes.
func (s *session) forwardConnection(conn net.Conn, fwType, target string) {
	defer conn.Close()

	var upstream net.Conn
	var err error
	switch fwType {
	case database.ForwardLocal:
		upstream, err = s.client.Dial("tcp", target)
	default:
		upstream, err = net.Dial("tcp", target)
	}
	if err != nil {
		log.Printf("sshdial: %s forward to %s: %v", fwType, target, err)
		return
	}
	defer upstream.Close()

	done := make(chan struct{}, 2)
	go func() {
		io.Copy(upstream, conn)
		done <- struct{}{}
	}()
	go func() {
		io.Copy(conn, upstream)
		done <- struct{}{}
	}()
	<-done
}
