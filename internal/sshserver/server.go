// Package sshserver accepts reverse-SSH connections from creator machines
// and turns approved remote-port-forwarding requests into registry tunnels.
//
// Authentication is password-only: the SSH username carries the tunnel
// identity and the password carries the creator's local port plus the shared
// secret (see Intent). A session may establish at most one tunnel; the
// client-proposed bind address and port are ignored in favor of the
// registry's allocator, and the assigned port is returned in the
// tcpip-forward reply so "ssh -R 0:..." clients learn it.
package sshserver

import (
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"strconv"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/crypto/ssh"

	"github.com/hexagonlabs/tunneld/internal/audit"
	"github.com/hexagonlabs/tunneld/internal/logutil"
	"github.com/hexagonlabs/tunneld/internal/registry"
)

const forwardedTCPChannelType = "forwarded-tcpip"

// Wire formats for the SSH global requests we handle (RFC 4254 §7).
type remoteForwardRequest struct {
	BindAddr string
	BindPort uint32
}

type remoteForwardSuccess struct {
	BindPort uint32
}

type remoteForwardCancelRequest struct {
	BindAddr string
	BindPort uint32
}

type remoteForwardChannelData struct {
	DestAddr   string
	DestPort   uint32
	OriginAddr string
	OriginPort uint32
}

// Server is the SSH front end.
type Server struct {
	reg          *registry.Registry
	addr         string
	publicDomain string
	conf         *ssh.ServerConfig

	mu       sync.Mutex
	listener net.Listener
	conns    map[*ssh.ServerConn]struct{}
	closed   bool
}

// New builds a Server listening on addr once Start is called. secret is the
// shared tunnel secret creators must present; publicDomain is used for the
// session banner.
func New(reg *registry.Registry, signer ssh.Signer, addr, secret, publicDomain string) *Server {
	s := &Server{
		reg:          reg,
		addr:         addr,
		publicDomain: publicDomain,
		conns:        make(map[*ssh.ServerConn]struct{}),
	}

	conf := &ssh.ServerConfig{
		PasswordCallback: func(meta ssh.ConnMetadata, password []byte) (*ssh.Permissions, error) {
			intent, err := parseCredentials(meta.User(), password, secret)
			if err != nil {
				// Log the failing field class only, never the credential.
				log.Printf("[ssh] auth rejected from %s: %v", meta.RemoteAddr(), err)
				audit.Record(audit.EventAuthFailed, "", "", err.Error())
				return nil, errors.New("authentication failed")
			}
			return &ssh.Permissions{
				Extensions: map[string]string{
					"user-id":    intent.UserID,
					"tunnel-id":  intent.TunnelID,
					"project":    intent.ProjectName,
					"local-port": strconv.Itoa(intent.LocalPort),
				},
			}, nil
		},
	}
	conf.AddHostKey(signer)
	s.conf = conf
	return s
}

// Start binds the SSH listener and begins accepting connections in the
// background.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("ssh listen %s: %w", s.addr, err)
	}
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	log.Printf("[ssh] tunnel server listening on %s", ln.Addr())
	go s.acceptLoop(ln)
	return nil
}

// Addr returns the bound listener address, valid after Start.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Shutdown stops accepting new connections and closes the active ones.
// Registry teardown cascades from each connection's handler.
func (s *Server) Shutdown() {
	s.mu.Lock()
	s.closed = true
	ln := s.listener
	conns := make([]*ssh.ServerConn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	if ln != nil {
		ln.Close()
	}
	for _, c := range conns {
		c.Close()
	}
}

func (s *Server) acceptLoop(ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			s.mu.Lock()
			closed := s.closed
			s.mu.Unlock()
			if !closed {
				log.Printf("[ssh] accept: %v", err)
			}
			return
		}
		go s.handleConn(conn)
	}
}

func (s *Server) handleConn(netConn net.Conn) {
	sshConn, chans, reqs, err := ssh.NewServerConn(netConn, s.conf)
	if err != nil {
		netConn.Close()
		return
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		sshConn.Close()
		return
	}
	s.conns[sshConn] = struct{}{}
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.conns, sshConn)
		s.mu.Unlock()
		sshConn.Close()
	}()

	sess := newSessionConn(sshConn, uuid.NewString())
	ext := sshConn.Permissions.Extensions
	localPort, _ := strconv.Atoi(ext["local-port"])
	params := registry.CreateParams{
		TunnelID: ext["tunnel-id"],
		UserID:   ext["user-id"],
		// The user id doubles as the public username segment; the account
		// service owns the display name.
		Username:    ext["user-id"],
		ProjectName: ext["project"],
		LocalPort:   localPort,
	}

	log.Printf("[ssh] session %s: connection from %s for tunnel %s",
		sess.id, sshConn.RemoteAddr(), logutil.SanitizeForLog(params.TunnelID))
	audit.Record(audit.EventConnection, params.TunnelID, params.UserID,
		"session "+sess.id+" from "+sshConn.RemoteAddr().String())

	go sess.handleChannels(chans)

	for req := range reqs {
		switch req.Type {
		case "tcpip-forward":
			s.handleForwardRequest(sess, params, req)
		case "cancel-tcpip-forward":
			s.handleCancelRequest(sess, req)
		default:
			if req.WantReply {
				req.Reply(false, nil)
			}
		}
	}

	// Connection is gone; tear down the tunnel it owned, if any.
	if id := sess.tunnelID(); id != "" {
		if err := s.reg.Close(id); err != nil && !errors.Is(err, registry.ErrTunnelNotFound) {
			log.Printf("[ssh] session %s: close tunnel: %v", sess.id, err)
		}
	}
	log.Printf("[ssh] session %s: connection closed", sess.id)
}

func (s *Server) handleForwardRequest(sess *sessionConn, params registry.CreateParams, req *ssh.Request) {
	var payload remoteForwardRequest
	if err := ssh.Unmarshal(req.Payload, &payload); err != nil {
		log.Printf("[ssh] session %s: bad tcpip-forward payload: %v", sess.id, err)
		req.Reply(false, nil)
		return
	}

	if sess.tunnelID() != "" {
		log.Printf("[ssh] session %s: rejecting second tcpip-forward", sess.id)
		req.Reply(false, nil)
		return
	}

	// The client-proposed bind address and port are ignored; the allocator
	// decides. The requested address is echoed back in channel opens so the
	// client matches them to its -R entry.
	sess.setBindAddr(payload.BindAddr)

	t, err := s.reg.Create(params, sess)
	if err != nil {
		log.Printf("[ssh] session %s: forwarding rejected: %v", sess.id, err)
		req.Reply(false, nil)
		return
	}
	sess.setTunnel(t.TunnelID, t.RemotePort)
	sess.announce(fmt.Sprintf("http://%s/live/%s/%s", s.publicDomain, t.Username, t.ProjectName))

	if req.WantReply {
		req.Reply(true, ssh.Marshal(&remoteForwardSuccess{BindPort: uint32(t.RemotePort)}))
	}
}

func (s *Server) handleCancelRequest(sess *sessionConn, req *ssh.Request) {
	var payload remoteForwardCancelRequest
	if err := ssh.Unmarshal(req.Payload, &payload); err != nil {
		req.Reply(false, nil)
		return
	}
	if id := sess.tunnelID(); id != "" {
		if err := s.reg.Close(id); err != nil && !errors.Is(err, registry.ErrTunnelNotFound) {
			log.Printf("[ssh] session %s: cancel forward: %v", sess.id, err)
		}
	}
	if req.WantReply {
		req.Reply(true, nil)
	}
}

// sessionConn is the per-connection state: the SSH connection, the single
// tunnel it may own, and the session channel used for the banner.
type sessionConn struct {
	conn *ssh.ServerConn
	id   string
	done chan struct{}

	mu         sync.Mutex
	bindAddr   string
	tunnel     string
	remotePort int
	sessCh     ssh.Channel
	banner     string
}

func newSessionConn(conn *ssh.ServerConn, id string) *sessionConn {
	sc := &sessionConn{
		conn: conn,
		id:   shortID(id),
		done: make(chan struct{}),
	}
	go func() {
		conn.Wait()
		close(sc.done)
	}()
	return sc
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// Alive reports whether the SSH connection is still up.
func (sc *sessionConn) Alive() bool {
	select {
	case <-sc.done:
		return false
	default:
		return true
	}
}

func (sc *sessionConn) setBindAddr(addr string) {
	sc.mu.Lock()
	sc.bindAddr = addr
	sc.mu.Unlock()
}

func (sc *sessionConn) setTunnel(id string, port int) {
	sc.mu.Lock()
	sc.tunnel = id
	sc.remotePort = port
	sc.mu.Unlock()
}

func (sc *sessionConn) tunnelID() string {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	return sc.tunnel
}

// announce writes the public URL to the session channel, now if one is
// open or later when the client opens one.
func (sc *sessionConn) announce(publicURL string) {
	sc.mu.Lock()
	sc.banner = "Tunnel is live: " + publicURL + "\r\n"
	ch := sc.sessCh
	banner := sc.banner
	sc.mu.Unlock()
	if ch != nil {
		io.WriteString(ch, banner)
	}
}

// ForwardPort implements registry.Session: it binds the allocated loopback
// port and pumps every accepted connection through a forwarded-tcpip
// channel to the creator.
func (sc *sessionConn) ForwardPort(port int) (net.Listener, error) {
	ln, err := net.Listen("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)))
	if err != nil {
		return nil, fmt.Errorf("bind remote port %d: %w", port, err)
	}
	go sc.acceptLoop(ln, port)
	return ln, nil
}

func (sc *sessionConn) acceptLoop(ln net.Listener, port int) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		go sc.forward(conn, port)
	}
}

func (sc *sessionConn) forward(tcpConn net.Conn, port int) {
	defer tcpConn.Close()

	originAddr := "0.0.0.0"
	var originPort uint32
	if tcpAddr, ok := tcpConn.RemoteAddr().(*net.TCPAddr); ok {
		originAddr = tcpAddr.IP.String()
		originPort = uint32(tcpAddr.Port)
	}

	sc.mu.Lock()
	bindAddr := sc.bindAddr
	sc.mu.Unlock()

	channel, reqs, err := sc.conn.OpenChannel(forwardedTCPChannelType, ssh.Marshal(&remoteForwardChannelData{
		DestAddr:   bindAddr,
		DestPort:   uint32(port),
		OriginAddr: originAddr,
		OriginPort: originPort,
	}))
	if err != nil {
		log.Printf("[ssh] session %s: open %s channel: %v", sc.id, forwardedTCPChannelType, err)
		return
	}
	defer channel.Close()
	go ssh.DiscardRequests(reqs)

	// Copy data bidirectionally. When one direction completes, close the
	// write side to signal the other end to finish.
	done := make(chan struct{})
	go func() {
		io.Copy(channel, tcpConn)
		channel.CloseWrite()
	}()
	go func() {
		defer close(done)
		io.Copy(tcpConn, channel)
	}()
	<-done
}

// handleChannels accepts session channels (the CLI opens one to keep the
// connection alive and show the banner) and rejects everything else.
func (sc *sessionConn) handleChannels(chans <-chan ssh.NewChannel) {
	for newChan := range chans {
		if newChan.ChannelType() != "session" {
			newChan.Reject(ssh.UnknownChannelType, "tunneling only")
			continue
		}
		channel, requests, err := newChan.Accept()
		if err != nil {
			continue
		}

		sc.mu.Lock()
		sc.sessCh = channel
		banner := sc.banner
		sc.mu.Unlock()
		if banner != "" {
			io.WriteString(channel, banner)
		}

		go func(reqs <-chan *ssh.Request) {
			for req := range reqs {
				switch req.Type {
				case "pty-req", "shell":
					if req.WantReply {
						req.Reply(true, nil)
					}
				default:
					if req.WantReply {
						req.Reply(false, nil)
					}
				}
			}
		}(requests)

		go func(ch ssh.Channel) {
			io.Copy(io.Discard, ch)
		}(channel)
	}
}
