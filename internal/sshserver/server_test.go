package sshserver

import (
	"fmt"
	"io"
	"net"
	"net/http"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/hexagonlabs/tunneld/internal/ports"
	"github.com/hexagonlabs/tunneld/internal/registry"
)

const testSecret = "test-secret"

func startTestServer(t *testing.T, basePort, maxPort int) (*Server, *registry.Registry, *ports.Allocator, string) {
	t.Helper()

	signer, err := LoadOrCreateHostKey(filepath.Join(t.TempDir(), "host_key"))
	if err != nil {
		t.Fatalf("host key: %v", err)
	}

	alloc := ports.NewAllocator(basePort, maxPort)
	reg := registry.New(alloc, nil, 5)
	srv := New(reg, signer, "127.0.0.1:0", testSecret, "tunnel.test")
	if err := srv.Start(); err != nil {
		t.Fatalf("start ssh server: %v", err)
	}
	t.Cleanup(func() {
		srv.Shutdown()
		reg.CloseAll()
	})
	return srv, reg, alloc, srv.Addr().String()
}

func dialTunnel(t *testing.T, addr, username, password string) (*ssh.Client, error) {
	t.Helper()
	return ssh.Dial("tcp", addr, &ssh.ClientConfig{
		User:            username,
		Auth:            []ssh.AuthMethod{ssh.Password(password)},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         5 * time.Second,
	})
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestTunnelEndToEnd(t *testing.T) {
	_, reg, alloc, addr := startTestServer(t, 42150, 42160)

	client, err := dialTunnel(t, addr, "u1:t1:proj", "3000:"+testSecret)
	if err != nil {
		t.Fatalf("ssh dial: %v", err)
	}
	defer client.Close()

	// The creator requests -R 0:...; the server picks the remote port.
	ln, err := client.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("remote forward: %v", err)
	}
	defer ln.Close()

	waitFor(t, 2*time.Second, func() bool { _, ok := reg.Get("t1"); return ok }, "tunnel not registered")

	tun, _ := reg.Get("t1")
	if tun.RemotePort < 42150 || tun.RemotePort >= 42160 {
		t.Errorf("RemotePort = %d, want in [42150,42160)", tun.RemotePort)
	}
	if tun.UserID != "u1" || tun.ProjectName != "proj" || tun.LocalPort != 3000 {
		t.Errorf("tunnel identity = %+v", tun.Info())
	}

	// Serve an echo app on the creator side of the forward.
	go http.Serve(ln, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		fmt.Fprintf(w, "echo:%s:%s", r.URL.Path, body)
	}))

	resp, err := http.Post(
		fmt.Sprintf("http://127.0.0.1:%d/hello", tun.RemotePort),
		"text/plain", strings.NewReader("ping"))
	if err != nil {
		t.Fatalf("request through tunnel: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if got, want := string(body), "echo:/hello:ping"; got != want {
		t.Errorf("body = %q, want %q", got, want)
	}

	// Disconnecting the creator tears the tunnel down and frees the port.
	client.Close()
	waitFor(t, 2*time.Second, func() bool { return reg.Count() == 0 }, "tunnel not removed after disconnect")
	if alloc.InUse() != 0 {
		t.Errorf("allocator InUse = %d after disconnect, want 0", alloc.InUse())
	}
}

func TestAuthBadSecret(t *testing.T) {
	_, reg, _, addr := startTestServer(t, 42160, 42170)

	if _, err := dialTunnel(t, addr, "u1:t1:proj", "3000:wrong"); err == nil {
		t.Fatal("expected auth failure with bad secret")
	}
	if reg.Count() != 0 {
		t.Errorf("Count = %d, want 0", reg.Count())
	}
}

func TestAuthBadUsernameFormat(t *testing.T) {
	_, _, _, addr := startTestServer(t, 42170, 42180)

	if _, err := dialTunnel(t, addr, "just-a-user", "3000:"+testSecret); err == nil {
		t.Fatal("expected auth failure with malformed username")
	}
}

func TestDuplicateProjectRejected(t *testing.T) {
	_, reg, alloc, addr := startTestServer(t, 42180, 42190)

	first, err := dialTunnel(t, addr, "u1:t1:proj", "3000:"+testSecret)
	if err != nil {
		t.Fatalf("first dial: %v", err)
	}
	defer first.Close()
	if _, err := first.Listen("tcp", "127.0.0.1:0"); err != nil {
		t.Fatalf("first forward: %v", err)
	}
	waitFor(t, 2*time.Second, func() bool { return reg.Count() == 1 }, "first tunnel not registered")

	second, err := dialTunnel(t, addr, "u1:t2:proj", "3000:"+testSecret)
	if err != nil {
		t.Fatalf("second dial: %v", err)
	}
	defer second.Close()
	if _, err := second.Listen("tcp", "127.0.0.1:0"); err == nil {
		t.Fatal("expected duplicate project forward to be rejected")
	}

	if reg.Count() != 1 {
		t.Errorf("Count = %d, want 1", reg.Count())
	}
	if alloc.InUse() != 1 {
		t.Errorf("allocator InUse = %d, want 1 (no leak from rejected forward)", alloc.InUse())
	}
}

func TestSecondForwardOnSameSessionRejected(t *testing.T) {
	_, reg, _, addr := startTestServer(t, 42190, 42200)

	client, err := dialTunnel(t, addr, "u1:t1:proj", "3000:"+testSecret)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer client.Close()

	if _, err := client.Listen("tcp", "127.0.0.1:0"); err != nil {
		t.Fatalf("first forward: %v", err)
	}
	if _, err := client.Listen("tcp", "127.0.0.1:0"); err == nil {
		t.Fatal("expected second forward on same session to be rejected")
	}
	if reg.Count() != 1 {
		t.Errorf("Count = %d, want 1", reg.Count())
	}
}

func TestShutdownClosesConnections(t *testing.T) {
	srv, reg, _, addr := startTestServer(t, 42200, 42210)

	client, err := dialTunnel(t, addr, "u1:t1:proj", "3000:"+testSecret)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer client.Close()
	if _, err := client.Listen("tcp", "127.0.0.1:0"); err != nil {
		t.Fatalf("forward: %v", err)
	}
	waitFor(t, 2*time.Second, func() bool { return reg.Count() == 1 }, "tunnel not registered")

	srv.Shutdown()
	waitFor(t, 2*time.Second, func() bool { return reg.Count() == 0 }, "tunnel not closed on shutdown")

	if _, err := net.DialTimeout("tcp", addr, 200*time.Millisecond); err == nil {
		t.Error("listener still accepting after shutdown")
	}
}
