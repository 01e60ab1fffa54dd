package server

import (
	"net"
	"testing"
	"time"

	"github.com/turnrelay/turnrelayd/internal/auth"
	"github.com/turnrelay/turnrelayd/internal/stun"
	"github.com/turnrelay/turnrelayd/internal/turn"
)

func newTestServer(t *testing.T, o Options) (*Server, *net.UDPConn) {
	t.Helper()
	if o.Conn == nil {
		o.Conn = &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 0}
	}
	o.ManualStart = true
	o.Workers = 8
	s, err := New(o)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	s.Start(50 * time.Millisecond)
	if err := s.ListenUDP("127.0.0.1:0", false); err != nil {
		t.Fatalf("ListenUDP: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })

	laddr := s.packets[0].LocalAddr().(*net.UDPAddr)
	conn, err := net.DialUDP("udp", nil, laddr)
	if err != nil {
		t.Fatalf("DialUDP: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return s, conn
}

func roundTrip(t *testing.T, conn *net.UDPConn, req *stun.Message) *stun.Message {
	t.Helper()
	if _, err := conn.Write(req.Raw); err != nil {
		t.Fatalf("write request: %v", err)
	}
	buf := make([]byte, 2048)
	if err := conn.SetReadDeadline(time.Now().Add(2 * time.Second)); err != nil {
		t.Fatal(err)
	}
	n, err := conn.Read(buf)
	if err != nil {
		t.Fatalf("read response: %v", err)
	}
	resp := stun.New()
	resp.Raw = append(resp.Raw, buf[:n]...)
	if err := resp.Decode(); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return resp
}

func TestServer_Binding(t *testing.T) {
	_, conn := newTestServer(t, Options{})

	req := stun.MustBuild(stun.BindingRequest, stun.TransactionID)
	resp := roundTrip(t, conn, req)

	if resp.Type != stun.NewType(stun.MethodBinding, stun.ClassSuccessResponse) {
		t.Fatalf("unexpected response type %s", resp.Type)
	}
	var mapped stun.XORMappedAddress
	if err := mapped.GetFrom(resp); err != nil {
		t.Fatalf("XOR-MAPPED-ADDRESS: %v", err)
	}
	if mapped.Port == 0 {
		t.Error("expected a nonzero reflected port")
	}
}

func TestServer_AllocateRequiresTransport(t *testing.T) {
	_, conn := newTestServer(t, Options{})

	req := stun.MustBuild(turn.AllocateRequest, stun.TransactionID)
	resp := roundTrip(t, conn, req)

	if resp.Type != stun.NewType(stun.MethodAllocate, stun.ClassErrorResponse) {
		t.Fatalf("unexpected response type %s", resp.Type)
	}
	var ec stun.ErrorCodeAttribute
	if err := ec.GetFrom(resp); err != nil {
		t.Fatal(err)
	}
	if ec.Code != stun.CodeBadRequest {
		t.Errorf("code = %d, want 400", ec.Code)
	}
}

func TestServer_AllocateUnauthenticated(t *testing.T) {
	_, conn := newTestServer(t, Options{})

	req := stun.MustBuild(
		turn.AllocateRequest, stun.TransactionID,
		turn.RequestedTransport{Protocol: turn.ProtoUDP},
	)
	resp := roundTrip(t, conn, req)

	if resp.Type != stun.NewType(stun.MethodAllocate, stun.ClassSuccessResponse) {
		t.Fatalf("unexpected response type %s", resp.Type)
	}
	var relayed turn.XORRelayedAddress
	if err := relayed.GetFrom(resp); err != nil {
		t.Fatalf("XOR-RELAYED-ADDRESS: %v", err)
	}
	if relayed.Port == 0 {
		t.Error("expected a nonzero relayed port")
	}
}

func TestServer_AllocateWithAuth(t *testing.T) {
	authenticator := &auth.Authenticator{
		Accounts: auth.NewStatic([]auth.Account{{Username: "alice", Password: "secret", Realm: "turnrelay.test"}}),
		Noncer:   auth.NewNoncer("server-key"),
		Realm:    "turnrelay.test",
	}
	_, conn := newTestServer(t, Options{Auth: authenticator, Realm: "turnrelay.test"})

	first := stun.MustBuild(turn.AllocateRequest, stun.TransactionID, turn.RequestedTransport{Protocol: turn.ProtoUDP})
	challenge := roundTrip(t, conn, first)
	var ec stun.ErrorCodeAttribute
	if err := ec.GetFrom(challenge); err != nil || ec.Code != stun.CodeUnauthorized {
		t.Fatalf("expected 401 challenge, got %+v err=%v", ec, err)
	}
	var nonce stun.Nonce
	if err := nonce.GetFrom(challenge); err != nil {
		t.Fatalf("challenge missing NONCE: %v", err)
	}

	key := stun.NewLongTermIntegrity("alice", "turnrelay.test", "secret")
	second := stun.MustBuild(
		turn.AllocateRequest, stun.TransactionID,
		turn.RequestedTransport{Protocol: turn.ProtoUDP},
		stun.NewUsername("alice"), stun.NewRealm("turnrelay.test"), nonce,
		key,
	)
	resp := roundTrip(t, conn, second)
	if resp.Type != stun.NewType(stun.MethodAllocate, stun.ClassSuccessResponse) {
		var failEc stun.ErrorCodeAttribute
		_ = failEc.GetFrom(resp)
		t.Fatalf("unexpected response type %s (code %d)", resp.Type, failEc.Code)
	}
}
