package server

import (
	"net"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/turnrelay/turnrelayd/internal/auth"
	"github.com/turnrelay/turnrelayd/internal/filter"
	"github.com/turnrelay/turnrelayd/internal/stun"
	"github.com/turnrelay/turnrelayd/internal/testutil"
	"github.com/turnrelay/turnrelayd/internal/turn"
)

// allocate performs an unauthenticated Allocate and returns the relayed
// address the server handed back.
func allocate(t *testing.T, conn *net.UDPConn) turn.Addr {
	t.Helper()
	req := stun.MustBuild(turn.AllocateRequest, stun.TransactionID, turn.RequestedTransport{Protocol: turn.ProtoUDP})
	resp := roundTrip(t, conn, req)
	if resp.Type != stun.NewType(stun.MethodAllocate, stun.ClassSuccessResponse) {
		t.Fatalf("allocate failed: %s", resp.Type)
	}
	var relayed turn.XORRelayedAddress
	if err := relayed.GetFrom(resp); err != nil {
		t.Fatalf("XOR-RELAYED-ADDRESS: %v", err)
	}
	return turn.Addr{IP: relayed.IP, Port: relayed.Port}
}

func TestServer_SendIndicationRelaysToPermittedPeer(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	defer testutil.EnsureNoErrors(t, logs)
	_, conn := newTestServer(t, Options{Log: zap.New(core)})
	relayed := allocate(t, conn)

	peer, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("peer listen: %v", err)
	}
	defer peer.Close()
	peerAddr := peer.LocalAddr().(*net.UDPAddr)

	createPerm := stun.MustBuild(
		turn.CreatePermissionRequest, stun.TransactionID,
		turn.XORPeerAddress{IP: peerAddr.IP, Port: peerAddr.Port},
	)
	resp := roundTrip(t, conn, createPerm)
	if resp.Type != stun.NewType(stun.MethodCreatePermission, stun.ClassSuccessResponse) {
		t.Fatalf("create permission failed: %s", resp.Type)
	}

	payload := []byte("hello peer")
	send := stun.MustBuild(
		turn.SendIndication, stun.TransactionID,
		turn.XORPeerAddress{IP: peerAddr.IP, Port: peerAddr.Port},
		turn.Data(payload),
	)
	if _, err := conn.Write(send.Raw); err != nil {
		t.Fatalf("write send indication: %v", err)
	}

	buf := make([]byte, 1500)
	if err := peer.SetReadDeadline(time.Now().Add(2 * time.Second)); err != nil {
		t.Fatal(err)
	}
	n, from, err := peer.ReadFromUDP(buf)
	if err != nil {
		t.Fatalf("peer did not receive relayed data: %v", err)
	}
	if string(buf[:n]) != string(payload) {
		t.Errorf("peer got %q, want %q", buf[:n], payload)
	}
	if from.Port == 0 {
		t.Error("expected a source address")
	}
	if from.IP.String() != relayed.IP.String() || from.Port != relayed.Port {
		t.Errorf("data arrived from %s, want relayed address %s", from, relayed)
	}

	reply := []byte("hi client")
	if _, err := peer.WriteToUDP(reply, &net.UDPAddr{IP: relayed.IP, Port: relayed.Port}); err != nil {
		t.Fatalf("peer reply: %v", err)
	}

	if err := conn.SetReadDeadline(time.Now().Add(2 * time.Second)); err != nil {
		t.Fatal(err)
	}
	n, err = conn.Read(buf)
	if err != nil {
		t.Fatalf("client did not receive data indication: %v", err)
	}
	ind := stun.New()
	ind.Raw = append(ind.Raw, buf[:n]...)
	if err := ind.Decode(); err != nil {
		t.Fatalf("decode data indication: %v", err)
	}
	if ind.Type != stun.NewType(stun.MethodData, stun.ClassIndication) {
		t.Fatalf("unexpected message type %s", ind.Type)
	}
	var data turn.Data
	if err := data.GetFrom(ind); err != nil {
		t.Fatalf("DATA: %v", err)
	}
	if string(data) != string(reply) {
		t.Errorf("data indication payload = %q, want %q", data, reply)
	}
}

func TestServer_ChannelBindAndRelay(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	defer testutil.EnsureNoErrors(t, logs)
	_, conn := newTestServer(t, Options{Log: zap.New(core)})
	relayed := allocate(t, conn)

	peer, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("peer listen: %v", err)
	}
	defer peer.Close()
	peerAddr := peer.LocalAddr().(*net.UDPAddr)

	const channel = turn.ChannelNumber(0x4001)
	bind := stun.MustBuild(
		turn.ChannelBindRequest, stun.TransactionID,
		turn.XORPeerAddress{IP: peerAddr.IP, Port: peerAddr.Port},
		turn.ChannelNumberAttr(channel),
	)
	resp := roundTrip(t, conn, bind)
	if resp.Type != stun.NewType(stun.MethodChannelBind, stun.ClassSuccessResponse) {
		t.Fatalf("channel bind failed: %s", resp.Type)
	}

	reply := []byte("via channel")
	if _, err := peer.WriteToUDP(reply, &net.UDPAddr{IP: relayed.IP, Port: relayed.Port}); err != nil {
		t.Fatalf("peer write: %v", err)
	}

	buf := make([]byte, 1500)
	if err := conn.SetReadDeadline(time.Now().Add(2 * time.Second)); err != nil {
		t.Fatal(err)
	}
	n, err := conn.Read(buf)
	if err != nil {
		t.Fatalf("client did not receive channel data: %v", err)
	}
	var cd turn.ChannelData
	if err := cd.Decode(buf[:n]); err != nil {
		t.Fatalf("decode channeldata: %v", err)
	}
	if cd.Number != channel {
		t.Errorf("channel = %s, want %s", cd.Number, channel)
	}
	if string(cd.Data) != string(reply) {
		t.Errorf("channel data = %q, want %q", cd.Data, reply)
	}
}

// authenticatedRoundTrip runs the full 401-challenge/authenticated-retry
// exchange for one request and returns the final response.
func authenticatedRoundTrip(t *testing.T, conn *net.UDPConn, realm, username, password string, msgType stun.MessageType, setters ...stun.Setter) *stun.Message {
	t.Helper()
	challengeReq := stun.MustBuild(append([]stun.Setter{msgType, stun.TransactionID}, setters...)...)
	challenge := roundTrip(t, conn, challengeReq)
	var nonce stun.Nonce
	if err := nonce.GetFrom(challenge); err != nil {
		t.Fatalf("challenge missing NONCE: %v", err)
	}
	key := stun.NewLongTermIntegrity(username, realm, password)
	authed := append([]stun.Setter{msgType, stun.TransactionID},
		append(append([]stun.Setter{}, setters...),
			stun.NewUsername(username), stun.NewRealm(realm), nonce, key)...)
	return roundTrip(t, conn, stun.MustBuild(authed...))
}

func TestServer_CreatePermissionInstallsAllPeersAtomically(t *testing.T) {
	_, conn := newTestServer(t, Options{})
	allocate(t, conn)

	peerA, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("peer listen: %v", err)
	}
	defer peerA.Close()
	peerB, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("peer listen: %v", err)
	}
	defer peerB.Close()
	addrA := peerA.LocalAddr().(*net.UDPAddr)
	addrB := peerB.LocalAddr().(*net.UDPAddr)

	req := stun.MustBuild(
		turn.CreatePermissionRequest, stun.TransactionID,
		turn.XORPeerAddress{IP: addrA.IP, Port: addrA.Port},
		turn.XORPeerAddress{IP: addrB.IP, Port: addrB.Port},
	)
	resp := roundTrip(t, conn, req)
	if resp.Type != stun.NewType(stun.MethodCreatePermission, stun.ClassSuccessResponse) {
		t.Fatalf("create permission failed: %s", resp.Type)
	}

	for _, payload := range []struct {
		peer *net.UDPConn
		addr *net.UDPAddr
		text string
	}{
		{peerA, addrA, "from A"},
		{peerB, addrB, "from B"},
	} {
		send := stun.MustBuild(
			turn.SendIndication, stun.TransactionID,
			turn.XORPeerAddress{IP: payload.addr.IP, Port: payload.addr.Port},
			turn.Data(payload.text),
		)
		if _, err := conn.Write(send.Raw); err != nil {
			t.Fatalf("write send indication: %v", err)
		}
		buf := make([]byte, 1500)
		if err := payload.peer.SetReadDeadline(time.Now().Add(2 * time.Second)); err != nil {
			t.Fatal(err)
		}
		n, _, err := payload.peer.ReadFromUDP(buf)
		if err != nil {
			t.Fatalf("peer %s did not receive relayed data, permission not installed: %v", payload.text, err)
		}
		if string(buf[:n]) != payload.text {
			t.Errorf("peer got %q, want %q", buf[:n], payload.text)
		}
	}
}

func TestServer_CreatePermissionForbiddenPeerRejectsAll(t *testing.T) {
	denyPrivate, err := filter.ForbidNet("10.0.0.0/8")
	if err != nil {
		t.Fatal(err)
	}
	_, conn := newTestServer(t, Options{PeerRule: filter.NewFilter(filter.Allow, denyPrivate)})
	allocate(t, conn)

	allowedPeer, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("peer listen: %v", err)
	}
	defer allowedPeer.Close()
	allowedAddr := allowedPeer.LocalAddr().(*net.UDPAddr)
	forbidden := turn.Addr{IP: net.IPv4(10, 0, 0, 9), Port: 5000}

	req := stun.MustBuild(
		turn.CreatePermissionRequest, stun.TransactionID,
		turn.XORPeerAddress{IP: allowedAddr.IP, Port: allowedAddr.Port},
		turn.XORPeerAddress{IP: forbidden.IP, Port: forbidden.Port},
	)
	resp := roundTrip(t, conn, req)
	var ec stun.ErrorCodeAttribute
	if err := ec.GetFrom(resp); err != nil || ec.Code != stun.CodeForbidden {
		t.Fatalf("expected 403 Forbidden, got %s (code %d, err %v)", resp.Type, ec.Code, err)
	}

	send := stun.MustBuild(
		turn.SendIndication, stun.TransactionID,
		turn.XORPeerAddress{IP: allowedAddr.IP, Port: allowedAddr.Port},
		turn.Data("should not arrive"),
	)
	if _, err := conn.Write(send.Raw); err != nil {
		t.Fatalf("write send indication: %v", err)
	}
	buf := make([]byte, 1500)
	if err := allowedPeer.SetReadDeadline(time.Now().Add(200 * time.Millisecond)); err != nil {
		t.Fatal(err)
	}
	if _, _, err := allowedPeer.ReadFromUDP(buf); err == nil {
		t.Error("expected no data: the allowed peer's permission should have been rejected along with the forbidden one")
	}
}

func TestServer_SendIndicationDontFragmentDropped(t *testing.T) {
	_, conn := newTestServer(t, Options{})
	relayed := allocate(t, conn)
	_ = relayed

	peer, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("peer listen: %v", err)
	}
	defer peer.Close()
	peerAddr := peer.LocalAddr().(*net.UDPAddr)

	createPerm := stun.MustBuild(
		turn.CreatePermissionRequest, stun.TransactionID,
		turn.XORPeerAddress{IP: peerAddr.IP, Port: peerAddr.Port},
	)
	if resp := roundTrip(t, conn, createPerm); resp.Type != stun.NewType(stun.MethodCreatePermission, stun.ClassSuccessResponse) {
		t.Fatalf("create permission failed: %s", resp.Type)
	}

	send := stun.MustBuild(
		turn.SendIndication, stun.TransactionID,
		turn.XORPeerAddress{IP: peerAddr.IP, Port: peerAddr.Port},
		turn.Data("should be dropped"),
		turn.DontFragment,
	)
	if _, err := conn.Write(send.Raw); err != nil {
		t.Fatalf("write send indication: %v", err)
	}

	buf := make([]byte, 1500)
	if err := peer.SetReadDeadline(time.Now().Add(200 * time.Millisecond)); err != nil {
		t.Fatal(err)
	}
	if _, _, err := peer.ReadFromUDP(buf); err == nil {
		t.Error("expected a Send indication carrying DONT-FRAGMENT to be dropped, not relayed")
	}
}

func TestServer_RefreshRejectsMismatchedUser(t *testing.T) {
	const realm = "turnrelay.test"
	authenticator := &auth.Authenticator{
		Accounts: auth.NewStatic([]auth.Account{
			{Username: "alice", Password: "secret", Realm: realm},
			{Username: "bob", Password: "hunter2", Realm: realm},
		}),
		Noncer: auth.NewNoncer("server-key"),
		Realm:  realm,
	}
	_, conn := newTestServer(t, Options{Auth: authenticator, Realm: realm})

	resp := authenticatedRoundTrip(t, conn, realm, "alice", "secret", turn.AllocateRequest,
		turn.RequestedTransport{Protocol: turn.ProtoUDP})
	if resp.Type != stun.NewType(stun.MethodAllocate, stun.ClassSuccessResponse) {
		t.Fatalf("alice's allocate failed: %s", resp.Type)
	}

	refresh := authenticatedRoundTrip(t, conn, realm, "bob", "hunter2", turn.RefreshRequest)
	var ec stun.ErrorCodeAttribute
	if err := ec.GetFrom(refresh); err != nil || ec.Code != stun.CodeAllocMismatch {
		t.Fatalf("expected 437 Allocation Mismatch refreshing another account's allocation, got %s (code %d, err %v)", refresh.Type, ec.Code, err)
	}

	ownRefresh := authenticatedRoundTrip(t, conn, realm, "alice", "secret", turn.RefreshRequest)
	if ownRefresh.Type != stun.NewType(stun.MethodRefresh, stun.ClassSuccessResponse) {
		t.Fatalf("alice refreshing her own allocation should succeed, got %s", ownRefresh.Type)
	}
}
