// Package turn implements the RFC 5766 TURN attributes and framing
// layered on top of internal/stun.
package turn

import (
	"encoding/binary"
	"fmt"
	"net"

	"github.com/turnrelay/turnrelayd/internal/stun"
)

var bin = binary.BigEndian

// Default listening ports per spec §6.
const (
	DefaultPort    = 3478
	DefaultTLSPort = 5349
)

// Protocol identifies a transport protocol carried in REQUESTED-TRANSPORT
// or tracked as part of a FiveTuple.
type Protocol byte

// Known protocol numbers (IANA protocol numbers; RFC 5766 §14.7 only
// allows ProtoUDP in REQUESTED-TRANSPORT).
const (
	ProtoUDP Protocol = 17
	ProtoTCP Protocol = 6
)

func (p Protocol) String() string {
	switch p {
	case ProtoUDP:
		return "udp"
	case ProtoTCP:
		return "tcp"
	default:
		return fmt.Sprintf("protocol(%d)", byte(p))
	}
}

// Addr is a transport address: an IP plus a port. It never carries a
// protocol, matching spec's Permission model (address-only, no port
// granularity) while FiveTuple carries protocol explicitly.
type Addr struct {
	IP   net.IP
	Port int
}

func (a Addr) String() string { return fmt.Sprintf("%s:%d", a.IP, a.Port) }

// Equal reports whether a and b denote the same IP and port.
func (a Addr) Equal(b Addr) bool { return a.Port == b.Port && a.IP.Equal(b.IP) }

// Family returns 1 for an IPv4 address, 2 for IPv6.
func (a Addr) Family() byte {
	if a.IP.To4() != nil {
		return 1
	}
	return 2
}

// FromUDPAddr populates a from a *net.UDPAddr.
func (a *Addr) FromUDPAddr(u *net.UDPAddr) {
	a.IP = u.IP
	a.Port = u.Port
}

// FiveTuple is the (transport, client, server) index identifying an
// allocation, per spec §3 (the peer address is not part of the tuple).
type FiveTuple struct {
	Client Addr
	Server Addr
	Proto  Protocol
}

func (t FiveTuple) String() string {
	return fmt.Sprintf("%s->%s(%s)", t.Client, t.Server, t.Proto)
}

// Equal reports whether t and b index the same allocation.
func (t FiveTuple) Equal(b FiveTuple) bool {
	return t.Proto == b.Proto && t.Client.Equal(b.Client) && t.Server.Equal(b.Server)
}

// Message type shorthands used by the dispatcher (RFC 5766 §13).
var (
	AllocateRequest         = stun.NewType(stun.MethodAllocate, stun.ClassRequest)
	AllocateSuccess         = stun.NewType(stun.MethodAllocate, stun.ClassSuccessResponse)
	AllocateError           = stun.NewType(stun.MethodAllocate, stun.ClassErrorResponse)
	RefreshRequest          = stun.NewType(stun.MethodRefresh, stun.ClassRequest)
	CreatePermissionRequest = stun.NewType(stun.MethodCreatePermission, stun.ClassRequest)
	ChannelBindRequest      = stun.NewType(stun.MethodChannelBind, stun.ClassRequest)
	SendIndication          = stun.NewType(stun.MethodSend, stun.ClassIndication)
	DataIndication          = stun.NewType(stun.MethodData, stun.ClassIndication)
)

// BadAttrLength means an attribute's encoded length did not match what
// its type requires.
type BadAttrLength struct {
	Attr     stun.AttrType
	Got      int
	Expected int
}

func (e BadAttrLength) Error() string {
	return fmt.Sprintf("turn: bad length for %s: got %d, want %d", e.Attr, e.Got, e.Expected)
}
