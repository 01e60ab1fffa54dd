package allocator

import (
	"fmt"
	"net"
	"sync"

	"go.uber.org/zap"

	"github.com/turnrelay/turnrelayd/internal/turn"
)

// NetAllocation is one port bound on the relay interface.
type NetAllocation struct {
	Addr  turn.Addr
	Proto turn.Protocol
	Conn  net.PacketConn
}

// Close closes the underlying PacketConn.
func (n *NetAllocation) Close() error {
	err := n.Conn.Close()
	n.Conn = nil
	return err
}

// NetPortAllocator binds ports on the relay interface. want selects
// even-port allocation (RFC 5766 §14.6); when want is true the
// returned port is guaranteed even.
type NetPortAllocator interface {
	AllocatePort(proto turn.Protocol, network, defaultAddr string, want bool) (NetAllocation, error)
}

// RelayedAddrAllocator allocates and frees relayed transport addresses
// for allocations, and separately reserves a sibling port for
// EVEN-PORT's reservation bit.
type RelayedAddrAllocator interface {
	New(proto turn.Protocol, evenPort bool) (turn.Addr, net.PacketConn, error)
	NewPair(proto turn.Protocol) (addr turn.Addr, conn net.PacketConn, sibling turn.Addr, siblingConn net.PacketConn, err error)
	Remove(addr turn.Addr, proto turn.Protocol) error
}

// NetAllocator manages port allocation over the system network stack.
type NetAllocator struct {
	allocsMux sync.RWMutex
	allocs    []NetAllocation

	ports       NetPortAllocator
	log         *zap.Logger
	defaultAddr string
}

// NewNetAllocator initializes a port allocation manager bound to the
// relay interface addr (currently only *net.UDPAddr is supported).
func NewNetAllocator(l *zap.Logger, addr net.Addr, ports NetPortAllocator) (*NetAllocator, error) {
	udpAddr, ok := addr.(*net.UDPAddr)
	if !ok {
		return nil, fmt.Errorf("allocator: unsupported relay addr %T", addr)
	}
	return &NetAllocator{
		log:         l,
		ports:       ports,
		defaultAddr: udpAddr.IP.String() + ":0",
	}, nil
}

// New binds a single fresh port, even if evenPort is set.
func (a *NetAllocator) New(proto turn.Protocol, evenPort bool) (turn.Addr, net.PacketConn, error) {
	n, err := a.ports.AllocatePort(proto, "udp4", a.defaultAddr, evenPort)
	if err != nil {
		return turn.Addr{}, nil, err
	}
	a.allocsMux.Lock()
	a.allocs = append(a.allocs, n)
	a.allocsMux.Unlock()
	return n.Addr, n.Conn, nil
}

// NewPair binds an even port and, immediately after, its odd sibling,
// for EVEN-PORT requests carrying the reservation bit.
func (a *NetAllocator) NewPair(proto turn.Protocol) (turn.Addr, net.PacketConn, turn.Addr, net.PacketConn, error) {
	first, err := a.ports.AllocatePort(proto, "udp4", a.defaultAddr, true)
	if err != nil {
		return turn.Addr{}, nil, turn.Addr{}, nil, err
	}
	siblingAddr := fmt.Sprintf("%s:%d", first.Addr.IP, first.Addr.Port+1)
	sibling, err := a.ports.AllocatePort(proto, "udp4", siblingAddr, false)
	if err != nil {
		if cerr := first.Close(); cerr != nil {
			a.log.Warn("failed to release even port after sibling bind failure", zap.Error(cerr))
		}
		return turn.Addr{}, nil, turn.Addr{}, nil, err
	}
	a.allocsMux.Lock()
	a.allocs = append(a.allocs, first, sibling)
	a.allocsMux.Unlock()
	return first.Addr, first.Conn, sibling.Addr, sibling.Conn, nil
}

// Remove de-allocates the port bound at addr/proto.
func (a *NetAllocator) Remove(addr turn.Addr, proto turn.Protocol) error {
	var toRemove []NetAllocation
	a.allocsMux.Lock()
	kept := a.allocs[:0]
	for _, alloc := range a.allocs {
		if alloc.Proto == proto && addr.Equal(alloc.Addr) {
			toRemove = append(toRemove, alloc)
			continue
		}
		kept = append(kept, alloc)
	}
	a.allocs = kept
	a.allocsMux.Unlock()

	for _, r := range toRemove {
		if err := r.Close(); err != nil {
			a.log.Error("failed to remove allocated port", zap.Error(err))
		}
	}
	return nil
}
