package allocator

import (
	"fmt"
	"net"

	"github.com/turnrelay/turnrelayd/internal/turn"
)

// SystemPortAllocator binds relay ports directly on the host network
// stack.
type SystemPortAllocator struct{}

// maxEvenPortAttempts bounds the retry loop used to land an even port
// number when the OS hands back an odd one.
const maxEvenPortAttempts = 16

// AllocatePort binds a fresh UDP port. When want is true, it retries
// until the bound port is even (RFC 5766 §14.6), giving up after
// maxEvenPortAttempts tries.
func (s SystemPortAllocator) AllocatePort(
	proto turn.Protocol, network, defaultAddr string, want bool,
) (NetAllocation, error) {
	for attempt := 0; ; attempt++ {
		addr, err := net.ResolveUDPAddr(network, defaultAddr)
		if err != nil {
			return NetAllocation{}, err
		}
		conn, err := net.ListenUDP("udp4", addr)
		if err != nil {
			return NetAllocation{}, err
		}
		realAddr := conn.LocalAddr().(*net.UDPAddr)
		if want && realAddr.Port%2 != 0 {
			conn.Close()
			if attempt+1 >= maxEvenPortAttempts {
				return NetAllocation{}, fmt.Errorf("allocator: could not obtain an even port after %d attempts", attempt+1)
			}
			continue
		}
		return NetAllocation{
			Proto: proto,
			Addr:  turn.Addr{Port: realAddr.Port, IP: realAddr.IP},
			Conn:  conn,
		}, nil
	}
}
