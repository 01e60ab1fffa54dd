// Package allocator implements the TURN allocation store: per-client
// relay records together with their permission and channel-binding
// sub-tables (RFC 5766 §2.2/§2.3).
package allocator

import (
	"fmt"
	"io"
	"net"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/turnrelay/turnrelayd/internal/turn"
)

// PeerHandler receives datagrams read from an allocation's relayed
// socket.
type PeerHandler interface {
	HandlePeerData(d []byte, t turn.FiveTuple, peer turn.Addr)
}

// Permission grants a peer IP address the right to have its packets
// forwarded through an allocation (RFC 5766 §2.3). Port granularity is
// not tracked here.
type Permission struct {
	IP      net.IP
	Timeout time.Time
}

func (p Permission) String() string {
	return fmt.Sprintf("%s [%s]", p.IP, p.Timeout.Format(time.RFC3339))
}

// Channel is a bound channel number shortcutting relay traffic for one
// peer address (RFC 5766 §2.5). Binding a channel always implies a
// Permission for the same IP (invariant I4).
type Channel struct {
	Addr    turn.Addr
	Number  turn.ChannelNumber
	Timeout time.Time
}

func (c Channel) String() string {
	return fmt.Sprintf("%s (%s) [%s]", c.Addr, c.Number, c.Timeout.Format(time.RFC3339))
}

// Allocation is one active relay record (RFC 5766 §2.2).
type Allocation struct {
	Tuple         turn.FiveTuple
	TransactionID [12]byte
	Username      string
	RelayedAddr   turn.Addr
	Conn          net.PacketConn
	Callback      PeerHandler
	Timeout       time.Time
	Permissions   []Permission
	Channels      []Channel
	Token         *ReservationToken // non-nil when this allocation holds a reservation for its companion port
	Expired       bool
	Buf           []byte
	Log           *zap.Logger
}

func (a *Allocation) findPermission(ip net.IP) int {
	for i := range a.Permissions {
		if a.Permissions[i].IP.Equal(ip) {
			return i
		}
	}
	return -1
}

func (a *Allocation) findChannelByAddr(addr turn.Addr) int {
	for i := range a.Channels {
		if a.Channels[i].Addr.Equal(addr) {
			return i
		}
	}
	return -1
}

func (a *Allocation) findChannelByNumber(n turn.ChannelNumber) int {
	for i := range a.Channels {
		if a.Channels[i].Number == n {
			return i
		}
	}
	return -1
}

// ReadUntilClosed relays datagrams arriving on the allocation's relayed
// socket to Callback until the connection is closed or errors fatally.
func (a *Allocation) ReadUntilClosed() {
	a.Log.Debug("start")
	defer a.Log.Debug("stop")
	for {
		if err := a.Conn.SetReadDeadline(time.Now().Add(time.Minute)); err != nil {
			a.Log.Warn("set read deadline failed", zap.Error(err))
			break
		}
		n, addr, err := a.Conn.ReadFrom(a.Buf)
		if err != nil && err != io.EOF {
			if netErr, ok := err.(net.Error); ok && (netErr.Temporary() || netErr.Timeout()) {
				continue
			}
			a.Log.Error("read failed", zap.Error(err))
			break
		}
		if ce := a.Log.Check(zapcore.DebugLevel, "read"); ce != nil {
			ce.Write(zap.Int("n", n))
		}
		udpAddr, ok := addr.(*net.UDPAddr)
		if !ok {
			continue
		}
		a.Callback.HandlePeerData(a.Buf[:n], a.Tuple, turn.Addr{IP: udpAddr.IP, Port: udpAddr.Port})
	}
}
