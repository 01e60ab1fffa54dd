package allocator

import (
	"net"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/turnrelay/turnrelayd/internal/turn"
)

// Options configures a new Allocator.
type Options struct {
	Log    *zap.Logger
	Conn   RelayedAddrAllocator
	Labels prometheus.Labels
}

// NewAllocator returns an empty Allocator.
func NewAllocator(o Options) *Allocator {
	if o.Log == nil {
		o.Log = zap.NewNop()
	}
	return &Allocator{
		log:   o.Log,
		raddr: o.Conn,
		metrics: map[string]*prometheus.Desc{
			"allocation_count": prometheus.NewDesc("turnrelayd_allocation_count",
				"Total number of active allocations.", nil, o.Labels),
			"permission_count": prometheus.NewDesc("turnrelayd_permission_count",
				"Total number of installed permissions.", nil, o.Labels),
			"channel_count": prometheus.NewDesc("turnrelayd_channel_count",
				"Total number of bound channels.", nil, o.Labels),
		},
	}
}

// Allocator indexes Allocations by their 5-tuple and enforces
// invariants I1-I6 on their permission and channel sub-tables.
type Allocator struct {
	log       *zap.Logger
	allocsMux sync.RWMutex
	allocs    []Allocation
	raddr     RelayedAddrAllocator
	metrics   map[string]*prometheus.Desc
}

// Describe implements prometheus.Collector.
func (a *Allocator) Describe(c chan<- *prometheus.Desc) {
	for _, d := range a.metrics {
		c <- d
	}
}

// Collect implements prometheus.Collector.
func (a *Allocator) Collect(c chan<- prometheus.Metric) {
	s := a.Stats()
	c <- prometheus.MustNewConstMetric(a.metrics["allocation_count"], prometheus.GaugeValue, float64(s.Allocations))
	c <- prometheus.MustNewConstMetric(a.metrics["permission_count"], prometheus.GaugeValue, float64(s.Permissions))
	c <- prometheus.MustNewConstMetric(a.metrics["channel_count"], prometheus.GaugeValue, float64(s.Channels))
}

// Errors returned by the allocation store.
var (
	// ErrAllocationMismatch is the 437 condition: the 5-tuple is in use
	// by an allocation with a different transaction id, or no
	// allocation exists for an operation that requires one.
	ErrAllocationMismatch = errors.New("5-tuple mismatch or allocation not found")
	// ErrPermissionNotFound means no permission exists for (tuple, peer).
	ErrPermissionNotFound = errors.New("permission not found")
	// ErrChannelConflict is the 400 condition of ChannelBind (I3): the
	// channel number or the peer address is already bound to someone else.
	ErrChannelConflict = errors.New("channel number or peer already bound")
)

// AllocOptions carries the EVEN-PORT/RESERVATION-TOKEN handling
// decided by the dispatcher before calling New.
type AllocOptions struct {
	EvenPort     bool
	ReservePort  bool
	ClaimedAddr  *turn.Addr
	ClaimedConn  net.PacketConn
}

// Find returns a copy of the allocation for tuple, and whether it
// exists and is not a tombstone.
func (a *Allocator) Find(tuple turn.FiveTuple) (Allocation, bool) {
	a.allocsMux.RLock()
	defer a.allocsMux.RUnlock()
	for i := range a.allocs {
		if a.allocs[i].Tuple.Equal(tuple) && !a.allocs[i].Expired {
			return a.allocs[i], true
		}
	}
	return Allocation{}, false
}

// New creates an allocation for tuple. If opts.ClaimedAddr/ClaimedConn
// are set, the allocation reuses an already-bound port (the
// RESERVATION-TOKEN path) instead of asking raddr for a fresh one.
func (a *Allocator) New(
	tuple turn.FiveTuple, transactionID [12]byte, username string,
	timeout time.Time, callback PeerHandler, opts AllocOptions,
) (turn.Addr, *ReservationToken, error) {
	l := a.log.Named("allocation").With(zap.Stringer("tuple", tuple))

	a.allocsMux.Lock()
	for i := range a.allocs {
		if a.allocs[i].Tuple.Equal(tuple) && !a.allocs[i].Expired {
			a.allocsMux.Unlock()
			return turn.Addr{}, nil, ErrAllocationMismatch
		}
	}
	allocation := Allocation{
		Tuple:         tuple,
		TransactionID: transactionID,
		Username:      username,
		Callback:      callback,
		Timeout:       timeout,
		Log:           l,
	}
	a.allocs = append(a.allocs, allocation)
	a.allocsMux.Unlock()

	var (
		relayedAddr turn.Addr
		conn        net.PacketConn
		reservation *ReservationToken
		err         error
	)
	switch {
	case opts.ClaimedConn != nil:
		relayedAddr, conn = *opts.ClaimedAddr, opts.ClaimedConn
	case opts.ReservePort:
		var siblingAddr turn.Addr
		var siblingConn net.PacketConn
		relayedAddr, conn, siblingAddr, siblingConn, err = a.raddr.NewPair(tuple.Proto)
		if err == nil {
			reservation = &ReservationToken{Addr: siblingAddr, Conn: siblingConn, Proto: tuple.Proto}
		}
	default:
		relayedAddr, conn, err = a.raddr.New(tuple.Proto, opts.EvenPort)
	}
	if err != nil {
		a.removeTuple(tuple)
		return turn.Addr{}, nil, errors.Wrap(err, "failed to allocate relayed address")
	}

	l = l.With(zap.Stringer("raddr", relayedAddr))
	buf := make([]byte, 2048)

	a.allocsMux.Lock()
	for i := range a.allocs {
		if !a.allocs[i].Tuple.Equal(tuple) {
			continue
		}
		a.allocs[i].Conn = conn
		a.allocs[i].RelayedAddr = relayedAddr
		a.allocs[i].Buf = buf
		a.allocs[i].Log = l
		a.allocs[i].Token = reservation
		allocation = a.allocs[i]
		break
	}
	a.allocsMux.Unlock()

	go allocation.ReadUntilClosed()
	return relayedAddr, reservation, nil
}

func (a *Allocator) removeTuple(tuple turn.FiveTuple) {
	a.allocsMux.Lock()
	kept := a.allocs[:0]
	for _, al := range a.allocs {
		if !al.Tuple.Equal(tuple) {
			kept = append(kept, al)
		}
	}
	a.allocs = kept
	a.allocsMux.Unlock()
}

// Remove deletes the allocation for tuple from the store at once and
// closes its relayed socket; no tombstone is left for a later sweep.
func (a *Allocator) Remove(tuple turn.FiveTuple) error {
	var toDealloc []Allocation
	a.allocsMux.Lock()
	kept := a.allocs[:0]
	for _, al := range a.allocs {
		if al.Tuple.Equal(tuple) {
			toDealloc = append(toDealloc, al)
			continue
		}
		kept = append(kept, al)
	}
	a.allocs = kept
	a.allocsMux.Unlock()

	if len(toDealloc) == 0 {
		return ErrAllocationMismatch
	}
	for _, al := range toDealloc {
		if al.Conn != nil {
			if err := al.Conn.Close(); err != nil {
				a.log.Warn("failed to close relayed socket", zap.Error(err))
			}
		}
		if err := a.raddr.Remove(al.Tuple.Server, al.Tuple.Proto); err != nil {
			a.log.Warn("failed to remove allocation", zap.Error(err))
		}
	}
	return nil
}

// Prune deletes expired allocations from the store, closing their
// relayed sockets, and drops expired permissions and channels from the
// survivors.
func (a *Allocator) Prune(now time.Time) {
	var toDealloc []Allocation
	a.allocsMux.Lock()
	kept := a.allocs[:0]
	for _, al := range a.allocs {
		if al.Timeout.Before(now) {
			toDealloc = append(toDealloc, al)
			continue
		}
		al.Permissions = prunePermissions(al.Permissions, now)
		al.Channels = pruneChannels(al.Channels, now)
		kept = append(kept, al)
	}
	a.allocs = kept
	a.allocsMux.Unlock()

	for _, al := range toDealloc {
		if al.Conn != nil {
			if err := al.Conn.Close(); err != nil {
				a.log.Warn("failed to close relayed socket", zap.Error(err))
			}
		}
		if err := a.raddr.Remove(al.Tuple.Server, al.Tuple.Proto); err != nil {
			a.log.Warn("failed to remove allocation", zap.Error(err))
		}
	}
}

func prunePermissions(in []Permission, now time.Time) []Permission {
	kept := in[:0]
	for _, p := range in {
		if p.Timeout.After(now) {
			kept = append(kept, p)
		}
	}
	return kept
}

func pruneChannels(in []Channel, now time.Time) []Channel {
	kept := in[:0]
	for _, c := range in {
		if c.Timeout.After(now) {
			kept = append(kept, c)
		}
	}
	return kept
}

// CreatePermission installs or refreshes a permission for peer.IP
// within tuple's allocation.
func (a *Allocator) CreatePermission(tuple turn.FiveTuple, peer turn.Addr, timeout time.Time) error {
	a.allocsMux.Lock()
	defer a.allocsMux.Unlock()
	for i := range a.allocs {
		if !a.allocs[i].Tuple.Equal(tuple) || a.allocs[i].Expired {
			continue
		}
		if k := a.allocs[i].findPermission(peer.IP); k >= 0 {
			a.allocs[i].Permissions[k].Timeout = timeout
		} else {
			a.allocs[i].Permissions = append(a.allocs[i].Permissions, Permission{
				IP: append(net.IP(nil), peer.IP...), Timeout: timeout,
			})
		}
		return nil
	}
	return ErrAllocationMismatch
}

// ChannelBind installs or refreshes the binding of n to peer within
// tuple's allocation (I3, I4, I5).
func (a *Allocator) ChannelBind(tuple turn.FiveTuple, n turn.ChannelNumber, peer turn.Addr, timeout time.Time) error {
	if !n.Valid() {
		return ErrChannelConflict
	}
	a.allocsMux.Lock()
	defer a.allocsMux.Unlock()
	for i := range a.allocs {
		if !a.allocs[i].Tuple.Equal(tuple) || a.allocs[i].Expired {
			continue
		}
		if k := a.allocs[i].findChannelByAddr(peer); k >= 0 {
			if a.allocs[i].Channels[k].Number != n {
				return ErrChannelConflict
			}
			a.allocs[i].Channels[k].Timeout = timeout
		} else if k := a.allocs[i].findChannelByNumber(n); k >= 0 {
			return ErrChannelConflict
		} else {
			a.allocs[i].Channels = append(a.allocs[i].Channels, Channel{Addr: peer, Number: n, Timeout: timeout})
		}
		if p := a.allocs[i].findPermission(peer.IP); p >= 0 {
			a.allocs[i].Permissions[p].Timeout = timeout
		} else {
			a.allocs[i].Permissions = append(a.allocs[i].Permissions, Permission{
				IP: append(net.IP(nil), peer.IP...), Timeout: timeout,
			})
		}
		return nil
	}
	return ErrAllocationMismatch
}

// Bound returns the channel number bound to peer within tuple's
// allocation, or 0 if none.
func (a *Allocator) Bound(tuple turn.FiveTuple, peer turn.Addr) turn.ChannelNumber {
	a.allocsMux.RLock()
	defer a.allocsMux.RUnlock()
	for i := range a.allocs {
		if !a.allocs[i].Tuple.Equal(tuple) || a.allocs[i].Expired {
			continue
		}
		if k := a.allocs[i].findChannelByAddr(peer); k >= 0 {
			return a.allocs[i].Channels[k].Number
		}
	}
	return 0
}

// ChannelPeer returns the peer address bound to channel n within
// tuple's allocation, and whether it exists.
func (a *Allocator) ChannelPeer(tuple turn.FiveTuple, n turn.ChannelNumber) (turn.Addr, bool) {
	a.allocsMux.RLock()
	defer a.allocsMux.RUnlock()
	for i := range a.allocs {
		if !a.allocs[i].Tuple.Equal(tuple) || a.allocs[i].Expired {
			continue
		}
		if k := a.allocs[i].findChannelByNumber(n); k >= 0 {
			return a.allocs[i].Channels[k].Addr, true
		}
	}
	return turn.Addr{}, false
}

// HasPermission reports whether tuple's allocation has a live
// permission for peer.IP.
func (a *Allocator) HasPermission(tuple turn.FiveTuple, peer turn.Addr) bool {
	a.allocsMux.RLock()
	defer a.allocsMux.RUnlock()
	for i := range a.allocs {
		if !a.allocs[i].Tuple.Equal(tuple) || a.allocs[i].Expired {
			continue
		}
		return a.allocs[i].findPermission(peer.IP) >= 0
	}
	return false
}

// Refresh resets tuple's allocation expiry timer.
func (a *Allocator) Refresh(tuple turn.FiveTuple, timeout time.Time) error {
	a.allocsMux.Lock()
	defer a.allocsMux.Unlock()
	for i := range a.allocs {
		if !a.allocs[i].Tuple.Equal(tuple) || a.allocs[i].Expired {
			continue
		}
		a.allocs[i].Timeout = timeout
		return nil
	}
	return ErrAllocationMismatch
}

// Send writes data to peer from tuple's relayed socket, dropping
// silently (per spec §4.5) if no permission covers peer.
func (a *Allocator) Send(tuple turn.FiveTuple, peer turn.Addr, data []byte) (int, error) {
	conn, ok := a.connFor(tuple, peer)
	if !ok {
		return 0, ErrPermissionNotFound
	}
	return conn.WriteTo(data, &net.UDPAddr{IP: peer.IP, Port: peer.Port})
}

// SendBound writes data to the peer bound to channel n within tuple's
// allocation.
func (a *Allocator) SendBound(tuple turn.FiveTuple, n turn.ChannelNumber, data []byte) (int, error) {
	peer, ok := a.ChannelPeer(tuple, n)
	if !ok {
		return 0, ErrPermissionNotFound
	}
	return a.Send(tuple, peer, data)
}

func (a *Allocator) connFor(tuple turn.FiveTuple, peer turn.Addr) (net.PacketConn, bool) {
	a.allocsMux.RLock()
	defer a.allocsMux.RUnlock()
	for i := range a.allocs {
		if !a.allocs[i].Tuple.Equal(tuple) || a.allocs[i].Expired {
			continue
		}
		if a.allocs[i].findPermission(peer.IP) < 0 {
			return nil, false
		}
		return a.allocs[i].Conn, true
	}
	return nil, false
}

// Stats summarizes the store's current size.
type Stats struct {
	Allocations int
	Permissions int
	Channels    int
}

// Stats returns current counts across all allocations.
func (a *Allocator) Stats() Stats {
	a.allocsMux.RLock()
	defer a.allocsMux.RUnlock()
	s := Stats{Allocations: len(a.allocs)}
	for i := range a.allocs {
		s.Permissions += len(a.allocs[i].Permissions)
		s.Channels += len(a.allocs[i].Channels)
	}
	return s
}

// CountForUser returns the number of live allocations owned by
// username, for max_relay_per_client enforcement.
func (a *Allocator) CountForUser(username string) int {
	a.allocsMux.RLock()
	defer a.allocsMux.RUnlock()
	n := 0
	for i := range a.allocs {
		if !a.allocs[i].Expired && a.allocs[i].Username == username {
			n++
		}
	}
	return n
}
