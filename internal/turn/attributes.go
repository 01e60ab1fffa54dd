package turn

import (
	"fmt"
	"net"

	"github.com/turnrelay/turnrelayd/internal/stun"
)

// RequestedTransport implements REQUESTED-TRANSPORT (RFC 5766 §14.7):
// a protocol number in the high octet, 3 reserved octets.
type RequestedTransport struct {
	Protocol Protocol
}

// AddTo adds REQUESTED-TRANSPORT to the message.
func (r RequestedTransport) AddTo(m *stun.Message) error {
	v := make([]byte, 4)
	v[0] = byte(r.Protocol)
	m.Add(stun.AttrRequestedTransport, v)
	return nil
}

// GetFrom decodes REQUESTED-TRANSPORT from the message.
func (r *RequestedTransport) GetFrom(m *stun.Message) error {
	v, err := m.Get(stun.AttrRequestedTransport)
	if err != nil {
		return err
	}
	if len(v) != 4 {
		return BadAttrLength{Attr: stun.AttrRequestedTransport, Got: len(v), Expected: 4}
	}
	r.Protocol = Protocol(v[0])
	return nil
}

// XORPeerAddress implements XOR-PEER-ADDRESS (RFC 5766 §14.3), the
// address/port of a peer as seen by the server, XOR-obscured exactly
// like XOR-MAPPED-ADDRESS.
type XORPeerAddress struct {
	IP   net.IP
	Port int
}

func (a XORPeerAddress) String() string { return fmt.Sprintf("%s:%d", a.IP, a.Port) }

// AddTo adds XOR-PEER-ADDRESS to the message.
func (a XORPeerAddress) AddTo(m *stun.Message) error {
	return stun.XORMappedAddress{IP: a.IP, Port: a.Port}.AddToAs(m, stun.AttrXORPeerAddress)
}

// GetFrom decodes XOR-PEER-ADDRESS from the message.
func (a *XORPeerAddress) GetFrom(m *stun.Message) error {
	var x stun.XORMappedAddress
	if err := x.GetFromAs(m, stun.AttrXORPeerAddress); err != nil {
		return err
	}
	a.IP, a.Port = x.IP, x.Port
	return nil
}

// GetAllXORPeerAddresses decodes every XOR-PEER-ADDRESS attribute
// present in m, in wire order. CreatePermission carries 1..N of them
// (RFC 5766 §14.3); a handler must treat them atomically rather than
// reading only the first.
func GetAllXORPeerAddresses(m *stun.Message) ([]XORPeerAddress, error) {
	xs, err := stun.GetAllFromAs(m, stun.AttrXORPeerAddress)
	if err != nil {
		return nil, err
	}
	out := make([]XORPeerAddress, len(xs))
	for i, x := range xs {
		out[i] = XORPeerAddress{IP: x.IP, Port: x.Port}
	}
	return out, nil
}

// XORRelayedAddress implements XOR-RELAYED-ADDRESS (RFC 5766 §14.5),
// the relayed transport address returned in an Allocate success
// response.
type XORRelayedAddress struct {
	IP   net.IP
	Port int
}

func (a XORRelayedAddress) String() string { return fmt.Sprintf("%s:%d", a.IP, a.Port) }

// AddTo adds XOR-RELAYED-ADDRESS to the message.
func (a XORRelayedAddress) AddTo(m *stun.Message) error {
	return stun.XORMappedAddress{IP: a.IP, Port: a.Port}.AddToAs(m, stun.AttrXORRelayedAddress)
}

// GetFrom decodes XOR-RELAYED-ADDRESS from the message.
func (a *XORRelayedAddress) GetFrom(m *stun.Message) error {
	var x stun.XORMappedAddress
	if err := x.GetFromAs(m, stun.AttrXORRelayedAddress); err != nil {
		return err
	}
	a.IP, a.Port = x.IP, x.Port
	return nil
}

// Data implements the DATA attribute (RFC 5766 §14.4): the raw payload
// relayed between client and peer in Send/Data indications.
type Data []byte

// AddTo adds DATA to the message.
func (d Data) AddTo(m *stun.Message) error {
	m.Add(stun.AttrData, d)
	return nil
}

// GetFrom decodes DATA from the message.
func (d *Data) GetFrom(m *stun.Message) error {
	v, err := m.Get(stun.AttrData)
	if err != nil {
		return err
	}
	*d = Data(v)
	return nil
}

// Lifetime implements the LIFETIME attribute (RFC 5766 §14.2), a
// 32-bit seconds value.
type Lifetime uint32

// AddTo adds LIFETIME to the message.
func (l Lifetime) AddTo(m *stun.Message) error {
	v := make([]byte, 4)
	bin.PutUint32(v, uint32(l))
	m.Add(stun.AttrLifetime, v)
	return nil
}

// GetFrom decodes LIFETIME from the message.
func (l *Lifetime) GetFrom(m *stun.Message) error {
	v, err := m.Get(stun.AttrLifetime)
	if err != nil {
		return err
	}
	if len(v) != 4 {
		return BadAttrLength{Attr: stun.AttrLifetime, Got: len(v), Expected: 4}
	}
	*l = Lifetime(bin.Uint32(v))
	return nil
}

// ChannelNumberAttr implements the CHANNEL-NUMBER attribute (RFC 5766
// §14.1): a 16-bit channel number in [0x4000, 0x7FFE], 2 reserved
// octets.
type ChannelNumberAttr uint16

// AddTo adds CHANNEL-NUMBER to the message.
func (c ChannelNumberAttr) AddTo(m *stun.Message) error {
	v := make([]byte, 4)
	bin.PutUint16(v[0:2], uint16(c))
	m.Add(stun.AttrChannelNumber, v)
	return nil
}

// GetFrom decodes CHANNEL-NUMBER from the message.
func (c *ChannelNumberAttr) GetFrom(m *stun.Message) error {
	v, err := m.Get(stun.AttrChannelNumber)
	if err != nil {
		return err
	}
	if len(v) != 4 {
		return BadAttrLength{Attr: stun.AttrChannelNumber, Got: len(v), Expected: 4}
	}
	*c = ChannelNumberAttr(bin.Uint16(v[0:2]))
	return nil
}

// EvenPort implements the EVEN-PORT attribute (RFC 5766 §14.6): a
// single flag bit (R) requesting the companion odd port be reserved.
type EvenPort struct {
	ReservePort bool
}

// AddTo adds EVEN-PORT to the message.
func (e EvenPort) AddTo(m *stun.Message) error {
	v := make([]byte, 1)
	if e.ReservePort {
		v[0] = 1 << 7
	}
	m.Add(stun.AttrEvenPort, v)
	return nil
}

// GetFrom decodes EVEN-PORT from the message.
func (e *EvenPort) GetFrom(m *stun.Message) error {
	v, err := m.Get(stun.AttrEvenPort)
	if err != nil {
		return err
	}
	if len(v) < 1 {
		return BadAttrLength{Attr: stun.AttrEvenPort, Got: len(v), Expected: 1}
	}
	e.ReservePort = v[0]&(1<<7) != 0
	return nil
}

// ReservationToken implements the RESERVATION-TOKEN attribute (RFC
// 5766 §14.9): an opaque 8-byte token referring to a reserved port.
type ReservationToken [8]byte

// AddTo adds RESERVATION-TOKEN to the message.
func (r ReservationToken) AddTo(m *stun.Message) error {
	m.Add(stun.AttrReservationToken, r[:])
	return nil
}

// GetFrom decodes RESERVATION-TOKEN from the message.
func (r *ReservationToken) GetFrom(m *stun.Message) error {
	v, err := m.Get(stun.AttrReservationToken)
	if err != nil {
		return err
	}
	if len(v) != 8 {
		return BadAttrLength{Attr: stun.AttrReservationToken, Got: len(v), Expected: 8}
	}
	copy(r[:], v)
	return nil
}

// RequestedAddressFamily implements REQUESTED-ADDRESS-FAMILY (RFC 6156
// §4.1.1): a single family octet, 1 for IPv4 or 2 for IPv6.
type RequestedAddressFamily byte

// Known family values.
const (
	FamilyIPv4 RequestedAddressFamily = 0x01
	FamilyIPv6 RequestedAddressFamily = 0x02
)

// AddTo adds REQUESTED-ADDRESS-FAMILY to the message.
func (f RequestedAddressFamily) AddTo(m *stun.Message) error {
	v := make([]byte, 4)
	v[0] = byte(f)
	m.Add(stun.AttrRequestedAddressFamily, v)
	return nil
}

// GetFrom decodes REQUESTED-ADDRESS-FAMILY from the message.
func (f *RequestedAddressFamily) GetFrom(m *stun.Message) error {
	v, err := m.Get(stun.AttrRequestedAddressFamily)
	if err != nil {
		return err
	}
	if len(v) < 1 {
		return BadAttrLength{Attr: stun.AttrRequestedAddressFamily, Got: len(v), Expected: 4}
	}
	*f = RequestedAddressFamily(v[0])
	return nil
}

// dontFragmentSetter implements the DONT-FRAGMENT attribute (RFC 5766
// §14.8): a zero-length presence flag.
type dontFragmentSetter struct{}

// DontFragment is the Setter/checker for DONT-FRAGMENT.
var DontFragment dontFragmentSetter

// AddTo adds a zero-length DONT-FRAGMENT to the message.
func (dontFragmentSetter) AddTo(m *stun.Message) error {
	m.Add(stun.AttrDontFragment, nil)
	return nil
}

// IsSet reports whether m carries DONT-FRAGMENT.
func (dontFragmentSetter) IsSet(m *stun.Message) bool {
	return m.Contains(stun.AttrDontFragment)
}
