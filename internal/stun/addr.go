package stun

import (
	"fmt"
	"net"
)

const (
	familyIPv4 byte = 0x01
	familyIPv6 byte = 0x02
)

// MappedAddress implements the MAPPED-ADDRESS attribute (RFC 5389 §15.1):
// reserved(1) | family(1) | port(2) | address(4 or 16).
type MappedAddress struct {
	IP   net.IP
	Port int
}

func (a MappedAddress) String() string {
	return fmt.Sprintf("%s:%d", a.IP, a.Port)
}

// AddTo adds MAPPED-ADDRESS to the message.
func (a MappedAddress) AddTo(m *Message) error {
	return a.addToAs(m, AttrMappedAddress)
}

func (a MappedAddress) addToAs(m *Message, t AttrType) error {
	ip4 := a.IP.To4()
	var family byte
	var addr []byte
	if ip4 != nil {
		family = familyIPv4
		addr = ip4
	} else {
		family = familyIPv6
		addr = a.IP.To16()
		if addr == nil {
			return fmt.Errorf("stun: invalid IP %v", a.IP)
		}
	}
	v := make([]byte, 4+len(addr))
	v[0] = 0
	v[1] = family
	bin.PutUint16(v[2:4], uint16(a.Port))
	copy(v[4:], addr)
	m.Add(t, v)
	return nil
}

// GetFrom decodes MAPPED-ADDRESS from the message.
func (a *MappedAddress) GetFrom(m *Message) error {
	return a.getFromAs(m, AttrMappedAddress)
}

func (a *MappedAddress) getFromAs(m *Message, t AttrType) error {
	v, err := m.Get(t)
	if err != nil {
		return err
	}
	if len(v) < 4 {
		return ErrUnexpectedEOF
	}
	family := v[1]
	port := bin.Uint16(v[2:4])
	addr := v[4:]
	switch family {
	case familyIPv4:
		if len(addr) < 4 {
			return ErrUnexpectedEOF
		}
		a.IP = net.IP(append([]byte(nil), addr[:4]...))
	case familyIPv6:
		if len(addr) < 16 {
			return ErrUnexpectedEOF
		}
		a.IP = net.IP(append([]byte(nil), addr[:16]...))
	default:
		return fmt.Errorf("stun: unknown address family %d", family)
	}
	a.Port = int(port)
	return nil
}

// XORMappedAddress implements XOR-MAPPED-ADDRESS (RFC 5389 §15.2) and,
// via AddToAs/GetFromAs, XOR-PEER-ADDRESS and XOR-RELAYED-ADDRESS (RFC
// 5766 §14.3/§14.5), which share the same XOR transform.
type XORMappedAddress struct {
	IP   net.IP
	Port int
}

func (a XORMappedAddress) String() string {
	return fmt.Sprintf("%s:%d", a.IP, a.Port)
}

// Equal reports whether a and b denote the same address and port.
func (a XORMappedAddress) Equal(b XORMappedAddress) bool {
	return a.Port == b.Port && a.IP.Equal(b.IP)
}

// AddTo adds XOR-MAPPED-ADDRESS to the message.
func (a XORMappedAddress) AddTo(m *Message) error {
	return a.AddToAs(m, AttrXORMappedAddress)
}

// AddToAs adds the XOR-address transform under attribute type t.
func (a XORMappedAddress) AddToAs(m *Message, t AttrType) error {
	ip4 := a.IP.To4()
	var family byte
	var addr []byte
	if ip4 != nil {
		family = familyIPv4
		addr = append([]byte(nil), ip4...)
	} else {
		family = familyIPv6
		addr = append([]byte(nil), a.IP.To16()...)
		if len(addr) != 16 {
			return fmt.Errorf("stun: invalid IP %v", a.IP)
		}
	}
	xorAddress(addr, m.TransactionID)
	v := make([]byte, 4+len(addr))
	v[0] = 0
	v[1] = family
	bin.PutUint16(v[2:4], xorPort(a.Port))
	copy(v[4:], addr)
	m.Add(t, v)
	return nil
}

// GetFrom decodes XOR-MAPPED-ADDRESS from the message.
func (a *XORMappedAddress) GetFrom(m *Message) error {
	return a.GetFromAs(m, AttrXORMappedAddress)
}

// GetFromAs decodes the XOR-address transform stored under attribute
// type t.
func (a *XORMappedAddress) GetFromAs(m *Message, t AttrType) error {
	v, err := m.Get(t)
	if err != nil {
		return err
	}
	decoded, err := decodeXORAddress(v, m.TransactionID)
	if err != nil {
		return err
	}
	*a = decoded
	return nil
}

// GetAllFromAs decodes every attribute of type t present in m as an
// XOR-address transform, in wire order. Used where an RFC allows the
// attribute to repeat (RFC 5766 §14.3's 1..N XOR-PEER-ADDRESS).
func GetAllFromAs(m *Message, t AttrType) ([]XORMappedAddress, error) {
	var out []XORMappedAddress
	for _, v := range m.GetAll(t) {
		decoded, err := decodeXORAddress(v, m.TransactionID)
		if err != nil {
			return nil, err
		}
		out = append(out, decoded)
	}
	return out, nil
}

func decodeXORAddress(v []byte, transactionID [transactionIDSize]byte) (XORMappedAddress, error) {
	if len(v) < 4 {
		return XORMappedAddress{}, ErrUnexpectedEOF
	}
	family := v[1]
	port := xorPort(int(bin.Uint16(v[2:4])))
	addr := append([]byte(nil), v[4:]...)
	switch family {
	case familyIPv4:
		if len(addr) < 4 {
			return XORMappedAddress{}, ErrUnexpectedEOF
		}
		addr = addr[:4]
	case familyIPv6:
		if len(addr) < 16 {
			return XORMappedAddress{}, ErrUnexpectedEOF
		}
		addr = addr[:16]
	default:
		return XORMappedAddress{}, fmt.Errorf("stun: unknown address family %d", family)
	}
	xorAddress(addr, transactionID)
	return XORMappedAddress{IP: net.IP(addr), Port: int(port)}, nil
}

var magicCookieBytes = [4]byte{0x21, 0x12, 0xA4, 0x42}

// xorPort XORs port with the high 16 bits of the magic cookie.
func xorPort(port int) uint16 {
	return uint16(port) ^ bin.Uint16(magicCookieBytes[0:2])
}

// xorAddress XORs addr in place with the magic cookie, followed for
// IPv6 (16-byte addr) by the 12-byte transaction id, per RFC 5389 §15.2.
func xorAddress(addr []byte, transactionID [transactionIDSize]byte) {
	xorBytes(addr[:4], addr[:4], magicCookieBytes[:])
	if len(addr) == net.IPv6len {
		xorBytes(addr[4:], addr[4:], transactionID[:])
	}
}

func xorBytes(dst, a, b []byte) {
	for i := range a {
		dst[i] = a[i] ^ b[i%len(b)]
	}
}
