package stun

import "fmt"

// Length bounds from RFC 5389 §15.3/§15.6/§15.7/§15.8 and RFC 5766's
// reuse of them.
const (
	maxUsernameBytes = 513
	maxSizedBytes    = 763 // REALM, NONCE, SOFTWARE, error REASON
)

// Username implements the USERNAME attribute.
type Username []byte

// NewUsername returns a Username attribute wrapping s.
func NewUsername(s string) Username { return Username(s) }

func (u Username) String() string { return string(u) }

// AddTo adds USERNAME to the message.
func (u Username) AddTo(m *Message) error {
	if len(u) > maxUsernameBytes {
		return fmt.Errorf("stun: USERNAME too long (%d)", len(u))
	}
	m.Add(AttrUsername, u)
	return nil
}

// GetFrom decodes USERNAME from the message.
func (u *Username) GetFrom(m *Message) error {
	v, err := m.Get(AttrUsername)
	if err != nil {
		return err
	}
	*u = Username(v)
	return nil
}

// Realm implements the REALM attribute.
type Realm []byte

// NewRealm returns a Realm attribute wrapping s.
func NewRealm(s string) Realm { return Realm(s) }

func (r Realm) String() string { return string(r) }

// AddTo adds REALM to the message.
func (r Realm) AddTo(m *Message) error {
	if len(r) > maxSizedBytes {
		return fmt.Errorf("stun: REALM too long (%d)", len(r))
	}
	m.Add(AttrRealm, r)
	return nil
}

// GetFrom decodes REALM from the message.
func (r *Realm) GetFrom(m *Message) error {
	v, err := m.Get(AttrRealm)
	if err != nil {
		return err
	}
	*r = Realm(v)
	return nil
}

// Nonce implements the NONCE attribute.
type Nonce []byte

func (n Nonce) String() string { return string(n) }

// AddTo adds NONCE to the message.
func (n Nonce) AddTo(m *Message) error {
	if len(n) == 0 {
		return nil
	}
	if len(n) > maxSizedBytes {
		return fmt.Errorf("stun: NONCE too long (%d)", len(n))
	}
	m.Add(AttrNonce, n)
	return nil
}

// GetFrom decodes NONCE from the message.
func (n *Nonce) GetFrom(m *Message) error {
	v, err := m.Get(AttrNonce)
	if err != nil {
		return err
	}
	*n = Nonce(v)
	return nil
}

// Software implements the SOFTWARE attribute.
type Software []byte

// NewSoftware returns a Software attribute, or nil if s is empty so
// that callers can skip adding it without a branch (len(Software)==0
// guards AddTo).
func NewSoftware(s string) Software {
	if s == "" {
		return nil
	}
	return Software(s)
}

func (s Software) String() string { return string(s) }

// AddTo adds SOFTWARE to the message.
func (s Software) AddTo(m *Message) error {
	if len(s) == 0 {
		return nil
	}
	if len(s) > maxSizedBytes {
		return fmt.Errorf("stun: SOFTWARE too long (%d)", len(s))
	}
	m.Add(AttrSoftware, s)
	return nil
}

// GetFrom decodes SOFTWARE from the message.
func (s *Software) GetFrom(m *Message) error {
	v, err := m.Get(AttrSoftware)
	if err != nil {
		return err
	}
	*s = Software(v)
	return nil
}
