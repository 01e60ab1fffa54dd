package stun

import "fmt"

// ErrorCode is a STUN/TURN numeric error code in [300,699], split into
// class (hundreds digit, 3-6) and number (0-99) for the wire format.
type ErrorCode int

// Error codes used by the dispatcher (RFC 5389 §15.6, RFC 5766 §15, and
// this server's own mapping in spec §7).
const (
	CodeBadRequest     ErrorCode = 400
	CodeUnauthorized   ErrorCode = 401
	CodeForbidden      ErrorCode = 403
	CodeUnknownAttribute ErrorCode = 420
	CodeAllocMismatch  ErrorCode = 437
	CodeStaleNonce     ErrorCode = 438
	CodeAddrFamilyNotSupported ErrorCode = 440
	CodeUnsupportedTransport   ErrorCode = 442
	CodeAllocationQuotaReached ErrorCode = 486
	CodeServerError    ErrorCode = 500
	CodeInsufficientCapacity   ErrorCode = 508
)

var errorReason = map[ErrorCode]string{
	CodeBadRequest:             "Bad Request",
	CodeUnauthorized:           "Unauthorized",
	CodeForbidden:              "Forbidden",
	CodeUnknownAttribute:       "Unknown Attribute",
	CodeAllocMismatch:          "Allocation Mismatch",
	CodeStaleNonce:             "Stale Nonce",
	CodeAddrFamilyNotSupported: "Address Family not Supported",
	CodeUnsupportedTransport:   "Unsupported Transport Protocol",
	CodeAllocationQuotaReached: "Allocation Quota Reached",
	CodeServerError:            "Server Error",
	CodeInsufficientCapacity:   "Insufficient Capacity",
}

// ErrorCodeAttribute implements ERROR-CODE (RFC 5389 §15.6):
// reserved(21 bits) | class(3 bits) | number(8 bits), followed by a
// UTF-8 reason phrase.
type ErrorCodeAttribute struct {
	Code   ErrorCode
	Reason string
}

// NewErrorCode returns an ErrorCodeAttribute with the well-known reason
// phrase for code, if any.
func NewErrorCode(code ErrorCode) ErrorCodeAttribute {
	return ErrorCodeAttribute{Code: code, Reason: errorReason[code]}
}

func (e ErrorCodeAttribute) Error() string {
	return fmt.Sprintf("%d: %s", e.Code, e.Reason)
}

// AddTo adds ERROR-CODE to the message. The class/number word is built
// arithmetically in network-order, never via a host-endian struct cast
// (spec §9's PowerPC note).
func (e ErrorCodeAttribute) AddTo(m *Message) error {
	reason := e.Reason
	if reason == "" {
		reason = errorReason[e.Code]
	}
	class := byte(e.Code / 100)
	number := byte(e.Code % 100)
	if class < 3 || class > 6 {
		return fmt.Errorf("stun: invalid error class %d", class)
	}
	v := make([]byte, 4+len(reason))
	v[0] = 0
	v[1] = 0
	v[2] = class
	v[3] = number
	copy(v[4:], reason)
	m.Add(AttrErrorCode, v)
	return nil
}

// GetFrom decodes ERROR-CODE from the message.
func (e *ErrorCodeAttribute) GetFrom(m *Message) error {
	v, err := m.Get(AttrErrorCode)
	if err != nil {
		return err
	}
	if len(v) < 4 {
		return ErrUnexpectedEOF
	}
	class := v[2]
	number := v[3]
	e.Code = ErrorCode(int(class)*100 + int(number))
	e.Reason = string(v[4:])
	return nil
}

// UnknownAttributes implements the UNKNOWN-ATTRIBUTES attribute (RFC
// 5389 §15.9): a sequence of 16-bit attribute types, padded to a
// 4-byte boundary by repeating the last entry when the count is odd.
type UnknownAttributes []AttrType

// AddTo adds UNKNOWN-ATTRIBUTES to the message.
func (u UnknownAttributes) AddTo(m *Message) error {
	if len(u) == 0 {
		return nil
	}
	types := u
	if len(types)%2 != 0 {
		types = append(append([]AttrType(nil), types...), types[len(types)-1])
	}
	v := make([]byte, 2*len(types))
	for i, t := range types {
		bin.PutUint16(v[i*2:i*2+2], uint16(t))
	}
	m.Add(AttrUnknownAttributes, v)
	return nil
}

// GetFrom decodes UNKNOWN-ATTRIBUTES from the message.
func (u *UnknownAttributes) GetFrom(m *Message) error {
	v, err := m.Get(AttrUnknownAttributes)
	if err != nil {
		return err
	}
	if len(v)%2 != 0 {
		return ErrUnexpectedEOF
	}
	out := make([]AttrType, len(v)/2)
	for i := range out {
		out[i] = AttrType(bin.Uint16(v[i*2 : i*2+2]))
	}
	*u = out
	return nil
}
