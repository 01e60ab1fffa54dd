package auth

import (
	"crypto/md5" //nolint:gosec // mandated by spec's nonce construction, not a secrecy boundary
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/turnrelay/turnrelayd/internal/stun"
)

// DefaultNonceLifetime is TURN_DEFAULT_NONCE_LIFETIME.
const DefaultNonceLifetime = 3600 * time.Second

const (
	nonceTimeHexLen = 16
	nonceMACHexLen  = 32
	nonceLen        = nonceTimeHexLen + nonceMACHexLen
)

// Noncer issues and validates stateless nonces: a 16-hex-char
// big-endian expiry timestamp followed by the 32-hex-char MD5 of
// (hex-time ":" key). Validity requires neither server-side storage
// nor per-client bookkeeping, unlike a rotate-on-use nonce table.
type Noncer struct {
	Key      string
	Lifetime time.Duration
}

// NewNoncer returns a Noncer using DefaultNonceLifetime.
func NewNoncer(key string) *Noncer {
	return &Noncer{Key: key, Lifetime: DefaultNonceLifetime}
}

// Issue returns a fresh nonce valid until now+Lifetime.
func (n *Noncer) Issue(now time.Time) stun.Nonce {
	lifetime := n.Lifetime
	if lifetime == 0 {
		lifetime = DefaultNonceLifetime
	}
	expiry := now.Add(lifetime).Unix()
	hexTime := fmt.Sprintf("%016x", uint64(expiry))
	mac := n.mac(hexTime)
	return stun.Nonce(hexTime + mac)
}

// ErrStaleNonce means the nonce's MAC did not verify, or its embedded
// time has passed.
var ErrStaleNonce = errors.New("auth: stale nonce")

// Validate checks a nonce's MAC and expiry.
func (n *Noncer) Validate(value stun.Nonce, now time.Time) error {
	s := value.String()
	if len(s) != nonceLen {
		return ErrStaleNonce
	}
	hexTime, mac := s[:nonceTimeHexLen], s[nonceTimeHexLen:]
	if mac != n.mac(hexTime) {
		return ErrStaleNonce
	}
	expiry, err := parseHexTime(hexTime)
	if err != nil {
		return ErrStaleNonce
	}
	if now.After(time.Unix(expiry, 0)) {
		return ErrStaleNonce
	}
	return nil
}

func (n *Noncer) mac(hexTime string) string {
	h := md5.New() //nolint:gosec
	h.Write([]byte(hexTime))
	h.Write([]byte(":"))
	h.Write([]byte(n.Key))
	return hex.EncodeToString(h.Sum(nil))
}

func parseHexTime(s string) (int64, error) {
	b, err := hex.DecodeString(s)
	if err != nil || len(b) != 8 {
		return 0, ErrStaleNonce
	}
	var v uint64
	for _, c := range b {
		v = v<<8 | uint64(c)
	}
	return int64(v), nil
}
