package allocator

import (
	"crypto/rand"
	"errors"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/turnrelay/turnrelayd/internal/turn"
)

// DefaultTokenLifetime is TURN_DEFAULT_TOKEN_LIFETIME (spec §4.3): how
// long a reservation token stays claimable before its held port is
// released.
const DefaultTokenLifetime = 30 * time.Second

// ReservationToken is the server-side record behind an 8-byte
// RESERVATION-TOKEN: a parked port, reserved by an even-port Allocate
// with the reservation bit set, waiting for a follow-up Allocate to
// claim it (RFC 5766 §14.9).
type ReservationToken struct {
	ID      [8]byte
	Addr    turn.Addr
	Conn    net.PacketConn
	Proto   turn.Protocol
	Timeout time.Time
}

// ErrTokenNotFound means no live reservation matches the requested id.
var ErrTokenNotFound = errors.New("allocator: reservation token not found")

// TokenPool holds reservation tokens between the Allocate that creates
// them and the Allocate that claims them.
type TokenPool struct {
	mu     sync.Mutex
	tokens map[[8]byte]ReservationToken
	log    *zap.Logger
}

// NewTokenPool returns an empty pool.
func NewTokenPool(log *zap.Logger) *TokenPool {
	if log == nil {
		log = zap.NewNop()
	}
	return &TokenPool{tokens: make(map[[8]byte]ReservationToken), log: log}
}

// Reserve stores a new token referring to addr/conn and returns its id.
func (p *TokenPool) Reserve(addr turn.Addr, conn net.PacketConn, proto turn.Protocol, now time.Time) (turn.ReservationToken, error) {
	var id [8]byte
	if _, err := rand.Read(id[:]); err != nil {
		return turn.ReservationToken{}, err
	}
	p.mu.Lock()
	p.tokens[id] = ReservationToken{
		ID:      id,
		Addr:    addr,
		Conn:    conn,
		Proto:   proto,
		Timeout: now.Add(DefaultTokenLifetime),
	}
	p.mu.Unlock()
	return turn.ReservationToken(id), nil
}

// Claim removes and returns the reservation referred to by id, if
// still live.
func (p *TokenPool) Claim(id turn.ReservationToken, now time.Time) (ReservationToken, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	tok, ok := p.tokens[[8]byte(id)]
	if !ok {
		return ReservationToken{}, ErrTokenNotFound
	}
	delete(p.tokens, [8]byte(id))
	if tok.Timeout.Before(now) {
		if err := tok.Conn.Close(); err != nil {
			p.log.Warn("failed to close expired reservation", zap.Error(err))
		}
		return ReservationToken{}, ErrTokenNotFound
	}
	return tok, nil
}

// Prune releases any reservation whose timeout has passed.
func (p *TokenPool) Prune(now time.Time) {
	p.mu.Lock()
	var expired []ReservationToken
	for id, tok := range p.tokens {
		if tok.Timeout.Before(now) {
			expired = append(expired, tok)
			delete(p.tokens, id)
		}
	}
	p.mu.Unlock()
	for _, tok := range expired {
		if err := tok.Conn.Close(); err != nil {
			p.log.Warn("failed to close expired reservation", zap.Error(err))
		}
	}
}

// Count returns the number of live reservations.
func (p *TokenPool) Count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.tokens)
}
