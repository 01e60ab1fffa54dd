package allocator

import (
	"net"
	"testing"
	"time"

	"github.com/turnrelay/turnrelayd/internal/turn"
)

func TestTokenPool_ReserveClaim(t *testing.T) {
	p := NewTokenPool(nil)
	now := time.Now()
	addr := turn.Addr{IP: net.IPv4(127, 0, 0, 1), Port: 5101}
	id, err := p.Reserve(addr, &dummyConn{}, turn.ProtoUDP, now)
	if err != nil {
		t.Fatal(err)
	}
	if p.Count() != 1 {
		t.Fatalf("expected 1 live reservation, got %d", p.Count())
	}
	tok, err := p.Claim(id, now.Add(time.Second))
	if err != nil {
		t.Fatal(err)
	}
	if !tok.Addr.Equal(addr) {
		t.Errorf("claimed token addr %s != reserved %s", tok.Addr, addr)
	}
	if p.Count() != 0 {
		t.Fatalf("expected claim to remove the reservation, got count %d", p.Count())
	}
	if _, err := p.Claim(id, now); err != ErrTokenNotFound {
		t.Fatalf("expected ErrTokenNotFound claiming twice, got %v", err)
	}
}

func TestTokenPool_ClaimExpired(t *testing.T) {
	p := NewTokenPool(nil)
	now := time.Now()
	addr := turn.Addr{IP: net.IPv4(127, 0, 0, 1), Port: 5102}
	id, err := p.Reserve(addr, &dummyConn{}, turn.ProtoUDP, now)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := p.Claim(id, now.Add(DefaultTokenLifetime+time.Second)); err != ErrTokenNotFound {
		t.Fatalf("expected ErrTokenNotFound for an expired reservation, got %v", err)
	}
}

func TestTokenPool_Prune(t *testing.T) {
	p := NewTokenPool(nil)
	now := time.Now()
	addr := turn.Addr{IP: net.IPv4(127, 0, 0, 1), Port: 5103}
	if _, err := p.Reserve(addr, &dummyConn{}, turn.ProtoUDP, now.Add(-DefaultTokenLifetime-time.Second)); err != nil {
		t.Fatal(err)
	}
	p.Prune(now)
	if p.Count() != 0 {
		t.Fatalf("expected Prune to release expired reservation, got count %d", p.Count())
	}
}
