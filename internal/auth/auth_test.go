package auth

import (
	"testing"
	"time"

	"github.com/turnrelay/turnrelayd/internal/stun"
)

func newTestAuthenticator() *Authenticator {
	return &Authenticator{
		Accounts: NewStatic([]Account{{Username: "toto", Password: "password", Realm: "domain.org"}}),
		Noncer:   NewNoncer("serversecret"),
		Realm:    "domain.org",
	}
}

func TestAuthenticator_MissingIntegrity(t *testing.T) {
	a := newTestAuthenticator()
	m := stun.MustBuild(stun.AllocateRequest, stun.TransactionID)
	_, fail := a.Authenticate(m, time.Now())
	if fail == nil || fail.Code != stun.CodeUnauthorized {
		t.Fatalf("expected 401, got %+v", fail)
	}
	if len(fail.Nonce) == 0 {
		t.Error("expected a fresh nonce to be issued")
	}
}

func TestAuthenticator_Success(t *testing.T) {
	a := newTestAuthenticator()
	now := time.Now()
	nonce := a.Noncer.Issue(now)
	key := stun.NewLongTermIntegrity("toto", "domain.org", "password")
	m := stun.MustBuild(
		stun.AllocateRequest, stun.TransactionID,
		stun.NewUsername("toto"), stun.NewRealm("domain.org"), nonce,
		key,
	)
	result, fail := a.Authenticate(m, now)
	if fail != nil {
		t.Fatalf("expected success, got failure %+v", fail)
	}
	if result.Account.Username != "toto" {
		t.Errorf("unexpected account %+v", result.Account)
	}
}

func TestAuthenticator_WrongPassword(t *testing.T) {
	a := newTestAuthenticator()
	now := time.Now()
	nonce := a.Noncer.Issue(now)
	wrongKey := stun.NewLongTermIntegrity("toto", "domain.org", "wrong")
	m := stun.MustBuild(
		stun.AllocateRequest, stun.TransactionID,
		stun.NewUsername("toto"), stun.NewRealm("domain.org"), nonce,
		wrongKey,
	)
	_, fail := a.Authenticate(m, now)
	if fail == nil || fail.Code != stun.CodeUnauthorized {
		t.Fatalf("expected 401, got %+v", fail)
	}
}

func TestAuthenticator_StaleNonce(t *testing.T) {
	a := newTestAuthenticator()
	now := time.Now()
	staleNoncer := &Noncer{Key: "serversecret", Lifetime: time.Second}
	nonce := staleNoncer.Issue(now)
	key := stun.NewLongTermIntegrity("toto", "domain.org", "password")
	m := stun.MustBuild(
		stun.AllocateRequest, stun.TransactionID,
		stun.NewUsername("toto"), stun.NewRealm("domain.org"), nonce,
		key,
	)
	_, fail := a.Authenticate(m, now.Add(time.Hour))
	if fail == nil || fail.Code != stun.CodeStaleNonce {
		t.Fatalf("expected 438, got %+v", fail)
	}
}

func TestAuthenticator_UnknownAccount(t *testing.T) {
	a := newTestAuthenticator()
	now := time.Now()
	nonce := a.Noncer.Issue(now)
	key := stun.NewLongTermIntegrity("nobody", "domain.org", "password")
	m := stun.MustBuild(
		stun.AllocateRequest, stun.TransactionID,
		stun.NewUsername("nobody"), stun.NewRealm("domain.org"), nonce,
		key,
	)
	_, fail := a.Authenticate(m, now)
	if fail == nil || fail.Code != stun.CodeUnauthorized {
		t.Fatalf("expected 401, got %+v", fail)
	}
}
