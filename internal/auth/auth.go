package auth

import (
	"time"

	"github.com/turnrelay/turnrelayd/internal/stun"
)

// Result is the outcome of validating an authenticated request (spec
// §4.4's six-step order).
type Result struct {
	Account   Account
	Integrity stun.MessageIntegrity
}

// Failure describes why authentication failed: either an ErrorCode to
// send back (possibly with a fresh realm/nonce), or Silent meaning the
// request must be dropped with no response (a bad FINGERPRINT).
type Failure struct {
	Code   stun.ErrorCode
	Nonce  stun.Nonce
	Silent bool
}

func (f Failure) Error() string {
	if f.Silent {
		return "auth: dropped (fingerprint mismatch)"
	}
	return stun.NewErrorCode(f.Code).Error()
}

// Authenticator runs the validation order of spec §4.4 for
// authenticated methods (Allocate, Refresh, CreatePermission,
// ChannelBind).
type Authenticator struct {
	Accounts *Static
	Noncer   *Noncer
	Realm    string
}

// Authenticate validates m against the long-term credential mechanism.
// On success it returns the matched Account and the integrity key used,
// so the caller can sign its own response with the same key. On
// failure it returns a Failure describing the wire response (or lack
// of one) the dispatcher should produce.
func (a *Authenticator) Authenticate(m *stun.Message, now time.Time) (Result, *Failure) {
	if !m.Contains(stun.AttrMessageIntegrity) {
		return Result{}, &Failure{Code: stun.CodeUnauthorized, Nonce: a.Noncer.Issue(now)}
	}

	var username stun.Username
	var realm stun.Realm
	var nonceAttr stun.Nonce
	if err := username.GetFrom(m); err != nil {
		return Result{}, &Failure{Code: stun.CodeBadRequest}
	}
	if err := realm.GetFrom(m); err != nil {
		return Result{}, &Failure{Code: stun.CodeBadRequest}
	}
	if err := nonceAttr.GetFrom(m); err != nil {
		return Result{}, &Failure{Code: stun.CodeBadRequest}
	}

	if err := a.Noncer.Validate(nonceAttr, now); err != nil {
		return Result{}, &Failure{Code: stun.CodeStaleNonce, Nonce: a.Noncer.Issue(now)}
	}

	account, ok := a.Accounts.Lookup(username.String(), realm.String())
	if !ok || account.State == Refused {
		return Result{}, &Failure{Code: stun.CodeUnauthorized, Nonce: a.Noncer.Issue(now)}
	}

	key := stun.NewLongTermIntegrity(account.Username, account.Realm, account.Password)
	if err := key.Check(m); err != nil {
		return Result{}, &Failure{Code: stun.CodeUnauthorized, Nonce: a.Noncer.Issue(now)}
	}

	if m.Contains(stun.AttrFingerprint) {
		if err := stun.Fingerprint.Check(m); err != nil {
			return Result{}, &Failure{Silent: true}
		}
	}

	return Result{Account: account, Integrity: key}, nil
}
