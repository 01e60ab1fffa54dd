package server

import (
	"sync"
	"time"

	"github.com/turnrelay/turnrelayd/internal/auth"
	"github.com/turnrelay/turnrelayd/internal/filter"
	"github.com/turnrelay/turnrelayd/internal/stun"
)

// config is the server's live-reloadable state, swapped atomically by
// Server.SetOptions so in-flight requests never observe a half-applied
// update.
type config struct {
	lock sync.RWMutex

	software stun.Software
	realm    string

	authenticator *auth.Authenticator
	authForSTUN   bool

	peerFilter   filter.Rule
	clientFilter filter.Rule

	defaultLifetime time.Duration
	maxLifetime     time.Duration

	// maxClients bounds total concurrent allocations server-wide; 0 means
	// unlimited. maxRelayPerClient bounds allocations per username.
	maxClients        int
	maxRelayPerClient int

	workers int
}

func newConfig(o Options) *config {
	c := &config{
		software:          stun.NewSoftware(o.Software),
		realm:             o.Realm,
		authenticator:     o.Auth,
		authForSTUN:       o.AuthForSTUN,
		peerFilter:        o.PeerRule,
		clientFilter:      o.ClientRule,
		defaultLifetime:   o.DefaultLifetime,
		maxLifetime:       o.MaxLifetime,
		maxClients:        o.MaxClients,
		maxRelayPerClient: o.MaxRelayPerClient,
		workers:           o.Workers,
	}
	if c.peerFilter == nil {
		c.peerFilter = filter.AllowAll
	}
	if c.clientFilter == nil {
		c.clientFilter = filter.AllowAll
	}
	if c.defaultLifetime == 0 {
		c.defaultLifetime = time.Minute
	}
	if c.maxLifetime == 0 {
		c.maxLifetime = time.Hour
	}
	return c
}

func (c *config) set(o Options) {
	c.lock.Lock()
	defer c.lock.Unlock()
	c.software = stun.NewSoftware(o.Software)
	c.realm = o.Realm
	c.authenticator = o.Auth
	c.authForSTUN = o.AuthForSTUN
	if o.PeerRule != nil {
		c.peerFilter = o.PeerRule
	}
	if o.ClientRule != nil {
		c.clientFilter = o.ClientRule
	}
	if o.DefaultLifetime != 0 {
		c.defaultLifetime = o.DefaultLifetime
	}
	if o.MaxLifetime != 0 {
		c.maxLifetime = o.MaxLifetime
	}
	c.maxClients = o.MaxClients
	c.maxRelayPerClient = o.MaxRelayPerClient
}

func (c *config) Software() stun.Software {
	c.lock.RLock()
	defer c.lock.RUnlock()
	return c.software
}

func (c *config) Realm() string {
	c.lock.RLock()
	defer c.lock.RUnlock()
	return c.realm
}

func (c *config) Authenticator() *auth.Authenticator {
	c.lock.RLock()
	defer c.lock.RUnlock()
	return c.authenticator
}

func (c *config) AuthForSTUN() bool {
	c.lock.RLock()
	defer c.lock.RUnlock()
	return c.authForSTUN
}

func (c *config) PeerFilter() filter.Rule {
	c.lock.RLock()
	defer c.lock.RUnlock()
	return c.peerFilter
}

func (c *config) ClientFilter() filter.Rule {
	c.lock.RLock()
	defer c.lock.RUnlock()
	return c.clientFilter
}

func (c *config) DefaultLifetime() time.Duration {
	c.lock.RLock()
	defer c.lock.RUnlock()
	return c.defaultLifetime
}

func (c *config) MaxLifetime() time.Duration {
	c.lock.RLock()
	defer c.lock.RUnlock()
	return c.maxLifetime
}

func (c *config) MaxClients() int {
	c.lock.RLock()
	defer c.lock.RUnlock()
	return c.maxClients
}

func (c *config) MaxRelayPerClient() int {
	c.lock.RLock()
	defer c.lock.RUnlock()
	return c.maxRelayPerClient
}

// clampLifetime applies the default/max lifetime rules of RFC 5766
// §6.2: a zero request lifetime means "use the default", and any
// requested value is capped at the configured maximum.
func clampLifetime(requested, def, max time.Duration) time.Duration {
	if requested == 0 {
		return def
	}
	if requested > max {
		return max
	}
	return requested
}
