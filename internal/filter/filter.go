// Package filter implements peer/client address allow- and deny-lists,
// an ambient access-control layer the core dispatcher consults before
// honoring an Allocate or CreatePermission (not itself part of the
// invariant set in spec §3, but a natural extension point for it).
package filter

import (
	"net"

	"github.com/turnrelay/turnrelayd/internal/turn"
)

// Action is the verdict a Rule returns for an address.
type Action byte

// Possible verdicts. Pass defers to the next rule (or the List's
// default); Allow/Deny are terminal.
const (
	Pass Action = iota
	Allow
	Deny
)

var actionName = map[Action]string{Pass: "pass", Allow: "allow", Deny: "deny"}

func (a Action) String() string { return actionName[a] }

// Rule decides an Action for an address.
type Rule interface {
	Action(addr turn.Addr) Action
}

type subnetRule struct {
	action Action
	net    *net.IPNet
}

func (r subnetRule) Action(addr turn.Addr) Action {
	if r.net.Contains(addr.IP) {
		return r.action
	}
	return Pass
}

// StaticNetRule returns a Rule applying action to any address inside subnet.
func StaticNetRule(action Action, subnet string) (Rule, error) {
	_, parsed, err := net.ParseCIDR(subnet)
	if err != nil {
		return nil, err
	}
	return subnetRule{action: action, net: parsed}, nil
}

// AllowNet returns a Rule allowing subnet.
func AllowNet(subnet string) (Rule, error) { return StaticNetRule(Allow, subnet) }

// ForbidNet returns a Rule denying subnet.
func ForbidNet(subnet string) (Rule, error) { return StaticNetRule(Deny, subnet) }

type allowAll struct{}

func (allowAll) Action(turn.Addr) Action { return Allow }

// AllowAll is a Rule that always allows.
var AllowAll Rule = allowAll{}

// List evaluates rules in order and falls back to a default action.
type List struct {
	action Action
	rules  []Rule
}

// NewFilter returns a List with the given default action and rules.
func NewFilter(action Action, rules ...Rule) *List {
	return &List{action: action, rules: rules}
}

// Action implements Rule: the first non-Pass verdict from rules wins;
// otherwise the List's default applies.
func (f *List) Action(addr turn.Addr) Action {
	for _, r := range f.rules {
		if a := r.Action(addr); a != Pass {
			return a
		}
	}
	return f.action
}
