package server

import (
	"sync"
	"time"

	"github.com/turnrelay/turnrelayd/internal/filter"
	"github.com/turnrelay/turnrelayd/internal/stun"
	"github.com/turnrelay/turnrelayd/internal/turn"
)

var contextPool = sync.Pool{
	New: func() interface{} { return new(context) },
}

func acquireContext() *context {
	return contextPool.Get().(*context)
}

func putContext(ctx *context) {
	ctx.reset()
	contextPool.Put(ctx)
}

// context carries everything needed to process one datagram or stream
// message: the raw bytes, the parsed STUN message (or ChannelData), the
// addresses involved, and the response under construction.
type context struct {
	buf   []byte
	proto turn.Protocol

	time time.Time

	client turn.Addr
	server turn.Addr
	tuple  turn.FiveTuple

	cfg *config

	request  stun.Message
	response stun.Message
	cdata    turn.ChannelData

	nonce stun.Nonce
	realm stun.Realm

	integrity stun.MessageIntegrity
	username  string
}

func (ctx *context) reset() {
	ctx.buf = ctx.buf[:0]
	ctx.request.Reset()
	ctx.response.Reset()
	ctx.cdata = turn.ChannelData{}
	ctx.nonce = nil
	ctx.realm = nil
	ctx.integrity = nil
	ctx.username = ""
}

func (ctx *context) setTuple() {
	ctx.tuple = turn.FiveTuple{Client: ctx.client, Server: ctx.server, Proto: ctx.proto}
}

func (ctx *context) allowPeer(addr turn.Addr) bool {
	return ctx.cfg.PeerFilter().Action(addr) != filter.Deny
}

func (ctx *context) allowClient(addr turn.Addr) bool {
	return ctx.cfg.ClientFilter().Action(addr) != filter.Deny
}

// buildErr resets the response to an error reply of the given code for
// the request's method, applying the outgoing integrity/realm/nonce
// setters the authenticated flow produced.
func (ctx *context) buildErr(code stun.ErrorCode, extra ...stun.Setter) error {
	setters := append([]stun.Setter{
		stun.NewType(ctx.request.Type.Method, stun.ClassErrorResponse),
		transactionIDEcho{ctx},
		stun.NewErrorCode(code),
	}, extra...)
	return ctx.build(setters...)
}

// buildOk resets the response to a success reply for the request's
// method.
func (ctx *context) buildOk(extra ...stun.Setter) error {
	setters := append([]stun.Setter{
		stun.NewType(ctx.request.Type.Method, stun.ClassSuccessResponse),
		transactionIDEcho{ctx},
	}, extra...)
	return ctx.build(setters...)
}

func (ctx *context) build(setters ...stun.Setter) error {
	all := make([]stun.Setter, 0, len(setters)+4)
	all = append(all, setters...)
	if len(ctx.realm) > 0 {
		all = append(all, ctx.realm)
	}
	if len(ctx.nonce) > 0 {
		all = append(all, ctx.nonce)
	}
	if sw := ctx.cfg.Software(); len(sw) > 0 {
		all = append(all, sw)
	}
	if len(ctx.integrity) > 0 {
		all = append(all, ctx.integrity)
	}
	all = append(all, stun.Fingerprint)
	return ctx.response.Build(all...)
}

// transactionIDEcho copies the request's transaction id onto the
// response being built; used as the first setter of every reply so
// that Message.Build's header write (triggered by WriteHeader in
// build) carries the right id.
type transactionIDEcho struct{ ctx *context }

func (t transactionIDEcho) AddTo(m *stun.Message) error {
	m.TransactionID = t.ctx.request.TransactionID
	return nil
}
