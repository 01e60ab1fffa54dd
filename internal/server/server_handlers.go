package server

import (
	"time"

	"go.uber.org/zap"

	"github.com/turnrelay/turnrelayd/internal/allocator"
	"github.com/turnrelay/turnrelayd/internal/stun"
	"github.com/turnrelay/turnrelayd/internal/turn"
)

type handleFunc func(ctx *context) error

func (s *Server) setHandlers() {
	s.handlers = map[stun.MessageType]handleFunc{
		stun.BindingRequest:          s.processBindingRequest,
		turn.AllocateRequest:         s.processAllocateRequest,
		turn.RefreshRequest:          s.processRefreshRequest,
		turn.CreatePermissionRequest: s.processCreatePermissionRequest,
		turn.ChannelBindRequest:      s.processChannelBinding,
		turn.SendIndication:          s.processSendIndication,
	}
}

// HandlePeerData implements allocator.PeerHandler: a datagram arrived
// on a relayed socket and must be forwarded to the client, either as a
// bare ChannelData frame (if a channel is bound to this peer) or
// wrapped in a Data indication. Datagrams from a peer IP with no
// permission in the allocation are dropped.
func (s *Server) HandlePeerData(d []byte, tuple turn.FiveTuple, peer turn.Addr) {
	if !s.allocs.HasPermission(tuple, peer) {
		return
	}
	w, ok := s.connFor(tuple)
	if !ok {
		return
	}
	n := s.allocs.Bound(tuple, peer)
	var out []byte
	if n != 0 {
		cd := turn.ChannelData{Data: d, Number: n, Pad: tuple.Proto != turn.ProtoUDP}
		out = cd.Encode(make([]byte, 0, len(d)+4))
	} else {
		m := stun.New()
		if err := m.Build(
			turn.DataIndication, stun.TransactionID,
			turn.XORPeerAddress{IP: peer.IP, Port: peer.Port},
			turn.Data(d),
			stun.Fingerprint,
		); err != nil {
			s.log.Warn("failed to build data indication", zap.Error(err))
			return
		}
		out = m.Raw
	}
	if _, err := w(out); err != nil {
		s.log.Warn("failed to relay peer data to client", zap.Error(err))
	}
}

func (s *Server) processBindingRequest(ctx *context) error {
	return ctx.buildOk(stun.XORMappedAddress{IP: ctx.client.IP, Port: ctx.client.Port})
}

func (s *Server) processAllocateRequest(ctx *context) error {
	var transport turn.RequestedTransport
	if err := transport.GetFrom(&ctx.request); err != nil {
		return ctx.buildErr(stun.CodeBadRequest)
	}
	if transport.Protocol != turn.ProtoUDP {
		return ctx.buildErr(stun.CodeUnsupportedTransport)
	}
	if turn.DontFragment.IsSet(&ctx.request) {
		return ctx.buildErr(stun.CodeUnknownAttribute, stun.UnknownAttributes{stun.AttrDontFragment})
	}

	var family turn.RequestedAddressFamily
	if err := family.GetFrom(&ctx.request); err == nil && family != turn.FamilyIPv4 {
		return ctx.buildErr(stun.CodeAddrFamilyNotSupported)
	}

	cfg := ctx.cfg
	if cfg.MaxClients() > 0 && s.allocs.Stats().Allocations >= cfg.MaxClients() {
		return ctx.buildErr(stun.CodeAllocationQuotaReached)
	}
	if max := cfg.MaxRelayPerClient(); max > 0 && s.allocs.CountForUser(ctx.username) >= max {
		return ctx.buildErr(stun.CodeAllocationQuotaReached)
	}

	var lifetimeAttr turn.Lifetime
	_ = lifetimeAttr.GetFrom(&ctx.request)
	lifetime := clampLifetime(time.Duration(lifetimeAttr)*time.Second, cfg.DefaultLifetime(), cfg.MaxLifetime())
	timeout := ctx.time.Add(lifetime)

	var evenPort turn.EvenPort
	hasEvenPort := evenPort.GetFrom(&ctx.request) == nil
	var resToken turn.ReservationToken
	hasToken := resToken.GetFrom(&ctx.request) == nil
	if hasEvenPort && hasToken {
		return ctx.buildErr(stun.CodeBadRequest)
	}

	opts := allocator.AllocOptions{EvenPort: hasEvenPort && !evenPort.ReservePort, ReservePort: hasEvenPort && evenPort.ReservePort}
	if hasToken {
		claimed, err := s.tokens.Claim(resToken, ctx.time)
		if err != nil {
			return ctx.buildErr(stun.CodeInsufficientCapacity)
		}
		addr := claimed.Addr
		opts = allocator.AllocOptions{ClaimedAddr: &addr, ClaimedConn: claimed.Conn}
	}

	relayed, reservation, err := s.allocs.New(ctx.tuple, ctx.request.TransactionID, ctx.username, timeout, s, opts)
	if err != nil {
		if err == allocator.ErrAllocationMismatch {
			if existing, ok := s.allocs.Find(ctx.tuple); ok && existing.TransactionID == ctx.request.TransactionID {
				return ctx.buildOk(
					stun.XORMappedAddress{IP: ctx.client.IP, Port: ctx.client.Port},
					turn.XORRelayedAddress{IP: existing.RelayedAddr.IP, Port: existing.RelayedAddr.Port},
					turn.Lifetime(lifetime/time.Second),
				)
			}
			return ctx.buildErr(stun.CodeAllocMismatch)
		}
		s.log.Error("allocation failed", zap.Error(err))
		return ctx.buildErr(stun.CodeInsufficientCapacity)
	}

	setters := []stun.Setter{
		turn.XORRelayedAddress{IP: relayed.IP, Port: relayed.Port},
		stun.XORMappedAddress{IP: ctx.client.IP, Port: ctx.client.Port},
		turn.Lifetime(lifetime / time.Second),
	}
	if reservation != nil {
		token, err := s.tokens.Reserve(reservation.Addr, reservation.Conn, reservation.Proto, ctx.time)
		if err != nil {
			s.log.Warn("failed to park reservation token", zap.Error(err))
		} else {
			setters = append(setters, token)
		}
	}
	return ctx.buildOk(setters...)
}

func (s *Server) processRefreshRequest(ctx *context) error {
	existing, ok := s.allocs.Find(ctx.tuple)
	if !ok {
		return ctx.buildErr(stun.CodeAllocMismatch)
	}
	if existing.Username != ctx.username {
		return ctx.buildErr(stun.CodeAllocMismatch)
	}

	var lifetimeAttr turn.Lifetime
	_ = lifetimeAttr.GetFrom(&ctx.request)
	if lifetimeAttr == 0 {
		if err := s.allocs.Remove(ctx.tuple); err != nil {
			return ctx.buildErr(stun.CodeAllocMismatch)
		}
		if ctx.proto != turn.ProtoUDP {
			s.unregisterConn(ctx.tuple)
		}
		return ctx.buildOk(turn.Lifetime(0))
	}
	lifetime := clampLifetime(time.Duration(lifetimeAttr)*time.Second, ctx.cfg.DefaultLifetime(), ctx.cfg.MaxLifetime())
	if err := s.allocs.Refresh(ctx.tuple, ctx.time.Add(lifetime)); err != nil {
		return ctx.buildErr(stun.CodeAllocMismatch)
	}
	return ctx.buildOk(turn.Lifetime(lifetime / time.Second))
}

// processCreatePermissionRequest installs a permission for every
// XOR-PEER-ADDRESS carried in the request (RFC 5766 §14.3 allows 1..N).
// All addresses are validated before any is installed, so a single
// forbidden or malformed peer address rejects the whole request instead
// of silently installing only a prefix of the list.
func (s *Server) processCreatePermissionRequest(ctx *context) error {
	peers, err := turn.GetAllXORPeerAddresses(&ctx.request)
	if err != nil || len(peers) == 0 {
		return ctx.buildErr(stun.CodeBadRequest)
	}
	if _, ok := s.allocs.Find(ctx.tuple); !ok {
		return ctx.buildErr(stun.CodeAllocMismatch)
	}
	addrs := make([]turn.Addr, len(peers))
	for i, p := range peers {
		addr := turn.Addr{IP: p.IP, Port: p.Port}
		if !ctx.allowPeer(addr) {
			return ctx.buildErr(stun.CodeForbidden)
		}
		addrs[i] = addr
	}

	timeout := ctx.time.Add(ctx.cfg.MaxLifetime())
	for _, addr := range addrs {
		if err := s.allocs.CreatePermission(ctx.tuple, addr, timeout); err != nil {
			return ctx.buildErr(stun.CodeAllocMismatch)
		}
	}
	return ctx.buildOk()
}

func (s *Server) processChannelBinding(ctx *context) error {
	var peerAddr turn.XORPeerAddress
	if err := peerAddr.GetFrom(&ctx.request); err != nil {
		return ctx.buildErr(stun.CodeBadRequest)
	}
	var channel turn.ChannelNumberAttr
	if err := channel.GetFrom(&ctx.request); err != nil {
		return ctx.buildErr(stun.CodeBadRequest)
	}
	n := turn.ChannelNumber(channel)
	if !n.Valid() {
		return ctx.buildErr(stun.CodeBadRequest)
	}
	peer := turn.Addr{IP: peerAddr.IP, Port: peerAddr.Port}
	if !ctx.allowPeer(peer) {
		return ctx.buildErr(stun.CodeForbidden)
	}
	timeout := ctx.time.Add(ctx.cfg.MaxLifetime())
	if err := s.allocs.ChannelBind(ctx.tuple, n, peer, timeout); err != nil {
		return ctx.buildErr(stun.CodeBadRequest)
	}
	return ctx.buildOk()
}

func (s *Server) processSendIndication(ctx *context) error {
	if turn.DontFragment.IsSet(&ctx.request) {
		return nil
	}
	var peerAddr turn.XORPeerAddress
	if err := peerAddr.GetFrom(&ctx.request); err != nil {
		return nil
	}
	var data turn.Data
	if err := data.GetFrom(&ctx.request); err != nil {
		return nil
	}
	peer := turn.Addr{IP: peerAddr.IP, Port: peerAddr.Port}
	if !ctx.allowPeer(peer) {
		return nil
	}
	if err := s.sendByPermission(ctx, peer, data); err != nil {
		s.log.Debug("dropped send indication", zap.Error(err))
	}
	return nil
}

func (s *Server) processChannelData(ctx *context) error {
	if err := ctx.cdata.Decode(ctx.buf); err != nil {
		return nil
	}
	if err := s.sendByBinding(ctx, ctx.cdata.Number, ctx.cdata.Data); err != nil {
		s.log.Debug("dropped channel data", zap.Error(err))
	}
	return nil
}

// needAuth reports whether ctx.request's method requires the long-term
// credential mechanism before being dispatched.
func (s *Server) needAuth(ctx *context) bool {
	if ctx.cfg.Authenticator() == nil {
		return false
	}
	if ctx.request.Type.Class == stun.ClassIndication {
		return false
	}
	if ctx.request.Type.Method == stun.MethodBinding {
		return ctx.cfg.AuthForSTUN()
	}
	return true
}

func (s *Server) processMessage(ctx *context) error {
	if err := ctx.request.Decode(); err != nil {
		return nil
	}

	if s.needAuth(ctx) {
		// FINGERPRINT is step 6 of the authenticated validation order
		// (spec §4.4): it is only evaluated after steps 1-5 have
		// passed, inside Authenticate. Checking it here unconditionally
		// would let a bad FINGERPRINT mask a missing MESSAGE-INTEGRITY
		// (which must get a 401/fresh-nonce response, not silence).
		auth := ctx.cfg.Authenticator()
		result, fail := auth.Authenticate(&ctx.request, ctx.time)
		if fail != nil {
			if fail.Silent {
				return nil
			}
			ctx.nonce = fail.Nonce
			ctx.realm = stun.NewRealm(ctx.cfg.Realm())
			return ctx.buildErr(fail.Code)
		}
		ctx.integrity = result.Integrity
		ctx.username = result.Account.Username
	} else if ctx.request.Contains(stun.AttrFingerprint) {
		if err := stun.Fingerprint.Check(&ctx.request); err != nil {
			return nil
		}
	}

	h, ok := s.handlers[ctx.request.Type]
	if !ok {
		return ctx.buildErr(stun.CodeBadRequest)
	}
	return h(ctx)
}

