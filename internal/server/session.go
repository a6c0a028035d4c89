package server

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Chatty-Inc/chatty2-backend/internal/mailbox"
	"github.com/Chatty-Inc/chatty2-backend/internal/protocol"
	"github.com/Chatty-Inc/chatty2-backend/internal/registry"
	"github.com/coder/websocket"
	"go.uber.org/zap"
)

type sessionState int32

const (
	stateConnecting sessionState = iota
	stateIdentifying
	stateActive
	stateEvicting
	stateClosed
)

func (s sessionState) String() string {
	switch s {
	case stateConnecting:
		return "connecting"
	case stateIdentifying:
		return "identifying"
	case stateActive:
		return "active"
	case stateEvicting:
		return "evicting"
	case stateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

var errSessionClosed = errors.New("session closed")

type frameHandler func(s *session, data []byte) error

// stateHandlers dispatches inbound frames by session state. Connecting and
// Closed accept no frames. A session replaced by a newer login keeps reading
// until its close completes but no longer acts for its uid.
var stateHandlers = map[sessionState]frameHandler{
	stateIdentifying: (*session).handleIdentify,
	stateActive:      (*session).handleRequest,
	stateEvicting:    (*session).discardFrame,
}

type actHandler func(s *session, req protocol.Request) error

// actHandlers dispatches active-state requests. Unknown acts are ignored.
var actHandlers = map[string]actHandler{
	protocol.ActPing:       (*session).handlePing,
	protocol.ActSendTxt:    (*session).handleSendTxt,
	protocol.ActUpdatePub:  (*session).handleUpdatePub,
	protocol.ActUpdateSign: (*session).handleUpdateSign,
	protocol.ActGetPub:     (*session).handleGetPub,
	protocol.ActGetSignPub: (*session).handleGetSignPub,
}

// outbound is one queued text frame; done, when set, receives the write result.
type outbound struct {
	data []byte
	done chan error
}

// sessionError maps protocol and identity failures to strikes or closes.
type sessionError struct {
	code  string
	msg   string
	fatal bool
}

func (e *sessionError) Error() string {
	return e.msg
}

// session tracks one client connection.
type session struct {
	id    string
	peer  string
	relay *Relay
	conn  *websocket.Conn
	log   *zap.Logger

	ctx        context.Context
	cancel     context.CancelFunc
	sendCh     chan outbound
	senderDone chan struct{}

	state     atomic.Int32
	uid       string
	activated bool

	livesMu sync.Mutex
	lives   int

	closeOnce sync.Once
}

func newSession(r *Relay, conn *websocket.Conn, peer string) *session {
	ctx, cancel := context.WithCancel(r.baseCtx)
	id := newSessionID()
	s := &session{
		id:         id,
		peer:       peer,
		relay:      r,
		conn:       conn,
		log:        r.log.With(zap.String("session_id", id), zap.String("peer", peer)),
		ctx:        ctx,
		cancel:     cancel,
		sendCh:     make(chan outbound, r.opts.SendBuffer),
		senderDone: make(chan struct{}),
		lives:      r.opts.InitialLives,
	}
	s.state.Store(int32(stateConnecting))
	return s
}

// ID implements registry.Conn.
func (s *session) ID() string {
	return s.id
}

// Deliver implements registry.Conn. It never blocks: a saturated session is
// cancelled and the frame refused.
func (s *session) Deliver(frame []byte) error {
	if s.getState() != stateActive {
		return errSessionClosed
	}
	return s.push(frame)
}

func (s *session) getState() sessionState {
	return sessionState(s.state.Load())
}

func (s *session) setState(st sessionState) {
	prev := sessionState(s.state.Swap(int32(st)))
	if prev != st {
		s.log.Debug("session state changed", zap.Stringer("from", prev), zap.Stringer("to", st))
	}
}

func (s *session) run() {
	defer s.cleanup()
	go s.sender()

	s.setState(stateIdentifying)
	deadline := s.relay.now().Add(s.relay.opts.IdentifyTimeout)
	if err := s.push([]byte(protocol.Greeting)); err != nil {
		return
	}
	go s.replenish()

	for {
		state := s.getState()
		if _, ok := stateHandlers[state]; !ok {
			return
		}

		readCtx, cancelRead := s.ctx, context.CancelFunc(func() {})
		if state == stateIdentifying {
			readCtx, cancelRead = context.WithDeadline(s.ctx, deadline)
		}
		_, data, err := s.conn.Read(readCtx)
		timedOut := errors.Is(readCtx.Err(), context.DeadlineExceeded)
		cancelRead()
		if err != nil {
			if timedOut && s.ctx.Err() == nil {
				s.relay.metrics.recordRejection("identify_timeout")
				s.log.Info("identification timed out")
				s.closeWith(websocket.StatusPolicyViolation, "identification timeout")
				return
			}
			if s.ctx.Err() == nil && websocket.CloseStatus(err) == -1 {
				s.log.Debug("read failed", zap.Error(err))
			}
			return
		}

		if err := s.handleFrame(data); err != nil {
			var serr *sessionError
			if !errors.As(err, &serr) {
				if !errors.Is(err, errSessionClosed) && s.ctx.Err() == nil {
					s.log.Warn("session failed", zap.Error(err))
					s.closeWith(websocket.StatusInternalError, "internal error")
				}
				return
			}
			if serr.fatal {
				if state == stateIdentifying {
					s.relay.metrics.recordRejection(serr.code)
				} else {
					s.relay.metrics.recordError(serr.code)
				}
				s.log.Info("closing session", zap.String("code", serr.code), zap.String("reason", serr.msg))
				s.closeWith(websocket.StatusPolicyViolation, serr.msg)
				return
			}
			s.relay.metrics.recordError(serr.code)
		}
	}
}

// handleFrame dispatches on the state at the time the frame arrived, so a
// frame read while the session was being replaced is discarded.
func (s *session) handleFrame(data []byte) error {
	handler, ok := stateHandlers[s.getState()]
	if !ok {
		return errSessionClosed
	}
	return handler(s, data)
}

func (s *session) discardFrame([]byte) error {
	s.log.Debug("dropping frame from replaced session")
	return nil
}

func (s *session) handleIdentify(data []byte) error {
	id, err := protocol.ParseIdentify(data)
	if err != nil {
		return &sessionError{code: "bad_identify", msg: err.Error(), fatal: true}
	}
	if s.relay.gate.IsBannedUID(id.UID) {
		return &sessionError{code: "banned_uid", msg: "uid is banned", fatal: true}
	}

	s.log = s.log.With(zap.String("uid", id.UID))

	// Registration is the single exclusive step; everything after it may block.
	prev, replaced, err := s.relay.presence.Add(id.UID, s)
	if err != nil {
		return &sessionError{code: "bad_identify", msg: err.Error(), fatal: true}
	}
	s.uid = id.UID
	s.activated = true
	// A newer login may already have suspended this session.
	active := s.state.CompareAndSwap(int32(stateIdentifying), int32(stateActive))
	s.relay.metrics.incSession()

	if replaced {
		s.relay.metrics.recordEviction()
		s.log.Info("replacing previous session", zap.String("previous_session_id", prev.SessionID))
		suspend(prev.Conn)
		// The old peer may be unresponsive; its close handshake must not hold up this login.
		s.relay.wg.Add(1)
		go func() {
			defer s.relay.wg.Done()
			evict(prev.Conn)
		}()
	}
	if !active {
		return nil
	}

	res, err := s.relay.mailbox.Drain(s.ctx, id.UID, func(m mailbox.Message) error {
		if s.getState() != stateActive {
			return errSessionClosed
		}
		frame, err := protocol.Encode(m.Frame())
		if err != nil {
			return err
		}
		return s.pushSync(frame)
	})
	s.relay.metrics.recordDrained(res.Delivered)
	if err != nil {
		if s.ctx.Err() != nil {
			return errSessionClosed
		}
		if s.getState() != stateActive {
			return nil
		}
		s.log.Error("offline mailbox drain incomplete", zap.Int("delivered", res.Delivered), zap.Error(err))
	} else if res.Delivered > 0 || res.Skipped > 0 {
		s.log.Info("offline mailbox drained",
			zap.Int("delivered", res.Delivered), zap.Int("skipped", res.Skipped), zap.Int("undeleted", res.Undeleted))
	}

	if s.getState() != stateActive {
		return nil
	}
	if err := s.push([]byte(protocol.Connected)); err != nil {
		return err
	}
	s.log.Info("client identified")
	return nil
}

func (s *session) handleRequest(data []byte) error {
	req, err := protocol.ParseRequest(data)
	if err != nil {
		return s.strike(err)
	}
	handler, ok := actHandlers[req.Act]
	if !ok {
		s.log.Debug("ignoring unknown act", zap.String("act", req.Act))
		return nil
	}

	start := time.Now()
	err = handler(s, req)
	s.relay.metrics.observeLatency(req.Act, time.Since(start))
	return err
}

// strike costs one life and reports the remainder; at zero the session closes
// once the report has been written.
func (s *session) strike(cause error) error {
	s.livesMu.Lock()
	s.lives--
	lives := s.lives
	s.livesMu.Unlock()

	frame, err := protocol.Encode(protocol.Invalid(lives))
	if err != nil {
		return err
	}
	if lives <= 0 {
		_ = s.pushSync(frame)
		return &sessionError{code: "lives_exhausted", msg: "too many invalid frames", fatal: true}
	}
	if err := s.push(frame); err != nil {
		return err
	}
	return &sessionError{code: protocol.ErrCodeInvalid, msg: cause.Error()}
}

func (s *session) replenish() {
	ticker := time.NewTicker(s.relay.opts.LifeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.livesMu.Lock()
			if limit := s.relay.opts.MaxLives; limit <= 0 || s.lives < limit {
				s.lives++
			}
			s.livesMu.Unlock()
		}
	}
}

func (s *session) handlePing(protocol.Request) error {
	return s.reply(protocol.Pong{Resp: protocol.RespPong, ServTime: s.relay.now().UnixMilli()})
}

func (s *session) handleSendTxt(req protocol.Request) error {
	recipient, ok := req.FirstString("id", "target")
	if !ok {
		return s.strike(errors.New("sendTxt requires a recipient id"))
	}
	outcome, err := s.relay.router.Route(s.ctx, s.uid, recipient, req.Payload())
	if err != nil {
		// The mailbox already retried and reported; the sender gets no receipt either way.
		s.log.Error("route message", zap.String("recipient", recipient), zap.Error(err))
		return nil
	}
	s.relay.metrics.recordRouted(string(outcome))
	return nil
}

func (s *session) handleUpdatePub(req protocol.Request) error {
	s.relay.keys.SetPub(s.uid, req.Raw("key"))
	return nil
}

func (s *session) handleUpdateSign(req protocol.Request) error {
	s.relay.keys.SetSignPub(s.uid, req.Raw("key"))
	if s.relay.opts.UpdateSignReply {
		return s.handleGetPub(req)
	}
	return nil
}

func (s *session) handleGetPub(req protocol.Request) error {
	uid, field := requestedUID(req, "uid", "target")
	pub, _ := s.relay.keys.Pub(uid)
	return s.reply(protocol.KeyReply{Resp: protocol.RespPubKey, UID: field, Pub: pub})
}

func (s *session) handleGetSignPub(req protocol.Request) error {
	uid, field := requestedUID(req, "target", "uid")
	pub, _ := s.relay.keys.SignPub(uid)
	return s.reply(protocol.KeyReply{Resp: protocol.RespSignKey, UID: field, Pub: pub})
}

// requestedUID returns the first string-valued field among names and its raw
// value for echoing back. Without one, the primary field is echoed as sent.
func requestedUID(req protocol.Request, names ...string) (string, json.RawMessage) {
	for _, name := range names {
		if uid, ok := req.String(name); ok && uid != "" {
			return uid, req.Raw(name)
		}
	}
	return "", req.Raw(names[0])
}

func (s *session) reply(v any) error {
	frame, err := protocol.Encode(v)
	if err != nil {
		return err
	}
	return s.push(frame)
}

func (s *session) sender() {
	defer close(s.senderDone)
	log := s.log
	for {
		select {
		case <-s.ctx.Done():
			return
		case item := <-s.sendCh:
			ctx, cancel := context.WithTimeout(s.ctx, s.relay.opts.WriteTimeout)
			err := s.conn.Write(ctx, websocket.MessageText, item.data)
			cancel()
			if item.done != nil {
				item.done <- err
			}
			if err != nil {
				if s.ctx.Err() == nil {
					log.Warn("websocket write failed", zap.Error(err))
				}
				s.cancel()
				return
			}
		}
	}
}

// push queues a frame without blocking; a full buffer cancels the session.
func (s *session) push(frame []byte) error {
	select {
	case <-s.ctx.Done():
		return errSessionClosed
	case s.sendCh <- outbound{data: frame}:
		return nil
	default:
		s.cancel()
		return &sessionError{code: "backpressure", msg: "session send buffer full", fatal: true}
	}
}

// pushSync queues a frame and waits until it has been written.
func (s *session) pushSync(frame []byte) error {
	item := outbound{data: frame, done: make(chan error, 1)}
	select {
	case <-s.ctx.Done():
		return errSessionClosed
	case s.sendCh <- item:
	}
	select {
	case <-s.ctx.Done():
		return errSessionClosed
	case err := <-item.done:
		return err
	}
}

func (s *session) closeWith(code websocket.StatusCode, reason string) {
	s.closeOnce.Do(func() {
		s.setState(stateClosed)
		_ = s.conn.Close(code, reason)
		s.cancel()
	})
}

// suspend stops a replaced session from acting for its uid; frames it reads
// from then on are dropped and it receives no deliveries.
func suspend(conn registry.Conn) {
	old, ok := conn.(*session)
	if !ok {
		return
	}
	for {
		cur := sessionState(old.state.Load())
		if cur == stateEvicting || cur == stateClosed {
			return
		}
		if old.state.CompareAndSwap(int32(cur), int32(stateEvicting)) {
			return
		}
	}
}

// evictFrom notifies a replaced session and closes it.
func (s *session) evictFrom() {
	frame, err := protocol.Encode(protocol.ErrorFrame{Err: protocol.ErrCodeAnotherOnline})
	if err == nil {
		_ = s.pushSync(frame)
	}
	s.closeWith(websocket.StatusPolicyViolation, protocol.ErrCodeAnotherOnline)
}

func evict(conn registry.Conn) {
	if old, ok := conn.(*session); ok {
		old.evictFrom()
		return
	}
	if frame, err := protocol.Encode(protocol.ErrorFrame{Err: protocol.ErrCodeAnotherOnline}); err == nil {
		_ = conn.Deliver(frame)
	}
}

func (s *session) cleanup() {
	s.closeWith(websocket.StatusNormalClosure, "")
	<-s.senderDone

	if s.activated {
		s.relay.presence.Remove(s.uid, s.id)
		s.relay.metrics.decSession()
	}
	s.log.Info("client disconnected")
}
