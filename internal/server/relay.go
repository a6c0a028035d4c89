package server

import (
	"context"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/Chatty-Inc/chatty2-backend/internal/ban"
	"github.com/Chatty-Inc/chatty2-backend/internal/config"
	"github.com/Chatty-Inc/chatty2-backend/internal/keydir"
	"github.com/Chatty-Inc/chatty2-backend/internal/mailbox"
	"github.com/Chatty-Inc/chatty2-backend/internal/protocol"
	"github.com/Chatty-Inc/chatty2-backend/internal/registry"
	"github.com/Chatty-Inc/chatty2-backend/internal/router"
	"github.com/Chatty-Inc/chatty2-backend/internal/store/memstore"
	"github.com/coder/websocket"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Router hands a sendTxt payload to its recipient.
type Router interface {
	Route(ctx context.Context, sender, recipient string, p protocol.Payload) (router.Outcome, error)
}

// Drainer replays the offline mailbox of a freshly identified uid.
type Drainer interface {
	Drain(ctx context.Context, recipient string, deliver func(mailbox.Message) error) (mailbox.DrainResult, error)
}

// RelayOptions wires the relay's collaborators. Nil collaborators get
// process-local in-memory defaults.
type RelayOptions struct {
	Log               *zap.Logger
	Gate              *ban.Gate
	Presence          *registry.Presence
	Keys              *keydir.Directory
	Router            Router
	Mailbox           Drainer
	Metrics           *relayMetrics
	Session           config.SessionConfig
	TrustForwardedFor bool
}

// Relay accepts client WebSocket connections and runs one session per connection.
type Relay struct {
	log      *zap.Logger
	gate     *ban.Gate
	presence *registry.Presence
	keys     *keydir.Directory
	router   Router
	mailbox  Drainer
	metrics  *relayMetrics
	opts     config.SessionConfig
	trustXFF bool
	now      func() time.Time

	baseCtx context.Context
	stop    context.CancelFunc
	wg      sync.WaitGroup
}

// NewRelay builds the connection handler.
func NewRelay(opts RelayOptions) *Relay {
	r := &Relay{
		log:      opts.Log,
		gate:     opts.Gate,
		presence: opts.Presence,
		keys:     opts.Keys,
		router:   opts.Router,
		mailbox:  opts.Mailbox,
		metrics:  opts.Metrics,
		opts:     opts.Session,
		trustXFF: opts.TrustForwardedFor,
		now:      time.Now,
	}
	if r.log == nil {
		r.log = zap.NewNop()
	}
	if r.gate == nil {
		r.gate = ban.NewGate()
	}
	if r.presence == nil {
		r.presence = registry.NewPresence()
	}
	if r.keys == nil {
		r.keys = keydir.New()
	}
	if r.mailbox == nil || r.router == nil {
		mb := mailbox.New(memstore.New(ban.Snapshot{}), mailbox.Options{Log: r.log})
		if r.mailbox == nil {
			r.mailbox = mb
		}
		if r.router == nil {
			enq, ok := r.mailbox.(router.Enqueuer)
			if !ok {
				enq = mb
			}
			r.router = router.New(r.presence, enq, r.log)
		}
	}
	if r.opts.IdentifyTimeout <= 0 {
		r.opts.IdentifyTimeout = 500 * time.Millisecond
	}
	if r.opts.InitialLives <= 0 {
		r.opts.InitialLives = 10
	}
	if r.opts.LifeInterval <= 0 {
		r.opts.LifeInterval = 10 * time.Second
	}
	if r.opts.SendBuffer <= 0 {
		r.opts.SendBuffer = 32
	}
	if r.opts.ReadLimit <= 0 {
		r.opts.ReadLimit = 1 << 20
	}
	if r.opts.WriteTimeout <= 0 {
		r.opts.WriteTimeout = 10 * time.Second
	}
	r.baseCtx, r.stop = context.WithCancel(context.Background())
	return r
}

// ServeHTTP applies the IP ban before upgrading and then runs the session
// until the connection closes.
func (r *Relay) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	peer := r.peerIP(req)
	if r.gate.IsBannedPeer(peer) {
		r.metrics.recordRejection("banned_ip")
		r.log.Info("rejected banned peer", zap.String("peer", peer))
		http.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
		return
	}
	if r.baseCtx.Err() != nil {
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}

	conn, err := websocket.Accept(w, req, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		r.log.Debug("websocket accept failed", zap.String("peer", peer), zap.Error(err))
		return
	}
	conn.SetReadLimit(r.opts.ReadLimit)

	r.wg.Add(1)
	defer r.wg.Done()
	newSession(r, conn, peer).run()
}

// Close ends every session and waits for them to finish or for ctx to expire.
func (r *Relay) Close(ctx context.Context) error {
	r.stop()
	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		open := r.presence.List()
		uids := make([]string, 0, len(open))
		for _, e := range open {
			uids = append(uids, e.UID)
		}
		r.log.Warn("sessions still open", zap.Strings("uids", uids))
		return ctx.Err()
	}
}

func (r *Relay) peerIP(req *http.Request) string {
	if r.trustXFF {
		if xff := req.Header.Get("X-Forwarded-For"); xff != "" {
			first, _, _ := strings.Cut(xff, ",")
			if ip := strings.TrimSpace(first); ip != "" {
				return ip
			}
		}
	}
	host, _, err := net.SplitHostPort(req.RemoteAddr)
	if err != nil {
		return req.RemoteAddr
	}
	return host
}

func newSessionID() string {
	return uuid.NewString()
}
