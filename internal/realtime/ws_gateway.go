// Package realtime is the websocket edge: it upgrades connections, runs the
// hello handshake, and routes validated envelopes into the chat core.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	v1 "courier/shared/contracts/chat/v1"

	"github.com/coder/websocket"

	"courier/internal/archive"
	"courier/internal/chat"
	"courier/internal/metrics"
	"courier/internal/presence"
)

const (
	wsSubprotocolV1 = "courier.chat.v1"

	wsDefaultSendQueueSize = 256
	wsMinSendQueueSize     = 32

	wsDefaultWriteTimeout = 5 * time.Second
	wsDefaultReadIdle     = 2 * time.Minute
	wsCloseGrace          = 1 * time.Second

	wsMaxPingFailures = 3

	wsDisconnectGrace = 3 * time.Second

	// Security defaults:
	// - Origin is required by default.
	// - Only localhost is allowed by default (secure-by-default for dev).
	wsDefaultOriginRequired = true
	wsDefaultAllowedOrigins = "http://localhost,http://127.0.0.1"
)

// WSGateway is the WebSocket entrypoint for Courier chat.
//
// It enforces origin policy, subprotocol selection, rate limits, heartbeats,
// and routes validated envelopes to the message lifecycle and archive.
type WSGateway struct {
	log       *slog.Logger
	hub       *Hub
	lifecycle *chat.Lifecycle
	history   archive.Store
	presence  *presence.Registry

	devInsecure    bool
	originRequired bool
	allowedOrigins []string

	// Derived for websocket.Accept origin checks.
	// Accept() authorizes same-host origins by default, but for cross-origin it requires OriginPatterns.
	originPatterns []string

	writeTimeout    time.Duration
	readIdleTimeout time.Duration
	sendQueueSize   int

	heartbeatEvery   time.Duration
	heartbeatTimeout time.Duration

	rateEvents int
	rateWindow time.Duration
}

// NewWSGateway constructs a gateway with secure defaults.
func NewWSGateway(log *slog.Logger, hub *Hub, lifecycle *chat.Lifecycle, history archive.Store, pres *presence.Registry) *WSGateway {
	if log == nil {
		log = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	if hub == nil {
		hub = NewHub(log)
	}

	g := &WSGateway{log: log, hub: hub, lifecycle: lifecycle, history: history, presence: pres}

	// NOTE: InsecureSkipVerify is a dev-only knob (TLS verification). It is not an origin policy.
	g.devInsecure = envBoolWS("COURIER_WS_DEV_INSECURE", false)

	g.originRequired = envBoolWS("COURIER_WS_ORIGIN_REQUIRED", wsDefaultOriginRequired)
	g.allowedOrigins = envCSVWS("COURIER_WS_ALLOWED_ORIGINS", wsDefaultAllowedOrigins)

	// websocket.Accept enforces its own origin policy:
	// - same-host is ok
	// - cross-origin requires OriginPatterns (host patterns)
	// We derive these patterns from allowed origins so the two layers agree.
	g.originPatterns = deriveOriginPatternsFromAllowedOrigins(g.allowedOrigins)

	g.writeTimeout = envDurationWS("COURIER_WS_WRITE_TIMEOUT", wsDefaultWriteTimeout)
	g.readIdleTimeout = envDurationWS("COURIER_WS_READ_IDLE_TIMEOUT", wsDefaultReadIdle)

	g.sendQueueSize = envIntWS("COURIER_WS_SEND_QUEUE", wsDefaultSendQueueSize)
	if g.sendQueueSize < wsMinSendQueueSize {
		g.sendQueueSize = wsMinSendQueueSize
	}

	g.heartbeatEvery = envDurationWS("COURIER_WS_HEARTBEAT_INTERVAL", heartbeatInterval)
	g.heartbeatTimeout = envDurationWS("COURIER_WS_HEARTBEAT_TIMEOUT", heartbeatTimeout)

	g.rateEvents = envIntWS("COURIER_WS_RATE_EVENTS", rateLimitEvents)
	g.rateWindow = envDurationWS("COURIER_WS_RATE_WINDOW", rateLimitWindow)

	return g
}

// ServeHTTP adapter so it can be mounted as http.Handler.
func (g *WSGateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	g.HandleWS(w, r)
}

// session is the per-connection mutable state owned by the read loop.
type session struct {
	client *Client
	userID string

	// Conversations this connection marked as typing; cleared on disconnect
	// so peers never see a permanently typing ghost.
	typing map[string]struct{}
}

// HandleWS upgrades an HTTP request to a WebSocket session and runs the chat loop.
func (g *WSGateway) HandleWS(w http.ResponseWriter, r *http.Request) {
	if err := g.enforceOrigin(r); err != nil {
		g.log.Info("ws.reject.origin", "err", err, "origin", r.Header.Get("Origin"), "remote", r.RemoteAddr)
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols: []string{wsSubprotocolV1},

		// Authorize allowed origin hosts (e.g. localhost) for cross-origin requests.
		OriginPatterns: g.originPatterns,

		// Dev-only escape hatch.
		InsecureSkipVerify: g.devInsecure,
	})
	if err != nil {
		g.log.Error("ws.accept.fail", "err", err)
		return
	}
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "bye") }()

	if sp := conn.Subprotocol(); sp != wsSubprotocolV1 {
		g.log.Info("ws.reject.subprotocol", "got", sp, "want", wsSubprotocolV1)
		_ = conn.Close(websocket.StatusProtocolError, "subprotocol required")
		return
	}

	conn.SetReadLimit(maxFrameBytes)

	connID := NewRandomHex(10)
	sess := &session{
		client: NewClient("", connID, g.sendQueueSize),
		typing: make(map[string]struct{}),
	}
	client := sess.client

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	var closeOnce sync.Once

	// shutdown is idempotent. It does NOT close client.Send.
	// Delivery safety: client.Send remains open and hub removal happens before client.Close.
	shutdown := func(code websocket.StatusCode, reason string) {
		closeOnce.Do(func() {
			g.teardown(sess)

			client.Close()
			_ = conn.Close(code, reason)
			cancel()
		})
	}

	rl := NewRateLimiter(g.rateEvents, g.rateWindow)

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)

		for {
			select {
			case <-ctx.Done():
				return
			case <-client.Done():
				return
			case env := <-client.Send:
				if err := writeEnvelope(ctx, conn, env, g.writeTimeout); err != nil {
					g.log.Info("ws.write.fail", "conn_id", connID, "close_status", websocket.CloseStatus(err), "err", err)
					shutdown(websocket.StatusAbnormalClosure, "write failed")
					return
				}
			}
		}
	}()

	heartbeatDone := make(chan struct{})
	go func() {
		defer close(heartbeatDone)

		t := time.NewTicker(g.heartbeatEvery)
		defer t.Stop()

		failures := 0
		for {
			select {
			case <-ctx.Done():
				return
			case <-client.Done():
				return
			case <-t.C:
				hbCtx, hbCancel := context.WithTimeout(ctx, g.heartbeatTimeout)
				err := conn.Ping(hbCtx)
				hbCancel()

				if err != nil {
					failures++
					g.log.Info("ws.ping.fail", "conn_id", connID, "failures", failures, "err", err)
					if failures >= wsMaxPingFailures {
						shutdown(websocket.StatusGoingAway, "heartbeat failed")
						return
					}
					continue
				}
				failures = 0
			}
		}
	}()

readLoop:
	for {
		readCtx, readCancel := context.WithTimeout(ctx, g.readIdleTimeout)
		env, err := readEnvelope(readCtx, conn)
		readCancel()

		if err != nil {
			switch classifyReadErr(err) {
			case readErrClose:
				shutdown(websocket.StatusNormalClosure, "peer closed")
				break readLoop
			case readErrCtxDone:
				shutdown(websocket.StatusNormalClosure, "context done")
				break readLoop
			case readErrConnClosed:
				shutdown(websocket.StatusAbnormalClosure, "conn closed")
				break readLoop
			case readErrBadJSON:
				g.trySendError(ctx, client, "bad_json", "invalid JSON")
				continue readLoop
			default:
				g.log.Info("ws.read.fail", "conn_id", connID, "err", err)
				shutdown(websocket.StatusAbnormalClosure, "read failed")
				break readLoop
			}
		}

		now := time.Now().UTC()
		if !rl.Allow(now) {
			g.trySendError(ctx, client, "rate_limited", "too many events")
			shutdown(websocket.StatusPolicyViolation, "rate limited")
			break readLoop
		}

		if err := env.Validate(); err != nil {
			g.trySendError(ctx, client, "bad_envelope", err.Error())
			continue readLoop
		}

		if env.Type == v1.TypeHello {
			if err := g.onHello(ctx, sess, env); err != nil {
				g.trySendError(ctx, client, "hello_failed", err.Error())
				shutdown(websocket.StatusPolicyViolation, "hello failed")
				break readLoop
			}
			continue readLoop
		}

		if sess.userID == "" {
			g.trySendError(ctx, client, "not_identified", "hello first")
			continue readLoop
		}

		switch env.Type {
		case v1.TypeMessageSend:
			if err := g.onMessageSend(ctx, sess, env, now); err != nil {
				g.trySendError(ctx, client, errCode(err), err.Error())
				continue readLoop
			}

		case v1.TypeMessageEdit:
			if err := g.onMessageEdit(ctx, sess, env); err != nil {
				g.trySendError(ctx, client, errCode(err), err.Error())
				continue readLoop
			}

		case v1.TypeMessageDelete:
			if err := g.onMessageDelete(ctx, sess, env); err != nil {
				g.trySendError(ctx, client, errCode(err), err.Error())
				continue readLoop
			}

		case v1.TypeMessageReact:
			if err := g.onMessageReact(ctx, sess, env); err != nil {
				g.trySendError(ctx, client, errCode(err), err.Error())
				continue readLoop
			}

		case v1.TypeMessageUnreact:
			if err := g.onMessageUnreact(ctx, sess, env); err != nil {
				g.trySendError(ctx, client, errCode(err), err.Error())
				continue readLoop
			}

		case v1.TypeMarkRead:
			if err := g.onMarkRead(ctx, sess, env); err != nil {
				g.trySendError(ctx, client, errCode(err), err.Error())
				continue readLoop
			}

		case v1.TypeTyping:
			if err := g.onTyping(ctx, sess, env); err != nil {
				g.trySendError(ctx, client, errCode(err), err.Error())
				continue readLoop
			}

		case v1.TypeHistoryFetch:
			if err := g.onHistoryFetch(ctx, sess, env); err != nil {
				g.trySendError(ctx, client, errCode(err), err.Error())
				continue readLoop
			}

		default:
			g.trySendError(ctx, client, "unsupported", fmt.Sprintf("unsupported type: %s", env.Type))
		}
	}

	shutdown(websocket.StatusNormalClosure, "bye")
	<-writerDone

	select {
	case <-heartbeatDone:
	case <-time.After(wsCloseGrace):
	}
}

// teardown detaches the session from the hub and presence registry and clears
// any typing indicators this connection left behind.
func (g *WSGateway) teardown(sess *session) {
	if sess.userID == "" {
		return
	}

	g.hub.Unregister(sess.client)
	metrics.ActiveConnections.Dec()

	// The request context is gone by now; disconnect cleanup gets its own
	// bounded context.
	ctx, cancel := context.WithTimeout(context.Background(), wsDisconnectGrace)
	defer cancel()

	for convID := range sess.typing {
		if err := g.lifecycle.SetTyping(ctx, convID, sess.userID, false); err != nil {
			g.log.Info("ws.typing.clear.fail",
				"conversation_id", convID, "user_id", sess.userID, "err", err)
		}
	}

	if g.presence != nil {
		g.presence.Disconnect(sess.userID, sess.client.ConnID)
	}
}

// ---- handlers ----

func (g *WSGateway) onHello(ctx context.Context, sess *session, env v1.Envelope) error {
	var p v1.HelloPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return fmt.Errorf("invalid payload: %w", err)
	}

	userID := strings.TrimSpace(p.UserID)
	if userID == "" {
		return errors.New("missing user_id")
	}
	if sess.userID != "" {
		return errors.New("already identified")
	}

	sess.userID = userID
	sess.client.UserID = userID

	g.hub.Register(sess.client)
	metrics.ActiveConnections.Inc()
	if g.presence != nil {
		g.presence.Connect(userID, sess.client.ConnID)
	}

	ackPayload, _ := json.Marshal(v1.HelloAckPayload{
		SessionID: sess.client.ConnID,
		UserID:    userID,
	})
	ack := newEnvelope(v1.TypeHelloAck, ackPayload, time.Now().UTC())

	if !g.enqueue(ctx, sess.client, ack) {
		return errors.New("backpressure: hello.ack")
	}

	g.log.Info("ws.hello", "user_id", userID, "conn_id", sess.client.ConnID)
	return nil
}

func (g *WSGateway) onMessageSend(ctx context.Context, sess *session, env v1.Envelope, now time.Time) error {
	var p v1.MessageSendPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return fmt.Errorf("invalid payload: %w", err)
	}

	convID := strings.TrimSpace(p.ConversationID)
	if convID == "" {
		return errors.New("missing conversation_id")
	}

	text := strings.TrimSpace(p.Content)
	if len([]rune(text)) > maxMessageChars {
		return fmt.Errorf("message too long: max=%d chars", maxMessageChars)
	}

	draft := chat.Draft{
		Content:     text,
		PostID:      strings.TrimSpace(p.PostID),
		RepliedToID: strings.TrimSpace(p.RepliedToID),
	}
	if p.Media != nil {
		draft.Media = &chat.Media{
			URL:             p.Media.URL,
			Type:            p.Media.Type,
			Width:           p.Media.Width,
			Height:          p.Media.Height,
			DurationSeconds: p.Media.DurationSeconds,
		}
	}

	msg, err := g.lifecycle.Send(ctx, convID, sess.userID, draft)
	if err != nil {
		return err
	}

	ackPayload, _ := json.Marshal(v1.MessageAckPayload{
		ConversationID: msg.ConversationID,
		MessageID:      msg.ID,
		DeliveryStatus: string(msg.DeliveryStatus),
	})
	ack := newEnvelope(v1.TypeMessageAck, ackPayload, now)

	if !g.enqueue(ctx, sess.client, ack) {
		return errors.New("backpressure: ack")
	}
	return nil
}

func (g *WSGateway) onMessageEdit(ctx context.Context, sess *session, env v1.Envelope) error {
	var p v1.MessageEditPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return fmt.Errorf("invalid payload: %w", err)
	}
	if strings.TrimSpace(p.MessageID) == "" {
		return errors.New("missing message_id")
	}

	_, err := g.lifecycle.Edit(ctx, p.MessageID, sess.userID, p.Content)
	return err
}

func (g *WSGateway) onMessageDelete(ctx context.Context, sess *session, env v1.Envelope) error {
	var p v1.MessageDeletePayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return fmt.Errorf("invalid payload: %w", err)
	}
	if strings.TrimSpace(p.MessageID) == "" {
		return errors.New("missing message_id")
	}

	_, err := g.lifecycle.Delete(ctx, p.MessageID, sess.userID)
	return err
}

func (g *WSGateway) onMessageReact(ctx context.Context, sess *session, env v1.Envelope) error {
	var p v1.MessageReactPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return fmt.Errorf("invalid payload: %w", err)
	}
	if strings.TrimSpace(p.MessageID) == "" {
		return errors.New("missing message_id")
	}

	_, err := g.lifecycle.React(ctx, p.MessageID, sess.userID, p.Reaction)
	return err
}

func (g *WSGateway) onMessageUnreact(ctx context.Context, sess *session, env v1.Envelope) error {
	var p v1.MessageUnreactPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return fmt.Errorf("invalid payload: %w", err)
	}
	if strings.TrimSpace(p.MessageID) == "" {
		return errors.New("missing message_id")
	}

	return g.lifecycle.Unreact(ctx, p.MessageID, sess.userID)
}

func (g *WSGateway) onMarkRead(ctx context.Context, sess *session, env v1.Envelope) error {
	var p v1.MarkReadPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return fmt.Errorf("invalid payload: %w", err)
	}
	if strings.TrimSpace(p.ConversationID) == "" {
		return errors.New("missing conversation_id")
	}

	return g.lifecycle.MarkRead(ctx, p.ConversationID, sess.userID)
}

func (g *WSGateway) onTyping(ctx context.Context, sess *session, env v1.Envelope) error {
	var p v1.TypingPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return fmt.Errorf("invalid payload: %w", err)
	}

	convID := strings.TrimSpace(p.ConversationID)
	if convID == "" {
		return errors.New("missing conversation_id")
	}

	if err := g.lifecycle.SetTyping(ctx, convID, sess.userID, p.IsTyping); err != nil {
		return err
	}

	if p.IsTyping {
		sess.typing[convID] = struct{}{}
	} else {
		delete(sess.typing, convID)
	}
	return nil
}

func (g *WSGateway) onHistoryFetch(ctx context.Context, sess *session, env v1.Envelope) error {
	var p v1.HistoryFetchPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return fmt.Errorf("invalid payload: %w", err)
	}

	convID := strings.TrimSpace(p.ConversationID)
	if convID == "" {
		return errors.New("missing conversation_id")
	}

	conv, err := g.lifecycle.Store().Get(ctx, convID)
	if err != nil {
		return err
	}
	if !conv.HasParticipant(sess.userID) {
		return chat.ErrForbidden
	}

	page := -1
	if p.Page != nil {
		page = *p.Page
		if page < 0 {
			return chat.ErrInvalidState
		}
	}
	if page < 0 {
		latest, err := g.history.LatestPage(ctx, convID)
		if err != nil {
			return err
		}
		page = latest
	}

	entries, err := g.history.Page(ctx, convID, page)
	if err != nil {
		if errors.Is(err, archive.ErrPageNotFound) {
			return chat.ErrNotFound
		}
		return err
	}

	msgs := make([]v1.HistoryMessage, 0, len(entries))
	for _, e := range entries {
		hm := v1.HistoryMessage{
			ID:        e.ID,
			Sender:    e.Sender,
			Content:   e.Content,
			IsPost:    e.IsPost,
			PostID:    e.PostID,
			IsDeleted: e.IsDeleted,
			IsEdited:  e.IsEdited,
			Page:      e.Page,
			Seq:       e.Seq,
			CreatedAt: e.CreatedAt,
		}
		if e.Media != nil {
			hm.Media = &v1.MediaPayload{
				URL:             e.Media.URL,
				Type:            e.Media.Type,
				Width:           e.Media.Width,
				Height:          e.Media.Height,
				DurationSeconds: e.Media.DurationSeconds,
			}
		}
		msgs = append(msgs, hm)
	}

	chunkPayload, _ := json.Marshal(v1.HistoryChunkPayload{
		ConversationID: convID,
		Page:           page,
		Messages:       msgs,
		HasMore:        page > 0,
	})
	chunk := newEnvelope(v1.TypeHistoryChunk, chunkPayload, time.Now().UTC())

	if !g.enqueue(ctx, sess.client, chunk) {
		return errors.New("backpressure: history chunk")
	}
	return nil
}

// ---- error mapping ----

// errCode maps chat sentinel errors onto stable wire codes.
func errCode(err error) string {
	switch {
	case errors.Is(err, chat.ErrNotFound):
		return "not_found"
	case errors.Is(err, chat.ErrForbidden):
		return "forbidden"
	case errors.Is(err, chat.ErrInvalidState):
		return "invalid_state"
	case errors.Is(err, chat.ErrTimeout):
		return "timeout"
	case errors.Is(err, chat.ErrConflict):
		return "conflict"
	default:
		return "internal"
	}
}

// ---- send helpers ----

func (g *WSGateway) trySendError(ctx context.Context, client *Client, code, msg string) {
	p, _ := json.Marshal(v1.ErrorPayload{Code: code, Message: msg})
	env := newEnvelope(v1.TypeError, p, time.Now().UTC())
	_ = g.enqueue(ctx, client, env)
}

func (g *WSGateway) enqueue(ctx context.Context, client *Client, env v1.Envelope) bool {
	select {
	case <-ctx.Done():
		return false
	case <-client.Done():
		return false
	case client.Send <- env:
		return true
	default:
		return false
	}
}

// ---- envelope IO ----

func newEnvelope(typ string, payload json.RawMessage, ts time.Time) v1.Envelope {
	return v1.Envelope{
		V:       v1.Version,
		Type:    typ,
		ID:      NewRandomHex(10),
		TS:      ts,
		Payload: payload,
	}
}

func readEnvelope(ctx context.Context, conn *websocket.Conn) (v1.Envelope, error) {
	mt, data, err := conn.Read(ctx)
	if err != nil {
		return v1.Envelope{}, err
	}
	if mt != websocket.MessageText && mt != websocket.MessageBinary {
		return v1.Envelope{}, fmt.Errorf("unsupported message type: %v", mt)
	}
	var env v1.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return v1.Envelope{}, err
	}
	return env, nil
}

func writeEnvelope(parent context.Context, conn *websocket.Conn, env v1.Envelope, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	b, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, b)
}

// ---- read error classification ----

type readErrKind uint8

const (
	readErrUnknown readErrKind = iota
	readErrClose
	readErrCtxDone
	readErrConnClosed
	readErrBadJSON
)

func classifyReadErr(err error) readErrKind {
	if websocket.CloseStatus(err) != -1 {
		return readErrClose
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return readErrCtxDone
	}
	if errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF) {
		return readErrConnClosed
	}

	// JSON decode errors are typically returned by json.Unmarshal, not conn.Read.
	// This fallback exists for robustness when error strings are propagated.
	s := err.Error()
	if strings.Contains(s, "unexpected end of JSON input") || strings.Contains(s, "invalid character") {
		return readErrBadJSON
	}
	return readErrUnknown
}

// ---- origin policy ----

func (g *WSGateway) enforceOrigin(r *http.Request) error {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		if g.originRequired {
			return errors.New("missing origin")
		}
		return nil
	}

	if len(g.allowedOrigins) == 0 {
		return errors.New("origin not allowed (no allowlist)")
	}

	originHost := originHostOnly(origin)

	for _, a := range g.allowedOrigins {
		a = strings.TrimSpace(a)
		if a == "" {
			continue
		}
		if a == "*" {
			// Strongly discouraged, but honored if explicitly configured.
			return nil
		}

		// Full origin match (scheme + host + optional port).
		if origin == a {
			return nil
		}

		// Host match fallback (ignores port/scheme).
		if originHost != "" && originHost == originHostOnly(a) {
			return nil
		}
	}

	return fmt.Errorf("origin not allowed: %s", origin)
}

func originHostOnly(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}

	// URL form.
	if strings.Contains(s, "://") {
		u, err := url.Parse(s)
		if err != nil {
			return ""
		}
		h := strings.TrimSpace(u.Host)
		if h == "" {
			return ""
		}
		if host, _, err := net.SplitHostPort(h); err == nil {
			return strings.ToLower(host)
		}
		return strings.ToLower(h)
	}

	// host[:port] form.
	if host, _, err := net.SplitHostPort(s); err == nil {
		return strings.ToLower(host)
	}
	return strings.ToLower(s)
}

func deriveOriginPatternsFromAllowedOrigins(allowed []string) []string {
	// websocket.Accept matches OriginPatterns against the origin host using filepath.Match patterns.
	// We keep this strict: only hosts extracted from allowlist are accepted.
	seen := make(map[string]struct{}, len(allowed))

	for _, a := range allowed {
		h := originHostOnly(a)
		if h == "" || h == "*" {
			continue
		}
		seen[h] = struct{}{}
	}

	out := make([]string, 0, len(seen))
	for h := range seen {
		out = append(out, h)
	}

	// Stable in-file sort (avoid importing sort just for this).
	for i := 0; i < len(out); i++ {
		for j := i + 1; j < len(out); j++ {
			if out[j] < out[i] {
				out[i], out[j] = out[j], out[i]
			}
		}
	}

	return out
}

// ---- env helpers ----

func envBoolWS(key string, def bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func envIntWS(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return def
	}
	return n
}

func envDurationWS(key string, def time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return def
	}
	return d
}

func envCSVWS(key string, def string) []string {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		raw = def
	}
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}

	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		s := strings.TrimSpace(p)
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}
