package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/net/websocket"

	"github.com/venturebridge/forum/internal/services/communications/domain"
	"github.com/venturebridge/forum/internal/services/communications/notify"
	"github.com/venturebridge/forum/internal/services/communications/storage"
)

const (
	maxFramePayloadBytes   = 16 * 1024
	maxFramesPerSecond     = 40
	maxDecodeErrorsPerConn = 3
)

// Deps wires the gateway to its collaborators. Auth and Store are
// required; the rest default to no-ops or room-key derivation.
type Deps struct {
	Auth      AuthValidator
	Authorize AuthorizationCheck
	Store     storage.NotificationStore
	// Rooms resolves chat room participants for durable chat
	// notifications. Without it chat messages still broadcast live but
	// no chat_notification fan-out happens.
	Rooms notify.RoomDirectory
	// Subscriptions resolves project/profile subscribers for generic
	// domain-event pushes.
	Subscriptions notify.SubscriptionDirectory
	Email         notify.EmailHook
}

type gateway struct {
	hub           *Hub
	store         storage.NotificationStore
	auth          AuthValidator
	authorize     AuthorizationCheck
	rooms         notify.RoomDirectory
	subscriptions notify.SubscriptionDirectory

	// One prebuilt manager per initiator kind; chat fan-out picks by
	// the sender's namespace, mirroring the two-sided pairing of the
	// forum (startup pushes to investors and vice versa).
	startupManager  *notify.Manager
	investorManager *notify.Manager
}

func newGateway(deps Deps) (*gateway, error) {
	if deps.Auth == nil {
		return nil, errors.New("auth validator is required")
	}
	if deps.Store == nil {
		return nil, errors.New("notification store is required")
	}
	if deps.Authorize == nil {
		deps.Authorize = NewRoomKeyAuthorization()
	}

	hub := NewHub()
	options := []notify.Option{}
	if deps.Email != nil {
		options = append(options, notify.WithEmailHook(deps.Email))
	}
	startupManager, err := notify.NewManager(domain.NamespaceStartup, domain.NamespaceInvestor, deps.Store, hub, options...)
	if err != nil {
		return nil, fmt.Errorf("build startup notification manager: %w", err)
	}
	investorManager, err := notify.NewManager(domain.NamespaceInvestor, domain.NamespaceStartup, deps.Store, hub, options...)
	if err != nil {
		return nil, fmt.Errorf("build investor notification manager: %w", err)
	}

	return &gateway{
		hub:             hub,
		store:           deps.Store,
		auth:            deps.Auth,
		authorize:       deps.Authorize,
		rooms:           deps.Rooms,
		subscriptions:   deps.Subscriptions,
		startupManager:  startupManager,
		investorManager: investorManager,
	}, nil
}

func (g *gateway) managerFor(kind domain.NamespaceKind) *notify.Manager {
	switch kind {
	case domain.NamespaceStartup:
		return g.startupManager
	case domain.NamespaceInvestor:
		return g.investorManager
	default:
		return nil
	}
}

type wsHandshakeContextKey struct{}

type wsHandshake struct {
	identity Identity
	rooms    []string
	chatRoom string
}

// NewHandler builds the communications HTTP/WebSocket routes.
func NewHandler(deps Deps) (http.Handler, error) {
	g, err := newGateway(deps)
	if err != nil {
		return nil, err
	}
	return g.handler(), nil
}

func (g *gateway) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /up", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	chatWS := websocket.Handler(g.handleConn)
	mux.HandleFunc("GET /ws/chat/{room}", func(w http.ResponseWriter, r *http.Request) {
		room := strings.TrimSpace(r.PathValue("room"))
		identity, ok := g.authenticateHandshake(w, r, bearerToken(r))
		if !ok {
			return
		}
		allowed, err := g.authorize.IsRoomParticipant(r.Context(), identity, room)
		if err != nil {
			log.Printf("communications: room participation check failed user=%d room=%q err=%v", identity.UserID, room, err)
			http.Error(w, "participation check unavailable", http.StatusServiceUnavailable)
			return
		}
		if !allowed {
			log.Printf("communications: participant access denied user=%d room=%q", identity.UserID, room)
			http.Error(w, "participant access required", http.StatusForbidden)
			return
		}
		handshake := wsHandshake{identity: identity, rooms: []string{room}, chatRoom: room}
		chatWS.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), wsHandshakeContextKey{}, handshake)))
	})

	notificationsWS := websocket.Handler(g.handleConn)
	serveNotificationsWS := func(w http.ResponseWriter, r *http.Request, token string) {
		identity, ok := g.authenticateHandshake(w, r, token)
		if !ok {
			return
		}
		room := domain.NotificationsRoomName(identity.UserID)
		handshake := wsHandshake{identity: identity, rooms: []string{room}}
		notificationsWS.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), wsHandshakeContextKey{}, handshake)))
	}
	mux.HandleFunc("GET /ws/notifications", func(w http.ResponseWriter, r *http.Request) {
		serveNotificationsWS(w, r, bearerToken(r))
	})
	mux.HandleFunc("GET /ws/notifications/{token}", func(w http.ResponseWriter, r *http.Request) {
		token := strings.TrimSpace(r.PathValue("token"))
		if token == "" {
			token = bearerToken(r)
		}
		serveNotificationsWS(w, r, token)
	})

	g.registerRESTRoutes(mux)
	return mux
}

// authenticateHandshake rejects the upgrade before the socket is
// accepted when the token is missing or invalid, so no room membership
// can exist for an unauthenticated connection.
func (g *gateway) authenticateHandshake(w http.ResponseWriter, r *http.Request, token string) (Identity, bool) {
	if token == "" {
		log.Printf("communications: websocket unauthorized: missing token remote=%s path=%q", r.RemoteAddr, r.URL.Path)
		http.Error(w, "authentication required", http.StatusUnauthorized)
		return Identity{}, false
	}
	identity, err := g.auth.Authenticate(r.Context(), token)
	if err != nil {
		log.Printf("communications: websocket unauthorized: remote=%s path=%q err=%v", r.RemoteAddr, r.URL.Path, err)
		http.Error(w, "authentication required", http.StatusUnauthorized)
		return Identity{}, false
	}
	return identity, true
}

// handleConn owns one connection task: it joins the handshake's rooms,
// pumps inbound frames through the dispatcher, and releases every
// membership on every exit path.
func (g *gateway) handleConn(conn *websocket.Conn) {
	defer func() {
		_ = conn.Close()
	}()

	request := conn.Request()
	if request == nil {
		return
	}
	handshake, ok := request.Context().Value(wsHandshakeContextKey{}).(wsHandshake)
	if !ok {
		log.Printf("communications: websocket accepted without handshake context, closing")
		return
	}

	session := newSession(uuid.New().String(), handshake.identity, handshake.rooms, conn)
	for _, room := range session.Rooms {
		g.hub.Join(room, session)
	}
	defer func() {
		for _, room := range session.Rooms {
			g.hub.Leave(room, session)
		}
		session.close()
	}()

	go g.writeLoop(conn, session)
	g.readLoop(request.Context(), conn, session, handshake.chatRoom)
}

// writeLoop drains the session's outbound queue onto the socket. A
// closed session discards whatever remains queued.
func (g *gateway) writeLoop(conn *websocket.Conn, session *Session) {
	for {
		select {
		case envelope := <-session.queue:
			if err := websocket.JSON.Send(conn, envelope); err != nil {
				session.close()
				return
			}
		case <-session.done:
			return
		}
	}
}

func (g *gateway) readLoop(ctx context.Context, conn *websocket.Conn, session *Session, chatRoom string) {
	windowStart := time.Now()
	framesInWindow := 0
	decodeErrors := 0

	for {
		select {
		case <-session.done:
			return
		default:
		}

		var raw string
		if err := websocket.Message.Receive(conn, &raw); err != nil {
			if !errors.Is(err, io.EOF) {
				log.Printf("communications: websocket read failed connection=%s err=%v", session.ConnectionID, err)
			}
			return
		}

		if len(raw) > maxFramePayloadBytes {
			g.sendClientError(session, "payload too large")
			continue
		}

		now := time.Now()
		if now.Sub(windowStart) >= time.Second {
			windowStart = now
			framesInWindow = 0
		}
		framesInWindow++
		if framesInWindow > maxFramesPerSecond {
			// Write directly so the error reaches the peer before the
			// deferred close drains the session queue.
			g.sendFinalClientError(conn, "rate limit exceeded")
			return
		}

		envelope, err := domain.Validate([]byte(raw))
		if err != nil {
			decodeErrors++
			if decodeErrors >= maxDecodeErrorsPerConn {
				g.sendFinalClientError(conn, err.Error())
				return
			}
			g.sendClientError(session, err.Error())
			continue
		}
		decodeErrors = 0

		if !g.dispatch(ctx, session, chatRoom, envelope) {
			return
		}
	}
}

// dispatch handles one validated inbound envelope. The false return
// closes the connection.
func (g *gateway) dispatch(ctx context.Context, session *Session, chatRoom string, envelope domain.Envelope) bool {
	switch envelope.Type {
	case domain.KindChatMessage:
		if chatRoom == "" {
			g.sendClientError(session, "chat messages require a chat connection")
			return true
		}
		return g.handleChatMessage(ctx, session, chatRoom, envelope)
	case domain.KindNotificationAck:
		return g.handleNotificationAck(ctx, session, envelope)
	default:
		// Known kind, but not one this room's handler accepts inbound.
		log.Printf("communications: dropping unsupported inbound kind %q connection=%s: %v",
			envelope.Type, session.ConnectionID, domain.ErrDelivery)
		g.sendClientError(session, fmt.Sprintf("type %q is not accepted on this socket", envelope.Type))
		return true
	}
}

// handleChatMessage echoes to every room member including the sender,
// then fans a durable chat_notification out to the other participants.
func (g *gateway) handleChatMessage(ctx context.Context, session *Session, room string, envelope domain.Envelope) bool {
	body := domain.SanitizeMessage(strings.TrimSpace(envelope.Message))
	if body == "" {
		g.sendClientError(session, "message is required")
		return true
	}

	broadcast := domain.NewChatMessage(body)
	if err := domain.ValidateOutbound(broadcast); err != nil {
		return g.failServerSide(session, fmt.Errorf("build chat broadcast: %w", err))
	}
	g.hub.Publish(room, broadcast)

	if g.rooms == nil {
		return true
	}
	manager := g.managerFor(session.Identity.Namespace)
	if manager == nil {
		// Tokens without a namespace can still chat; there is no durable
		// notification without an initiator identity.
		return true
	}
	initiator := domain.NamespaceInfo{
		UserID:      session.Identity.UserID,
		Namespace:   session.Identity.Namespace,
		NamespaceID: session.Identity.NamespaceID,
	}
	messageID := uuid.New().String()
	_, err := manager.Push(ctx, notify.PushInput{
		Initiator: initiator,
		Resolver:  notify.RoomParticipantFanOut{Directory: g.rooms, Room: room},
		Message: fmt.Sprintf("Message: %s was sent by %s with id %d",
			messageID, initiator.Namespace, initiator.NamespaceID),
		MessageID: messageID,
	})
	if err != nil {
		if errors.Is(err, notify.ErrBuildEnvelope) {
			return g.failServerSide(session, err)
		}
		log.Printf("communications: chat notification push failed room=%q user=%d err=%v",
			room, session.Identity.UserID, err)
	}
	return true
}

func (g *gateway) handleNotificationAck(ctx context.Context, session *Session, envelope domain.Envelope) bool {
	err := g.store.Acknowledge(ctx, envelope.NotificationID, session.Identity.UserID)
	if err == nil {
		return true
	}
	if errors.Is(err, storage.ErrNotFound) {
		g.sendClientError(session, fmt.Sprintf("notification %q not found for this user", envelope.NotificationID))
		return true
	}
	return g.failServerSide(session, fmt.Errorf("acknowledge notification: %w", err))
}

func (g *gateway) sendClientError(session *Session, message string) {
	session.enqueue(domain.NewClientError(message))
}

// sendFinalClientError writes the error frame on the caller's goroutine
// for paths that close the connection right after. Queueing it would
// race the deferred close, which discards anything still unsent.
func (g *gateway) sendFinalClientError(conn *websocket.Conn, message string) {
	if err := websocket.JSON.Send(conn, domain.NewClientError(message)); err != nil {
		log.Printf("communications: final client error write failed err=%v", err)
	}
}

// failServerSide reports a server-originated defect: it is logged, a
// server_error envelope is sent, and the connection closes since the
// client cannot recover a desynchronized session.
func (g *gateway) failServerSide(session *Session, err error) bool {
	log.Printf("communications: server-side failure connection=%s err=%v", session.ConnectionID, err)
	session.enqueue(domain.NewServerError("internal error"))
	// Give the writer a beat to flush the error before teardown.
	time.Sleep(50 * time.Millisecond)
	session.close()
	return false
}
