package app

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"golang.org/x/net/websocket"

	"github.com/venturebridge/forum/internal/services/communications/domain"
	"github.com/venturebridge/forum/internal/services/communications/notify"
	commsqlite "github.com/venturebridge/forum/internal/services/communications/storage/sqlite"
)

var (
	wsStartup  = Identity{UserID: 1, Namespace: domain.NamespaceStartup, NamespaceID: 10}
	wsInvestor = Identity{UserID: 2, Namespace: domain.NamespaceInvestor, NamespaceID: 20}
)

const wsTestRoom = "chat_startup_10investor_20"

type fakeRoomDirectory struct {
	participants []domain.NamespaceInfo
}

func (f fakeRoomDirectory) Participants(context.Context, string) ([]domain.NamespaceInfo, error) {
	return f.participants, nil
}

func namespaceInfo(identity Identity) domain.NamespaceInfo {
	return domain.NamespaceInfo{
		UserID:      identity.UserID,
		Namespace:   identity.Namespace,
		NamespaceID: identity.NamespaceID,
	}
}

func newTestGateway(t *testing.T) (*gateway, *httptest.Server) {
	t.Helper()

	store, err := commsqlite.Open(t.TempDir() + "/communications.db")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() {
		_ = store.Close()
	})

	validator, err := NewJWTValidator(testJWTSecret)
	if err != nil {
		t.Fatalf("new validator: %v", err)
	}

	g, err := newGateway(Deps{
		Auth:  validator,
		Store: store,
		Rooms: fakeRoomDirectory{participants: []domain.NamespaceInfo{
			namespaceInfo(wsStartup),
			namespaceInfo(wsInvestor),
		}},
	})
	if err != nil {
		t.Fatalf("new gateway: %v", err)
	}

	srv := httptest.NewServer(g.handler())
	t.Cleanup(srv.Close)
	return g, srv
}

func dialWS(t *testing.T, srv *httptest.Server, path string, token string) *websocket.Conn {
	t.Helper()
	conn, err := dialWSErr(srv, path, token)
	if err != nil {
		t.Fatalf("dial websocket %s: %v", path, err)
	}
	t.Cleanup(func() {
		_ = conn.Close()
	})
	return conn
}

func dialWSErr(srv *httptest.Server, path string, token string) (*websocket.Conn, error) {
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + path
	cfg, err := websocket.NewConfig(wsURL, srv.URL)
	if err != nil {
		return nil, err
	}
	if token != "" {
		cfg.Header = make(http.Header)
		cfg.Header.Set("Authorization", "Bearer "+token)
	}
	return websocket.DialConfig(cfg)
}

func writeEnvelope(t *testing.T, conn *websocket.Conn, frame map[string]any) {
	t.Helper()
	if err := json.NewEncoder(conn).Encode(frame); err != nil {
		t.Fatalf("encode frame: %v", err)
	}
}

func readEnvelope(t *testing.T, conn *websocket.Conn) domain.Envelope {
	t.Helper()
	_ = conn.SetDeadline(time.Now().Add(2 * time.Second))
	var got domain.Envelope
	if err := json.NewDecoder(conn).Decode(&got); err != nil {
		t.Fatalf("decode server frame: %v", err)
	}
	return got
}

func TestChatWebSocketRejectsMissingToken(t *testing.T) {
	_, srv := newTestGateway(t)
	if _, err := dialWSErr(srv, "/ws/chat/"+wsTestRoom, ""); err == nil {
		t.Fatal("expected handshake rejection without token")
	}
}

func TestChatWebSocketRejectsNonParticipant(t *testing.T) {
	_, srv := newTestGateway(t)
	outsider := Identity{UserID: 9, Namespace: domain.NamespaceStartup, NamespaceID: 99}
	if _, err := dialWSErr(srv, "/ws/chat/"+wsTestRoom, mintIdentityToken(t, outsider)); err == nil {
		t.Fatal("expected handshake rejection for non-participant")
	}
}

func TestChatBroadcastReachesAllParticipantsIncludingSender(t *testing.T) {
	g, srv := newTestGateway(t)

	sender := dialWS(t, srv, "/ws/chat/"+wsTestRoom, mintIdentityToken(t, wsStartup))
	receiver := dialWS(t, srv, "/ws/chat/"+wsTestRoom, mintIdentityToken(t, wsInvestor))
	waitForMembers(t, g.hub, wsTestRoom, 2)

	writeEnvelope(t, sender, map[string]any{"type": "chat_message", "message": "hello room"})

	for name, conn := range map[string]*websocket.Conn{"sender": sender, "receiver": receiver} {
		got := readEnvelope(t, conn)
		if got.Type != domain.KindChatMessage {
			t.Fatalf("%s frame type = %q, want chat_message", name, got.Type)
		}
		if got.Message != "hello room" {
			t.Fatalf("%s message = %q, want hello room", name, got.Message)
		}
	}
}

func TestChatMessagePersistsNotificationForCounterpart(t *testing.T) {
	g, srv := newTestGateway(t)

	sender := dialWS(t, srv, "/ws/chat/"+wsTestRoom, mintIdentityToken(t, wsStartup))
	notifications := dialWS(t, srv, "/ws/notifications", mintIdentityToken(t, wsInvestor))
	waitForMembers(t, g.hub, domain.NotificationsRoomName(wsInvestor.UserID), 1)

	writeEnvelope(t, sender, map[string]any{"type": "chat_message", "message": "hello room"})

	// The sender hears the echo.
	if got := readEnvelope(t, sender); got.Type != domain.KindChatMessage {
		t.Fatalf("sender frame type = %q, want chat_message", got.Type)
	}
	// The counterpart's notification socket gets the durable push.
	pushed := readEnvelope(t, notifications)
	if pushed.Type != domain.KindChatNotification {
		t.Fatalf("push type = %q, want chat_notification", pushed.Type)
	}
	if pushed.Initiator == nil || pushed.Initiator.UserID != wsStartup.UserID {
		t.Fatalf("push initiator = %+v, want sender identity", pushed.Initiator)
	}
	if pushed.MessageID == "" || pushed.NotificationID == "" {
		t.Fatalf("push missing identifiers: %+v", pushed)
	}

	records, err := g.store.ListFor(context.Background(), wsInvestor.UserID)
	if err != nil {
		t.Fatalf("list notifications: %v", err)
	}
	if len(records) != 1 || records[0].ID != pushed.NotificationID {
		t.Fatalf("expected the pushed notification persisted, got %+v", records)
	}
}

func TestChatMessageEscapesMarkupBeforeBroadcast(t *testing.T) {
	_, srv := newTestGateway(t)

	sender := dialWS(t, srv, "/ws/chat/"+wsTestRoom, mintIdentityToken(t, wsStartup))
	writeEnvelope(t, sender, map[string]any{"type": "chat_message", "message": "<b>bold claim</b>"})

	got := readEnvelope(t, sender)
	if strings.Contains(got.Message, "<b>") {
		t.Fatalf("markup survived broadcast: %q", got.Message)
	}
}

func TestInvalidFrameRepliesClientErrorAndKeepsConnection(t *testing.T) {
	_, srv := newTestGateway(t)

	conn := dialWS(t, srv, "/ws/chat/"+wsTestRoom, mintIdentityToken(t, wsStartup))

	// Missing type discriminator.
	writeEnvelope(t, conn, map[string]any{"message": "hello"})
	got := readEnvelope(t, conn)
	if got.Type != domain.KindClientError {
		t.Fatalf("frame type = %q, want client_error", got.Type)
	}
	if !strings.Contains(got.Message, "type") {
		t.Fatalf("error message %q should mention the type field", got.Message)
	}

	// Unknown discriminator value.
	writeEnvelope(t, conn, map[string]any{"type": "chat_typing"})
	if got := readEnvelope(t, conn); got.Type != domain.KindClientError {
		t.Fatalf("frame type = %q, want client_error", got.Type)
	}

	// The connection stays open and keeps working.
	writeEnvelope(t, conn, map[string]any{"type": "chat_message", "message": "still here"})
	final := readEnvelope(t, conn)
	if final.Type != domain.KindChatMessage || final.Message != "still here" {
		t.Fatalf("connection unusable after validation errors: %+v", final)
	}
}

func TestRateLimitBreachDeliversErrorBeforeClose(t *testing.T) {
	g, srv := newTestGateway(t)

	conn := dialWS(t, srv, "/ws/chat/"+wsTestRoom, mintIdentityToken(t, wsStartup))
	waitForMembers(t, g.hub, wsTestRoom, 1)

	// Frames that only touch the dispatcher, so the flood stays well
	// inside one rate window even on a slow machine.
	for i := 0; i <= maxFramesPerSecond; i++ {
		writeEnvelope(t, conn, map[string]any{"type": "server_error", "message": "flood"})
	}

	// The breach frame's error is written directly, so it may arrive
	// ahead of replies still sitting in the session queue.
	sawLimit := false
	for i := 0; i <= maxFramesPerSecond; i++ {
		got := readEnvelope(t, conn)
		if got.Type != domain.KindClientError {
			t.Fatalf("frame type = %q, want client_error", got.Type)
		}
		if strings.Contains(got.Message, "rate limit") {
			sawLimit = true
			break
		}
	}
	if !sawLimit {
		t.Fatal("rate limit error never reached the client")
	}

	waitForMembers(t, g.hub, wsTestRoom, 0)
}

func TestOutboundKindsAreRejectedInbound(t *testing.T) {
	_, srv := newTestGateway(t)

	conn := dialWS(t, srv, "/ws/chat/"+wsTestRoom, mintIdentityToken(t, wsStartup))
	writeEnvelope(t, conn, map[string]any{"type": "server_error", "message": "spoofed"})

	got := readEnvelope(t, conn)
	if got.Type != domain.KindClientError {
		t.Fatalf("frame type = %q, want client_error", got.Type)
	}
}

func TestNotificationAckOverSocket(t *testing.T) {
	g, srv := newTestGateway(t)

	token := mintIdentityToken(t, wsInvestor)
	// Path-segment token transport for clients that cannot set headers.
	conn := dialWS(t, srv, "/ws/notifications/"+token, "")
	waitForMembers(t, g.hub, domain.NotificationsRoomName(wsInvestor.UserID), 1)

	manager := g.managerFor(domain.NamespaceStartup)
	record, err := manager.Push(context.Background(), pushToInvestor("please review"))
	if err != nil {
		t.Fatalf("seed notification: %v", err)
	}

	pushed := readEnvelope(t, conn)
	if pushed.Type != domain.KindNotifyUser || pushed.NotificationID != record.ID {
		t.Fatalf("unexpected push: %+v", pushed)
	}

	writeEnvelope(t, conn, map[string]any{"type": "notification_ack", "notification_id": record.ID})

	deadline := time.Now().Add(2 * time.Second)
	for {
		records, listErr := g.store.ListFor(context.Background(), wsInvestor.UserID)
		if listErr != nil {
			t.Fatalf("list notifications: %v", listErr)
		}
		if len(records) == 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("notification still pending after acknowledge: %+v", records)
		}
		time.Sleep(10 * time.Millisecond)
	}

	// A second acknowledge misses and reports a client error.
	writeEnvelope(t, conn, map[string]any{"type": "notification_ack", "notification_id": record.ID})
	got := readEnvelope(t, conn)
	if got.Type != domain.KindClientError {
		t.Fatalf("frame type = %q, want client_error", got.Type)
	}
	if !strings.Contains(got.Message, record.ID) {
		t.Fatalf("error %q should name the notification", got.Message)
	}
}

func TestDisconnectReleasesRoomMembership(t *testing.T) {
	g, srv := newTestGateway(t)

	conn := dialWS(t, srv, "/ws/chat/"+wsTestRoom, mintIdentityToken(t, wsStartup))
	waitForMembers(t, g.hub, wsTestRoom, 1)

	_ = conn.Close()
	waitForMembers(t, g.hub, wsTestRoom, 0)
}

func waitForMembers(t *testing.T, hub *Hub, room string, want int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for hub.MemberCount(room) != want {
		if time.Now().After(deadline) {
			t.Fatalf("room %q member count = %d, want %d", room, hub.MemberCount(room), want)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

type fixedSubscribers []domain.NamespaceInfo

func (f fixedSubscribers) Subscribers(context.Context, domain.NamespaceInfo) ([]domain.NamespaceInfo, error) {
	return f, nil
}

func pushToInvestor(message string) notify.PushInput {
	return notify.PushInput{
		Initiator: namespaceInfo(wsStartup),
		Resolver:  notify.SubscriptionFanOut{Directory: fixedSubscribers{namespaceInfo(wsInvestor)}},
		Message:   message,
	}
}
