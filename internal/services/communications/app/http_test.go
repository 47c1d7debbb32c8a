package app

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/venturebridge/forum/internal/services/communications/domain"
)

func doRequest(t *testing.T, srv *httptest.Server, method, path, token string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, srv.URL+path, nil)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	t.Cleanup(func() {
		_ = resp.Body.Close()
	})
	return resp
}

func TestHealthEndpoint(t *testing.T) {
	_, srv := newTestGateway(t)
	resp := doRequest(t, srv, http.MethodGet, "/up", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
}

func TestListNotificationsRequiresAuth(t *testing.T) {
	_, srv := newTestGateway(t)
	resp := doRequest(t, srv, http.MethodGet, "/notifications/", "")
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", resp.StatusCode)
	}
}

func TestListNotificationsReturnsPendingBacklog(t *testing.T) {
	g, srv := newTestGateway(t)

	record, err := g.managerFor(domain.NamespaceStartup).Push(context.Background(), pushToInvestor("catch up"))
	if err != nil {
		t.Fatalf("seed notification: %v", err)
	}

	resp := doRequest(t, srv, http.MethodGet, "/notifications/", mintIdentityToken(t, wsInvestor))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	var body struct {
		Notifications []notificationResource `json:"notifications"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(body.Notifications) != 1 {
		t.Fatalf("expected one pending notification, got %+v", body.Notifications)
	}
	got := body.Notifications[0]
	if got.ID != record.ID || got.Message != "catch up" {
		t.Fatalf("unexpected resource: %+v", got)
	}
	if got.Initiator.UserID != wsStartup.UserID {
		t.Fatalf("initiator = %+v, want sender identity", got.Initiator)
	}
	if got.CreatedAt == "" {
		t.Fatalf("missing created_at: %+v", got)
	}

	// Another user's backlog stays empty.
	other := doRequest(t, srv, http.MethodGet, "/notifications/", mintIdentityToken(t, wsStartup))
	var otherBody struct {
		Notifications []notificationResource `json:"notifications"`
	}
	if err := json.NewDecoder(other.Body).Decode(&otherBody); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(otherBody.Notifications) != 0 {
		t.Fatalf("sender saw receiver backlog: %+v", otherBody.Notifications)
	}
}

func TestAcknowledgeNotificationOverHTTP(t *testing.T) {
	g, srv := newTestGateway(t)

	record, err := g.managerFor(domain.NamespaceStartup).Push(context.Background(), pushToInvestor("ack me"))
	if err != nil {
		t.Fatalf("seed notification: %v", err)
	}

	token := mintIdentityToken(t, wsInvestor)
	resp := doRequest(t, srv, http.MethodPut, "/notifications/"+record.ID+"/", token)
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("status = %d, want 204", resp.StatusCode)
	}

	// Acknowledged once; the second attempt misses.
	again := doRequest(t, srv, http.MethodPut, "/notifications/"+record.ID+"/", token)
	if again.StatusCode != http.StatusNotFound {
		t.Fatalf("second acknowledge status = %d, want 404", again.StatusCode)
	}
}

func TestAcknowledgeRejectsExtraPathSegments(t *testing.T) {
	g, srv := newTestGateway(t)

	record, err := g.managerFor(domain.NamespaceStartup).Push(context.Background(), pushToInvestor("still pending"))
	if err != nil {
		t.Fatalf("seed notification: %v", err)
	}

	token := mintIdentityToken(t, wsInvestor)
	resp := doRequest(t, srv, http.MethodPut, "/notifications/"+record.ID+"/extra", token)
	if resp.StatusCode == http.StatusNoContent {
		t.Fatal("acknowledge matched a longer path")
	}

	records, err := g.store.ListFor(context.Background(), wsInvestor.UserID)
	if err != nil {
		t.Fatalf("list notifications: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("notification should remain pending, got %+v", records)
	}
}

func TestAcknowledgeByNonReceiverReturnsNotFound(t *testing.T) {
	g, srv := newTestGateway(t)

	record, err := g.managerFor(domain.NamespaceStartup).Push(context.Background(), pushToInvestor("not yours"))
	if err != nil {
		t.Fatalf("seed notification: %v", err)
	}

	resp := doRequest(t, srv, http.MethodPut, "/notifications/"+record.ID+"/", mintIdentityToken(t, wsStartup))
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
}
