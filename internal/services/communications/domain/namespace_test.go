package domain

import (
	"errors"
	"testing"
)

func TestChatRoomNameOrdersByUserID(t *testing.T) {
	startup := NamespaceInfo{UserID: 20, Namespace: NamespaceStartup, NamespaceID: 7}
	investor := NamespaceInfo{UserID: 3, Namespace: NamespaceInvestor, NamespaceID: 12}

	name, err := ChatRoomName(startup, investor)
	if err != nil {
		t.Fatalf("chat room name: %v", err)
	}
	if name != "chat_investor_12startup_7" {
		t.Fatalf("room name = %q, want %q", name, "chat_investor_12startup_7")
	}

	swapped, err := ChatRoomName(investor, startup)
	if err != nil {
		t.Fatalf("chat room name swapped: %v", err)
	}
	if swapped != name {
		t.Fatalf("room name depends on argument order: %q vs %q", swapped, name)
	}
}

func TestChatRoomNameRejectsSameKindPair(t *testing.T) {
	a := NamespaceInfo{UserID: 1, Namespace: NamespaceStartup, NamespaceID: 1}
	b := NamespaceInfo{UserID: 2, Namespace: NamespaceStartup, NamespaceID: 2}
	if _, err := ChatRoomName(a, b); !errors.Is(err, ErrInvalidRoomPair) {
		t.Fatalf("expected ErrInvalidRoomPair, got %v", err)
	}
}

func TestChatRoomNameRejectsInvalidParticipant(t *testing.T) {
	valid := NamespaceInfo{UserID: 1, Namespace: NamespaceStartup, NamespaceID: 1}
	invalid := NamespaceInfo{UserID: 0, Namespace: NamespaceInvestor, NamespaceID: 2}
	if _, err := ChatRoomName(valid, invalid); !errors.Is(err, ErrInvalidNamespace) {
		t.Fatalf("expected ErrInvalidNamespace, got %v", err)
	}
}

func TestNotificationsRoomName(t *testing.T) {
	if got := NotificationsRoomName(42); got != "notifications_42" {
		t.Fatalf("room name = %q, want notifications_42", got)
	}
}

func TestNamespaceInfoValidate(t *testing.T) {
	cases := []struct {
		name string
		info NamespaceInfo
		ok   bool
	}{
		{"valid startup", NamespaceInfo{UserID: 1, Namespace: NamespaceStartup, NamespaceID: 1}, true},
		{"valid investor", NamespaceInfo{UserID: 2, Namespace: NamespaceInvestor, NamespaceID: 3}, true},
		{"zero user", NamespaceInfo{Namespace: NamespaceStartup, NamespaceID: 1}, false},
		{"unknown namespace", NamespaceInfo{UserID: 1, Namespace: "admin", NamespaceID: 1}, false},
		{"zero namespace id", NamespaceInfo{UserID: 1, Namespace: NamespaceInvestor}, false},
	}
	for _, tc := range cases {
		err := tc.info.Validate()
		if tc.ok && err != nil {
			t.Fatalf("%s: unexpected error %v", tc.name, err)
		}
		if !tc.ok && !errors.Is(err, ErrInvalidNamespace) {
			t.Fatalf("%s: expected ErrInvalidNamespace, got %v", tc.name, err)
		}
	}
}
