package domain

import (
	"errors"
	"fmt"
	"sort"
)

var (
	// ErrInvalidNamespace indicates a namespace identity failed validation.
	ErrInvalidNamespace = errors.New("invalid namespace identity")
	// ErrInvalidRoomPair indicates a chat room pairing is not allowed.
	ErrInvalidRoomPair = errors.New("chat rooms pair exactly one startup with one investor")
)

// NamespaceKind identifies the role a user acts under.
type NamespaceKind string

const (
	// NamespaceStartup is the startup-side actor role.
	NamespaceStartup NamespaceKind = "startup"
	// NamespaceInvestor is the investor-side actor role.
	NamespaceInvestor NamespaceKind = "investor"
)

// Valid reports whether the kind is one of the closed set.
func (k NamespaceKind) Valid() bool {
	return k == NamespaceStartup || k == NamespaceInvestor
}

// NamespaceInfo identifies one role-scoped actor. It is immutable once
// constructed and safe to copy by value.
type NamespaceInfo struct {
	UserID      int64         `json:"user_id"`
	Namespace   NamespaceKind `json:"namespace"`
	NamespaceID int64         `json:"namespace_id"`
}

// Validate checks the identity fields.
func (n NamespaceInfo) Validate() error {
	if n.UserID <= 0 {
		return fmt.Errorf("%w: user id must be positive", ErrInvalidNamespace)
	}
	if !n.Namespace.Valid() {
		return fmt.Errorf("%w: unknown namespace %q", ErrInvalidNamespace, n.Namespace)
	}
	if n.NamespaceID <= 0 {
		return fmt.Errorf("%w: namespace id must be positive", ErrInvalidNamespace)
	}
	return nil
}

// ChatRoomName derives the deterministic room key for a two-party chat.
// Participants are ordered by user id so both sides derive the same key.
func ChatRoomName(a, b NamespaceInfo) (string, error) {
	if err := a.Validate(); err != nil {
		return "", err
	}
	if err := b.Validate(); err != nil {
		return "", err
	}
	if a.Namespace == b.Namespace {
		return "", ErrInvalidRoomPair
	}

	participants := []NamespaceInfo{a, b}
	sort.Slice(participants, func(i, j int) bool {
		return participants[i].UserID < participants[j].UserID
	})

	name := "chat_"
	for _, participant := range participants {
		name += fmt.Sprintf("%s_%d", participant.Namespace, participant.NamespaceID)
	}
	return name, nil
}

// NotificationsRoomName returns the per-user notification room key.
// The room exists conceptually for every user even with no subscribers.
func NotificationsRoomName(userID int64) string {
	return fmt.Sprintf("notifications_%d", userID)
}
