// Package notify computes receiver sets for domain events, persists
// durable notification records, and pushes them to live sessions.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/venturebridge/forum/internal/services/communications/domain"
	"github.com/venturebridge/forum/internal/services/communications/storage"
)

var (
	// ErrConfiguration indicates the manager was constructed without a
	// required collaborator or namespace pairing. Raised at construction,
	// never at push time.
	ErrConfiguration = errors.New("notification manager is misconfigured")
	// ErrBuildEnvelope indicates the outbound envelope failed schema
	// validation, a server-side defect.
	ErrBuildEnvelope = errors.New("failed to build outbound notification envelope")
)

// Publisher delivers one envelope to every live session in a room.
// Delivery is best-effort; durable state lives in the store.
type Publisher interface {
	Publish(room string, envelope domain.Envelope)
}

// ReceiverResolver computes the interested-party set for one domain
// event. Implementations must exclude the initiator where the strategy
// calls for it and may return an empty set.
type ReceiverResolver interface {
	Resolve(ctx context.Context, initiator domain.NamespaceInfo) ([]domain.NamespaceInfo, error)
}

// SubscriptionDirectory lists the parties subscribed to an initiator's
// project or profile. Supplied by the profiles/projects services.
type SubscriptionDirectory interface {
	Subscribers(ctx context.Context, initiator domain.NamespaceInfo) ([]domain.NamespaceInfo, error)
}

// RoomDirectory resolves the participants of a chat room key. Supplied
// by the conversation service.
type RoomDirectory interface {
	Participants(ctx context.Context, room string) ([]domain.NamespaceInfo, error)
}

// EmailHook is the outbound email boundary. Rendering and transport are
// external; the manager only decides whether to invoke it per receiver.
type EmailHook interface {
	WantsEmail(ctx context.Context, userID int64) bool
	Dispatch(ctx context.Context, receiver domain.NamespaceInfo, message string) error
}

// SubscriptionFanOut resolves every party subscribed to the initiator.
type SubscriptionFanOut struct {
	Directory SubscriptionDirectory
}

// Resolve lists the initiator's subscribers.
func (s SubscriptionFanOut) Resolve(ctx context.Context, initiator domain.NamespaceInfo) ([]domain.NamespaceInfo, error) {
	if s.Directory == nil {
		return nil, fmt.Errorf("%w: subscription directory is required", ErrConfiguration)
	}
	return s.Directory.Subscribers(ctx, initiator)
}

// RoomParticipantFanOut resolves the other participants of one chat
// room, excluding the initiator.
type RoomParticipantFanOut struct {
	Directory RoomDirectory
	Room      string
}

// Resolve lists room participants minus the initiator.
func (r RoomParticipantFanOut) Resolve(ctx context.Context, initiator domain.NamespaceInfo) ([]domain.NamespaceInfo, error) {
	if r.Directory == nil {
		return nil, fmt.Errorf("%w: room directory is required", ErrConfiguration)
	}
	room := strings.TrimSpace(r.Room)
	if room == "" {
		return nil, fmt.Errorf("%w: room is required", ErrConfiguration)
	}
	participants, err := r.Directory.Participants(ctx, room)
	if err != nil {
		return nil, err
	}
	receivers := make([]domain.NamespaceInfo, 0, len(participants))
	for _, participant := range participants {
		if participant.UserID == initiator.UserID {
			continue
		}
		receivers = append(receivers, participant)
	}
	return receivers, nil
}

// Manager persists and fans out notifications for one namespace
// pairing. Push rejects initiators and resolved receivers whose kind
// falls outside that pairing.
type Manager struct {
	initiatorKind domain.NamespaceKind
	receiverKind  domain.NamespaceKind
	store         storage.NotificationStore
	publisher     Publisher
	email         EmailHook
	clock         func() time.Time
	newID         func() string
}

// Option adjusts optional manager collaborators.
type Option func(*Manager)

// WithEmailHook enables per-receiver email dispatch after live publish.
func WithEmailHook(hook EmailHook) Option {
	return func(m *Manager) { m.email = hook }
}

// WithClock overrides the notification timestamp source.
func WithClock(clock func() time.Time) Option {
	return func(m *Manager) { m.clock = clock }
}

// WithIDGenerator overrides notification id generation.
func WithIDGenerator(newID func() string) Option {
	return func(m *Manager) { m.newID = newID }
}

// NewManager constructs a fan-out manager. Both namespace kinds, the
// store, and the publisher are required; a missing one fails fast here
// rather than at push time.
func NewManager(
	initiatorKind domain.NamespaceKind,
	receiverKind domain.NamespaceKind,
	store storage.NotificationStore,
	publisher Publisher,
	options ...Option,
) (*Manager, error) {
	if !initiatorKind.Valid() {
		return nil, fmt.Errorf("%w: initiator namespace kind is required", ErrConfiguration)
	}
	if !receiverKind.Valid() {
		return nil, fmt.Errorf("%w: receiver namespace kind is required", ErrConfiguration)
	}
	if store == nil {
		return nil, fmt.Errorf("%w: notification store is required", ErrConfiguration)
	}
	if publisher == nil {
		return nil, fmt.Errorf("%w: publisher is required", ErrConfiguration)
	}

	manager := &Manager{
		initiatorKind: initiatorKind,
		receiverKind:  receiverKind,
		store:         store,
		publisher:     publisher,
		clock:         time.Now,
		newID:         func() string { return uuid.New().String() },
	}
	for _, option := range options {
		option(manager)
	}
	return manager, nil
}

// PushInput describes one fan-out request.
type PushInput struct {
	Initiator domain.NamespaceInfo
	Resolver  ReceiverResolver
	Message   string
	// MessageID, when set, selects a chat_notification envelope instead
	// of the generic notify_user kind.
	MessageID string
}

// Push resolves receivers, persists the notification, then publishes it
// to every receiver's notification room. The store write completes
// before any publish so a receiver querying right after a live push
// always finds the record.
func (m *Manager) Push(ctx context.Context, input PushInput) (storage.NotificationRecord, error) {
	if m == nil {
		return storage.NotificationRecord{}, ErrConfiguration
	}
	if input.Resolver == nil {
		return storage.NotificationRecord{}, fmt.Errorf("%w: receiver resolver is required", ErrConfiguration)
	}
	if err := input.Initiator.Validate(); err != nil {
		return storage.NotificationRecord{}, err
	}
	if input.Initiator.Namespace != m.initiatorKind {
		return storage.NotificationRecord{}, fmt.Errorf("%w: initiator namespace %q, manager expects %q",
			domain.ErrInvalidNamespace, input.Initiator.Namespace, m.initiatorKind)
	}
	message := strings.TrimSpace(input.Message)
	if message == "" {
		return storage.NotificationRecord{}, fmt.Errorf("notification message is required")
	}

	receivers, err := input.Resolver.Resolve(ctx, input.Initiator)
	if err != nil {
		return storage.NotificationRecord{}, fmt.Errorf("resolve receivers: %w", err)
	}
	receivers = dedupeByUserID(receivers)
	for _, receiver := range receivers {
		if receiver.Namespace != m.receiverKind {
			return storage.NotificationRecord{}, fmt.Errorf("%w: resolved receiver user=%d namespace %q, manager expects %q",
				domain.ErrInvalidNamespace, receiver.UserID, receiver.Namespace, m.receiverKind)
		}
	}
	if len(receivers) == 0 {
		log.Printf("communications: no receivers resolved for initiator user=%d namespace=%s, nothing persisted",
			input.Initiator.UserID, input.Initiator.Namespace)
		return storage.NotificationRecord{}, nil
	}

	record := storage.NotificationRecord{
		ID:        m.newID(),
		Initiator: input.Initiator,
		Receivers: receivers,
		Message:   message,
		MessageID: strings.TrimSpace(input.MessageID),
		CreatedAt: m.clock().UTC(),
	}
	if err := m.store.Create(ctx, record); err != nil {
		return storage.NotificationRecord{}, fmt.Errorf("persist notification: %w", err)
	}

	envelope := m.buildEnvelope(record)
	if err := domain.ValidateOutbound(envelope); err != nil {
		log.Printf("communications: outbound notification envelope failed validation id=%s err=%v", record.ID, err)
		return record, fmt.Errorf("%w: %v", ErrBuildEnvelope, err)
	}

	for _, receiver := range record.Receivers {
		m.publisher.Publish(domain.NotificationsRoomName(receiver.UserID), envelope)
	}

	if m.email != nil {
		for _, receiver := range record.Receivers {
			if !m.email.WantsEmail(ctx, receiver.UserID) {
				continue
			}
			if err := m.email.Dispatch(ctx, receiver, record.Message); err != nil {
				log.Printf("communications: email dispatch failed notification=%s user=%d err=%v",
					record.ID, receiver.UserID, err)
			}
		}
	}

	return record, nil
}

func (m *Manager) buildEnvelope(record storage.NotificationRecord) domain.Envelope {
	if record.MessageID != "" {
		return domain.NewChatNotification(record.ID, record.Initiator, record.Message, record.CreatedAt, record.MessageID)
	}
	return domain.NewNotifyUser(record.ID, record.Initiator, record.Message, record.CreatedAt)
}

func dedupeByUserID(receivers []domain.NamespaceInfo) []domain.NamespaceInfo {
	seen := make(map[int64]struct{}, len(receivers))
	unique := receivers[:0]
	for _, receiver := range receivers {
		if _, duplicate := seen[receiver.UserID]; duplicate {
			continue
		}
		seen[receiver.UserID] = struct{}{}
		unique = append(unique, receiver)
	}
	return unique
}
