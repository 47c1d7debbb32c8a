package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/venturebridge/forum/internal/services/communications/domain"
)

// ErrAuthentication indicates a connection or request carried a missing
// or invalid token. Connections are rejected before the socket is
// accepted; no room is ever joined on this path.
var ErrAuthentication = errors.New("authentication failed")

// Identity is the resolved caller identity after token validation. The
// namespace fields are present when the token was issued for a
// role-scoped actor.
type Identity struct {
	UserID      int64
	Namespace   domain.NamespaceKind
	NamespaceID int64
}

// AuthValidator resolves an access token to a caller identity. Token
// issuance and refresh live in the auth service; this boundary only
// consumes its output.
type AuthValidator interface {
	Authenticate(ctx context.Context, token string) (Identity, error)
}

// AuthorizationCheck decides whether a user may join a room.
type AuthorizationCheck interface {
	IsRoomParticipant(ctx context.Context, identity Identity, room string) (bool, error)
}

type accessClaims struct {
	jwt.RegisteredClaims
	UserID      int64  `json:"user_id"`
	Namespace   string `json:"namespace,omitempty"`
	NamespaceID int64  `json:"namespace_id,omitempty"`
}

type jwtValidator struct {
	secret []byte
}

// NewJWTValidator builds an HS256 token validator over a shared secret.
// Tokens must carry a positive user_id claim; namespace claims are
// carried through when present.
func NewJWTValidator(secret string) (AuthValidator, error) {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return nil, errors.New("jwt secret is required")
	}
	return &jwtValidator{secret: []byte(secret)}, nil
}

func (v *jwtValidator) Authenticate(_ context.Context, token string) (Identity, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return Identity{}, fmt.Errorf("%w: access token is required", ErrAuthentication)
	}

	var claims accessClaims
	parsed, err := jwt.ParseWithClaims(token, &claims, func(*jwt.Token) (any, error) {
		return v.secret, nil
	}, jwt.WithValidMethods([]string{"HS256"}))
	if err != nil {
		return Identity{}, fmt.Errorf("%w: %v", ErrAuthentication, err)
	}
	if !parsed.Valid {
		return Identity{}, fmt.Errorf("%w: token is invalid", ErrAuthentication)
	}
	if claims.UserID <= 0 {
		return Identity{}, fmt.Errorf("%w: token carries no user id", ErrAuthentication)
	}

	return Identity{
		UserID:      claims.UserID,
		Namespace:   domain.NamespaceKind(strings.TrimSpace(claims.Namespace)),
		NamespaceID: claims.NamespaceID,
	}, nil
}

// roomKeyAuthorization allows a caller into a chat room when the room
// key contains the caller's namespace identity segment. Notification
// rooms admit only their owner.
type roomKeyAuthorization struct{}

// NewRoomKeyAuthorization builds the default participation check, which
// derives membership from the deterministic room key itself.
func NewRoomKeyAuthorization() AuthorizationCheck {
	return roomKeyAuthorization{}
}

func (roomKeyAuthorization) IsRoomParticipant(_ context.Context, identity Identity, room string) (bool, error) {
	room = strings.TrimSpace(room)
	if room == "" {
		return false, nil
	}
	if room == domain.NotificationsRoomName(identity.UserID) {
		return true, nil
	}
	if !identity.Namespace.Valid() || identity.NamespaceID <= 0 {
		return false, nil
	}
	segments, ok := parseChatRoomSegments(room)
	if !ok {
		return false, nil
	}
	own := fmt.Sprintf("%s_%d", identity.Namespace, identity.NamespaceID)
	for _, segment := range segments {
		if segment == own {
			return true, nil
		}
	}
	return false, nil
}

// parseChatRoomSegments splits a chat room key into its two
// <namespace>_<id> participant segments. Segments are concatenated
// without a separator, so the split anchors on the namespace kind
// words and consumes the full digit run after each; a substring match
// would wrongly admit id 10 to id 100's room.
func parseChatRoomSegments(room string) ([]string, bool) {
	rest, ok := strings.CutPrefix(room, "chat_")
	if !ok {
		return nil, false
	}
	var segments []string
	for rest != "" {
		kind, after, found := cutNamespaceKind(rest)
		if !found {
			return nil, false
		}
		digits := 0
		for digits < len(after) && after[digits] >= '0' && after[digits] <= '9' {
			digits++
		}
		if digits == 0 {
			return nil, false
		}
		segments = append(segments, string(kind)+"_"+after[:digits])
		rest = after[digits:]
	}
	if len(segments) != 2 {
		return nil, false
	}
	return segments, true
}

func cutNamespaceKind(value string) (domain.NamespaceKind, string, bool) {
	for _, kind := range []domain.NamespaceKind{domain.NamespaceStartup, domain.NamespaceInvestor} {
		if after, found := strings.CutPrefix(value, string(kind)+"_"); found {
			return kind, after, true
		}
	}
	return "", "", false
}

func bearerToken(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if header == "" {
		return ""
	}
	token, found := strings.CutPrefix(header, "Bearer ")
	if !found {
		return ""
	}
	return strings.TrimSpace(token)
}
