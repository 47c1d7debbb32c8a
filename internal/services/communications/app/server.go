package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/venturebridge/forum/internal/platform/timeouts"
	"github.com/venturebridge/forum/internal/services/communications/domain"
	"github.com/venturebridge/forum/internal/services/communications/notify"
	commsqlite "github.com/venturebridge/forum/internal/services/communications/storage/sqlite"
)

// Config defines the inputs for the communications server.
type Config struct {
	HTTPAddr  string
	DBPath    string
	JWTSecret string
	// Rooms and Subscriptions are optional directory collaborators.
	// Without them live chat still works but durable fan-out is skipped.
	Rooms         notify.RoomDirectory
	Subscriptions notify.SubscriptionDirectory
	Email         notify.EmailHook
}

// Server hosts the communications HTTP and WebSocket endpoints plus the
// notification storage lifecycle.
type Server struct {
	httpAddr   string
	httpServer *http.Server
	gateway    *gateway
	store      *commsqlite.Store
}

// NewServer builds a configured communications server.
func NewServer(config Config) (*Server, error) {
	httpAddr := strings.TrimSpace(config.HTTPAddr)
	if httpAddr == "" {
		return nil, errors.New("http address is required")
	}
	if strings.TrimSpace(config.JWTSecret) == "" {
		return nil, errors.New("jwt secret is required")
	}
	dbPath := strings.TrimSpace(config.DBPath)
	if dbPath == "" {
		dbPath = filepath.Join("data", "communications.db")
	}

	store, err := openNotificationStore(dbPath)
	if err != nil {
		return nil, err
	}

	auth, err := NewJWTValidator(config.JWTSecret)
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("build token validator: %w", err)
	}

	g, err := newGateway(Deps{
		Auth:          auth,
		Store:         store,
		Rooms:         config.Rooms,
		Subscriptions: config.Subscriptions,
		Email:         config.Email,
	})
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("build gateway: %w", err)
	}

	httpServer := &http.Server{
		Addr:              httpAddr,
		Handler:           g.handler(),
		ReadHeaderTimeout: timeouts.ReadHeader,
	}

	return &Server{
		httpAddr:   httpAddr,
		httpServer: httpServer,
		gateway:    g,
		store:      store,
	}, nil
}

// NotifySubscribers pushes a domain event from the initiator to every
// subscribed counterpart, persisting it before any live delivery. It is
// the entry point CRUD flows call when a project or profile changes.
func (s *Server) NotifySubscribers(ctx context.Context, initiator domain.NamespaceInfo, message string) error {
	if s == nil || s.gateway == nil {
		return errors.New("communications server is nil")
	}
	if s.gateway.subscriptions == nil {
		log.Printf("communications: subscriber push skipped, no subscription directory configured")
		return nil
	}
	manager := s.gateway.managerFor(initiator.Namespace)
	if manager == nil {
		return fmt.Errorf("no notification manager for namespace %q", initiator.Namespace)
	}
	_, err := manager.Push(ctx, notify.PushInput{
		Initiator: initiator,
		Resolver:  notify.SubscriptionFanOut{Directory: s.gateway.subscriptions},
		Message:   message,
	})
	return err
}

// ListenAndServe runs the HTTP server until the context ends, then
// performs a bounded shutdown so in-flight requests drain.
func (s *Server) ListenAndServe(ctx context.Context) error {
	if s == nil {
		return errors.New("communications server is nil")
	}
	if ctx == nil {
		return errors.New("context is required")
	}

	serveErr := make(chan error, 1)
	log.Printf("communications listening on %s", s.httpAddr)
	go func() {
		serveErr <- s.httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), timeouts.Shutdown)
		err := s.httpServer.Shutdown(shutdownCtx)
		cancel()
		if err != nil {
			return fmt.Errorf("shutdown http server: %w", err)
		}
		return nil
	case err := <-serveErr:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("serve http: %w", err)
	}
}

// Close releases the server's storage resources.
func (s *Server) Close() {
	if s == nil {
		return
	}
	if s.store != nil {
		if err := s.store.Close(); err != nil {
			log.Printf("close communications store: %v", err)
		}
	}
}

func openNotificationStore(path string) (*commsqlite.Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create storage dir: %w", err)
		}
	}
	store, err := commsqlite.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open communications sqlite store: %w", err)
	}
	return store, nil
}
