// Package communications parses communications command flags and composes
// the realtime transport entrypoint.
package communications

import (
	"context"
	"flag"
	"fmt"

	entrypoint "github.com/venturebridge/forum/internal/platform/cmd"
	server "github.com/venturebridge/forum/internal/services/communications/app"
)

// Config holds communications command configuration.
type Config struct {
	HTTPAddr  string `env:"FORUM_COMMUNICATIONS_HTTP_ADDR" envDefault:":8090"`
	DBPath    string `env:"FORUM_COMMUNICATIONS_DB_PATH"   envDefault:"data/communications.db"`
	JWTSecret string `env:"FORUM_JWT_SECRET"`
}

// ParseConfig parses environment and flags into a Config.
func ParseConfig(fs *flag.FlagSet, args []string) (Config, error) {
	var cfg Config
	if err := entrypoint.ParseConfig(&cfg); err != nil {
		return Config{}, err
	}

	fs.StringVar(&cfg.HTTPAddr, "http-addr", cfg.HTTPAddr, "communications HTTP listen address")
	fs.StringVar(&cfg.DBPath, "db-path", cfg.DBPath, "notifications sqlite database path")
	fs.StringVar(&cfg.JWTSecret, "jwt-secret", cfg.JWTSecret, "access token signing secret")
	if err := entrypoint.ParseArgs(fs, args); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Run builds the communications app and starts realtime transport behavior.
func Run(ctx context.Context, cfg Config) error {
	return entrypoint.Run(ctx, entrypoint.ServiceCommunications, func(ctx context.Context) error {
		srv, err := server.NewServer(server.Config{
			HTTPAddr:  cfg.HTTPAddr,
			DBPath:    cfg.DBPath,
			JWTSecret: cfg.JWTSecret,
		})
		if err != nil {
			return fmt.Errorf("build communications server: %w", err)
		}
		defer srv.Close()
		if err := srv.ListenAndServe(ctx); err != nil {
			return fmt.Errorf("serve communications: %w", err)
		}
		return nil
	})
}
