// Package config holds the small helpers every forum service shares
// for reading its environment and bailing out of a broken startup.
package config

import (
	"fmt"

	"github.com/caarlos0/env/v11"
)

// ParseEnv populates target from the process environment using the
// `env` tags declared on its fields.
func ParseEnv(target any) error {
	if err := env.Parse(target); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}
