package passkey

import (
	"time"

	"github.com/caarlos0/env/v11"
)

// Config controls WebAuthn relying party settings.
type Config struct {
	RPDisplayName string        `env:"PASSKEYS_SPACE_WEBAUTHN_RP_DISPLAY_NAME" envDefault:"passkeys.space"`
	RPID          string        `env:"PASSKEYS_SPACE_WEBAUTHN_RP_ID"           envDefault:"localhost"`
	RPOrigins     []string      `env:"PASSKEYS_SPACE_WEBAUTHN_RP_ORIGINS"      envSeparator:","`
	Timeout       time.Duration `env:"PASSKEYS_SPACE_WEBAUTHN_TIMEOUT"         envDefault:"120s"`

	// IdentityDisplayField names the identity attribute whose presence is
	// required before a registration ceremony may start or complete.
	IdentityDisplayField string `env:"PASSKEYS_SPACE_IDENTITY_DISPLAY_FIELD" envDefault:"email"`

	// Paranoid collapses credential-not-found and invalid-identity failures
	// into one generic authentication failure to avoid account enumeration.
	Paranoid bool `env:"PASSKEYS_SPACE_PARANOID" envDefault:"false"`
}

// LoadConfigFromEnv returns relying party configuration with defaults.
func LoadConfigFromEnv() Config {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{
			RPDisplayName:        "passkeys.space",
			RPID:                 "localhost",
			RPOrigins:            []string{"http://localhost:8087"},
			Timeout:              2 * time.Minute,
			IdentityDisplayField: "email",
		}
	}
	if len(cfg.RPOrigins) == 0 {
		cfg.RPOrigins = []string{"http://localhost:8087"}
	}
	return cfg
}
