package daemon

import (
	"fmt"
	"time"

	"github.com/pokisachi/DeChat/internal/config"
	"github.com/pokisachi/DeChat/internal/identity"
	"github.com/pokisachi/DeChat/internal/session"
)

// Login derives the session secret from an email/password pair and persists
// it, together with the acting address, so the next daemon start comes up
// live instead of waiting for authentication.
func Login(sessionName, address, email, password string) error {
	if err := session.ValidateName(sessionName); err != nil {
		return err
	}
	if address == "" {
		return fmt.Errorf("address required")
	}
	if email == "" || password == "" {
		return fmt.Errorf("email and password required")
	}
	if err := session.EnsureDir(sessionName); err != nil {
		return err
	}

	cfg := sessionConfig(sessionName)
	secret := identity.FromCredentials(email, password, argon2Params(cfg))
	return saveIdentity(sessionName, cfg, address, secret)
}

// LoginWithSigner seeds the session from a wallet signature instead of
// credentials.
func LoginWithSigner(sessionName string, s identity.Signer) error {
	if err := session.ValidateName(sessionName); err != nil {
		return err
	}
	if err := session.EnsureDir(sessionName); err != nil {
		return err
	}
	secret, err := identity.Login(s, time.Now())
	if err != nil {
		return err
	}
	return saveIdentity(sessionName, sessionConfig(sessionName), s.Address(), secret)
}

// Logout removes the persisted session secret. The address stays in
// session.toml; a later login reuses the session directory.
func Logout(sessionName string) error {
	if err := session.ValidateName(sessionName); err != nil {
		return err
	}
	return identity.RemoveSecret(session.SecretPath(sessionName))
}

func saveIdentity(sessionName string, cfg *config.Config, address string, secret identity.Secret) error {
	if err := secret.Save(session.SecretPath(sessionName)); err != nil {
		return fmt.Errorf("persist session secret: %w", err)
	}
	cfg.Address = address
	if err := config.Save(session.SessionConfigPath(sessionName), cfg); err != nil {
		return fmt.Errorf("persist session config: %w", err)
	}
	return nil
}

// sessionConfig mirrors provideConfig's lookup order without writing
// defaults anywhere.
func sessionConfig(name string) *config.Config {
	if cfg, err := config.Load(session.SessionConfigPath(name)); err == nil {
		return cfg
	}
	if cfg, err := config.Load(session.ConfigPath()); err == nil {
		return cfg
	}
	return config.Default()
}

// argon2Params maps the [kdf] config section onto derivation parameters.
// Zero values fall back to the identity defaults.
func argon2Params(cfg *config.Config) identity.Argon2Params {
	p := identity.DefaultArgon2Params()
	if cfg.KDF.Time != 0 {
		p.Time = cfg.KDF.Time
	}
	if cfg.KDF.MemoryKiB != 0 {
		p.MemoryKiB = cfg.KDF.MemoryKiB
	}
	if cfg.KDF.Threads != 0 {
		p.Threads = cfg.KDF.Threads
	}
	return p
}
