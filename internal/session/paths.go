package session

import (
	"os"
	"path/filepath"
)

// BaseDir returns ~/.dechat.
func BaseDir() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".dechat")
}

// Dir returns the session-specific directory.
func Dir(name string) string {
	return filepath.Join(BaseDir(), "sessions", name)
}

// LockPath returns the lock file path for a session.
func LockPath(name string) string {
	return filepath.Join(Dir(name), "LOCK")
}

// ArchiveDBPath returns the local message archive path.
func ArchiveDBPath(name string) string {
	return filepath.Join(Dir(name), "archive.db")
}

// SecretPath returns the path of the ephemeral session secret.
// The secret is written on login and removed on logout; keeping it on disk
// between daemon restarts is a deliberate usability/security trade-off.
func SecretPath(name string) string {
	return filepath.Join(Dir(name), "secret")
}

// SessionConfigPath returns the per-session config overrides path.
func SessionConfigPath(name string) string {
	return filepath.Join(Dir(name), "session.toml")
}

// LogDir returns the log directory for a session.
func LogDir(name string) string {
	return filepath.Join(Dir(name), "logs")
}

// LogPath returns the daemon log file path.
func LogPath(name string) string {
	return filepath.Join(LogDir(name), "dechatd.log")
}

// ConfigPath returns the global config file path.
func ConfigPath() string {
	return filepath.Join(BaseDir(), "config.toml")
}

// EnsureDir creates the session directory tree with proper permissions.
func EnsureDir(name string) error {
	dirs := []string{
		Dir(name),
		LogDir(name),
	}
	for _, d := range dirs {
		if err := os.MkdirAll(d, 0700); err != nil {
			return err
		}
	}
	return nil
}
