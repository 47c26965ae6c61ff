// Package instance locates the on-disk state of a named daemon instance.
package instance

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
)

var nameRegexp = regexp.MustCompile(`^[a-z0-9_][a-z0-9_-]{0,63}$`)

// maxSocketPath is the longest Unix socket path every platform can bind
// (sun_path is 104 bytes on macOS, including the NUL).
const maxSocketPath = 103

// ValidateName checks that name can be used as a directory and a
// command-line value: 1-64 of [a-z0-9_-], not starting with '-'.
func ValidateName(name string) error {
	if !nameRegexp.MatchString(name) {
		return fmt.Errorf("invalid instance name %q: use 1-64 of [a-z0-9_-], not starting with '-'", name)
	}
	return nil
}

// CheckSocketPath reports a socket path too long to bind, which a deep
// $CONVSYNC_HOME and a long instance name can produce.
func CheckSocketPath(path string) error {
	if len(path) > maxSocketPath {
		return fmt.Errorf("socket path %s is %d bytes, limit is %d: shorten the instance name or set server.grpc_socket", path, len(path), maxSocketPath)
	}
	return nil
}

// HomeEnv overrides the base directory, mostly for tests and containers.
const HomeEnv = "CONVSYNC_HOME"

// BaseDir returns $CONVSYNC_HOME or ~/.convsync.
func BaseDir() string {
	if dir := os.Getenv(HomeEnv); dir != "" {
		return dir
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".convsync")
}

// Dir returns the instance-specific directory.
func Dir(name string) string {
	return filepath.Join(BaseDir(), "instances", name)
}

// SocketPath returns the operator API socket path for an instance.
func SocketPath(name string) string {
	return filepath.Join(Dir(name), "daemon.sock")
}

// LockPath returns the lock file path for an instance.
func LockPath(name string) string {
	return filepath.Join(Dir(name), "LOCK")
}

// DBPath returns the durable store path.
func DBPath(name string) string {
	return filepath.Join(Dir(name), "convsync.db")
}

// LogDir returns the log directory for an instance.
func LogDir(name string) string {
	return filepath.Join(Dir(name), "logs")
}

// LogPath returns the daemon log file path.
func LogPath(name string) string {
	return filepath.Join(LogDir(name), "syncd.log")
}

// ConfigPath returns the global config file path.
func ConfigPath() string {
	return filepath.Join(BaseDir(), "config.toml")
}

// EnsureDir creates the instance directory tree with proper permissions.
func EnsureDir(name string) error {
	for _, d := range []string{Dir(name), LogDir(name)} {
		if err := os.MkdirAll(d, 0700); err != nil {
			return err
		}
	}
	return nil
}

// List returns the names of instances that have a directory on disk.
func List() ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(BaseDir(), "instances"))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() && ValidateName(e.Name()) == nil {
			names = append(names, e.Name())
		}
	}
	return names, nil
}
