// Package config holds the ambient runtime configuration for the pipe host
// daemon: where snapshots, the audit log, and the process-tracker database
// live, plus the size bounds the async message pipe enforces.
package config

import (
	"os"
	"path/filepath"
)

// Config holds pipehostd runtime configuration.
type Config struct {
	// DataDir is the base directory for all runtime state.
	DataDir string

	// SnapshotsDir is the directory holding pipe-manager snapshot files.
	SnapshotsDir string

	// AuditDir is the directory holding the NDJSON audit log
	// (events.ndjson, one file shared by all pipes).
	AuditDir string

	// DBPath is the path to the SQLite database backing the
	// process-lifetime tracker's durable pid counter.
	DBPath string

	// AsyncMaxQueuedBytes records the async message pipe's outbound FIFO
	// bound. internal/asyncpipe does not read it; it enforces its own
	// DefaultMaxQueuedBytes constant, which has the same default value.
	AsyncMaxQueuedBytes int

	// AsyncMaxMessageBytes records the bound on a single incoming async
	// message. internal/asyncpipe does not read it; it enforces its own
	// MaxMessageBytes constant, which has the same default value.
	AsyncMaxMessageBytes int

	// ConnectorNameCap records the "pipe:name:args" handshake buffer bound.
	// internal/rawpipe does not read it; it enforces its own 128-byte
	// constant.
	ConnectorNameCap int
}

// DefaultConfig returns the default configuration, rooted under the user's
// home directory.
func DefaultConfig() *Config {
	homeDir, _ := os.UserHomeDir()
	base := filepath.Join(homeDir, ".pipehost")

	return &Config{
		DataDir:              filepath.Join(base, "data"),
		SnapshotsDir:         filepath.Join(base, "data", "snapshots"),
		AuditDir:             filepath.Join(base, "data", "audit"),
		DBPath:               filepath.Join(base, "data", "pipehost.db"),
		AsyncMaxQueuedBytes:  4 * 1024 * 1024,
		AsyncMaxMessageBytes: 16 * 1024 * 1024,
		ConnectorNameCap:     128,
	}
}

// EnsureDirs creates all directories this configuration references.
func (c *Config) EnsureDirs() error {
	dirs := []string{c.DataDir, c.SnapshotsDir, c.AuditDir, filepath.Dir(c.DBPath)}
	for _, d := range dirs {
		if err := os.MkdirAll(d, 0700); err != nil {
			return err
		}
	}
	return nil
}
