// Package config holds the parsed form of the movesync.conf configuration
// file.
package config

import (
	"fmt"
	"time"
)

// Port returns port if non-zero, and fallback otherwise.
func Port(port, fallback int) int {
	if port == 0 {
		return fallback
	}
	return port
}

// Config is a parsed movesync.conf.
type Config struct {
	DataDir          string             `sconf-doc:"NOTE: This config file is in 'sconf' format. Indent with tabs. Comments must be on their own line, they don't end a line. Do not escape or quote strings. Details: https://pkg.go.dev/github.com/mjl-/sconf.\n\n\nDirectory where the change log database is stored. If this is a relative path, it is relative to the directory of movesync.conf."`
	LogLevel         string             `sconf-doc:"Default log level, one of: error, warn, info, debug, trace."`
	PackageLogLevels map[string]string  `sconf:"optional" sconf-doc:"Overrides of log level per package (e.g. changelog, upsync)."`
	MetricsAddress   string             `sconf:"optional" sconf-doc:"Address to serve Prometheus metrics on during serve, e.g. localhost:8010. If empty, no metrics endpoint is started."`
	Interval         string             `sconf:"optional" sconf-doc:"How often serve runs an upsync sweep for each account, as a Go duration, e.g. 30s or 5m. Default 1m."`
	Accounts         map[string]Account `sconf-doc:"Accounts to upsync pending changes for. The key is a name used in logging and on the command line."`

	ParsedInterval time.Duration `sconf:"-" json:"-"`
}

// Account is the remote server and credentials for one account.
type Account struct {
	ID       int64  `sconf-doc:"Local account id, as referenced by change log entries. Must be unique across accounts and non-zero."`
	Host     string `sconf-doc:"IMAP server hostname."`
	Port     int    `sconf:"optional" sconf-doc:"IMAP server port. Default 993, or 143 with STARTTLS."`
	Username string `sconf-doc:"Login name."`
	Password string `sconf-doc:"Password. NOTE: stored in plain text in this file, restrict permissions."`
	STARTTLS bool   `sconf:"optional" sconf-doc:"Connect to the plain IMAP port and upgrade with STARTTLS, instead of immediate TLS."`
}

// Check parses derived fields and verifies the config is coherent.
func (c *Config) Check() error {
	if c.DataDir == "" {
		return fmt.Errorf("missing DataDir")
	}
	if c.Interval == "" {
		c.ParsedInterval = time.Minute
	} else {
		d, err := time.ParseDuration(c.Interval)
		if err != nil {
			return fmt.Errorf("parsing Interval: %v", err)
		}
		if d <= 0 {
			return fmt.Errorf("Interval must be positive")
		}
		c.ParsedInterval = d
	}
	seen := map[int64]string{}
	for name, a := range c.Accounts {
		if a.ID == 0 {
			return fmt.Errorf("account %s: missing ID", name)
		}
		if oname, ok := seen[a.ID]; ok {
			return fmt.Errorf("account %s: ID %d already used by account %s", name, a.ID, oname)
		}
		seen[a.ID] = name
		if a.Host == "" {
			return fmt.Errorf("account %s: missing Host", name)
		}
	}
	return nil
}
