package config

import (
	"strings"
	"testing"
	"time"

	"github.com/mjl-/sconf"
)

const conf = `DataDir: data
LogLevel: info
Interval: 30s
Accounts:
	work:
		ID: 1
		Host: imap.example.com
		Username: user@example.com
		Password: secret
	home:
		ID: 2
		Host: imap.example.org
		Port: 143
		Username: user
		Password: secret
		STARTTLS: true
`

func TestParse(t *testing.T) {
	var c Config
	if err := sconf.Parse(strings.NewReader(conf), &c); err != nil {
		t.Fatalf("parsing config: %s", err)
	}
	if err := c.Check(); err != nil {
		t.Fatalf("checking config: %s", err)
	}
	if c.ParsedInterval != 30*time.Second {
		t.Fatalf("got interval %v, expected 30s", c.ParsedInterval)
	}
	if len(c.Accounts) != 2 {
		t.Fatalf("got %d accounts, expected 2", len(c.Accounts))
	}
	if Port(c.Accounts["work"].Port, 993) != 993 || Port(c.Accounts["home"].Port, 143) != 143 {
		t.Fatalf("unexpected ports")
	}
}

func TestCheck(t *testing.T) {
	bad := func(mutate func(c *Config), what string) {
		t.Helper()
		var c Config
		if err := sconf.Parse(strings.NewReader(conf), &c); err != nil {
			t.Fatalf("parsing config: %s", err)
		}
		mutate(&c)
		if err := c.Check(); err == nil {
			t.Fatalf("config check passed, expected error for %s", what)
		}
	}

	bad(func(c *Config) { c.DataDir = "" }, "missing datadir")
	bad(func(c *Config) { c.Interval = "bogus" }, "bad interval")
	bad(func(c *Config) { c.Interval = "-1m" }, "negative interval")
	bad(func(c *Config) {
		a := c.Accounts["home"]
		a.ID = 1
		c.Accounts["home"] = a
	}, "duplicate account id")
	bad(func(c *Config) {
		a := c.Accounts["home"]
		a.ID = 0
		c.Accounts["home"] = a
	}, "missing account id")
	bad(func(c *Config) {
		a := c.Accounts["home"]
		a.Host = ""
		c.Accounts["home"] = a
	}, "missing host")

	// Default interval.
	var c Config
	if err := sconf.Parse(strings.NewReader(conf), &c); err != nil {
		t.Fatalf("parsing config: %s", err)
	}
	c.Interval = ""
	if err := c.Check(); err != nil {
		t.Fatalf("checking config: %s", err)
	}
	if c.ParsedInterval != time.Minute {
		t.Fatalf("got default interval %v, expected 1m", c.ParsedInterval)
	}
}
