package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/mjl-/bstore"
	"github.com/mjl-/sconf"

	"github.com/mjl-/movesync/changelog"
	"github.com/mjl-/movesync/config"
	"github.com/mjl-/movesync/mlog"
	"github.com/mjl-/movesync/upsync"
)

var commands = []struct {
	cmd string
	fn  func(c *cmd)
}{
	{"serve", cmdServe},
	{"sweep", cmdSweep},
	{"pending", cmdPending},
	{"add move", cmdAddMove},
	{"backup", cmdBackup},
	{"config test", cmdConfigTest},
	{"config describe", cmdConfigDescribe},
}

type cmd struct {
	words []string
	fn    func(c *cmd)

	// Set before calling the command.
	flag     *flag.FlagSet
	flagArgs []string

	// Set by the invoked command.
	params string // Arguments to command, for usage.
	help   string // First line is the synopsis.
	args   []string

	log mlog.Log
}

func (c *cmd) Parse() []string {
	c.flag.Usage = c.Usage
	c.flag.Parse(c.flagArgs)
	c.args = c.flag.Args()
	return c.args
}

func (c *cmd) Usage() {
	fmt.Fprintf(os.Stderr, "usage: movesync %s %s\n", strings.Join(c.words, " "), c.params)
	if synopsis, _, _ := strings.Cut(c.help, "\n"); synopsis != "" {
		fmt.Fprintln(os.Stderr, synopsis)
	}
	c.flag.PrintDefaults()
	os.Exit(2)
}

func usage() {
	fmt.Fprint(os.Stderr, `usage: movesync [-config movesync.conf] [-loglevel level] command ...

	movesync serve
	movesync sweep account
	movesync pending
	movesync add move [flags] accountid messageid srcmailboxid dstmailboxid
	movesync backup destpath
	movesync config test
	movesync config describe >movesync.conf
`)
	os.Exit(2)
}

var (
	configPath string
	loglevel   string

	// Conf is the parsed configuration, set by mustLoadConfig.
	Conf config.Config
)

var ctxbg = context.Background()

func envString(k, def string) string {
	s := os.Getenv(k)
	if s == "" {
		return def
	}
	return s
}

func main() {
	log.SetFlags(0)

	flag.StringVar(&configPath, "config", envString("MOVESYNCCONF", "movesync.conf"), "configuration file, defaults to $MOVESYNCCONF with a fallback to movesync.conf")
	flag.StringVar(&loglevel, "loglevel", "", "if non-empty, this log level is used instead of the configured level")
	flag.Usage = usage
	flag.Parse()
	args := flag.Args()
	if len(args) == 0 {
		usage()
	}

	mlog.SetConfig(map[string]slog.Level{"": slog.LevelInfo})

	if args[0] == "help" {
		usage()
	}

	for _, xc := range commands {
		words := strings.Split(xc.cmd, " ")
		if len(args) < len(words) || !strings.EqualFold(strings.Join(args[:len(words)], " "), xc.cmd) {
			continue
		}
		c := &cmd{
			words:    words,
			fn:       xc.fn,
			flag:     flag.NewFlagSet("movesync "+xc.cmd, flag.ExitOnError),
			flagArgs: args[len(words):],
			log:      mlog.New("main", nil),
		}
		c.fn(c)
		return
	}
	fmt.Fprintf(os.Stderr, "movesync: unknown command %q\n", strings.Join(args, " "))
	usage()
}

func xcheckf(err error, format string, args ...any) {
	if err == nil {
		return
	}
	msg := fmt.Sprintf(format, args...)
	log.Fatalf("%s: %s", msg, err)
}

// mustLoadConfig parses the config file, checks it, and applies log levels.
func mustLoadConfig() {
	err := sconf.ParseFile(configPath, &Conf)
	xcheckf(err, "parsing config file %s", configPath)
	err = Conf.Check()
	xcheckf(err, "checking config file %s", configPath)

	ll := Conf.LogLevel
	if loglevel != "" {
		ll = loglevel
	}
	level, ok := mlog.Levels[ll]
	if !ok {
		log.Fatalf("unknown log level %q", ll)
	}
	levels := map[string]slog.Level{"": level}
	for pkg, s := range Conf.PackageLogLevels {
		plevel, ok := mlog.Levels[s]
		if !ok {
			log.Fatalf("unknown log level %q for package %q", s, pkg)
		}
		levels[pkg] = plevel
	}
	mlog.SetConfig(levels)
}

// dbPath returns the path of the change log database, relative paths in the
// config are relative to the directory of the config file.
func dbPath() string {
	dir := Conf.DataDir
	if !filepath.IsAbs(dir) {
		dir = filepath.Join(filepath.Dir(configPath), dir)
	}
	return filepath.Join(dir, "changelog.db")
}

func mustInitDB() {
	err := changelog.Init(ctxbg, dbPath())
	xcheckf(err, "opening change log database")
}

func xparseInt64(s, what string) int64 {
	v, err := strconv.ParseInt(s, 10, 64)
	xcheckf(err, "parsing %s %q", what, s)
	return v
}

func cmdSweep(c *cmd) {
	c.params = "account"
	c.help = `Run a single reconcile-and-upsync pass for the account.

Claims all pending changes of the account, collapses them into net changes,
pushes them to the IMAP server and updates the change log with the outcomes.
Must not run concurrently with another sweep or a serve for the same account.
`
	args := c.Parse()
	if len(args) != 1 {
		c.Usage()
	}

	mustLoadConfig()
	acc, ok := Conf.Accounts[args[0]]
	if !ok {
		log.Fatalf("unknown account %q", args[0])
	}
	mustInitDB()
	defer func() {
		err := changelog.Close()
		c.log.Check(err, "closing change log database")
	}()

	err := upsync.Sweep(ctxbg, c.log, args[0], acc)
	xcheckf(err, "sweeping account %s", args[0])
}

func cmdPending(c *cmd) {
	c.params = ""
	c.help = `List pending change log entries, for all accounts.`
	args := c.Parse()
	if len(args) != 0 {
		c.Usage()
	}

	mustLoadConfig()
	mustInitDB()
	defer func() {
		err := changelog.Close()
		c.log.Check(err, "closing change log database")
	}()

	moves, err := bstore.QueryDB[changelog.Move](ctxbg, changelog.DB).SortAsc("ID").List()
	xcheckf(err, "listing pending moves")
	states, err := bstore.QueryDB[changelog.StateChange](ctxbg, changelog.DB).SortAsc("ID").List()
	xcheckf(err, "listing pending state changes")

	if len(moves) == 0 && len(states) == 0 {
		fmt.Println("no pending changes")
		return
	}
	for _, m := range moves {
		fmt.Printf("move id %d: account %d message %d (server %q) mailbox %d (%q) -> %d (%q), status %d\n",
			m.ID, m.AccountID, m.MessageID, m.MessageServerID, m.SrcMailboxID, m.SrcMailboxServerID, m.DstMailboxID, m.DstMailboxServerID, m.Status)
	}
	for _, s := range states {
		fmt.Printf("state id %d: account %d message %d (server %q in %q) seen %v -> %v, flagged %v -> %v, status %d\n",
			s.ID, s.AccountID, s.MessageID, s.MessageServerID, s.MailboxServerID, s.OldSeen, s.NewSeen, s.OldFlagged, s.NewFlagged, s.Status)
	}
}

func cmdAddMove(c *cmd) {
	c.params = "[-msgserverid id] [-srcserverid name] [-dstserverid name] accountid messageid srcmailboxid dstmailboxid"
	c.help = `Append a pending mailbox move to the change log.

For feeding the change log from scripts and tests. Mail clients use the
changelog package directly.
`
	var msgServerID, srcServerID, dstServerID string
	c.flag.StringVar(&msgServerID, "msgserverid", "", "remote id (IMAP UID) of the message, empty if not yet synced")
	c.flag.StringVar(&srcServerID, "srcserverid", "", "remote name of the source mailbox")
	c.flag.StringVar(&dstServerID, "dstserverid", "", "remote name of the destination mailbox")
	args := c.Parse()
	if len(args) != 4 {
		c.Usage()
	}

	mustLoadConfig()
	mustInitDB()
	defer func() {
		err := changelog.Close()
		c.log.Check(err, "closing change log database")
	}()

	m := changelog.Move{
		AccountID:          xparseInt64(args[0], "accountid"),
		MessageID:          xparseInt64(args[1], "messageid"),
		MessageServerID:    msgServerID,
		SrcMailboxID:       xparseInt64(args[2], "srcmailboxid"),
		DstMailboxID:       xparseInt64(args[3], "dstmailboxid"),
		SrcMailboxServerID: srcServerID,
		DstMailboxServerID: dstServerID,
	}
	err := changelog.AddMove(ctxbg, &m)
	xcheckf(err, "adding move")
	fmt.Printf("added move with id %d\n", m.ID)
}

func cmdBackup(c *cmd) {
	c.params = "destpath"
	c.help = `Write a consistent snapshot of the change log database to destpath.`
	args := c.Parse()
	if len(args) != 1 {
		c.Usage()
	}

	mustLoadConfig()
	mustInitDB()
	defer func() {
		err := changelog.Close()
		c.log.Check(err, "closing change log database")
	}()

	f, err := os.OpenFile(args[0], os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0660)
	xcheckf(err, "creating backup file")
	err = changelog.DB.Read(ctxbg, func(tx *bstore.Tx) error {
		_, err := tx.WriteTo(f)
		return err
	})
	xcheckf(err, "writing backup")
	err = f.Close()
	xcheckf(err, "closing backup file")
}

func cmdConfigTest(c *cmd) {
	c.params = ""
	c.help = `Parse and check the configuration file.`
	args := c.Parse()
	if len(args) != 0 {
		c.Usage()
	}

	mustLoadConfig()
	fmt.Println("config OK")
}

func cmdConfigDescribe(c *cmd) {
	c.params = ">movesync.conf"
	c.help = `Print an annotated example configuration file.`
	args := c.Parse()
	if len(args) != 0 {
		c.Usage()
	}

	example := config.Config{
		DataDir:  "data",
		LogLevel: "info",
		Accounts: map[string]config.Account{
			"example": {
				ID:       1,
				Host:     "imap.example.com",
				Username: "user@example.com",
				Password: "secret",
			},
		},
	}
	err := sconf.Describe(os.Stdout, &example)
	xcheckf(err, "describing config")
}
