package main

import (
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"runtime/debug"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mjl-/movesync/changelog"
	"github.com/mjl-/movesync/config"
	"github.com/mjl-/movesync/metrics"
	"github.com/mjl-/movesync/upsync"
)

var cidGen atomic.Int64

func cmdServe(c *cmd) {
	c.params = ""
	c.help = `Periodically sweep pending changes of all configured accounts.

Each interval, every account gets one reconcile-and-upsync pass. If a metrics
address is configured, Prometheus metrics are served on it. Stops on SIGINT or
SIGTERM, finishing the sweep in progress.
`
	args := c.Parse()
	if len(args) != 0 {
		c.Usage()
	}

	mustLoadConfig()
	mustInitDB()
	log := c.log
	defer func() {
		err := changelog.Close()
		log.Check(err, "closing change log database")
	}()

	if Conf.MetricsAddress != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		go func() {
			log.Infox("serving metrics", nil, slog.String("address", Conf.MetricsAddress))
			err := http.ListenAndServe(Conf.MetricsAddress, mux)
			log.Fatalx("metrics listener", err)
		}()
	}

	sigc := make(chan os.Signal, 2)
	signal.Notify(sigc, syscall.SIGTERM, syscall.SIGINT)

	log.Infox("movesync serve starting", nil,
		slog.Int("accounts", len(Conf.Accounts)),
		slog.Duration("interval", Conf.ParsedInterval))

	t := time.NewTicker(Conf.ParsedInterval)
	defer t.Stop()
	for {
		for name, acc := range Conf.Accounts {
			sweepAccount(c, name, acc)
		}
		select {
		case sig := <-sigc:
			log.Infox("shutting down", nil, slog.String("signal", sig.String()))
			return
		case <-t.C:
		}
	}
}

// sweepAccount runs one sweep, with its own cid for correlating log lines, and
// keeps a panic in one account's sweep from taking down the other accounts.
func sweepAccount(c *cmd, name string, acc config.Account) {
	log := c.log.WithCid(cidGen.Add(1))
	defer func() {
		x := recover()
		if x == nil {
			return
		}
		log.Errorx("unhandled panic in sweep", nil, slog.String("account", name), slog.Any("panic", x))
		debug.PrintStack()
		metrics.PanicInc()
	}()
	err := upsync.Sweep(ctxbg, log, name, acc)
	log.Check(err, "sweeping account", slog.String("account", name))
}
