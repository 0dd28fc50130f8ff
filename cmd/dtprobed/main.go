package main

import (
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	dtprobed "github.com/usdt-trace/dtprobed"
	"github.com/usdt-trace/dtprobed/internal/device"
	"github.com/usdt-trace/dtprobed/internal/logging"
	"github.com/usdt-trace/dtprobed/internal/obsmetrics"
	"github.com/usdt-trace/dtprobed/internal/sandbox"
	"github.com/usdt-trace/dtprobed/internal/stash"
)

func main() {
	if len(os.Args) > 1 && os.Args[1] == sandbox.ChildArg {
		sandbox.RunChild()
		return
	}

	var (
		foreground = flag.Bool("F", false, "run in the foreground instead of daemonizing")
		devname    = flag.String("n", "dtrace/helper", "name of the helper device under /dev")
		debug      = flag.Bool("d", false, "enable debug logging and skip the parser sandbox jail")
		stateDir   = flag.String("s", stash.DefaultStateDir, "state directory (testing only)")
		timeout    = flag.Int("t", 5, "sandboxed parse timeout in seconds")
	)
	flag.Parse()
	if flag.NArg() > 0 {
		fmt.Fprintf(os.Stderr, "Syntax: dtprobed [-F] [-d] [-n devname] [-t timeout]\n")
		os.Exit(1)
	}

	logConfig := logging.DefaultConfig()
	if *debug {
		logConfig.Level = logging.LevelDebug
	}
	if !*foreground {
		logConfig.Syslog = true
	}
	log := logging.NewLogger(logConfig)
	logging.SetDefault(log)

	metrics := obsmetrics.NewMetrics(time.Now())
	observer := obsmetrics.Observer(obsmetrics.NewMetricsObserver(metrics))
	if addr := os.Getenv("_DTRACE_METRICS_ADDR"); addr != "" {
		reg := prometheus.NewRegistry()
		promObserver := obsmetrics.NewPrometheusObserver(reg)
		observer = obsmetrics.MultiObserver{observer, promObserver}
		go serveMetrics(addr, reg, log)
	}

	sweepInterval := uint64(device.DefaultSweepInterval)
	maxIdle := device.DefaultMaxIdle
	if os.Getenv("_DTRACE_TESTING") != "" {
		sweepInterval = 5
		maxIdle = 5 * time.Second
	}

	devicePath := filepath.Join("/dev", *devname)
	daemon, err := dtprobed.New(dtprobed.Config{
		DevicePath:    devicePath,
		StateDir:      *stateDir,
		ParseTimeout:  time.Duration(*timeout) * time.Second,
		SkipJail:      *debug,
		SweepInterval: sweepInterval,
		MaxIdle:       maxIdle,
		Logger:        log,
		Metrics:       metrics,
		Observer:      observer,
	})
	if err != nil {
		log.WithError(err).Error("failed to start")
		os.Exit(1)
	}

	signal.Ignore(syscall.SIGPIPE)

	sigUSR2 := make(chan os.Signal, 1)
	if os.Getenv("_DTRACE_TESTING") != "" {
		signal.Notify(sigUSR2, syscall.SIGUSR2)
	}

	sigTerm := make(chan os.Signal, 1)
	signal.Notify(sigTerm, syscall.SIGTERM, syscall.SIGINT)

	pruneInterval := 5 * time.Minute
	if os.Getenv("_DTRACE_TESTING") != "" {
		pruneInterval = 5 * time.Second
	}
	pruneTicker := time.NewTicker(pruneInterval)
	defer pruneTicker.Stop()

	go func() {
		for {
			select {
			case <-sigUSR2:
				log.Info("SIGUSR2 received; forcing reparse of stashed DOF")
				if err := daemon.ForceReparse(); err != nil {
					log.WithError(err).Warn("forced reparse failed")
				}
			case <-pruneTicker.C:
				if err := daemon.PruneDead(); err != nil {
					log.WithError(err).Warn("pruning dead pids failed")
				}
			case <-sigTerm:
				log.Info("shutting down")
				daemon.Close()
				os.Exit(0)
			}
		}
	}()

	notifyReady(log)

	if err := daemon.Run(); err != nil {
		log.WithError(err).Error("daemon exited")
		os.Exit(2)
	}
}

// notifyReady sends the single-datagram systemd readiness protocol
// ("READY=1\n" to the AF_UNIX socket named by $NOTIFY_SOCKET"),
// writing nothing if the variable is unset — the same no-op the
// reference daemon falls back to when it isn't running under systemd.
func notifyReady(log *logging.Logger) {
	addr := os.Getenv("NOTIFY_SOCKET")
	if addr == "" {
		return
	}
	conn, err := net.DialUnix("unixgram", nil, &net.UnixAddr{Name: addr, Net: "unixgram"})
	if err != nil {
		log.WithError(err).Warn("could not reach systemd notification socket")
		return
	}
	defer conn.Close()
	if _, err := conn.Write([]byte("READY=1\n")); err != nil {
		log.WithError(err).Warn("could not send systemd ready notification")
	}
}

func serveMetrics(addr string, reg *prometheus.Registry, log *logging.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	if err := http.ListenAndServe(addr, mux); err != nil {
		log.WithError(err).Warn("metrics listener exited")
	}
}
