//go:build linux
// +build linux

package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"grimm.is/netconfd/internal/config"
	"grimm.is/netconfd/internal/device"
	"grimm.is/netconfd/internal/dhcp4"
	"grimm.is/netconfd/internal/ipv4ll"
	"grimm.is/netconfd/internal/logging"
	"grimm.is/netconfd/internal/netconf"
)

func main() {
	profileDir := flag.String("profiles", "/etc/netconfd", "Directory of *.network profile files")
	stateDir := flag.String("state-dir", netconf.DefaultStateDir, "Directory for per-link state and lease files")
	resolvConf := flag.String("resolv-conf", "/etc/resolv.conf", "resolv.conf path updated from DHCP leases (empty disables)")
	metricsAddr := flag.String("metrics", "", "Listen address for Prometheus metrics (empty disables)")
	debug := flag.Bool("debug", false, "Enable debug logging")
	jsonLogs := flag.Bool("json", false, "Log in JSON format")
	flag.Parse()

	logCfg := logging.DefaultConfig()
	if *debug {
		logCfg.Level = logging.LevelDebug
	}
	logCfg.JSON = *jsonLogs
	logger := logging.New(logCfg)
	logging.SetDefault(logger)

	profiles, err := config.LoadDir(*profileDir)
	if err != nil {
		logger.Error("could not load profiles", "dir", *profileDir, "err", err)
		os.Exit(1)
	}
	logger.Info("profiles loaded", "dir", *profileDir, "count", len(profiles.Networks))

	mgr, err := netconf.NewManager(netconf.Options{
		Logger:         logger,
		Profiles:       profiles,
		Netlinker:      netconf.RealNetlinker{},
		Enumerator:     device.NewEnumerator(logger),
		Hostname:       netconf.NewTransientHostname(logger),
		StateDir:       *stateDir,
		ResolvConfPath: *resolvConf,
		DHCPFactory: func(setup netconf.DHCPSetup, cb func(netconf.DHCPEvent)) (netconf.DHCP4Client, error) {
			return dhcp4.New(setup, cb)
		},
		IPv4LLFactory: func(setup netconf.IPv4LLSetup, cb func(netconf.IPv4LLEvent)) (netconf.IPv4LLClient, error) {
			return ipv4ll.New(setup, cb)
		},
		InsideContainer: netconf.InsideContainer(),
	})
	if err != nil {
		logger.Error("could not build manager", "err", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if *metricsAddr != "" {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			if err := http.ListenAndServe(*metricsAddr, mux); err != nil {
				logger.Warn("metrics listener stopped", "err", err)
			}
		}()
	}

	if err := mgr.WatchLinks(ctx); err != nil {
		logger.Error("could not subscribe to link updates", "err", err)
		os.Exit(1)
	}

	logger.Info("netconfd running")
	if err := mgr.Run(ctx); err != nil && ctx.Err() == nil {
		logger.Error("event loop stopped", "err", err)
		os.Exit(1)
	}
	logger.Info("netconfd stopped")
}
