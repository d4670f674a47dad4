package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/WinterSnowfall/wookiee-unicaster/build"
	"github.com/WinterSnowfall/wookiee-unicaster/internal/config"
	"github.com/WinterSnowfall/wookiee-unicaster/internal/engine"
	"github.com/WinterSnowfall/wookiee-unicaster/internal/logging"
	"github.com/WinterSnowfall/wookiee-unicaster/internal/relayerr"
)

// exitCodeUsage mirrors sysexits.h's EX_USAGE, used whenever cobra itself
// rejects the invocation (unknown flag, bad flag value).
const exitCodeUsage = 64

var flags config.Flags

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "wookiee-unicaster",
		Short:         "Bidirectional UDP relay for Direct-IP LAN games played over the Internet",
		Long:          "wookiee-unicaster relays UDP traffic for Direct-IP capable games between a public-facing SERVER and one or more CLIENTs, each fronting a local game instance.",
		Version:       build.Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          runEngine,
	}

	root.Flags().StringVarP(&flags.Mode, "mode", "m", "", "relay mode: \"server\" or \"client\" (required)")
	root.Flags().StringVarP(&flags.Iface, "interface", "e", "", "network interface to bind to (Unix only, mutually exclusive with -l)")
	root.Flags().StringVarP(&flags.ListenIP, "listen-ip", "l", "", "explicit IPv4 address to bind to (mutually exclusive with -e)")
	root.Flags().IntVarP(&flags.ExtPort, "external-port", "i", 0, "public-facing application port (server mode)")
	root.Flags().IntVarP(&flags.DestPort, "dest-port", "o", 0, "local game server port (client mode)")
	root.Flags().StringVarP(&flags.ServerIP, "server-ip", "s", "", "public IP of the wookiee-unicaster SERVER (client mode)")
	root.Flags().StringVarP(&flags.GameDestIP, "game-dest-ip", "d", "", "IP of the local game server (client mode)")
	root.Flags().IntVarP(&flags.PeerCount, "peers", "p", config.DefaultPeerCount, "maximum number of concurrently relayed peers")
	root.Flags().IntVar(&flags.ServerRelayBasePort, "server-relay-base-port", config.DefaultServerRelayBasePort, "first port in the per-slot SERVER relay range")
	root.Flags().IntVar(&flags.ClientRelayBasePort, "client-relay-base-port", config.DefaultClientRelayBasePort, "first port in the per-slot CLIENT relay range")
	root.Flags().BoolVarP(&flags.Quiet, "quiet", "q", false, "suppress all logging below ERROR")
	root.Flags().BoolVar(&flags.UPnP, "upnp", false, "attempt automatic port forwarding via UPnP")
	root.Flags().StringVarP(&flags.ConfigFile, "config", "c", "", "path to an optional wookiee-unicaster.conf file")

	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version and build information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("wookiee-unicaster v%s\n", build.Version)
			if build.GitRevision != "" {
				fmt.Printf("Git revision: %s\n", build.GitRevision)
			}
			if build.BuildTime != "" {
				fmt.Printf("Build time: %s\n", build.BuildTime)
			}
		},
	})

	return root
}

func runEngine(cmd *cobra.Command, args []string) error {
	cfg, warnings, err := config.Load(flags)
	if err != nil {
		return err
	}

	log := logging.New(string(cfg.Role), cfg.LoggingLevel, cfg.Quiet)
	for _, w := range warnings {
		log.Warn(w)
	}
	log.WithFields(map[string]interface{}{
		"version": build.Version,
		"role":    cfg.Role,
		"peers":   cfg.PeerCount,
	}).Info("wookiee-unicaster starting")

	e := engine.New(cfg, log)
	if err := e.Start(); err != nil {
		return err
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	log.Info("shutdown signal received")
	return e.Stop()
}

func main() {
	root := newRootCmd()
	if err := root.Execute(); err != nil {
		if ee, ok := err.(*relayerr.EngineError); ok {
			fmt.Fprintln(os.Stderr, ee)
			os.Exit(1)
		}
		os.Exit(exitCodeUsage)
	}
}
