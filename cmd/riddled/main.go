package main

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/riddlenet/riddle/consensus/riddle"
	"github.com/riddlenet/riddle/crypto"
	"github.com/riddlenet/riddle/middleware/config"
)

const usage = "usage: riddled <path-to-json-config-file>"

func main() {
	if len(os.Args) < 2 {
		fmt.Println(usage)
		os.Exit(1)
	}
	cfg, err := config.LoadConfig[config.NodeConfig](os.Args[1])
	if err != nil {
		fmt.Println(err)
		os.Exit(1)
	}

	credentials, err := crypto.LoadOrCreateKeyFile(cfg.KeyFile)
	if err != nil {
		fmt.Printf("could not load node key: %v\n", err)
		os.Exit(1)
	}
	token := credentials.PublicKey()

	if cfg.LogPath != "" {
		logName := fmt.Sprintf("%v.log", token.Hex()[0:16])
		logFile, err := os.OpenFile(filepath.Join(cfg.LogPath, logName),
			os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
		if err != nil {
			fmt.Printf("could not open log file: %v\n", err)
			os.Exit(1)
		}
		var programLevel = new(slog.LevelVar)
		programLevel.Set(slog.LevelDebug)
		logger := slog.NewTextHandler(logFile, &slog.HandlerOptions{Level: programLevel})
		slog.SetDefault(slog.New(logger))
	}

	peer, err := riddle.New(cfg.PeerConfig(credentials))
	if err != nil {
		fmt.Printf("could not start node: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("riddled node %v listening on %v\n", token, cfg.Address)

	for _, trusted := range cfg.TrustedPeers {
		if err := peer.Connect(trusted.Address); err != nil {
			slog.Warn("could not connect to trusted peer", "addr", trusted.Address, "error", err)
		}
	}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop
	fmt.Println("shutting down")
	peer.Shutdown()
}
