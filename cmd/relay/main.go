package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	serverrun "github.com/rzbill/relay/internal/cmd/server"
	cfgpkg "github.com/rzbill/relay/internal/config"
	wsserver "github.com/rzbill/relay/internal/server/ws"
	pebblestore "github.com/rzbill/relay/internal/storage/pebble"
	logpkg "github.com/rzbill/relay/pkg/log"
)

func main() {
	level, err := logpkg.ParseLevel(os.Getenv("RELAY_LOG_LEVEL"))
	if err != nil {
		level = logpkg.InfoLevel
	}
	logger := logpkg.NewLogger(logpkg.WithLevel(level), logpkg.WithTextFormat())

	rootCmd := &cobra.Command{
		Use:   "relay",
		Short: "Streaming chat relay CLI",
		Long:  "Relay is a distributed, recoverable streaming-chat relay. This CLI manages the server node and basic operations.",
	}

	serverCmd := &cobra.Command{Use: "server", Short: "Server commands"}
	serverStartCmd := &cobra.Command{
		Use:     "start",
		Short:   "Start a relay node (WebSocket and HTTP)",
		Aliases: []string{"run"},
		RunE: func(cmd *cobra.Command, args []string) error {
			dataDir, _ := cmd.Flags().GetString("data-dir")
			httpAddr, _ := cmd.Flags().GetString("http")
			fsyncMode, _ := cmd.Flags().GetString("fsync")
			configPath, _ := cmd.Flags().GetString("config")

			mode := pebblestore.FsyncModeAlways
			switch fsyncMode {
			case "never":
				mode = pebblestore.FsyncModeNever
			case "interval":
				mode = pebblestore.FsyncModeInterval
			}

			cfg, err := cfgpkg.Load(configPath)
			if err != nil {
				return err
			}
			cfgpkg.FromEnv(&cfg)

			return serverrun.Run(context.Background(), serverrun.Options{
				DataDir:  dataDir,
				HTTPAddr: httpAddr,
				Fsync:    mode,
				Config:   cfg,
			})
		},
	}
	serverStartCmd.Flags().String("data-dir", "", "data directory (default: ~/.relay)")
	serverStartCmd.Flags().String("http", ":8080", "HTTP/WebSocket listen address")
	serverStartCmd.Flags().String("fsync", "always", "fsync mode: always|interval|never")
	serverStartCmd.Flags().String("config", "", "path to JSON config file")
	serverCmd.AddCommand(serverStartCmd)
	rootCmd.AddCommand(serverCmd)

	tokenCmd := &cobra.Command{
		Use:   "token <user-id>",
		Short: "Print the connection token for a user",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			secret, _ := cmd.Flags().GetString("secret")
			if secret == "" {
				secret = os.Getenv("RELAY_WS_AUTH_SECRET")
			}
			if secret == "" {
				return fmt.Errorf("no auth secret: pass --secret or set RELAY_WS_AUTH_SECRET")
			}
			fmt.Println(wsserver.Token(secret, args[0]))
			return nil
		},
	}
	tokenCmd.Flags().String("secret", "", "auth secret shared with the server")
	rootCmd.AddCommand(tokenCmd)

	if err := rootCmd.Execute(); err != nil {
		logger.Error("command failed", logpkg.Err(err))
		os.Exit(1)
	}
}
