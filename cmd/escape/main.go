package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/op/go-logging.v1"

	"escape/pkg/config"
	elog "escape/pkg/log"
)

var (
	cfgFile string
	envFile string
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "escape",
		Short:         "Censorship resistant connectivity client",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&cfgFile, "config", "c", getenv("ESCAPE_CONFIG", "escape.toml"), "config file (env ESCAPE_CONFIG)")
	root.PersistentFlags().StringVar(&envFile, "env", ".env", "dotenv file loaded before the config")

	root.AddCommand(
		connectCmd(),
		wipeCmd(),
		codeCmd(),
		historyCmd(),
		obfsKeygenCmd(),
		obfsBridgeCmd(),
		tunnelRenderCmd(),
		versionCmd(),
	)
	return root
}

// runner is what every subcommand that reads the config needs.
type runner struct {
	cfg     *config.Config
	backend *elog.Backend
}

func setup() (*runner, error) {
	if err := config.LoadDotEnv(envFile); err != nil {
		return nil, fmt.Errorf("load %s: %w", envFile, err)
	}
	cfg, err := config.LoadFile(cfgFile)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	backend, err := elog.New(cfg.Logging.File, cfg.Logging.Level, cfg.Logging.Disable)
	if err != nil {
		return nil, err
	}
	return &runner{cfg: cfg, backend: backend}, nil
}

func (r *runner) logger(module string) *logging.Logger { return r.backend.GetLogger(module) }

func (r *runner) Close() error { return r.backend.Close() }

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
