package main

import (
	"fmt"
	"log"
	"net/url"
	"os"

	"github.com/spf13/cobra"

	"github.com/jeffersonwarrior/myco/client"
	"github.com/jeffersonwarrior/myco/internal/config"
	"github.com/jeffersonwarrior/myco/internal/obs"
	"github.com/jeffersonwarrior/myco/internal/version"
	"github.com/jeffersonwarrior/myco/transport"
)

// CLI represents the command-line interface
type CLI struct {
	rootCmd    *cobra.Command
	configPath string
	logLevel   string
}

func newCLI() *CLI {
	cli := &CLI{}
	cli.rootCmd = &cobra.Command{
		Use:           "myco",
		Short:         "myco - composable HTTP/1.1 handlers and a pooled client",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	cli.rootCmd.PersistentFlags().StringVar(&cli.configPath, "config", "myco.yaml", "Path to configuration file")
	cli.rootCmd.PersistentFlags().StringVar(&cli.logLevel, "log-level", "", "Log level (debug, info, warn, error); overrides the config file")

	cli.rootCmd.AddCommand(cli.serveCmd(), cli.fetchCmd(), cli.versionCmd())
	return cli
}

// Execute runs the root command.
func (cli *CLI) Execute() error {
	return cli.rootCmd.Execute()
}

func (cli *CLI) versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "myco %s\n", version.Version())
		},
	}
}

// loadConfig loads the config file and applies flag overrides.
func (cli *CLI) loadConfig() (*config.Config, obs.Logger) {
	cfg, _ := config.Load(cli.configPath)
	if cli.logLevel != "" {
		cfg.Log.Level = cli.logLevel
	}
	logger := obs.StdLogger{
		L:   log.New(os.Stderr, "", log.LstdFlags),
		Min: obs.ParseLevel(cfg.Log.Level),
	}
	return cfg, logger
}

// clientConfig maps the client section onto client.Config.
func clientConfig(cfg config.ClientConfig, logger obs.Logger) (client.Config, error) {
	backend, err := transport.LookupTLSBackend(cfg.TLSBackend)
	if err != nil {
		return client.Config{}, err
	}
	out := client.Config{
		TLSBackend:       backend,
		MaxIdlePerOrigin: cfg.MaxIdlePerOrigin,
		IdleTimeout:      cfg.IdleTimeout,
		DialTimeout:      cfg.DialTimeout,
		Logger:           logger,
	}
	switch cfg.Proxy {
	case "":
	case "env":
		out.Proxy = client.ProxyFromEnvironment
	default:
		u, err := url.Parse(cfg.Proxy)
		if err != nil {
			return client.Config{}, fmt.Errorf("invalid proxy %q: %w", cfg.Proxy, err)
		}
		out.Proxy = client.FixedProxy(u)
	}
	return out, nil
}
