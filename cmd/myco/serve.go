package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/jeffersonwarrior/myco/client"
	"github.com/jeffersonwarrior/myco/grain"
	"github.com/jeffersonwarrior/myco/handlers/accesslog"
	"github.com/jeffersonwarrior/myco/handlers/connid"
	"github.com/jeffersonwarrior/myco/handlers/proxy"
	"github.com/jeffersonwarrior/myco/internal/config"
	"github.com/jeffersonwarrior/myco/internal/obs"
	"github.com/jeffersonwarrior/myco/internal/version"
	"github.com/jeffersonwarrior/myco/server"
	"github.com/jeffersonwarrior/myco/transport"
)

func (cli *CLI) serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the server (proxying to upstream when configured)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger := cli.loadConfig()
			return runServe(cfg, logger)
		},
	}
}

func runServe(cfg *config.Config, logger obs.Logger) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	app, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer app.Close()

	scfg, err := serverConfig(cfg.Server, logger)
	if err != nil {
		return err
	}
	srv := server.New(scfg, app.handler)

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe(ctx) }()
	logger.Logf(obs.Info, "myco %s on %s (press Ctrl+C to shutdown, twice to force)", version.Version(), scfg.Addr())

	sigChan := make(chan os.Signal, 2)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	select {
	case err := <-errCh:
		return err
	case sig := <-sigChan:
		logger.Logf(obs.Info, "received signal %v, shutting down", sig)
	}
	go func() {
		<-sigChan
		logger.Logf(obs.Warn, "second signal, forcing exit")
		os.Exit(1)
	}()

	sctx, scancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer scancel()
	if err := srv.Shutdown(sctx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	if err := <-errCh; err != nil && !errors.Is(err, server.ErrServerClosed) {
		return err
	}
	return nil
}

func serverConfig(cfg config.ServerConfig, logger obs.Logger) (server.Config, error) {
	out := server.Config{
		Host:            cfg.Host,
		Port:            cfg.Port,
		MaxHeadBytes:    cfg.MaxHeadBytes,
		IdleTimeout:     cfg.IdleTimeout,
		ShutdownTimeout: cfg.ShutdownTimeout,
		Logger:          logger,
	}
	if cfg.TLSEnabled() {
		tlsCfg, err := transport.LoadTLSConfig(cfg.TLSCert, cfg.TLSKey)
		if err != nil {
			return server.Config{}, err
		}
		out.Acceptor = &transport.TLSAcceptor{Config: tlsCfg}
	}
	return out, nil
}

// app is the handler tree served by `myco serve` and what it owns.
type app struct {
	handler grain.Handler
	client  *client.Client
	sink    *accesslog.SQLiteSink
}

func newApp(ctx context.Context, cfg *config.Config, logger obs.Logger) (*app, error) {
	logger = obs.OrNop(logger)
	a := &app{}

	var sink accesslog.Sink = accesslog.LogSink(logger)
	if cfg.Log.AccessDB != "" {
		s, err := accesslog.OpenSQLite(cfg.Log.AccessDB)
		if err != nil {
			return nil, err
		}
		a.sink, sink = s, s
	}

	var leaf grain.Handler = grain.HandlerFunc(index)
	if cfg.Upstream != "" {
		ccfg, err := clientConfig(cfg.Client, logger)
		if err != nil {
			a.Close()
			return nil, err
		}
		a.client = client.New(ccfg)
		go a.client.Pool().Run(ctx)
		if leaf, err = proxy.New(a.client, cfg.Upstream, proxy.WithLogger(logger)); err != nil {
			a.Close()
			return nil, err
		}
	}

	a.handler = grain.Recover(grain.NewSequence(
		accesslog.New(sink, accesslog.WithLogger(logger)),
		connid.New(),
		grain.ErrorResponder(),
		leaf,
	), func(c *grain.Conn, p *grain.PanicError) {
		logger.Logf(obs.Error, "panic in %s %s [%s]: %v\n%s", c.Method(), c.Path(), connid.Get(c), p.Value, p.Stack)
	})
	return a, nil
}

func (a *app) Close() {
	if a.client != nil {
		a.client.CloseIdle()
	}
	if a.sink != nil {
		a.sink.Close()
	}
}

// index answers GET / with the version and leaves every other path to the
// server's fallback.
func index(c *grain.Conn) *grain.Conn {
	if c.Path() != "/" {
		return c
	}
	if c.Method() != "GET" && c.Method() != "HEAD" {
		return c.WithHeader("Allow", "GET, HEAD").WithStatus(405).Halt()
	}
	return c.WithHeader("Content-Type", "text/plain; charset=utf-8").Ok("myco " + version.Version() + "\n")
}
