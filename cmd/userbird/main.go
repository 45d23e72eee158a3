package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"userbird-backend/internal/config"
	"userbird-backend/internal/server"

	"github.com/emersion/go-smtp"
	"github.com/urfave/cli/v3"
)

var Version = "dev"

func main() {
	cmd := &cli.Command{
		Name:    "userbird",
		Usage:   "Userbird feedback backend",
		Version: Version,
		Commands: []*cli.Command{
			{
				Name:   "serve",
				Usage:  "Run the HTTP API and the scheduled DNS checks",
				Action: serve,
			},
			{
				Name:  "mailserver",
				Usage: "Accept inbound email over SMTP",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:  "addr",
						Usage: "listen address, overrides INBOUND_SMTP_ADDR",
					},
				},
				Action: mailserver,
			},
			{
				Name:   "check-dns",
				Usage:  "Run one scheduled DNS verification batch and exit",
				Action: checkDNS,
			},
		},
		DefaultCommand: "serve",
	}

	if err := cmd.Run(context.Background(), os.Args); err != nil {
		log.Fatalf("userbird: %v", err)
	}
}

func initServer() (*server.Server, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}

	srv := server.New(cfg)
	if err := srv.Initialize(); err != nil {
		return nil, fmt.Errorf("initializing server: %w", err)
	}
	return srv, nil
}

func serve(ctx context.Context, cmd *cli.Command) error {
	srv, err := initServer()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	srv.StartScheduler()

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	srv.Echo.Logger.Info("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), server.ShutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func mailserver(ctx context.Context, cmd *cli.Command) error {
	srv, err := initServer()
	if err != nil {
		return err
	}
	if addr := cmd.String("addr"); addr != "" {
		srv.Config.Inbound.SMTPAddr = addr
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	smtpServer := srv.NewSMTPServer()
	errCh := make(chan error, 1)
	go func() {
		srv.Echo.Logger.Infof("SMTP ingress listening on %s", smtpServer.Addr)
		errCh <- smtpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, smtp.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), server.ShutdownTimeout)
	defer cancel()
	if err := smtpServer.Shutdown(shutdownCtx); err != nil {
		srv.Echo.Logger.Warnf("SMTP shutdown: %v", err)
	}
	srv.Dispatcher.Close()
	return nil
}

func checkDNS(ctx context.Context, cmd *cli.Command) error {
	srv, err := initServer()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, 30*time.Minute)
	defer cancel()

	summary, err := srv.DNS.RunScheduledCheck(ctx)
	if err != nil {
		return err
	}
	fmt.Println(summary)
	return nil
}
