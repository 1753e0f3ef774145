package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"google.golang.org/grpc"

	"xdao.co/capres/audit"
	"xdao.co/capres/invoke"
	"xdao.co/capres/token"
	"xdao.co/capres/typesig"
)

func main() {
	fs := flag.NewFlagSet("capresd", flag.ExitOnError)
	configPath := fs.String("config", "capresd.toml", "Path to TOML config file")
	debug := fs.Bool("debug", false, "Enable debug logging")
	_ = fs.Parse(os.Args[1:])

	level := zerolog.InfoLevel
	if *debug {
		level = zerolog.DebugLevel
	}
	log := zerolog.New(os.Stderr).Level(level).With().Timestamp().Str("component", "capresd").Logger()

	if err := serve(*configPath, log); err != nil {
		log.Error().Err(err).Msg("capresd exited")
		os.Exit(1)
	}
}

func serve(configPath string, log zerolog.Logger) error {
	cfg, err := loadServiceConfig(configPath)
	if err != nil {
		return err
	}

	var auditLog audit.Log
	if cfg.AuditLog == "" {
		auditLog = audit.NewMemoryLog(log)
	} else {
		fileLog, err := audit.OpenFileLog(cfg.AuditLog, log)
		if err != nil {
			return fmt.Errorf("open audit log: %w", err)
		}
		auditLog = fileLog
	}

	server := &invoke.Server{
		Keypair:  cfg.Provider,
		Verifier: &token.Verifier{Key: cfg.IssuerKey},
		Types:    typesig.NewRegistry(),
		Audit:    auditLog,
		Log:      log,
	}
	for _, c := range cfg.Capabilities {
		sig, err := typesig.ParseSignature(c.Signature)
		if err != nil {
			return fmt.Errorf("capability %q: parse signature: %w", c.Name, err)
		}
		handler, stream := builtinHandlers[c.Handler](c)
		if err := server.Register(invoke.Capability{
			Name:      c.Name,
			Signature: sig,
			Handler:   handler,
			Stream:    stream,
		}); err != nil {
			return fmt.Errorf("capability %q: %w", c.Name, err)
		}
		log.Info().Str("capability", c.Name).Str("handler", c.Handler).Msg("capability registered")
	}

	lis, err := net.Listen("tcp", cfg.Listen)
	if err != nil {
		return err
	}
	defer lis.Close()

	grpcServer := grpc.NewServer()
	invoke.RegisterInvokerServer(grpcServer, server)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	go func() {
		<-ctx.Done()
		log.Info().Msg("shutting down")
		grpcServer.GracefulStop()
	}()

	log.Info().
		Str("listen", lis.Addr().String()).
		Str("provider_key", cfg.Provider.SignerKey()).
		Msg("capresd listening")
	return grpcServer.Serve(lis)
}
