// Command chatserver runs the chat relay server: it accepts TCP
// connections, registers each as a session.Session, and relays chat,
// whisper and file-transfer traffic between them until terminated.
package main

import (
	"context"
	"flag"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/chatrelay/chatrelay/config"
	"github.com/chatrelay/chatrelay/registry"
	"github.com/chatrelay/chatrelay/session"
	"github.com/chatrelay/chatrelay/transport"
)

func main() {
	cfg := config.DefaultServer()

	host := flag.String("host", "0.0.0.0", "address to bind")
	port := flag.Int("port", config.DefaultPort, "port to listen on")
	flag.DurationVar(&cfg.BackpressureTimeout, "backpressure-timeout", cfg.BackpressureTimeout, "max time to wait for a slow peer before treating it as unhealthy")
	flag.DurationVar(&cfg.IdleTimeout, "idle-timeout", cfg.IdleTimeout, "read/write idle timeout")
	flag.IntVar(&cfg.QueueCapacity, "queue-capacity", cfg.QueueCapacity, "per-connection outbound queue capacity")
	flag.IntVar(&cfg.MaxFrameSize, "max-frame-size", cfg.MaxFrameSize, "maximum size of a single frame")
	flag.Int64Var(&cfg.MaxConnections, "max-connections", cfg.MaxConnections, "maximum concurrent peers, 0 for unlimited")
	flag.Parse()

	addr, err := net.ResolveTCPAddr("tcp", net.JoinHostPort(*host, strconv.Itoa(*port)))
	if err != nil {
		slog.Error("invalid listen address", "error", err)
		os.Exit(1)
	}

	logger := slog.Default()

	server, err := transport.New(addr,
		transport.ServerLoggerOption(logger),
		transport.ServerMaxConnectionsOption(cfg.MaxConnections),
	)
	if err != nil {
		slog.Error("failed to bind listener", "addr", addr, "error", err)
		os.Exit(1)
	}

	manager := session.NewManager(registry.New(), cfg, logger)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh
		slog.Info("shutting down server")
		cancel()
	}()

	slog.Info("chat server starting", "addr", addr.String())
	if err := server.Serve(ctx, manager); err != nil && ctx.Err() == nil {
		slog.Error("server exited with error", "error", err)
		os.Exit(1)
	}
}
