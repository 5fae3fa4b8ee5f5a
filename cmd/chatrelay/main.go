package main

import (
	"errors"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/aeolun/chatrelay/pkg/server"
)

// Exit codes for listener failures: 1 socket creation failed, 2 bind
// failed, 3 listen failed.
const (
	exitSocketFailed = 1
	exitBindFailed   = 2
	exitListenFailed = 3
)

func main() {
	var (
		debug       = flag.Bool("debug", false, "enable debug logging")
		channels    = flag.Int("channels", 0, "maximum number of channels (minimum 1)")
		clients     = flag.Int("clients", 0, "maximum number of clients (minimum 10)")
		threads     = flag.Int("threads", 0, "worker pool size (minimum 5)")
		port        = flag.Int("port", 0, "TCP listen port")
		httpPort    = flag.Int("http-port", -1, "WebSocket endpoint port (0 disables)")
		metricsPort = flag.Int("metrics-port", -1, "metrics endpoint port (0 disables)")
		configPath  = flag.String("config", "~/.chatrelay/config.toml", "path to config file")
		adminSecret = flag.String("admin-password", "", "plaintext admin password")
	)
	flag.Parse()

	config, err := server.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// flag overrides; sub-minimum values are silently ignored
	if *channels != 0 {
		config.SetMaxChannels(*channels)
	}
	if *clients != 0 {
		config.SetMaxClients(*clients)
	}
	if *threads != 0 {
		config.SetPoolSize(*threads)
	}
	if *port != 0 {
		config.SetPort(*port)
	}
	if *httpPort >= 0 {
		config.HTTPPort = *httpPort
	}
	if *metricsPort >= 0 {
		config.MetricsPort = *metricsPort
	}
	if *adminSecret != "" {
		config.AdminSecret = *adminSecret
	}
	config.Debug = *debug

	if config.Debug {
		server.EnableDebugLogging()
	}

	srv := server.NewServer(config)
	if err := srv.Start(); err != nil {
		log.Printf("Failed to start server: %v", err)
		os.Exit(listenExitCode(err))
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig

	srv.Stop()
}

// listenExitCode maps a listener setup error to the documented exit codes.
func listenExitCode(err error) int {
	switch {
	case errors.Is(err, syscall.EMFILE),
		errors.Is(err, syscall.ENFILE),
		errors.Is(err, syscall.EPROTONOSUPPORT),
		errors.Is(err, syscall.EAFNOSUPPORT):
		return exitSocketFailed
	case errors.Is(err, syscall.EADDRINUSE),
		errors.Is(err, syscall.EACCES),
		errors.Is(err, syscall.EADDRNOTAVAIL):
		return exitBindFailed
	default:
		return exitListenFailed
	}
}
