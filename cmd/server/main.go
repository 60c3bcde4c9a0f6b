package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/mpavel/chatrelay/pkg/server"
)

var (
	// Version is set at build time via ldflags
	Version = "dev"
)

func main() {
	// Configure logger with microsecond precision
	log.SetFlags(log.Ldate | log.Ltime | log.Lmicroseconds)

	configPath := flag.String("config", "~/.chatrelay/config.toml", "Path to config file")
	port := flag.Int("port", 0, "TCP port to listen on (overrides config)")
	httpPort := flag.Int("http-port", 0, "HTTP port for WebSocket and metrics (overrides config)")
	dataDir := flag.String("data", "", "Data directory for credentials, mailboxes and history (overrides config)")
	debug := flag.Bool("debug", false, "Enable debug logging")
	version := flag.Bool("version", false, "Show version information")
	flag.Parse()

	if *version {
		fmt.Printf("chatrelay server %s\n", Version)
		os.Exit(0)
	}

	config, err := server.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	serverConfig := config.ToServerConfig()
	if *port != 0 {
		serverConfig.TCPPort = *port
	}
	if *httpPort != 0 {
		serverConfig.HTTPPort = *httpPort
	}
	if *dataDir != "" {
		serverConfig.DataDir = *dataDir
	}

	// The one positional argument is the maximum concurrent session count.
	if flag.NArg() > 1 {
		log.Fatalf("Usage: %s [flags] [max-clients]", os.Args[0])
	}
	if flag.NArg() == 1 {
		n, err := strconv.Atoi(flag.Arg(0))
		if err != nil || n < 1 {
			log.Fatalf("Invalid maximum number of connections: %q", flag.Arg(0))
		}
		serverConfig.MaxClients = n
	}

	resolvedDataDir, err := server.ExpandPath(serverConfig.DataDir)
	if err != nil {
		log.Fatalf("Failed to resolve data directory: %v", err)
	}
	serverConfig.DataDir = resolvedDataDir

	srv, err := server.NewServer(serverConfig)
	if err != nil {
		log.Fatalf("Failed to create server: %v", err)
	}
	if *debug {
		srv.EnableDebugLogging()
	}

	if err := srv.Start(); err != nil {
		log.Fatalf("Failed to start server: %v", err)
	}
	log.Printf("chatrelay server %s started", Version)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	log.Println("Shutting down server...")
	if err := srv.Stop(); err != nil {
		log.Printf("Error during shutdown: %v", err)
	}
	log.Println("Server stopped")
}
