// Command backend-datalink runs the telemetry-and-control gateway: a
// WebSocket fan-out server for browser dashboards backed by an
// embedded store, a host metrics collector, and a broker RPC client
// with an optional multi-broker relay.
package main

import (
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/ultima-robotics/backend-datalink/pkg/common"
	"github.com/ultima-robotics/backend-datalink/pkg/gateway"
	"github.com/ultima-robotics/backend-datalink/pkg/processor"
	"github.com/ultima-robotics/backend-datalink/pkg/rpcbus"
	"github.com/ultima-robotics/backend-datalink/pkg/store"
	"github.com/ultima-robotics/backend-datalink/pkg/sysdata"
	"github.com/ultima-robotics/backend-datalink/pkg/threadpool"
	"github.com/ultima-robotics/backend-datalink/pkg/wsserver"
)

func printUsage(programName string) {
	fmt.Printf("Usage: %s -pkg_config <config_file_path>\n\n", programName)
	fmt.Println("Options:")
	fmt.Println("  -pkg_config <path>    Path to JSON configuration file")
	fmt.Println("  -h, --help           Show this help message")
	fmt.Println()
	fmt.Println("Example:")
	fmt.Printf("  %s -pkg_config config/config.json\n", programName)
}

func main() {
	os.Exit(run(os.Args))
}

func run(args []string) int {
	if len(args) < 2 {
		printUsage(args[0])
		return 1
	}

	var configPath string
	for i := 1; i < len(args); i++ {
		switch args[i] {
		case "-pkg_config":
			if i+1 >= len(args) {
				fmt.Fprintln(os.Stderr, "Error: -pkg_config requires a file path")
				printUsage(args[0])
				return 1
			}
			configPath = args[i+1]
			i++
		case "-h", "--help":
			printUsage(args[0])
			return 0
		default:
			fmt.Fprintf(os.Stderr, "Error: Unknown argument '%s'\n", args[i])
			printUsage(args[0])
			return 1
		}
	}

	if configPath == "" {
		fmt.Fprintln(os.Stderr, "Error: -pkg_config argument is required")
		printUsage(args[0])
		return 1
	}

	cfg, err := common.LoadConfig(configPath)
	if err != nil {
		if errors.Is(err, common.ErrInvalidParam) {
			fmt.Fprintf(os.Stderr, "Configuration error: %v\n", err)
		} else {
			fmt.Fprintf(os.Stderr, "Unexpected error: %v\n", err)
		}
		return 1
	}

	logger := common.NewLogger(os.Stdout, "", common.ParseLogLevel(cfg.Logging.Level))

	logger.Info("Starting backend-datalink WebSocket server...")
	logger.Info("Configuration: host=%s port=%d max_connections=%d timeout=%dms logging=%t",
		cfg.WebSocket.Host, cfg.WebSocket.Port, cfg.WebSocket.MaxConnections,
		cfg.WebSocket.TimeoutMs, cfg.WebSocket.EnableLogging)

	pool := threadpool.NewManager(logger)
	defer pool.Shutdown()

	st, err := store.NewStore(cfg.Database, logger)
	if err != nil {
		logger.Error("Failed to initialize database: %v", err)
		return 1
	}
	defer st.Close()

	var collector *sysdata.Collector
	if cfg.SystemData.Enabled {
		collector = sysdata.NewCollector(cfg.SystemData, pool, logger)
		if err := collector.Start(); err != nil {
			logger.Error("Failed to start system data collector: %v", err)
			return 1
		}
		defer collector.Stop()
	} else {
		logger.Info("System data collector disabled in configuration")
	}

	server := wsserver.NewServer(pool, logger)
	gw := gateway.New(server, st, collector, pool, cfg.SystemData, logger)
	gw.Install()

	if err := server.Start(cfg.WebSocket); err != nil {
		logger.Error("Failed to start WebSocket server: %v", err)
		return 1
	}
	defer server.Stop()

	if err := gw.StartUpdates(); err != nil {
		logger.Error("Failed to start dashboard update loop: %v", err)
		return 1
	}
	defer gw.StopUpdates()

	// The RPC bus is optional; broker errors never abort the process.
	var rpcClient *rpcbus.Client
	var proc *processor.Processor
	var relay *rpcbus.Relay
	if cfg.RPC.BrokerHost != "" {
		rpcClient, err = rpcbus.NewClient(cfg.RPC, pool, logger)
		if err != nil {
			logger.Error("Failed to create RPC client: %v", err)
			return 1
		}

		proc = processor.NewProcessor(pool, rpcClient, logger, cfg.WebSocket.EnableLogging)
		if len(cfg.RPC.Publications) > 0 {
			proc.SetResponseTopic(cfg.RPC.Publications[0])
		}
		rpcClient.SetMessageHandler(func(topic string, payload []byte) {
			proc.ProcessRequest(payload)
		})

		if err := rpcClient.Start(); err != nil {
			logger.Warn("RPC client failed to connect: %v", err)
		}
		defer rpcClient.Stop()
		defer proc.Shutdown()

		if cfg.RPC.Relay.Enabled {
			relay, err = rpcbus.NewRelay(cfg.RPC, pool, logger)
			if err != nil {
				logger.Error("Failed to create relay: %v", err)
				return 1
			}
			if err := relay.Start(); err != nil {
				logger.Warn("Relay failed to start: %v", err)
			}
			defer relay.Stop()
		}
	}

	logger.Info("WebSocket server started successfully!")
	logger.Info("Waiting for connections... Press Ctrl+C to stop.")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	sig := <-sigChan

	logger.Info("Received signal %v, shutting down gracefully...", sig)
	return 0
}
