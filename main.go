package main

import (
	"errors"
	"flag"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"

	"bjoernblessin.de/udpmessaging/cmd"
	"bjoernblessin.de/udpmessaging/common"
	"bjoernblessin.de/udpmessaging/engine"
	"bjoernblessin.de/udpmessaging/inputreader"
	"bjoernblessin.de/udpmessaging/util/logger"
	"bjoernblessin.de/udpmessaging/util/observer"
)

func main() {
	configPath := flag.String("config", "", "path to a TOML config file (defaults are used when empty)")
	flag.Parse()

	log.Println("Running...")

	cfg := common.DefaultConfig()
	if *configPath != "" {
		loaded, err := common.LoadConfig(*configPath)
		if err != nil {
			logger.Errorf("Failed to load config: %v", err)
			os.Exit(1)
		}
		cfg = loaded
	}

	if _, present := os.LookupEnv(logger.LOG_LEVEL_ENV); !present {
		if level, ok := logger.ParseLogLevel(cfg.LogLevel); ok {
			logger.SetLogLevel(level)
		}
	}

	events := cmd.NewEvents(common.SOCKET_RECEIVE_BUFFER_SIZE)
	go observer.Forward(events.Subscribe(), &cmd.Printer{Out: os.Stdout, FilesDir: common.RECEIVED_FILES_DIR})

	node, err := engine.New(cfg, events)
	if err != nil {
		logger.Errorf("Invalid configuration: %v", err)
		os.Exit(1)
	}

	if err := node.Start(); err != nil {
		logger.Errorf("Failed to start: %v", err)
		os.Exit(1)
	}
	defer events.Close()
	defer node.Stop()

	if cfg.MetricsAddr != "" {
		go serveMetrics(cfg.MetricsAddr, node)
	}

	fmt.Printf("Listening on %s as %s\n", node.LocalEndpoint(), node.LocalID())

	printAvailableNetworkAddresses()

	cmd.SetGlobalVars(node)

	reader := inputreader.NewInputReader(os.Stdin, os.Stdout, func() string {
		return node.LocalEndpoint().String()
	})

	reader.AddHandler("msg", cmd.HandleSend)
	reader.AddHandler("file", cmd.HandleSendFile)
	reader.AddHandler("ls", cmd.HandleList)
	reader.AddHandler("stats", cmd.HandleStats)
	reader.AddHandler("loglvl", cmd.HandleLogLevel)
	reader.AddHandler("bench", cmd.HandleBench)
	reader.AddHandler("exit", cmd.HandleExit)

	reader.InputLoop()
}

func serveMetrics(addr string, node *engine.Engine) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", node.Metrics().Handler())

	logger.Infof("Serving metrics on http://%s/metrics", addr)
	if err := http.ListenAndServe(addr, mux); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Errorf("Metrics server stopped: %v", err)
	}
}

func printAvailableNetworkAddresses() {
	inter, err := net.Interfaces()
	if err != nil {
		logger.Warnf("Failed to get network interfaces: %v", err)
		return
	}

	fmt.Println("Available network interfaces:")

	for _, iface := range inter {
		if iface.Flags&net.FlagUp == 0 {
			continue // Skip down interfaces
		}
		addrs, err2 := iface.Addrs()
		if err2 != nil {
			logger.Warnf("Failed to get addresses for interface %s: %v", iface.Name, err2)
			continue
		}

		for _, addr := range addrs {
			ip, ok := addr.(*net.IPNet)
			if !ok {
				continue // Skip non-IP addresses
			}

			if ip.IP.To4() == nil {
				continue // Skip non-IPv4 addresses
			}

			fmt.Printf("  Interface: %s, Address: %s, Multicast: %v\n", iface.Name, ip.IP, iface.Flags&net.FlagMulticast != 0)
		}
	}
}
