package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"

	"golang.org/x/sync/errgroup"
)

const version = "0.3.0"

func printVersion() {
	fmt.Printf("remote-wheel-sender v%s\n", version)
	fmt.Println("Routes racing wheel and OSC input to OSC and VMC performer streams")
}

func printUsage() {
	printVersion()
	fmt.Println()
	fmt.Println("USAGE:")
	fmt.Println("  remote-wheel-sender [OPTIONS]")
	fmt.Println()
	fmt.Println("DESCRIPTION:")
	fmt.Println("  Daemon that reads evdev game controllers and inbound OSC messages,")
	fmt.Println("  arbitrates them into logical axis and button inputs, and routes the")
	fmt.Println("  freshest values to an OSC output and a VMC performer stream with")
	fmt.Println("  synthesized steering-wheel hand poses.")
	fmt.Println()
	fmt.Println("OPTIONS:")
	fmt.Println("  -config string")
	fmt.Printf("        Path to the YAML configuration file (default %q)\n", defaultConfigPath)
	fmt.Println()
	fmt.Println("  -write-config")
	fmt.Println("        Write a commented sample configuration to -config and exit")
	fmt.Println()
	fmt.Println("  -osc-output string")
	fmt.Println("        Override the OSC output address (host:port)")
	fmt.Println()
	fmt.Println("  -vmc-output string")
	fmt.Println("        Override the VMC output address (host:port)")
	fmt.Println()
	fmt.Println("  -monitor-address string")
	fmt.Println("        Override the monitor WebSocket listen address (host:port)")
	fmt.Println()
	fmt.Println("  -log-level string")
	fmt.Println("        Log level: error, warn, info, debug (default \"info\")")
	fmt.Println()
	fmt.Println("  -version")
	fmt.Println("        Print version and exit")
	fmt.Println()
	fmt.Println("  -help")
	fmt.Println("        Print this help message")
	fmt.Println()
	fmt.Println("EXAMPLES:")
	fmt.Println("  # Write a starter configuration, then run with it")
	fmt.Println("  remote-wheel-sender -write-config")
	fmt.Println("  remote-wheel-sender")
	fmt.Println()
	fmt.Println("  # Custom config path and debug logging")
	fmt.Println("  remote-wheel-sender -config ~/wheel/sim-rig.yaml -log-level debug")
	fmt.Println()
	fmt.Println("NOTES:")
	fmt.Println("  - Reading /dev/input devices requires membership in the 'input' group")
	fmt.Println("  - All outputs are UDP; receivers that are down are silently skipped")
	fmt.Println()
}

func main() {
	// Check for version/help flags early
	for _, arg := range os.Args[1:] {
		if arg == "-version" || arg == "--version" {
			printVersion()
			return
		}
		if arg == "-help" || arg == "--help" || arg == "-h" {
			printUsage()
			return
		}
	}

	// Parse command-line flags
	var (
		configPath  = flag.String("config", defaultConfigPath, "Path to the YAML configuration file")
		writeConfig = flag.Bool("write-config", false, "Write a commented sample configuration and exit")
		logLevelStr = flag.String("log-level", "", "Log level: error, warn, info, debug")
		oscOutput   = flag.String("osc-output", "", "Override the OSC output address (host:port)")
		vmcOutput   = flag.String("vmc-output", "", "Override the VMC output address (host:port)")
		monitorAddr = flag.String("monitor-address", "", "Override the monitor WebSocket listen address (host:port)")
		showVersion = flag.Bool("version", false, "Print version and exit")
		showHelp    = flag.Bool("help", false, "Print help message")
	)

	flag.Usage = printUsage
	flag.Parse()

	if *showHelp {
		printUsage()
		return
	}
	if *showVersion {
		printVersion()
		return
	}

	if *writeConfig {
		if err := WriteDefaultConfig(*configPath); err != nil {
			fmt.Fprintln(os.Stderr, "error:", err)
			os.Exit(1)
		}
		fmt.Printf("wrote sample configuration to %s\n", *configPath)
		return
	}

	cfg, err := LoadConfigFile(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}

	// Flags override the file only when explicitly set.
	overrides := FlagOverrides{}
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "log-level":
			overrides.LogLevel = logLevelStr
		case "osc-output":
			overrides.OscOutput = oscOutput
		case "vmc-output":
			overrides.VmcOutput = vmcOutput
		case "monitor-address":
			overrides.MonitorAddress = monitorAddr
		}
	})
	overrides.Apply(&cfg)

	if err := cfg.Validate(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}

	logLevel, err := parseLogLevel(cfg.Logging.Level)
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
	logger := setupLogger(logLevel)

	rt, state, err := compileRouting(cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// All sockets bind before the loop starts.
	var out Senders
	if rt.OscEnabled {
		s, err := NewOscSender(cfg.Osc.OutputAddress, rt.OscPre, rt.OscPost, logger)
		if err != nil {
			fmt.Fprintln(os.Stderr, "error:", err)
			os.Exit(1)
		}
		defer s.Close()
		out.Osc = s
	}
	if rt.VmcEnabled {
		s, err := NewVmcSender(cfg.Vmc.OutputAddress, logger)
		if err != nil {
			fmt.Fprintln(os.Stderr, "error:", err)
			os.Exit(1)
		}
		defer s.Close()
		out.Vmc = s
	}

	var oscInConn *net.UDPConn
	if rt.OscEnabled && cfg.Osc.InputAddress != "" {
		oscInConn, err = listenUDP(ctx, cfg.Osc.InputAddress)
		if err != nil {
			fmt.Fprintln(os.Stderr, "error:", err)
			os.Exit(1)
		}
	}

	var vmcInConn *net.UDPConn
	if rt.VmcEnabled && cfg.Vmc.InputAddress != "" {
		vmcInConn, err = listenUDP(ctx, cfg.Vmc.InputAddress)
		if err != nil {
			fmt.Fprintln(os.Stderr, "error:", err)
			os.Exit(1)
		}
	}

	var monitorLn net.Listener
	if cfg.Monitor.Enabled {
		monitorLn, err = net.Listen("tcp", cfg.Monitor.Address)
		if err != nil {
			fmt.Fprintln(os.Stderr, "error: monitor listen:", err)
			os.Exit(1)
		}
	}

	// Handle shutdown
	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, syscall.SIGINT, syscall.SIGTERM)

	events := make(chan Event, eventQueueSize)
	var seq atomic.Uint64

	logger.Debug("starting remote-wheel-sender", "version", version)

	listenInfo := []any{"config", *configPath, "inputs", len(rt.Inputs)}
	if rt.OscEnabled {
		listenInfo = append(listenInfo, "osc_out", cfg.Osc.OutputAddress)
		if cfg.Osc.InputAddress != "" {
			listenInfo = append(listenInfo, "osc_in", cfg.Osc.InputAddress)
		}
	}
	if rt.VmcEnabled {
		listenInfo = append(listenInfo, "vmc_out", cfg.Vmc.OutputAddress)
		if cfg.Vmc.InputAddress != "" {
			listenInfo = append(listenInfo, "vmc_in", cfg.Vmc.InputAddress)
		}
	}
	if cfg.Monitor.Enabled {
		listenInfo = append(listenInfo, "monitor", cfg.Monitor.Address)
	}
	logger.Info("routing", listenInfo...)

	g, gctx := errgroup.WithContext(ctx)

	var broadcasts chan StateBroadcast
	if cfg.Monitor.Enabled {
		broadcasts = make(chan StateBroadcast, 64)
		monitor := NewMonitorServer(logger, events)
		hub := monitor.Hub()
		src := broadcasts

		g.Go(func() error {
			hub.Run(gctx)
			return nil
		})
		g.Go(func() error {
			RunBroadcaster(gctx, hub, src, logger)
			return nil
		})
		g.Go(func() error {
			return runMonitorServer(gctx, monitorLn, monitor, logger)
		})
	}

	g.Go(func() error {
		runDaemon(gctx, events, rt, state, out, broadcasts, logger)
		return nil
	})

	if len(rt.ControllerSpecs) > 0 {
		g.Go(func() error {
			return runControllers(gctx, rt.ControllerSpecs, events, &seq, logger)
		})
	}
	if oscInConn != nil {
		in := NewOscInput(rt.OscBindings, events, &seq, logger)
		conn := oscInConn
		g.Go(func() error {
			return in.run(gctx, conn)
		})
	}
	if vmcInConn != nil {
		conn := vmcInConn
		g.Go(func() error {
			return runVmcInput(gctx, conn, events, logger)
		})
	}

	g.Go(func() error {
		select {
		case <-gctx.Done():
			return nil
		case sig := <-sigc:
			logger.Info("shutting down", "signal", sig.String())
			cancel()
			return nil
		}
	})

	if err := g.Wait(); err != nil {
		logger.Error("daemon error", "error", err)
		os.Exit(1)
	}
	logger.Info("shutdown complete")
}
