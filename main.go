package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/mochi-neko/fars-sub000/config"
)

const usage = `usage: fars [-config path] [-l level] <command> [args]

commands:
  signin <email> <password>
  refresh <refresh-token>
  user <refresh-token>
  verify <id-token>
  login <google|facebook|github|twitter|microsoft>
  device <google|facebook>
`

func main() {
	configPath := flag.String("config", os.Getenv("FARS_CONFIG"), "Path to YAML config")
	configCmd := flag.String("config-cmd", "", "Config command: 'init' or 'validate'")
	logLevel := flag.String("log-level", "info", "Logging level (debug, info, warn, error)")
	flag.StringVar(logLevel, "l", "info", "Alias for -log-level")
	flag.Usage = func() { fmt.Fprint(flag.CommandLine.Output(), usage) }
	flag.Parse()

	level, err := parseLogLevel(*logLevel)
	if err != nil {
		log.Fatalf("invalid log level %q: %v", *logLevel, err)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	configFile := *configPath
	if configFile == "" {
		configFile = "./config.yaml"
	}

	if *configCmd != "" {
		switch *configCmd {
		case "init":
			if err := runConfigInit(configFile, os.Stdin, os.Stdout); err != nil {
				log.Fatalf("config init failed: %v", err)
			}
			logger.Info("configuration initialized successfully", "path", configFile)
			return
		case "validate":
			if _, err := loadConfig(configFile, logger); err != nil {
				log.Fatalf("config validation failed: %v", err)
			}
			logger.Info("configuration is valid", "path", configFile)
			return
		default:
			log.Fatalf("unknown config command %q. Use 'init' or 'validate'", *configCmd)
		}
	}

	args := flag.Args()
	if len(args) == 0 {
		flag.Usage()
		os.Exit(2)
	}

	cfg, err := loadConfig(configFile, logger)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	if !levelFlagSet() && cfg.LogLevel != "" {
		if level, err := parseLogLevel(cfg.LogLevel); err == nil {
			logger = slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a := &app{cfg: cfg, logger: logger, out: os.Stdout}
	if err := a.run(ctx, args[0], args[1:]); err != nil {
		logger.Error("command failed", "command", args[0], "error", err)
		stop()
		os.Exit(1)
	}
}

func levelFlagSet() bool {
	set := false
	flag.Visit(func(f *flag.Flag) {
		if f.Name == "log-level" || f.Name == "l" {
			set = true
		}
	})
	return set
}

func loadConfig(path string, logger *slog.Logger) (config.Config, error) {
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return config.Config{}, fmt.Errorf("config file not found at %s. Run with -config-cmd=init to create it", path)
		}
		return config.Config{}, fmt.Errorf("stat config: %w", err)
	}
	logger.Debug("loading config", "path", path)
	return config.Load(path)
}

// runConfigInit asks for the identity service settings and writes the
// default template around them.
func runConfigInit(path string, in io.Reader, out io.Writer) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config file already exists at %s. Remove it first or use a different path", path)
	}
	reader := bufio.NewReader(in)
	fmt.Fprintf(out, "No configuration file found at %s.\n", path)
	fmt.Fprintln(out, "Starting guided setup. Press Enter to accept defaults.")

	cfg := config.Default()
	cfg.Identity.APIKey = askRequired(reader, out, "Web API key")
	cfg.Identity.ProjectID = ask(reader, out, "Project ID (needed by verify)", "")
	cfg.Identity.Locale = ask(reader, out, "Locale for emails sent to users", "")
	cfg.Callback.ListenAddr = ask(reader, out, "OAuth callback listen address", cfg.Callback.ListenAddr)
	if cfg.Identity.APIKey == "" {
		return errors.New("web API key is required")
	}

	return config.Write(path, cfg)
}

func ask(reader *bufio.Reader, out io.Writer, prompt, def string) string {
	if def != "" {
		fmt.Fprintf(out, "%s [%s]: ", prompt, def)
	} else {
		fmt.Fprintf(out, "%s: ", prompt)
	}
	input, _ := reader.ReadString('\n')
	input = strings.TrimSpace(input)
	if input == "" {
		return strings.TrimSpace(def)
	}
	return input
}

func askRequired(reader *bufio.Reader, out io.Writer, prompt string) string {
	for {
		fmt.Fprintf(out, "%s: ", prompt)
		input, err := reader.ReadString('\n')
		input = strings.TrimSpace(input)
		if input != "" {
			return input
		}
		if err != nil {
			return ""
		}
		fmt.Fprintln(out, "This value is required. Please enter a value.")
	}
}

func parseLogLevel(value string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "", "info":
		return slog.LevelInfo, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error", "err":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("unknown log level")
	}
}
