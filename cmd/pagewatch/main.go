package main

import (
	"fmt"
	"io"
	"os"

	"github.com/auditmos/pagewatch/config"
	"github.com/auditmos/pagewatch/logging"
	"github.com/urfave/cli/v2"
)

var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	app := NewApp()
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func NewApp() *cli.App {
	return &cli.App{
		Name:    "pagewatch",
		Usage:   "capture page errors and redirect on critical failures",
		Version: fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
		Commands: []*cli.Command{
			serveCommand(),
			watchCommand(),
			exportCommand(),
			sessionsCommand(),
			openCommand(),
			initConfigCommand(),
		},
	}
}

func configFlag() cli.Flag {
	return &cli.StringFlag{
		Name:    "config",
		Aliases: []string{"c"},
		Usage:   "TOML config file",
		EnvVars: []string{"PAGEWATCH_CONFIG"},
	}
}

func logFlags() []cli.Flag {
	return []cli.Flag{
		&cli.BoolFlag{
			Name:  "json",
			Usage: "write logs as JSON lines",
		},
		&cli.StringFlag{
			Name:  "log-level",
			Value: "info",
			Usage: "minimum log level (debug, info, warn, error)",
		},
		&cli.StringFlag{
			Name:  "log-file",
			Usage: "write logs to a file instead of stderr",
		},
	}
}

func serveCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "accept page connections and serve the dashboard",
		Flags: append([]cli.Flag{
			configFlag(),
			&cli.StringFlag{
				Name:    "addr",
				Aliases: []string{"a"},
				Usage:   "listen address (overrides config)",
			},
			&cli.StringFlag{
				Name:  "db",
				Usage: "SQLite archive path (overrides config)",
			},
		}, logFlags()...),
		Action: func(c *cli.Context) error {
			cfg, err := loadConfig(c)
			if err != nil {
				return err
			}
			if addr := c.String("addr"); addr != "" {
				cfg.Server.Addr = addr
			}
			if db := c.String("db"); db != "" {
				cfg.Storage.DBPath = db
			}
			logger, cleanup, err := loggerFor(c, cfg.Logging, cfg.Storage.Scrub)
			if err != nil {
				return err
			}
			defer cleanup()
			return runServe(c.Context, cfg, logger)
		},
	}
}

func watchCommand() *cli.Command {
	return &cli.Command{
		Name:      "watch",
		Usage:     "open a page in a browser and log its errors",
		ArgsUsage: "<url>",
		Flags: append([]cli.Flag{
			configFlag(),
			&cli.StringFlag{
				Name:  "control-url",
				Usage: "DevTools websocket of a running browser",
			},
			&cli.BoolFlag{
				Name:  "headful",
				Usage: "show the browser window",
			},
		}, logFlags()...),
		Action: func(c *cli.Context) error {
			if c.NArg() < 1 {
				return fmt.Errorf("url argument required")
			}
			cfg, err := loadConfig(c)
			if err != nil {
				return err
			}
			if u := c.String("control-url"); u != "" {
				cfg.Browser.ControlURL = u
			}
			if c.Bool("headful") {
				cfg.Browser.Headless = false
			}
			logger, cleanup, err := loggerFor(c, cfg.Logging, false)
			if err != nil {
				return err
			}
			defer cleanup()
			return runWatch(c.Context, cfg, c.Args().First(), os.Stdout, logger)
		},
	}
}

func exportCommand() *cli.Command {
	return &cli.Command{
		Name:  "export",
		Usage: "print archived entries as JSON",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "db",
				Required: true,
				Usage:    "SQLite archive path",
			},
			&cli.StringFlag{
				Name:  "session",
				Usage: "only entries of this page session",
			},
			&cli.IntFlag{
				Name:  "limit",
				Value: 100,
				Usage: "maximum number of entries",
			},
		},
		Action: func(c *cli.Context) error {
			return runExport(c.App.Writer, c.String("db"), c.String("session"), c.Int("limit"))
		},
	}
}

func sessionsCommand() *cli.Command {
	return &cli.Command{
		Name:  "sessions",
		Usage: "list archived page sessions",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "db",
				Required: true,
				Usage:    "SQLite archive path",
			},
			&cli.IntFlag{
				Name:  "limit",
				Value: 20,
				Usage: "maximum number of sessions",
			},
		},
		Action: func(c *cli.Context) error {
			return runSessions(c.App.Writer, c.String("db"), c.Int("limit"))
		},
	}
}

func openCommand() *cli.Command {
	return &cli.Command{
		Name:      "open",
		Usage:     "download and decrypt a shared error log",
		ArgsUsage: "<share-url>",
		Action: func(c *cli.Context) error {
			if c.NArg() < 1 {
				return fmt.Errorf("url argument required")
			}
			return runOpen(c.Context, c.App.Writer, c.Args().First())
		},
	}
}

func initConfigCommand() *cli.Command {
	return &cli.Command{
		Name:      "init-config",
		Usage:     "write the default configuration",
		ArgsUsage: "<path>",
		Action: func(c *cli.Context) error {
			if c.NArg() < 1 {
				return fmt.Errorf("path argument required")
			}
			return runInitConfig(c.App.Writer, c.Args().First())
		},
	}
}

// loggerFor lets command-line flags win over the config file.
func loggerFor(c *cli.Context, cfg config.LoggingConfig, sanitize bool) (logging.Logger, func(), error) {
	jsonOutput := c.Bool("json") || cfg.Format == "json"
	level := cfg.Level
	if c.IsSet("log-level") || level == "" {
		level = c.String("log-level")
	}
	return initLogger(jsonOutput, level, c.String("log-file"), sanitize)
}

func loadConfig(c *cli.Context) (*config.Config, error) {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

func initLogger(jsonOutput bool, level, file string, sanitize bool) (logging.Logger, func(), error) {
	var out io.Writer = os.Stderr
	cleanup := func() {}

	if file != "" {
		f, err := os.OpenFile(file, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return nil, nil, fmt.Errorf("open log file: %w", err)
		}
		out = f
		cleanup = func() { f.Close() }
	}

	var formatter logging.Formatter
	if jsonOutput {
		formatter = &logging.JSONFormatter{}
	} else {
		formatter = logging.NewHumanFormatter(out)
	}

	logger := logging.NewLogger(logging.LoggerConfig{
		Output:    out,
		Formatter: formatter,
		Level:     logging.ParseLevel(level),
		Sanitize:  sanitize,
	})
	return logger, cleanup, nil
}
