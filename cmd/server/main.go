package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v3"

	"dmchat/internal/config"
)

var (
	// Build information. Populated at build-time via -ldflags flag.
	version = "dev"
	commit  = "HEAD"
)

type flags struct {
	LogLevel   string
	LogJSON    bool
	ConfigPath string
	Config     *config.Config
}

func main() {
	if err := setupLogger("info", false); err != nil {
		panic(err)
	}

	f := &flags{}

	app := &cli.Command{
		Name:    "dmchat",
		Usage:   "Real-time direct messaging server",
		Version: fmt.Sprintf("%s (%s)", version, commit),
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "log-level",
				Usage:       "log level (debug, info, warn, error); overrides the config file",
				Sources:     cli.EnvVars("DMCHAT_LOG_LEVEL"),
				Value:       "info",
				Destination: &f.LogLevel,
			},
			&cli.BoolFlag{
				Name:        "log-json",
				Usage:       "write JSON logs instead of console output",
				Sources:     cli.EnvVars("DMCHAT_LOG_JSON"),
				Destination: &f.LogJSON,
			},
			&cli.StringFlag{
				Name:        "config",
				Aliases:     []string{"c"},
				Usage:       "path to an optional YAML config file",
				Sources:     cli.EnvVars("DMCHAT_CONFIG"),
				Value:       "dmchat.yaml",
				Destination: &f.ConfigPath,
			},
		},
		Before: func(ctx context.Context, c *cli.Command) (context.Context, error) {
			cfg, err := config.Load(f.ConfigPath)
			if err != nil {
				return ctx, fmt.Errorf("load config: %w", err)
			}
			f.Config = cfg

			level := cfg.LogLevel
			if c.IsSet("log-level") {
				level = f.LogLevel
			}
			return ctx, setupLogger(level, f.LogJSON)
		},
		Commands: []*cli.Command{
			{
				Name:  "serve",
				Usage: "run the HTTP and WebSocket server (default)",
				Action: func(ctx context.Context, c *cli.Command) error {
					return runServe(ctx, f.Config)
				},
			},
			{
				Name:  "migrate",
				Usage: "create or update the database schema and exit",
				Action: func(ctx context.Context, c *cli.Command) error {
					return runMigrate(f.Config)
				},
			},
		},
		Action: func(ctx context.Context, c *cli.Command) error {
			if c.Args().Len() > 0 {
				return fmt.Errorf("unknown command %q. Run 'dmchat --help' for usage", c.Args().First())
			}
			return runServe(ctx, f.Config)
		},
	}

	if err := app.Run(context.Background(), os.Args); err != nil {
		log.Fatal().Err(err).Msg("dmchat failed")
	}
}

func setupLogger(level string, jsonOutput bool) error {
	parsedLevel, err := zerolog.ParseLevel(level)
	if err != nil {
		return fmt.Errorf("failed to parse log level: %w", err)
	}

	var output io.Writer = zerolog.ConsoleWriter{Out: os.Stderr}
	if jsonOutput {
		output = os.Stderr
	}

	log.Logger = log.Output(output).Level(parsedLevel)
	return nil
}
