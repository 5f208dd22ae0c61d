package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"

	"github.com/ExclusiveAccount/iot-guardian/pkg/config"
	"github.com/ExclusiveAccount/iot-guardian/pkg/fingerprint"
)

const appVersion = "2.0.0"

var log = logrus.New()

func main() {
	app := &cli.App{
		Name:    "iot-guardian",
		Usage:   "Passive IoT device discovery, risk assessment and policy enforcement",
		Version: appVersion,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Load configuration from `FILE` (YAML or JSON)",
				EnvVars: []string{"IOTGUARD_CONFIG"},
			},
			&cli.StringFlag{
				Name:    "log-level",
				Usage:   "Log level (debug, info, warn, error); overrides the config file",
				EnvVars: []string{"IOTGUARD_LOG_LEVEL"},
			},
		},
		Before: func(c *cli.Context) error {
			log.SetFormatter(&logrus.TextFormatter{
				FullTimestamp:   true,
				TimestampFormat: "2006-01-02 15:04:05",
			})
			return nil
		},
		Commands: []*cli.Command{
			commandRun(),
			commandReport(),
			commandOUI(),
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

// loadConfig reads the configuration named by --config and applies the log level
func loadConfig(c *cli.Context) (config.Config, error) {
	cfg, err := config.LoadConfigFromFile(c.String("config"))
	if err != nil {
		return cfg, err
	}

	levelName := cfg.LogLevel
	if c.IsSet("log-level") {
		levelName = c.String("log-level")
	}
	level, err := logrus.ParseLevel(levelName)
	if err != nil {
		log.Warnf("Unknown log level %q, using info", levelName)
		level = logrus.InfoLevel
	}
	log.SetLevel(level)

	return cfg, nil
}

// signalContext is cancelled on SIGINT or SIGTERM
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func commandOUI() *cli.Command {
	return &cli.Command{
		Name:  "oui",
		Usage: "Manage the MAC vendor database",
		Subcommands: []*cli.Command{
			{
				Name:  "update",
				Usage: "Download the IEEE OUI registry",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:  "url",
						Value: fingerprint.MacVendorDBURL,
						Usage: "Registry CSV `URL`",
					},
					&cli.DurationFlag{
						Name:  "timeout",
						Value: 2 * time.Minute,
						Usage: "Download timeout",
					},
				},
				Action: func(c *cli.Context) error {
					cfg, err := loadConfig(c)
					if err != nil {
						return err
					}

					ctx, cancel := signalContext()
					defer cancel()
					ctx, cancelTimeout := context.WithTimeout(ctx, c.Duration("timeout"))
					defer cancelTimeout()

					db := fingerprint.NewMacVendorDB(cfg.OUIDatabase, log)
					color.Yellow("Downloading MAC vendor database from %s...", c.String("url"))
					if err := db.Update(ctx, c.String("url")); err != nil {
						return fmt.Errorf("updating MAC vendor database: %w", err)
					}
					color.Green("MAC vendor database updated: %d prefixes saved to %s", db.Count(), cfg.OUIDatabase)
					return nil
				},
			},
		},
	}
}
