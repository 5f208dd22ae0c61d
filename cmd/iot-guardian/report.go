package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/urfave/cli/v2"

	"github.com/ExclusiveAccount/iot-guardian/pkg/config"
	"github.com/ExclusiveAccount/iot-guardian/pkg/metrics"
	"github.com/ExclusiveAccount/iot-guardian/pkg/models"
	"github.com/ExclusiveAccount/iot-guardian/pkg/netctl"
	"github.com/ExclusiveAccount/iot-guardian/pkg/pipeline"
	"github.com/ExclusiveAccount/iot-guardian/pkg/report"
	"github.com/ExclusiveAccount/iot-guardian/pkg/store"
)

func commandReport() *cli.Command {
	return &cli.Command{
		Name:  "report",
		Usage: "Print a risk report from the device store or from replayed observations",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "store",
				Usage: "Read devices from the SQLite `FILE`; defaults to the configured store",
			},
			&cli.StringSliceFlag{
				Name:  "replay",
				Usage: "Assess observations from a JSON-lines `FILE` instead of the store (repeatable)",
			},
			&cli.StringFlag{
				Name:    "output",
				Aliases: []string{"o"},
				Usage:   "Write the report to `FILE`",
			},
			&cli.BoolFlag{
				Name:  "devices-only",
				Usage: "Write only the device list to --output",
			},
		},
		Action: func(c *cli.Context) error {
			cfg, err := loadConfig(c)
			if err != nil {
				return err
			}

			var devices []models.Device
			if replays := c.StringSlice("replay"); len(replays) > 0 {
				devices, err = assessReplays(c, cfg, replays)
			} else {
				path := c.String("store")
				if path == "" {
					path = cfg.Store.Path
				}
				devices, err = loadStored(path)
			}
			if err != nil {
				return err
			}

			r := report.Build(devices, time.Now())
			displayReport(r)

			output := c.String("output")
			if output == "" {
				return nil
			}
			if c.Bool("devices-only") {
				err = config.WriteResultsToFile(r.Devices, output)
			} else {
				err = writeReport(r, output)
			}
			if err != nil {
				return fmt.Errorf("writing report: %w", err)
			}
			color.Green("Report saved to %s", output)
			return nil
		},
	}
}

func loadStored(path string) ([]models.Device, error) {
	if path == "" {
		return nil, fmt.Errorf("no device store configured; pass --store or --replay")
	}
	st, err := store.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening device store: %w", err)
	}
	defer st.Close()
	return st.LoadDevices()
}

// assessReplays runs replayed observations through the pipeline without a
// broker: network intents are only logged and no events are sent.
func assessReplays(c *cli.Context, cfg config.Config, replays []string) ([]models.Device, error) {
	cfg.Capture.Interfaces = nil
	cfg.Capture.ReplayFiles = replays

	comp, err := buildPipeline(cfg, netctl.NewLogController(log), nil, metrics.NewNop())
	if err != nil {
		return nil, err
	}

	sources := openSources(cfg)
	if len(sources) == 0 {
		return nil, fmt.Errorf("none of the replay files could be opened")
	}

	color.Yellow("Assessing observations from %d replay files...", len(sources))
	if err := comp.orch.Run(c.Context, pipeline.RunOptions{Sources: sources}); err != nil {
		return nil, err
	}
	return comp.registry.Snapshot(), nil
}

func writeReport(r report.Report, path string) error {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

func displayReport(r report.Report) {
	s := r.Summary

	fmt.Println("\n=== IoT Risk Report ===")
	fmt.Printf("Generated: %s\n", r.GeneratedAt.Format("2006-01-02 15:04:05"))
	fmt.Printf("Total devices: %d\n", s.TotalDevices)
	fmt.Printf("Identified devices: %d\n", s.IdentifiedDevices)
	fmt.Printf("Unidentified devices: %d\n", s.UnidentifiedDevices)

	color.Red("High risk: %d", s.ByLevel[models.RiskHigh])
	color.Yellow("Medium risk: %d", s.ByLevel[models.RiskMedium])
	color.Green("Low risk: %d", s.ByLevel[models.RiskLow])

	fmt.Printf("Unauthorized devices: %d\n", s.UnauthorizedDevices)
	fmt.Printf("Devices with vulnerabilities: %d\n", s.VulnerableDevices)
	fmt.Printf("Devices with default credentials: %d\n", s.DefaultCredsDevices)
	fmt.Printf("Devices without encryption: %d\n", s.UnencryptedDevices)
	fmt.Printf("Policy gaps: %d\n", s.PolicyGaps)

	if s.ByLevel[models.RiskHigh] > 0 {
		fmt.Println("\nHigh-risk devices:")
		for _, d := range r.Devices {
			if d.RiskLevel != models.RiskHigh {
				continue
			}
			color.Red("  - %s %s (%s): %.2f [%s]", d.MAC, deviceLabel(d), d.IP, d.RiskScore, strings.Join(d.RiskFactors, ", "))
		}
	}

	if len(r.PolicyGaps) > 0 {
		fmt.Println("\nDevices matching no policy rule:")
		for _, mac := range r.PolicyGaps {
			color.Yellow("  - %s", mac)
		}
	}

	if len(r.Recommendations) > 0 {
		fmt.Println("\nRecommendations:")
		for _, rec := range r.Recommendations {
			fmt.Printf("  * %s\n", rec)
		}
	}
}

func deviceLabel(d models.Device) string {
	if !d.IsIdentified() {
		return "unidentified"
	}
	return strings.TrimSpace(d.Manufacturer + " " + d.Model)
}
