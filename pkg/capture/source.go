// Package capture produces normalized observations from passive traffic
// capture or from recorded observation files.
package capture

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/ExclusiveAccount/iot-guardian/pkg/models"
)

// Source delivers observations until its context is cancelled or it runs
// dry, then closes the channel.
type Source interface {
	Name() string
	Observations(ctx context.Context) <-chan models.Observation
}

// Replay reads observations from a JSON-lines file, one observation per
// line. Malformed lines are logged and skipped.
type Replay struct {
	path   string
	logger *logrus.Logger
	now    func() time.Time
}

// NewReplay creates a replay source for path
func NewReplay(path string, logger *logrus.Logger) *Replay {
	if logger == nil {
		logger = logrus.New()
	}
	return &Replay{path: path, logger: logger, now: time.Now}
}

// Name identifies the source in logs and metrics
func (r *Replay) Name() string {
	return "replay:" + r.path
}

// Open checks that the file is readable
func (r *Replay) Open() error {
	f, err := os.Open(r.path)
	if err != nil {
		return fmt.Errorf("failed to open replay file: %w", err)
	}
	return f.Close()
}

// Observations streams the file's observations
func (r *Replay) Observations(ctx context.Context) <-chan models.Observation {
	out := make(chan models.Observation)

	go func() {
		defer close(out)

		f, err := os.Open(r.path)
		if err != nil {
			r.logger.WithField("path", r.path).Errorf("Failed to open replay file: %v", err)
			return
		}
		defer f.Close()

		scanner := bufio.NewScanner(f)
		scanner.Buffer(make([]byte, 64*1024), 1024*1024)
		line := 0
		for scanner.Scan() {
			line++
			raw := scanner.Bytes()
			if len(raw) == 0 {
				continue
			}

			var obs models.Observation
			if err := json.Unmarshal(raw, &obs); err != nil {
				r.logger.WithFields(logrus.Fields{"path": r.path, "line": line}).Warnf("Skipping malformed observation: %v", err)
				continue
			}
			if obs.Timestamp.IsZero() {
				obs.Timestamp = r.now()
			}

			select {
			case out <- obs:
			case <-ctx.Done():
				return
			}
		}
		if err := scanner.Err(); err != nil {
			r.logger.WithField("path", r.path).Errorf("Replay stopped: %v", err)
		}
	}()

	return out
}
