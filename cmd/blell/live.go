package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/srg/blell/internal/evt"
	"github.com/srg/blell/internal/ull"
	"github.com/srg/blell/pkg/controller"
)

// liveCmd represents the live command
var liveCmd = &cobra.Command{
	Use:   "live",
	Short: "Run roles on the host clock in real time",
	Long: `Run an advertiser, and optionally a scanner, on the host monotonic clock
with a simulated radio, then print the per-role counters.

Deadline and radio interrupts are delivered on one interrupt goroutine, so
this exercises the scheduler under real timer latency. Ctrl+C stops early.`,
	Args: cobra.NoArgs,
	RunE: runLive,
}

var (
	liveDuration time.Duration
	liveInterval time.Duration
	liveName     string
	liveScan     bool
	liveFormat   string
	liveVerbose  bool
)

func init() {
	liveCmd.Flags().DurationVarP(&liveDuration, "duration", "d", 2*time.Second, "How long to run")
	liveCmd.Flags().DurationVar(&liveInterval, "interval", 100*time.Millisecond, "Advertising interval")
	liveCmd.Flags().StringVar(&liveName, "name", "blell", "Advertised local name")
	liveCmd.Flags().BoolVar(&liveScan, "scan", false, "Also run a scanner")
	liveCmd.Flags().StringVarP(&liveFormat, "format", "f", "table", "Output format (table, json)")
	liveCmd.Flags().BoolVar(&liveVerbose, "verbose", false, "Verbose logging")
}

func runLive(cmd *cobra.Command, _ []string) error {
	if err := validateFormat(liveFormat); err != nil {
		return err
	}
	if liveDuration <= 0 {
		return fmt.Errorf("--duration must be > 0")
	}
	logger, err := configureLogger(cmd, "verbose")
	if err != nil {
		return err
	}
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	// All arguments validated - don't show usage on runtime errors
	cmd.SilenceUsage = true

	ctx, cancel := context.WithTimeout(cmd.Context(), liveDuration)
	defer cancel()

	// Listen for Ctrl+C to cancel
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		select {
		case <-sigCh:
			cancel()
		case <-ctx.Done():
		}
	}()

	rt, err := controller.NewRealtime(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer rt.Close()

	roles := []struct {
		kind evt.Kind
		cfg  ull.RoleConfig
		on   bool
	}{
		{kind: evt.KindAdvertiser, cfg: ull.RoleConfig{Advertiser: &ull.AdvertiserConfig{Interval: liveInterval, Name: liveName}}, on: true},
		{kind: evt.KindScanner, cfg: ull.RoleConfig{Scanner: &ull.ScannerConfig{}}, on: liveScan},
	}
	for _, r := range roles {
		if !r.on {
			continue
		}
		id, err := rt.Create(r.kind, r.cfg)
		if err != nil {
			return err
		}
		if err := rt.Enable(id); err != nil {
			return err
		}
	}

	go drainNotifications(ctx, rt.Notifications(), logger)
	if err := rt.Run(ctx); err != nil && !errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, context.Canceled) {
		return err
	}

	return displayRoles(cmd.OutOrStdout(), rt.Roles(), rt.Overruns(), liveFormat)
}

// drainNotifications logs notifications until ctx is done so the queue
// never overflows.
func drainNotifications(ctx context.Context, q *ull.Queue, logger *logrus.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case n := <-q.C():
			logger.WithFields(logrus.Fields{
				"role":   n.Role,
				"type":   n.Type,
				"status": n.Status,
				"at":     n.At,
			}).Debug("Notification")
		}
	}
}

func displayRoles(out io.Writer, roles []ull.RoleInfo, overruns uint64, format string) error {
	if format == "json" {
		encoder := json.NewEncoder(out)
		encoder.SetIndent("", "  ")
		return encoder.Encode(struct {
			Roles    []ull.RoleInfo `json:"roles"`
			Overruns uint64         `json:"overruns"`
		}{roles, overruns})
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tKIND\tEVENTS\tSUCCESS\tMISSED\tABORTED\tCONFLICTS")
	fmt.Fprintln(w, strings.Repeat("-", 64))
	for _, r := range roles {
		c := r.Counters
		fmt.Fprintf(w, "%d\t%s\t%d\t%d\t%d\t%d\t%d\n", r.ID, r.Kind, c.Events, c.Success, c.Missed, c.Aborted, c.Conflicts)
	}
	if err := w.Flush(); err != nil {
		return err
	}
	fmt.Fprintf(out, "\n%d interrupt overruns\n", overruns)
	return nil
}
