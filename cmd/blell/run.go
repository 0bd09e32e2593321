package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/srg/blell/internal/evt"
	"github.com/srg/blell/internal/hal"
	"github.com/srg/blell/internal/pdu"
	"github.com/srg/blell/internal/scenario"
	"github.com/srg/blell/internal/ull"
)

// runCmd represents the run command
var runCmd = &cobra.Command{
	Use:   "run <scenario.yaml>",
	Short: "Run a scenario on the simulator",
	Long: `Run a scenario file on the deterministic simulator and print the
notification timeline followed by a summary of every role.

The scenario declares configuration overrides, the roles to create with
the times they are enabled, disabled and send data, the packets on the air,
and an optional connection peer.`,
	Args: cobra.ExactArgs(1),
	RunE: runScenario,
}

var (
	runUntil   time.Duration
	runFormat  string
	runEvents  bool
	runVerbose bool
)

func init() {
	runCmd.Flags().DurationVar(&runUntil, "until", 0, "Simulated time to run (overrides the scenario)")
	runCmd.Flags().StringVarP(&runFormat, "format", "f", "table", "Output format (table, json)")
	runCmd.Flags().BoolVar(&runEvents, "events", false, "Include per-event outcomes in the timeline")
	runCmd.Flags().BoolVar(&runVerbose, "verbose", false, "Verbose logging")
}

func runScenario(cmd *cobra.Command, args []string) error {
	if err := validateFormat(runFormat); err != nil {
		return err
	}
	if runUntil < 0 {
		return fmt.Errorf("--until must not be negative")
	}

	logger, err := configureLogger(cmd, "verbose")
	if err != nil {
		return err
	}

	// All arguments validated - don't show usage on runtime errors
	cmd.SilenceUsage = true

	sc, err := scenario.Load(args[0])
	if err != nil {
		return err
	}
	if runUntil > 0 {
		sc.Until = runUntil
	}

	res, err := sc.Run(logger)
	if err != nil {
		return fmt.Errorf("run %s: %w", args[0], err)
	}

	out := cmd.OutOrStdout()
	if runFormat == "json" {
		encoder := json.NewEncoder(out)
		encoder.SetIndent("", "  ")
		return encoder.Encode(res)
	}
	return displayResult(out, res, sc.Settings().Timing.TickResolution, runEvents)
}

func displayResult(out io.Writer, res *scenario.Result, tick time.Duration, events bool) error {
	if res.Name != "" {
		fmt.Fprintf(out, "Scenario: %s\n\n", res.Name)
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "TIME\tROLE\tNOTIFICATION\tCH\tDETAIL\tSTATUS")
	fmt.Fprintln(w, strings.Repeat("-", 80))
	shown := 0
	for _, n := range res.Notifications {
		if n.Type == ull.NotifyEvent && !events {
			continue
		}
		shown++
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			hal.TicksToDuration(n.At, tick),
			roleName(res, n.Role, n.Kind),
			n.Type,
			channel(n),
			detail(res, n),
			statusColor(n.Status).Sprint(n.Status))
	}
	if err := w.Flush(); err != nil {
		return err
	}
	if shown == 0 {
		fmt.Fprintln(out, "No notifications")
	}

	fmt.Fprintln(out)
	w = tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ROLE\tKIND\tSTATE\tEVENTS\tSUCCESS\tMISSED\tABORTED\tCONFLICTS")
	fmt.Fprintln(w, strings.Repeat("-", 80))
	for _, r := range res.Roles {
		c := r.Counters
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%d\t%d\t%d\t%d\n",
			roleName(res, r.ID, r.Kind), r.Kind, r.State,
			c.Events, c.Success, c.Missed, c.Aborted, c.Conflicts)
	}
	if err := w.Flush(); err != nil {
		return err
	}

	fmt.Fprintf(out, "\n%d transmissions", res.Transmissions)
	if len(res.PeerReceived) > 0 {
		fmt.Fprintf(out, ", peer received %q", res.PeerReceived)
	}
	if res.Dropped > 0 {
		fmt.Fprintf(out, ", %d notifications dropped", res.Dropped)
	}
	fmt.Fprintln(out)
	return nil
}

func roleName(res *scenario.Result, id ull.RoleID, kind evt.Kind) string {
	if name, ok := res.RoleNames[id]; ok {
		return name
	}
	return fmt.Sprintf("%s#%d", kind, id)
}

func channel(n ull.Notification) string {
	switch n.Type {
	case ull.NotifyEvent, ull.NotifyAdvReport, ull.NotifyDataReceived:
		return fmt.Sprint(n.Channel)
	default:
		return "-"
	}
}

func detail(res *scenario.Result, n ull.Notification) string {
	switch n.Type {
	case ull.NotifyAdvReport:
		d := fmt.Sprintf("%s %s %d dBm", n.PDUType, n.Address, n.RSSI)
		if name := pdu.LocalName(n.Data); name != "" {
			d += fmt.Sprintf(" %q", name)
		}
		return d
	case ull.NotifyChainComplete, ull.NotifyChainIncomplete:
		return fmt.Sprintf("from %s %s %s", roleName(res, n.Parent, evt.KindScanner), n.Address, quote(n.Data))
	case ull.NotifyDataReceived:
		return quote(n.Data)
	default:
		return ""
	}
}

func quote(b []byte) string {
	const limit = 32
	if len(b) > limit {
		return fmt.Sprintf("%q... (%d bytes)", b[:limit], len(b))
	}
	return fmt.Sprintf("%q", b)
}

func statusColor(s evt.Status) *color.Color {
	switch s {
	case evt.Success:
		return color.New(color.FgGreen)
	case evt.Missed, evt.Aborted, evt.ChainSkipped:
		return color.New(color.FgYellow)
	case evt.CRCError, evt.NoReception:
		return color.New(color.FgRed)
	default:
		return color.New(color.Reset)
	}
}
