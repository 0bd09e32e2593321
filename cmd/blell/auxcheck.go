package main

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/srg/blell/internal/hal"
	"github.com/srg/blell/internal/lll"
	"github.com/srg/blell/internal/pdu"
)

// auxCheckCmd represents the aux-check command
var auxCheckCmd = &cobra.Command{
	Use:   "aux-check",
	Short: "Check whether an auxiliary pointer can be followed",
	Long: `Check whether the PDU an auxiliary pointer announces can be received:

  offset + window >= pdu + spacing

The offset is encoded the way an AuxPtr carries it (30 µs or 300 µs units).
Unless --window is given, the receive window is derived from the pointer:
one offset unit widened for clock drift (50 ppm with --ca, else 500 ppm)
and event jitter, plus the radio ramp-up. Spacing, jitter and ramp-up come
from the configuration.`,
	Args: cobra.NoArgs,
	RunE: runAuxCheck,
}

var (
	auxOffset  time.Duration
	auxWindow  time.Duration
	auxPDULen  int
	auxPHY     string
	auxCA      bool
	auxSpacing time.Duration
	auxStrict  bool
	auxFormat  string
)

type auxCheckResult struct {
	OffsetUS  uint32 `json:"offset_us"`
	WindowUS  uint32 `json:"window_us"`
	PDUUS     uint32 `json:"pdu_us"`
	SpacingUS uint32 `json:"spacing_us"`
	Feasible  bool   `json:"feasible"`
}

func init() {
	auxCheckCmd.Flags().DurationVar(&auxOffset, "offset", 0, "Offset from the start of the announcing PDU (required)")
	auxCheckCmd.Flags().DurationVar(&auxWindow, "window", 0, "Receive window; derived from the pointer when 0")
	auxCheckCmd.Flags().IntVar(&auxPDULen, "pdu-len", 5, "Payload length of the announcing PDU in bytes")
	auxCheckCmd.Flags().StringVar(&auxPHY, "phy", "1m", "PHY of the announcing PDU")
	auxCheckCmd.Flags().BoolVar(&auxCA, "ca", false, "Advertiser clock accuracy within 50 ppm")
	auxCheckCmd.Flags().DurationVar(&auxSpacing, "spacing", 0, "Minimum after-event spacing; configuration value when 0")
	auxCheckCmd.Flags().BoolVar(&auxStrict, "strict", false, "Exit with an error when not feasible")
	auxCheckCmd.Flags().StringVarP(&auxFormat, "format", "f", "table", "Output format (table, json)")
	_ = auxCheckCmd.MarkFlagRequired("offset")
}

func runAuxCheck(cmd *cobra.Command, _ []string) error {
	if err := validateFormat(auxFormat); err != nil {
		return err
	}
	if auxOffset <= 0 {
		return fmt.Errorf("--offset must be > 0")
	}
	if auxPDULen < 0 || auxPDULen > pdu.MaxPayloadLen {
		return fmt.Errorf("invalid --pdu-len %d: must be 0-%d", auxPDULen, pdu.MaxPayloadLen)
	}
	phy, err := hal.ParsePHY(auxPHY)
	if err != nil {
		return err
	}
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	cmd.SilenceUsage = true

	ptr := pdu.NewAuxPtr(0, uint32(auxOffset/time.Microsecond), phy, auxCA)
	res := auxCheckResult{
		OffsetUS:  ptr.OffsetUS(),
		WindowUS:  uint32(auxWindow / time.Microsecond),
		PDUUS:     hal.Airtime(auxPDULen, phy),
		SpacingUS: cfg.Timing.MinAfterEventSpacingUS,
	}
	if auxWindow == 0 {
		res.WindowUS = lll.AuxWindowUS(ptr, cfg.Timing.EventJitterUS, cfg.Timing.RadioRampUpUS)
	}
	if auxSpacing > 0 {
		res.SpacingUS = uint32(auxSpacing / time.Microsecond)
	}
	res.Feasible = lll.Feasible(res.OffsetUS, res.WindowUS, res.PDUUS, res.SpacingUS)

	out := cmd.OutOrStdout()
	if auxFormat == "json" {
		encoder := json.NewEncoder(out)
		encoder.SetIndent("", "  ")
		if err := encoder.Encode(res); err != nil {
			return err
		}
	} else {
		verdict := color.New(color.FgGreen).Sprint("feasible")
		op := ">="
		if !res.Feasible {
			verdict = color.New(color.FgRed).Sprint("not feasible")
			op = "<"
		}
		fmt.Fprintf(out, "offset %d µs + window %d µs %s pdu %d µs + spacing %d µs: %s\n",
			res.OffsetUS, res.WindowUS, op, res.PDUUS, res.SpacingUS, verdict)
	}

	if auxStrict && !res.Feasible {
		return ErrInfeasible
	}
	return nil
}
