package main

import (
	"encoding/json"
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/srg/blell/internal/hal"
	"github.com/srg/blell/internal/pdu"
)

// airtimeCmd represents the airtime command
var airtimeCmd = &cobra.Command{
	Use:   "airtime",
	Short: "Show the on-air duration of a PDU",
	Long: `Show the on-air duration of a PDU with the given payload length, on one
PHY or on every PHY. The length excludes the 2-byte PDU header.`,
	Args: cobra.NoArgs,
	RunE: runAirtime,
}

var (
	airtimeLen    int
	airtimePHY    string
	airtimeFormat string
)

type airtimeRow struct {
	PHY       hal.PHY `json:"phy"`
	Payload   int     `json:"payload"`
	AirtimeUS uint32  `json:"airtime_us"`
}

func init() {
	airtimeCmd.Flags().IntVarP(&airtimeLen, "len", "l", 37, "Payload length in bytes (0-255)")
	airtimeCmd.Flags().StringVarP(&airtimePHY, "phy", "p", "", "PHY (1m, 2m, coded, coded-s2); all when empty")
	airtimeCmd.Flags().StringVarP(&airtimeFormat, "format", "f", "table", "Output format (table, json)")
}

func runAirtime(cmd *cobra.Command, _ []string) error {
	if err := validateFormat(airtimeFormat); err != nil {
		return err
	}
	if airtimeLen < 0 || airtimeLen > pdu.MaxPayloadLen {
		return fmt.Errorf("invalid length %d: must be 0-%d", airtimeLen, pdu.MaxPayloadLen)
	}

	phys := []hal.PHY{hal.PHY1M, hal.PHY2M, hal.PHYCoded, hal.PHYCodedS2}
	if airtimePHY != "" {
		phy, err := hal.ParsePHY(airtimePHY)
		if err != nil {
			return err
		}
		phys = []hal.PHY{phy}
	}
	cmd.SilenceUsage = true

	rows := make([]airtimeRow, 0, len(phys))
	for _, phy := range phys {
		rows = append(rows, airtimeRow{PHY: phy, Payload: airtimeLen, AirtimeUS: hal.Airtime(airtimeLen, phy)})
	}

	out := cmd.OutOrStdout()
	if airtimeFormat == "json" {
		encoder := json.NewEncoder(out)
		encoder.SetIndent("", "  ")
		return encoder.Encode(rows)
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "PHY\tPAYLOAD\tAIRTIME")
	fmt.Fprintln(w, strings.Repeat("-", 32))
	for _, r := range rows {
		fmt.Fprintf(w, "%s\t%d B\t%d µs\n", r.PHY, r.Payload, r.AirtimeUS)
	}
	return w.Flush()
}
