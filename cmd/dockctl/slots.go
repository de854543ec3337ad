package main

import (
	"errors"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/example/dockhold/internal/slot/domain"
	"github.com/example/dockhold/internal/slot/handler"
)

func newSlotsCmd(c *clients) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "slots",
		Short: "Inspect and administer docking slots",
	}

	var (
		station string
		count   int
		kind    string
	)
	seed := &cobra.Command{
		Use:   "seed",
		Short: "Create UNLOCKED slots for a station",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if station == "" || count <= 0 {
				return errors.New("--station and a positive --count are required")
			}
			created, skipped := 0, 0
			for i := 1; i <= count; i++ {
				_, err := c.slots.Create(cmd.Context(), handler.CreateRequest{
					ID:        slotID(station, i),
					StationID: station,
					Kind:      domain.Kind(kind),
					Status:    domain.StatusUnlocked,
				})
				switch {
				case errors.Is(err, domain.ErrSlotExists):
					skipped++
				case err != nil:
					return fmt.Errorf("create %s: %w", slotID(station, i), err)
				default:
					created++
				}
			}
			fmt.Fprintf(cmd.OutOrStdout(), "station %s: %d created, %d already present\n", station, created, skipped)
			return nil
		},
	}
	seed.Flags().StringVar(&station, "station", "", "Station id")
	seed.Flags().IntVar(&count, "count", 10, "Number of slots")
	seed.Flags().StringVar(&kind, "kind", "", "Slot kind (ELECTRIC, MECHANIC or empty for any)")

	var (
		listStation string
		asJSON      bool
	)
	list := &cobra.Command{
		Use:   "list",
		Short: "List slots, optionally for one station",
		RunE: func(cmd *cobra.Command, _ []string) error {
			slots, err := c.slots.List(cmd.Context(), listStation)
			if err != nil {
				return err
			}
			if asJSON {
				return printJSON(cmd.OutOrStdout(), slots)
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tSTATION\tKIND\tSTATUS\tBICYCLE\tUPDATED")
			for _, s := range slots {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
					s.ID, s.StationID, orDash(string(s.Kind)), s.Status, deref(s.BicycleID), formatTime(s.UpdatedAt))
			}
			return tw.Flush()
		},
	}
	list.Flags().StringVar(&listStation, "station", "", "Station id")
	list.Flags().BoolVar(&asJSON, "json", false, "Print JSON")

	release := &cobra.Command{
		Use:   "release <slot-id>",
		Short: "Force a slot back to UNLOCKED",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			slot, err := c.slots.Release(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", slot.ID, slot.Status)
			return nil
		},
	}

	cmd.AddCommand(seed, list, release)
	return cmd
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
