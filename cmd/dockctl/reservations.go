package main

import (
	"errors"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

func newReservationsCmd(c *clients) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "reservations",
		Aliases: []string{"res"},
		Short:   "Inspect reservations and reconcile failed slot releases",
	}

	get := &cobra.Command{
		Use:   "get <reservation-id>",
		Short: "Show one reservation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			r, err := c.reservations.Get(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), r)
		},
	}

	var asJSON bool
	failed := &cobra.Command{
		Use:   "failed",
		Short: "List reservations whose slot release failed",
		RunE: func(cmd *cobra.Command, _ []string) error {
			items, err := c.reservations.ListReleaseFailed(cmd.Context())
			if err != nil {
				return err
			}
			if asJSON {
				return printJSON(cmd.OutOrStdout(), items)
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tUSER\tSTART SLOT\tEND SLOT\tCREATED")
			for _, r := range items {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", r.ID, r.UserID, r.SlotStartID, deref(r.SlotEndID), formatTime(r.CreatedAt))
			}
			return tw.Flush()
		},
	}
	failed.Flags().BoolVar(&asJSON, "json", false, "Print JSON")

	var all bool
	reconcile := &cobra.Command{
		Use:   "reconcile [reservation-id...]",
		Short: "Retry the slot release of RELEASE_FAILED reservations",
		RunE: func(cmd *cobra.Command, args []string) error {
			ids := args
			if all {
				items, err := c.reservations.ListReleaseFailed(cmd.Context())
				if err != nil {
					return err
				}
				for _, r := range items {
					ids = append(ids, r.ID)
				}
			}
			if len(ids) == 0 {
				return errors.New("pass reservation ids or --all")
			}
			var errs error
			for _, id := range ids {
				if err := c.reservations.Reconcile(cmd.Context(), id); err != nil {
					errs = errors.Join(errs, fmt.Errorf("%s: %w", id, err))
					continue
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s reconciled\n", id)
			}
			return errs
		},
	}
	reconcile.Flags().BoolVar(&all, "all", false, "Reconcile every RELEASE_FAILED reservation")

	cmd.AddCommand(get, failed, reconcile)
	return cmd
}
