package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	reservationclient "github.com/example/dockhold/internal/reservation/client"
	slotclient "github.com/example/dockhold/internal/slot/client"
	"github.com/example/dockhold/pkg/config"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

// clients is resolved once flags are parsed; subcommands read it from their closure.
type clients struct {
	slots        *slotclient.HTTP
	reservations *reservationclient.HTTP
}

func newRootCmd() *cobra.Command {
	cfg := config.New("dockctl", map[string]any{
		"slot-url":        "http://localhost:8081",
		"reservation-url": "http://localhost:8080",
		"timeout":         10,
	})
	c := &clients{}

	root := &cobra.Command{
		Use:          "dockctl",
		Short:        "Operate dockhold slot registry and reservations",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if err := cfg.Viper().BindPFlags(cmd.Flags()); err != nil {
				return err
			}
			timeout := cfg.Seconds("timeout")
			c.slots = slotclient.NewHTTP(cfg.String("slot-url"), timeout)
			c.reservations = reservationclient.NewHTTP(cfg.String("reservation-url"), timeout)
			return nil
		},
	}
	root.PersistentFlags().String("slot-url", "http://localhost:8081", "Base URL of the slot service (DOCKCTL_SLOT_URL)")
	root.PersistentFlags().String("reservation-url", "http://localhost:8080", "Base URL of the trip service (DOCKCTL_RESERVATION_URL)")
	root.PersistentFlags().Int("timeout", 10, "Request timeout in seconds")

	root.AddCommand(newSlotsCmd(c), newReservationsCmd(c))
	return root
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.UTC().Format(time.RFC3339)
}

func deref(s *string) string {
	if s == nil {
		return "-"
	}
	return *s
}

func slotID(station string, n int) string {
	return fmt.Sprintf("%s-SLOT-%02d", station, n)
}
