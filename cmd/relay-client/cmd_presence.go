package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"callrelay-backend/internal/domain"
)

var statusCmd = &cobra.Command{
	Use:   "status <user-id>",
	Short: "Query a user's presence once",
	Args:  cobra.ExactArgs(1),
	RunE:  runStatus,
}

var watchCmd = &cobra.Command{
	Use:   "watch <user-id>...",
	Short: "Follow presence changes until interrupted",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runWatch,
}

var setStatusCmd = &cobra.Command{
	Use:   "set-status <online|away|busy|offline>",
	Short: "Advertise a status and stay connected until interrupted",
	Args:  cobra.ExactArgs(1),
	RunE:  runSetStatus,
}

func runStatus(cmd *cobra.Command, args []string) error {
	app, ctx, cleanup, err := connect(cmd)
	if err != nil {
		return err
	}
	defer cleanup()

	rec, err := app.Presence.Query(ctx, args[0])
	if err != nil {
		return err
	}
	printPresence(rec)
	return nil
}

func runWatch(cmd *cobra.Command, args []string) error {
	app, ctx, cleanup, err := connect(cmd)
	if err != nil {
		return err
	}
	defer cleanup()

	sub := app.Presence.OnChange(printPresence)
	defer sub.Unsubscribe()

	for _, userID := range args {
		rec, err := app.Presence.Watch(ctx, userID)
		if err != nil {
			return fmt.Errorf("watch %s: %w", userID, err)
		}
		printPresence(rec)
	}

	<-ctx.Done()
	return nil
}

func runSetStatus(cmd *cobra.Command, args []string) error {
	status := domain.PresenceStatus(args[0])
	if !status.Valid() {
		return fmt.Errorf("unknown status %q", args[0])
	}

	app, ctx, cleanup, err := connect(cmd)
	if err != nil {
		return err
	}
	defer cleanup()

	rec, err := app.Presence.SetStatus(ctx, status)
	if err != nil {
		return err
	}
	printPresence(rec)

	<-ctx.Done()
	return nil
}

func printPresence(rec domain.PresenceRecord) {
	seen := "never"
	if !rec.LastSeenAt.IsZero() {
		seen = rec.LastSeenAt.Local().Format(time.Kitchen)
	}
	fmt.Printf("%-20s %-8s last seen %s\n", rec.UserID, rec.Status, seen)
}
