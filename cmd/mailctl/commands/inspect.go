package commands

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/unclebandit/email-scheduler/internal/events"
	"github.com/unclebandit/email-scheduler/internal/queue"
	"github.com/unclebandit/email-scheduler/internal/service"
)

var (
	// userID scopes stats and show to one account.
	userID int64

	// deadLimit caps the dead-letter listing.
	deadLimit int
)

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show queue counts, and a user's email counts and rate window",
	RunE:  runStats,
}

func runStats(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	deps, err := openDeps(ctx, false)
	if err != nil {
		return err
	}
	defer deps.Close()

	sender := ""
	if userID > 0 {
		user, err := deps.Users.GetByID(ctx, userID)
		if err != nil {
			return err
		}
		sender = user.Email
	}

	stats, err := deps.Scheduler(events.Nop{}).Stats(ctx, userID, sender)
	if err != nil {
		return err
	}

	if outputFormat == "json" {
		return outputJSON(stats)
	}
	fmt.Print(formatStats(stats, userID > 0))
	return nil
}

func formatStats(s *service.Stats, withUser bool) string {
	var b strings.Builder
	q := s.Queue
	fmt.Fprintf(&b, "Queue: %d pending (%d ready), %d checked out, %d completed, %d dead\n",
		q.Pending, q.Ready, q.CheckedOut, q.Completed, q.Dead)
	if !withUser {
		return b.String()
	}
	e := s.Emails
	fmt.Fprintf(&b, "Emails: %d scheduled, %d sent, %d failed (%d total)\n",
		e.Scheduled, e.Sent, e.Failed, e.Total)
	if w := s.Window; w != nil {
		fmt.Fprintf(&b, "Window: %s used %d/%d, resets %s\n",
			w.Sender, w.Count, w.Cap, w.NextWindow.Format(time.RFC3339))
	}
	return b.String()
}

var deadLettersCmd = &cobra.Command{
	Use:   "deadletters",
	Short: "List dead-lettered tasks, newest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()

		deps, err := openDeps(ctx, false)
		if err != nil {
			return err
		}
		defer deps.Close()

		tasks, err := deps.Queue.ListDead(ctx, deadLimit)
		if err != nil {
			return err
		}
		if outputFormat == "json" {
			return outputJSON(tasks)
		}
		fmt.Print(formatDead(tasks))
		return nil
	},
}

func formatDead(tasks []*queue.Task) string {
	if len(tasks) == 0 {
		return "No dead-lettered tasks.\n"
	}
	var b strings.Builder
	for _, t := range tasks {
		finished := "-"
		if t.FinishedAt != nil {
			finished = t.FinishedAt.Format(time.RFC3339)
		}
		fmt.Fprintf(&b, "%s\tattempts=%d/%d\tfinished=%s\t%s\n",
			t.Key, t.Attempts, t.MaxAttempts, finished, t.LastError)
	}
	return b.String()
}

var peekCmd = &cobra.Command{
	Use:   "peek <email-id>",
	Short: "Show one email and its queue task",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid email id %q", args[0])
		}
		if userID <= 0 {
			return fmt.Errorf("--user is required")
		}
		ctx := context.Background()

		deps, err := openDeps(ctx, false)
		if err != nil {
			return err
		}
		defer deps.Close()

		detail, err := deps.Scheduler(events.Nop{}).GetEmail(ctx, userID, id)
		if err != nil {
			return err
		}
		if outputFormat == "json" {
			return outputJSON(detail)
		}
		e := detail.Email
		fmt.Printf("Email %d to %s: %s (attempts %d)\n", e.ID, e.RecipientEmail, e.Status, e.Attempts)
		fmt.Printf("Scheduled for %s\n", e.ScheduledFor.Format(time.RFC3339))
		if e.ErrorMessage != "" {
			fmt.Printf("Last error: %s\n", e.ErrorMessage)
		}
		if t := detail.Task; t != nil {
			fmt.Printf("Task %s: %s, due %s, attempts %d/%d\n",
				t.Key, t.State, t.DueAt.Format(time.RFC3339), t.Attempts, t.MaxAttempts)
		}
		return nil
	},
}

func init() {
	statsCmd.Flags().Int64Var(&userID, "user", 0, "User ID to report on")
	peekCmd.Flags().Int64Var(&userID, "user", 0, "Owner of the email")
	deadLettersCmd.Flags().IntVar(&deadLimit, "limit", 50, "Maximum tasks to list")
}
