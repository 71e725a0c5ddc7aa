package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/unclebandit/email-scheduler/internal/db"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending schema migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		deps, err := openDeps(context.Background(), true)
		if err != nil {
			return err
		}
		defer deps.Close()

		fmt.Printf("Schema at version %d\n", db.LatestMigrationVersion)
		return nil
	},
}

var reconcileCmd = &cobra.Command{
	Use:   "reconcile",
	Short: "Requeue or fail overdue emails whose queue task is missing",
	Long: `Run one reconcile sweep: every email still scheduled past its due time
gets a fresh queue task, or is marked failed if its task was dead-lettered.`,
	RunE: runReconcile,
}

func runReconcile(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	deps, err := openDeps(ctx, false)
	if err != nil {
		return err
	}
	defer deps.Close()

	pub, closePub := deps.Publisher()
	defer closePub()

	report, err := deps.Reconciler(pub).Sweep(ctx)
	if err != nil {
		return err
	}

	if outputFormat == "json" {
		return outputJSON(report)
	}
	fmt.Printf("Scanned %d, requeued %d, failed %d, live %d\n",
		report.Scanned, report.Requeued, report.Failed, report.Live)
	return nil
}

var pruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Drop settled tasks and expired rate counters past retention",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()

		deps, err := openDeps(ctx, false)
		if err != nil {
			return err
		}
		defer deps.Close()

		report, err := deps.Maintenance().Prune(ctx)
		if err != nil {
			return err
		}
		if outputFormat == "json" {
			return outputJSON(report)
		}
		fmt.Printf("Pruned %d tasks, %d counters\n", report.Tasks, report.Counters)
		return nil
	},
}

var dispatchOnceCmd = &cobra.Command{
	Use:   "dispatch-once",
	Short: "Take and process a single ready task",
	Long: `Take the earliest ready task and run it through the same claim,
rate-limit and send path the worker uses. Useful for draining one stuck
email by hand.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()

		deps, err := openDeps(ctx, false)
		if err != nil {
			return err
		}
		defer deps.Close()

		pub, closePub := deps.Publisher()
		defer closePub()

		disp := deps.Dispatcher(pub, deps.Throttle())
		took, err := disp.RunOnce(ctx, disp.ID+"-cli")
		if err != nil {
			return err
		}
		if !took {
			fmt.Println("No task ready.")
			return nil
		}
		fmt.Println("Processed one task.")
		return nil
	},
}
