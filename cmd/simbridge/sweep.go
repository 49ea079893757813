package main

import (
	"fmt"
	"strconv"

	"github.com/jrepp/simbridge/pkg/watchdog"
	"github.com/spf13/cobra"
)

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Reap engine processes whose orchestrator is gone",
	Long: `Scans the process table for engines launched by simbridge whose owner
process no longer exists and reaps their process trees. Useful after a hard
crash that took the watchdog down too.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		dryRun, _ := cmd.Flags().GetBool("dry-run")

		sweep := watchdog.NewOrphanSweep()
		sweep.Logger = log

		var (
			orphans []watchdog.Orphan
			err     error
		)
		if dryRun {
			orphans, err = sweep.Find(cmd.Context())
		} else {
			orphans, err = sweep.Run(cmd.Context())
		}
		if err != nil {
			return err
		}

		if len(orphans) == 0 {
			out.Success("no orphaned engines")
			return nil
		}
		tbl := out.NewTable("PID", "INSTANCE", "OWNER PID")
		for _, o := range orphans {
			tbl.AddRow(strconv.Itoa(int(o.PID)), o.InstanceID, strconv.Itoa(int(o.OwnerPID)))
		}
		tbl.Render()
		if dryRun {
			out.Warning(fmt.Sprintf("%d orphaned engines (dry run, nothing reaped)", len(orphans)))
		} else {
			out.Success(fmt.Sprintf("reaped %d orphaned engines", len(orphans)))
		}
		return nil
	},
}

func init() {
	sweepCmd.Flags().Bool("dry-run", false, "List orphans without reaping them")
}
