package main

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/sells-group/pald-cli/internal/model"
)

var (
	jobsBatchSize int
	jobsStatus    string
	jobsLimit     int
)

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "Manage the bias job queue",
}

var jobsProcessCmd = &cobra.Command{
	Use:   "process",
	Short: "Process one batch of due bias jobs",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		env, err := initEnv(ctx, "worker")
		if err != nil {
			return err
		}
		defer env.Close()

		n := jobsBatchSize
		if n <= 0 {
			n = cfg.Bias.BatchSize
		}
		results, err := env.Queue.ProcessBatch(ctx, n)
		if err != nil {
			return err
		}
		return printJobResults(cmd.OutOrStdout(), results)
	},
}

var jobsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List bias jobs, newest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		env, err := initEnv(ctx, "admin")
		if err != nil {
			return err
		}
		defer env.Close()

		jobs, err := env.Queue.List(ctx, model.JobFilter{Status: model.JobStatus(jobsStatus), Limit: jobsLimit})
		if err != nil {
			return err
		}
		return printJobs(cmd.OutOrStdout(), jobs)
	},
}

var jobsRequeueCmd = &cobra.Command{
	Use:   "requeue <job-id>",
	Short: "Reset a dead-lettered job to pending",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		env, err := initEnv(ctx, "admin")
		if err != nil {
			return err
		}
		defer env.Close()

		if err := env.Queue.Requeue(ctx, args[0]); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "requeued %s\n", args[0])
		return nil
	},
}

func printJobResults(w io.Writer, results []model.JobResult) error {
	if len(results) == 0 {
		fmt.Fprintln(w, "No due jobs.")
		return nil
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "JOB\tSTATUS\tATTEMPTS\tERROR")
	for _, r := range results {
		fmt.Fprintf(tw, "%s\t%s\t%d\t%s\n", r.JobID, r.Status, r.Attempts, truncate(r.Error, 60))
	}
	return tw.Flush()
}

func printJobs(w io.Writer, jobs []model.BiasJob) error {
	if len(jobs) == 0 {
		fmt.Fprintln(w, "No jobs found.")
		return nil
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "JOB\tSTATUS\tATTEMPTS\tNEXT ATTEMPT\tTYPES\tERROR")
	for _, j := range jobs {
		next := "-"
		if !j.NextAttemptAt.IsZero() && !j.Status.Terminal() {
			next = j.NextAttemptAt.Format("2006-01-02 15:04:05")
		}
		fmt.Fprintf(tw, "%s\t%s\t%d/%d\t%s\t%v\t%s\n",
			j.ID, j.Status, j.Attempts, j.MaxAttempts, next, j.AnalysisTypes, truncate(j.LastError, 60))
	}
	return tw.Flush()
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}

func init() {
	jobsProcessCmd.Flags().IntVar(&jobsBatchSize, "batch-size", 0, "jobs to claim (default from config)")
	jobsListCmd.Flags().StringVar(&jobsStatus, "status", "", "filter by status (pending, running, failed, succeeded, dead_letter)")
	jobsListCmd.Flags().IntVar(&jobsLimit, "limit", 20, "maximum jobs to show")

	jobsCmd.AddCommand(jobsProcessCmd, jobsListCmd, jobsRequeueCmd)
	rootCmd.AddCommand(jobsCmd)
}
