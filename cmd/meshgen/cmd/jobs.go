package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/psantana5/meshgen/pkg/api"
	"github.com/psantana5/meshgen/pkg/models"
	"github.com/psantana5/meshgen/pkg/registry"
	"github.com/psantana5/meshgen/pkg/store"
)

var statusFilter string

// jobsCmd represents the jobs command
var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "Manage jobs",
	Long: `Commands for listing and following generation jobs. list and status read
the local job store, or a running daemon when --server is given.`,
}

var jobsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List known jobs",
	Args:  cobra.NoArgs,
	RunE:  runJobsList,
}

var jobsStatusCmd = &cobra.Command{
	Use:   "status <job-id>",
	Short: "Show one job",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobsStatus,
}

var jobsAttachCmd = &cobra.Command{
	Use:   "attach <job-id>",
	Short: "Follow a job submitted elsewhere and import its result",
	Long: `Follow an existing job until it finishes and import the model. With
--server the daemon follows the job instead.`,
	Args: cobra.ExactArgs(1),
	RunE: runJobsAttach,
}

var jobsDownloadCmd = &cobra.Command{
	Use:   "download <job-id>",
	Short: "Download and import the result of a finished job again",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobsDownload,
}

var jobsCancelCmd = &cobra.Command{
	Use:   "cancel <job-id>",
	Short: "Stop a daemon from following a job",
	Long:  `Stop a running daemon from following a job. The remote job itself keeps running.`,
	Args:  cobra.ExactArgs(1),
	RunE:  runJobsCancel,
}

func init() {
	rootCmd.AddCommand(jobsCmd)
	jobsCmd.AddCommand(jobsListCmd)
	jobsCmd.AddCommand(jobsStatusCmd)
	jobsCmd.AddCommand(jobsAttachCmd)
	jobsCmd.AddCommand(jobsDownloadCmd)
	jobsCmd.AddCommand(jobsCancelCmd)

	jobsListCmd.Flags().StringVar(&statusFilter, "status", "", "only list jobs with this status")
	jobsDownloadCmd.Flags().StringVar(&outDir, "out", "", "output directory for imported models (default from config)")
	jobsAttachCmd.Flags().StringVar(&outDir, "out", "", "output directory for imported models (default from config)")
}

// openLocalRegistry restores the registry from the job store without
// talking to the service.
func openLocalRegistry() (*registry.Registry, func() error, error) {
	st, err := store.NewStore(store.Config{Type: cfg.Store.Type, Path: cfg.Store.Path, DSN: cfg.Store.DSN})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open job store: %w", err)
	}
	reg := registry.New(st, nil)
	if _, err := reg.Load(); err != nil {
		st.Close()
		return nil, nil, err
	}
	return reg, st.Close, nil
}

func runJobsList(cmd *cobra.Command, args []string) error {
	var jobs []*models.Job
	if serverURL != "" {
		client, err := newDaemonClient()
		if err != nil {
			return err
		}
		remote, err := client.ListJobs(cmd.Context(), models.JobStatus(statusFilter))
		if err != nil {
			return err
		}
		return displayJobs(jobsOf(remote))
	}

	reg, closeStore, err := openLocalRegistry()
	if err != nil {
		return err
	}
	defer closeStore()

	for _, job := range reg.All() {
		if statusFilter == "" || string(job.Status) == statusFilter {
			jobs = append(jobs, job)
		}
	}
	return displayJobs(jobs)
}

func runJobsStatus(cmd *cobra.Command, args []string) error {
	id := args[0]
	if serverURL != "" {
		client, err := newDaemonClient()
		if err != nil {
			return err
		}
		job, err := client.GetJob(cmd.Context(), id)
		if err != nil {
			return err
		}
		return displayJob(job.Job)
	}

	reg, closeStore, err := openLocalRegistry()
	if err != nil {
		return err
	}
	defer closeStore()

	job, ok := reg.Get(id)
	if !ok {
		return fmt.Errorf("job %s not found in %s store", id, cfg.Store.Type)
	}
	return displayJob(job)
}

func runJobsAttach(cmd *cobra.Command, args []string) error {
	id := args[0]
	if serverURL != "" {
		client, err := newDaemonClient()
		if err != nil {
			return err
		}
		if err := client.Attach(cmd.Context(), id); err != nil {
			return err
		}
		fmt.Printf("Daemon is following job %s\n", id)
		return nil
	}
	return followLocally(cmd, id, false)
}

func runJobsDownload(cmd *cobra.Command, args []string) error {
	return followLocally(cmd, args[0], true)
}

// followLocally tracks id in a local session. With redownload set, a job
// that already succeeded is imported again from its stored artifacts.
func followLocally(cmd *cobra.Command, id string, redownload bool) error {
	if outDir != "" {
		cfg.OutputDir = outDir
	}
	ctx, stop := signalContext(cmd)
	defer stop()

	rt, err := newRuntime("meshgen")
	if err != nil {
		return err
	}
	return rt.run(ctx, func(ctx context.Context) error {
		job, known := rt.registry.Get(id)
		if redownload && known && job.Status == models.JobStatusSuccess && !job.ResultArtifacts.Empty() {
			if err := rt.session.Redownload(ctx, id); err != nil {
				return err
			}
			return rt.report(id)
		}

		if err := rt.session.Attach(id); err != nil {
			return err
		}
		fmt.Fprintf(os.Stderr, "Following job %s\n", id)
		if err := rt.follow(ctx, id); err != nil {
			return err
		}
		return rt.report(id)
	})
}

func runJobsCancel(cmd *cobra.Command, args []string) error {
	id := args[0]
	client, err := newDaemonClient()
	if err != nil {
		return err
	}
	if err := client.Cancel(cmd.Context(), id); err != nil {
		return err
	}
	fmt.Printf("Daemon stopped following job %s\n", id)
	return nil
}

func jobsOf(remote []api.JobResponse) []*models.Job {
	jobs := make([]*models.Job, 0, len(remote))
	for _, r := range remote {
		jobs = append(jobs, r.Job)
	}
	return jobs
}
