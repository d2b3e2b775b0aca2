package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/olekukonko/tablewriter"

	"github.com/psantana5/meshgen/pkg/models"
)

func printJSON(v interface{}) error {
	output, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal JSON: %w", err)
	}
	fmt.Println(string(output))
	return nil
}

func displayJob(job *models.Job) error {
	if IsJSONOutput() {
		return printJSON(job)
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.Header("Field", "Value")

	table.Append("Job", job.ID)
	if job.Kind != "" {
		table.Append("Kind", string(job.Kind))
	}
	table.Append("Status", statusText(job.Status))
	table.Append("Progress", fmt.Sprintf("%d%%", job.Progress))
	if job.EstimatedRemainingSeconds != nil {
		table.Append("Remaining", fmt.Sprintf("~%.0fs", *job.EstimatedRemainingSeconds))
	}
	if job.InputSummary != "" {
		table.Append("Input", job.InputSummary)
	}
	table.Append("Created At", job.CreatedAt.Format(time.RFC3339))
	table.Append("Updated At", job.UpdatedAt.Format(time.RFC3339))
	if job.ResultArtifacts != nil {
		table.Append("Model", job.ResultArtifacts.Model.URL)
		if job.ResultArtifacts.Preview != nil {
			table.Append("Preview", job.ResultArtifacts.Preview.URL)
		}
	}
	if job.ImportedAt != nil {
		table.Append("Imported At", job.ImportedAt.Format(time.RFC3339))
	}
	if job.LastError != "" {
		table.Append("Error", job.LastError)
	}

	return table.Render()
}

func displayJobs(jobs []*models.Job) error {
	if IsJSONOutput() {
		return printJSON(jobs)
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.Header("Job", "Kind", "Status", "Progress", "Input", "Imported", "Created")
	for _, job := range jobs {
		imported := "-"
		if job.ImportedAt != nil {
			imported = job.ImportedAt.Format("2006-01-02 15:04")
		}
		table.Append(
			job.ID,
			string(job.Kind),
			statusText(job.Status),
			fmt.Sprintf("%d%%", job.Progress),
			truncate(job.InputSummary, 40),
			imported,
			job.CreatedAt.Format("2006-01-02 15:04"),
		)
	}
	if err := table.Render(); err != nil {
		return err
	}
	fmt.Printf("\nTotal jobs: %d\n", len(jobs))
	return nil
}

func statusText(s models.JobStatus) string {
	if s == "" {
		return "unknown"
	}
	return string(s)
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
