package main

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
)

type jobView struct {
	ID              string `json:"id"`
	Title           string `json:"title"`
	Stage           string `json:"stage"`
	Progress        int    `json:"progress"`
	ProgressMessage string `json:"progress_message"`
	ErrorMessage    string `json:"error"`
	Inputs          []struct {
		Kind  string `json:"kind"`
		Value string `json:"value"`
	} `json:"inputs"`
	Artifacts []struct {
		Kind     string `json:"kind"`
		Location string `json:"location"`
	} `json:"artifacts"`
	CreatedAt string `json:"created_at"`
	UpdatedAt string `json:"updated_at"`
}

func newJobsCommand(ctx *commandContext) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "Inspect and drive generation jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}
	cmd.AddCommand(newJobsListCommand(ctx))
	cmd.AddCommand(newJobsShowCommand(ctx))
	cmd.AddCommand(newJobsCreateCommand(ctx))
	cmd.AddCommand(newJobsSubmitCommand(ctx))
	cmd.AddCommand(newJobsRegenerateCommand(ctx))
	cmd.AddCommand(newJobsWatchCommand(ctx))
	return cmd
}

func newJobsListCommand(ctx *commandContext) *cobra.Command {
	var stageFilter string
	var limit, offset int

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List jobs in your tenant",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := ctx.client()
			if err != nil {
				return err
			}
			path := "/v1/jobs?limit=" + strconv.Itoa(limit) + "&offset=" + strconv.Itoa(offset)
			if stageFilter != "" {
				path += "&stage=" + stageFilter
			}
			var out struct {
				Jobs  []jobView `json:"jobs"`
				Total int       `json:"total"`
			}
			if err := client.get(cmd.Context(), path, &out); err != nil {
				return err
			}

			rows := make([][]string, 0, len(out.Jobs))
			for _, job := range out.Jobs {
				rows = append(rows, []string{
					job.ID,
					job.Title,
					job.Stage,
					strconv.Itoa(job.Progress) + "%",
					job.UpdatedAt,
				})
			}
			fmt.Fprintln(cmd.OutOrStdout(), renderRows(
				[]string{"ID", "TITLE", "STAGE", "PROGRESS", "UPDATED"}, rows))
			fmt.Fprintf(cmd.OutOrStdout(), "%d of %d jobs\n", len(out.Jobs), out.Total)
			return nil
		},
	}
	cmd.Flags().StringVar(&stageFilter, "stage", "", "Comma-separated stage filter")
	cmd.Flags().IntVar(&limit, "limit", 50, "Page size")
	cmd.Flags().IntVar(&offset, "offset", 0, "Page offset")
	return cmd
}

func newJobsShowCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "show <job-id>",
		Short: "Show one job in detail",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := ctx.client()
			if err != nil {
				return err
			}
			var job jobView
			if err := client.get(cmd.Context(), "/v1/jobs/"+args[0], &job); err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "ID:       %s\n", job.ID)
			fmt.Fprintf(out, "Title:    %s\n", job.Title)
			fmt.Fprintf(out, "Stage:    %s (%d%%)\n", job.Stage, job.Progress)
			if job.ProgressMessage != "" {
				fmt.Fprintf(out, "Status:   %s\n", job.ProgressMessage)
			}
			if job.ErrorMessage != "" {
				fmt.Fprintf(out, "Error:    %s\n", job.ErrorMessage)
			}
			for _, input := range job.Inputs {
				fmt.Fprintf(out, "Input:    %s %s\n", input.Kind, input.Value)
			}
			for _, artifact := range job.Artifacts {
				fmt.Fprintf(out, "Artifact: %s %s\n", artifact.Kind, artifact.Location)
			}
			return nil
		},
	}
}

func newJobsCreateCommand(ctx *commandContext) *cobra.Command {
	var title, preset string
	var inputSpecs, targets []string
	var compose, longform, submit bool

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a job from content sources",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := ctx.client()
			if err != nil {
				return err
			}

			type input struct {
				Kind  string `json:"kind"`
				Value string `json:"value"`
			}
			inputs := make([]input, 0, len(inputSpecs))
			for _, spec := range inputSpecs {
				kind, value, found := strings.Cut(spec, ":")
				if !found {
					return fmt.Errorf("input %q must be kind:value (url, youtube, text, file)", spec)
				}
				inputs = append(inputs, input{Kind: kind, Value: value})
			}

			body := map[string]any{
				"title":  title,
				"inputs": inputs,
				"options": map[string]any{
					"longform":           longform,
					"compose":            compose,
					"compose_preset":     preset,
					"distribute_targets": targets,
				},
			}
			var job jobView
			if err := client.post(cmd.Context(), "/v1/jobs", body, &job); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "created job %s\n", job.ID)

			if submit {
				if err := client.post(cmd.Context(), "/v1/jobs/"+job.ID+"/submit", nil, &job); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "submitted job %s\n", job.ID)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&title, "title", "", "Episode title")
	cmd.Flags().StringArrayVar(&inputSpecs, "input", nil, "Content source as kind:value (repeatable)")
	cmd.Flags().BoolVar(&longform, "longform", false, "Generate a long-form script")
	cmd.Flags().BoolVar(&compose, "compose", false, "Master the episode with intro/outro")
	cmd.Flags().StringVar(&preset, "preset", "", "Composition preset name")
	cmd.Flags().StringArrayVar(&targets, "distribute", nil, "Distribution target (repeatable)")
	cmd.Flags().BoolVar(&submit, "submit", false, "Submit immediately after creating")
	return cmd
}

func newJobsSubmitCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "submit <job-id>",
		Short: "Queue a draft job for generation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := ctx.client()
			if err != nil {
				return err
			}
			var job jobView
			if err := client.post(cmd.Context(), "/v1/jobs/"+args[0]+"/submit", nil, &job); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "job %s is %s\n", job.ID, job.Stage)
			return nil
		},
	}
}

func newJobsRegenerateCommand(ctx *commandContext) *cobra.Command {
	var clearArtifacts bool
	cmd := &cobra.Command{
		Use:   "regenerate <job-id>",
		Short: "Reset a finished or failed job back to draft",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := ctx.client()
			if err != nil {
				return err
			}
			body := map[string]bool{"clear_artifacts": clearArtifacts}
			var job jobView
			if err := client.post(cmd.Context(), "/v1/jobs/"+args[0]+"/regenerate", body, &job); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "job %s is %s\n", job.ID, job.Stage)
			return nil
		},
	}
	cmd.Flags().BoolVar(&clearArtifacts, "clear-artifacts", false, "discard recorded artifacts along with the reset")
	return cmd
}

func newJobsWatchCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "watch <job-id>",
		Short: "Follow a job's progress until it finishes",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := ctx.client()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			return client.watch(cmd.Context(), args[0], func(raw []byte) error {
				var event struct {
					Stage    string `json:"stage"`
					Percent  int    `json:"percent"`
					Message  string `json:"message"`
					Error    string `json:"error"`
					Terminal bool   `json:"terminal"`
				}
				if err := json.Unmarshal(raw, &event); err != nil {
					return nil
				}
				line := fmt.Sprintf("%-14s %3d%%", event.Stage, event.Percent)
				if event.Message != "" {
					line += "  " + event.Message
				}
				if event.Error != "" {
					line += "  error: " + event.Error
				}
				fmt.Fprintln(out, line)
				return nil
			})
		},
	}
}
