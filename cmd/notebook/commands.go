package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/kalambet/notebook/internal/api"
	"github.com/kalambet/notebook/internal/chunker"
	"github.com/kalambet/notebook/internal/config"
	"github.com/kalambet/notebook/internal/storage"
)

// --- upload ---

var uploadCmd = &cobra.Command{
	Use:   "upload <file>...",
	Short: "Upload files for indexing",
	Long: `Upload PDF, HTML or text files for indexing.

Files already uploaded under the same name with the same contents are
reported as existing and not indexed again.

Examples:
  notebook upload report.pdf notes.txt
  notebook upload --wait handbook.html`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		wait, _ := cmd.Flags().GetBool("wait")
		timeout, _ := cmd.Flags().GetDuration("timeout")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.upload(cmd.Context(), args)
		if err != nil {
			return err
		}
		var result struct {
			Jobs []api.UploadedFile `json:"jobs"`
		}
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		var jobIDs []string
		for _, j := range result.Jobs {
			switch {
			case j.Error != "":
				printError("%s: %s", j.Name, j.Error)
			case j.JobID == nil:
				printWarning("%s: %s (%s)", j.Name, j.Message, shortID(j.FileID))
			default:
				printSuccess("%s: queued as %s", j.Name, shortID(j.FileID))
				jobIDs = append(jobIDs, *j.JobID)
			}
		}

		if !wait || len(jobIDs) == 0 {
			return nil
		}

		printStep("Waiting for %d job(s)...", len(jobIDs))
		ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
		defer cancel()
		jobs, err := waitForJobs(ctx, client, jobIDs, 2*time.Second)
		if err != nil {
			return err
		}

		failed := 0
		for _, id := range jobIDs {
			job := jobs[id]
			if job.State == storage.JobFailed {
				failed++
				printError("%s: %s", job.Name, job.FailureReason)
				continue
			}
			chunks := 0
			if job.Result != nil {
				chunks = job.Result.Chunks
			}
			printSuccess("%s: indexed %d chunks", job.Name, chunks)
		}
		if failed > 0 {
			return fmt.Errorf("%d of %d uploads failed", failed, len(jobIDs))
		}
		return nil
	},
}

func init() {
	uploadCmd.Flags().Bool("wait", false, "wait until every queued file is indexed")
	uploadCmd.Flags().Duration("timeout", 10*time.Minute, "how long --wait waits")
}

// waitForJobs follows the event stream until every job is terminal. Jobs are
// also polled at interval, so a missed event or a job that finished before
// the stream connected still ends the wait.
func waitForJobs(ctx context.Context, client *apiClient, jobIDs []string, interval time.Duration) (map[string]storage.Job, error) {
	pending := make(map[string]bool, len(jobIDs))
	for _, id := range jobIDs {
		pending[id] = true
	}
	done := make(map[string]storage.Job, len(jobIDs))

	streamCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	updates := make(chan storage.Job, 16)
	go client.streamEvents(streamCtx, func(eventType string, data []byte) bool {
		if !strings.HasPrefix(eventType, "job.") {
			return true
		}
		var job storage.Job
		if err := json.Unmarshal(data, &job); err != nil {
			return true
		}
		select {
		case updates <- job:
			return true
		case <-streamCtx.Done():
			return false
		}
	})

	record := func(job storage.Job) {
		if pending[job.ID] && job.State.Terminal() {
			delete(pending, job.ID)
			done[job.ID] = job
		}
	}
	poll := func() error {
		for id := range pending {
			resp, err := client.get(ctx, "/jobs/"+url.PathEscape(id))
			if err != nil {
				return err
			}
			var job storage.Job
			if err := decodeJSON(resp, &job); err != nil {
				return fmt.Errorf("job %s: %w", id, err)
			}
			record(job)
		}
		return nil
	}

	if err := poll(); err != nil {
		return nil, err
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for len(pending) > 0 {
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("waiting for %d job(s): %w", len(pending), ctx.Err())
		case job := <-updates:
			record(job)
		case <-ticker.C:
			if err := poll(); err != nil {
				return nil, err
			}
		}
	}
	return done, nil
}

// --- ask ---

var askCmd = &cobra.Command{
	Use:   "ask <question>",
	Short: "Ask a question about selected sources",
	Long: `Ask a question. Only the sources named with --source (or every indexed
source with --all) are searched; with neither, the model gets no context.

Examples:
  notebook ask "What is the refund policy?" --source 3f2a9c,81bb02
  notebook ask --all "Summarize the onboarding steps"`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		question := strings.Join(args, " ")
		sources, _ := cmd.Flags().GetStringSlice("source")
		all, _ := cmd.Flags().GetBool("all")

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		ctx := cmd.Context()

		if all {
			ids, err := completedSourceIDs(ctx, client)
			if err != nil {
				return err
			}
			sources = ids
		}
		if len(sources) == 0 {
			printWarning("No sources selected; the answer will not use any document.")
		}

		req := api.ChatRequest{
			Messages: []api.ChatMessage{{Role: "user", Content: question}},
			FileIDs:  sources,
		}
		resp, err := client.post(ctx, "/chat", req)
		if err != nil {
			return err
		}
		var result api.ChatResponse
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		fmt.Println(result.Message)
		if len(result.Sources) > 0 {
			fmt.Println()
			for i, ref := range result.Sources {
				fmt.Printf("  %s %s page %d, lines %d-%d\n",
					colorize(colorCyan, fmt.Sprintf("[%d]", i+1)),
					shortID(ref.SourceID), ref.Page, ref.LineFrom, ref.LineTo)
			}
		}
		return nil
	},
}

func init() {
	askCmd.Flags().StringSlice("source", nil, "source IDs to search (comma-separated)")
	askCmd.Flags().Bool("all", false, "search every indexed source")
}

func completedSourceIDs(ctx context.Context, client *apiClient) ([]string, error) {
	sources, err := listSources(ctx, client)
	if err != nil {
		return nil, err
	}
	var ids []string
	for _, s := range sources {
		if s.State == storage.JobCompleted {
			ids = append(ids, s.SourceID)
		}
	}
	return ids, nil
}

func listSources(ctx context.Context, client *apiClient) ([]storage.Source, error) {
	resp, err := client.get(ctx, "/sources")
	if err != nil {
		return nil, err
	}
	var sources []storage.Source
	if err := decodeJSON(resp, &sources); err != nil {
		return nil, err
	}
	return sources, nil
}

// --- sources ---

var sourcesCmd = &cobra.Command{
	Use:   "sources",
	Short: "List uploaded sources",
	RunE: func(cmd *cobra.Command, args []string) error {
		asJSON, _ := cmd.Flags().GetBool("json")

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		sources, err := listSources(cmd.Context(), client)
		if err != nil {
			return err
		}

		if asJSON {
			return printJSON(os.Stdout, sources)
		}
		if len(sources) == 0 {
			fmt.Println("No sources uploaded.")
			return nil
		}
		for _, s := range sources {
			state := string(s.State)
			switch s.State {
			case storage.JobCompleted:
				state = colorize(colorGreen, state)
			case storage.JobFailed:
				state = colorize(colorRed, state)
			case storage.JobActive:
				state = colorize(colorYellow, fmt.Sprintf("%s %d%%", state, s.Progress))
			}
			fmt.Printf("%s  %-10s  %s\n", colorize(colorCyan, shortID(s.SourceID)), state, s.Name)
		}
		return nil
	},
}

func init() {
	sourcesCmd.Flags().Bool("json", false, "print sources as JSON")
}

// --- chunks ---

var chunksCmd = &cobra.Command{
	Use:   "chunks <sourceId>",
	Short: "Show the indexed chunks of a source",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		joined, _ := cmd.Flags().GetBool("joined")

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.get(cmd.Context(), "/document?fileId="+url.QueryEscape(args[0]))
		if err != nil {
			return err
		}
		var doc struct {
			Content []chunker.Chunk `json:"content"`
		}
		if err := decodeJSON(resp, &doc); err != nil {
			return err
		}

		if joined {
			fmt.Println(chunker.Join(doc.Content))
			return nil
		}
		for i, c := range doc.Content {
			m := c.Metadata
			fmt.Printf("%s page %d, lines %d-%d\n%s\n\n",
				colorize(colorBold, fmt.Sprintf("#%d", i+1)), m.Page, m.LineFrom, m.LineTo, c.Text)
		}
		return nil
	},
}

func init() {
	chunksCmd.Flags().Bool("joined", false, "print the chunk texts as one document")
}

// --- rm ---

var rmCmd = &cobra.Command{
	Use:   "rm <sourceId>",
	Short: "Remove a source and its index entries",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.delete(cmd.Context(), "/sources/"+url.PathEscape(args[0]))
		if err != nil {
			return err
		}
		var result map[string]string
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}
		printSuccess("Removed %s", shortID(args[0]))
		return nil
	},
}

// --- status ---

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show notebook status",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			printError("config error: %v", err)
			return nil
		}
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		return showStatus(cmd.Context(), client, cfg)
	},
}

func showStatus(ctx context.Context, client *apiClient, cfg config.Config) error {
	if !client.healthCheck(ctx) {
		printStatus("Server", "stopped")
	} else {
		printStatus("Server", "running on %s", cfg.Server.Address())

		resp, err := client.get(ctx, "/status")
		if err != nil {
			return err
		}
		var st api.Status
		if err := decodeJSON(resp, &st); err != nil {
			return err
		}
		printStatus("Sources", "%d", st.Sources)
		printStatus("Jobs", "%d queued, %d active, %d completed, %d failed",
			st.Jobs[storage.JobQueued], st.Jobs[storage.JobActive],
			st.Jobs[storage.JobCompleted], st.Jobs[storage.JobFailed])
		printStatus("Vectors", "%d (dimension %d)", st.Vectors, st.Dimension)
	}

	printStatus("Engine", "%s", cfg.Engine.Provider)
	printStatus("Chat model", "%s", cfg.ChatModel())
	printStatus("Embed model", "%s", cfg.EmbedModel())
	printStatus("Data dir", "%s", cfg.Storage.DataDir)
	return nil
}

// --- config ---

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or update configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}

		fmt.Printf("# %s\n", config.FilePath())
		keys := config.ShowAll(cfg)
		for _, k := range keys {
			fmt.Printf("  %s = %s\n", colorize(colorBold, k.Key), k.Value)
		}
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Long:  "Set a configuration value. Valid keys:\n  " + strings.Join(config.ValidKeys(), "\n  "),
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		if err := config.SetKey(key, value); err != nil {
			return err
		}

		printSuccess("Set %s = %s", key, value)
		return nil
	},
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
}
