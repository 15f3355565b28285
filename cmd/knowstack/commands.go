package main

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/kalambet/knowstack/internal/config"
)

type createdDocument struct {
	ID          string    `json:"id"`
	Status      string    `json:"status"`
	CreatedAt   time.Time `json:"created_at"`
	IsDuplicate bool      `json:"is_duplicate"`
}

type processedDocument struct {
	DocumentID string `json:"document_id"`
	Status     string `json:"status"`
	ChunkCount int    `json:"chunk_count"`
}

type queuedJob struct {
	JobID     string    `json:"job_id"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
}

type documentSummary struct {
	ID          string    `json:"id"`
	Filename    string    `json:"filename"`
	ContentType string    `json:"content_type"`
	Status      string    `json:"status"`
	SizeBytes   int64     `json:"size_bytes"`
	CreatedAt   time.Time `json:"created_at"`
}

type jobDetail struct {
	JobID       string     `json:"job_id"`
	JobType     string     `json:"job_type"`
	Status      string     `json:"status"`
	Error       *string    `json:"error"`
	Attempts    int        `json:"attempts"`
	MaxAttempts int        `json:"max_attempts"`
	NextRunAt   time.Time  `json:"next_run_at"`
	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at"`
	FinishedAt  *time.Time `json:"finished_at"`
}

type citation struct {
	DocumentID   string `json:"document_id"`
	DocumentName string `json:"document_name"`
	Page         int    `json:"page"`
	Section      string `json:"section"`
	Snippet      string `json:"snippet"`
}

type askResult struct {
	Answer            string     `json:"answer"`
	Model             string     `json:"model"`
	Citations         []citation `json:"citations"`
	FallbackRetrieval bool       `json:"fallback_retrieval"`
}

func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}

// --- upload ---

var uploadCmd = &cobra.Command{
	Use:   "upload <file>",
	Short: "Upload a PDF, DOCX or TXT document",
	Long: `Upload a PDF, DOCX or TXT document.

Examples:
  knowstack upload ./handbook.pdf
  knowstack upload ./notes.txt --process
  knowstack upload ./contract.docx --async`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		process, _ := cmd.Flags().GetBool("process")
		async, _ := cmd.Flags().GetBool("async")
		if process && async {
			return fmt.Errorf("--process and --async are mutually exclusive")
		}

		data, err := os.ReadFile(args[0])
		if err != nil {
			return fmt.Errorf("reading file: %w", err)
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		ctx := commandContext(cmd)

		resp, err := client.upload(ctx, args[0], data)
		if err != nil {
			return err
		}
		var doc createdDocument
		if err := decodeJSON(resp, &doc); err != nil {
			return err
		}
		if doc.IsDuplicate {
			// The existing document keeps its own processing state.
			printWarning("Already uploaded as %s (%s)", doc.ID, doc.Status)
			return nil
		}
		printSuccess("Uploaded document %s", doc.ID)

		switch {
		case process:
			printStep("Processing %s", doc.ID)
			resp, err := client.post(ctx, "/v1/documents/"+doc.ID+"/process", nil)
			if err != nil {
				return err
			}
			var out processedDocument
			if err := decodeJSON(resp, &out); err != nil {
				return err
			}
			printSuccess("Processed into %d chunks", out.ChunkCount)
		case async:
			resp, err := client.post(ctx, "/v1/documents/"+doc.ID+"/process-async", nil)
			if err != nil {
				return err
			}
			var job queuedJob
			if err := decodeJSON(resp, &job); err != nil {
				return err
			}
			printSuccess("Queued job %s", job.JobID)
		}
		return nil
	},
}

func init() {
	uploadCmd.Flags().Bool("process", false, "process the document inline after upload")
	uploadCmd.Flags().Bool("async", false, "queue a processing job after upload")
}

// --- documents ---

var documentsCmd = &cobra.Command{
	Use:   "documents",
	Short: "Inspect uploaded documents",
}

var documentsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List documents, newest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		status, _ := cmd.Flags().GetString("status")
		page, _ := cmd.Flags().GetInt("page")
		pageSize, _ := cmd.Flags().GetInt("page-size")

		q := url.Values{}
		q.Set("page", fmt.Sprint(page))
		q.Set("page_size", fmt.Sprint(pageSize))
		if status != "" {
			q.Set("status", status)
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.get(commandContext(cmd), "/v1/documents?"+q.Encode())
		if err != nil {
			return err
		}
		var list documentList
		if err := decodeJSON(resp, &list); err != nil {
			return err
		}
		printDocuments(stdout, list)
		return nil
	},
}

func printDocuments(w io.Writer, list documentList) {
	if len(list.Items) == 0 {
		fmt.Fprintln(w, "No documents.")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tFILENAME\tSTATUS\tSIZE\tCREATED")
	for _, d := range list.Items {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
			d.ID, d.Filename, statusColor(d.Status), humanSize(d.SizeBytes), d.CreatedAt.Local().Format(time.DateTime))
	}
	tw.Flush()
	fmt.Fprintf(w, "%d of %d\n", len(list.Items), list.Total)
}

func humanSize(n int64) string {
	switch {
	case n >= 1<<20:
		return fmt.Sprintf("%.1f MB", float64(n)/(1<<20))
	case n >= 1<<10:
		return fmt.Sprintf("%.1f KB", float64(n)/(1<<10))
	default:
		return fmt.Sprintf("%d B", n)
	}
}

func init() {
	documentsListCmd.Flags().String("status", "", "filter by status: queued, processed or failed")
	documentsListCmd.Flags().Int("page", 1, "page number")
	documentsListCmd.Flags().Int("page-size", 20, "documents per page (max 100)")
	documentsCmd.AddCommand(documentsListCmd)
}

// --- jobs ---

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "Inspect and run processing jobs",
}

var jobsShowCmd = &cobra.Command{
	Use:   "show <job-id>",
	Short: "Show a job",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.get(commandContext(cmd), "/v1/jobs/"+url.PathEscape(args[0]))
		if err != nil {
			return err
		}
		var job jobDetail
		if err := decodeJSON(resp, &job); err != nil {
			return err
		}
		printJob(stdout, job)
		return nil
	},
}

var jobsRunCmd = &cobra.Command{
	Use:   "run <job-id>",
	Short: "Run a job now through the API",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.post(commandContext(cmd), "/v1/jobs/"+url.PathEscape(args[0])+"/run", nil)
		if err != nil {
			return err
		}
		var job jobDetail
		if err := decodeJSON(resp, &job); err != nil {
			return err
		}
		printJob(stdout, job)
		return nil
	},
}

var jobsDrainCmd = &cobra.Command{
	Use:   "drain",
	Short: "Run every due job in this process until none is left",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("max")

		cfg, logger, err := loadConfigAndLogger()
		if err != nil {
			return err
		}
		ctx := commandContext(cmd)
		a, err := newApp(ctx, cfg, logger)
		if err != nil {
			return err
		}
		defer a.Close()

		ran := 0
		for limit <= 0 || ran < limit {
			job, ok, err := a.runner.RunNext(ctx)
			if err != nil {
				return err
			}
			if !ok {
				break
			}
			ran++
			fmt.Fprintf(stdout, "%s  %s  attempt %d/%d\n", job.ID, statusColor(string(job.Status)), job.Attempts, job.MaxAttempts)
		}
		printSuccess("Ran %d job(s)", ran)
		return nil
	},
}

func printJob(w io.Writer, j jobDetail) {
	fmt.Fprintf(w, "Job:       %s\n", j.JobID)
	fmt.Fprintf(w, "Type:      %s\n", j.JobType)
	fmt.Fprintf(w, "Status:    %s\n", statusColor(j.Status))
	fmt.Fprintf(w, "Attempts:  %d/%d\n", j.Attempts, j.MaxAttempts)
	if j.Status == "queued" {
		fmt.Fprintf(w, "Next run:  %s\n", j.NextRunAt.Local().Format(time.DateTime))
	}
	if j.StartedAt != nil {
		fmt.Fprintf(w, "Started:   %s\n", j.StartedAt.Local().Format(time.DateTime))
	}
	if j.FinishedAt != nil {
		fmt.Fprintf(w, "Finished:  %s\n", j.FinishedAt.Local().Format(time.DateTime))
	}
	if j.Error != nil {
		fmt.Fprintf(w, "Error:     %s\n", *j.Error)
	}
}

func init() {
	jobsDrainCmd.Flags().Int("max", 0, "stop after this many jobs (0 means no limit)")
	jobsCmd.AddCommand(jobsShowCmd)
	jobsCmd.AddCommand(jobsRunCmd)
	jobsCmd.AddCommand(jobsDrainCmd)
}

// --- ask ---

var askCmd = &cobra.Command{
	Use:   "ask <question>",
	Short: "Ask a question about your processed documents",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		documentID, _ := cmd.Flags().GetString("document")

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.post(commandContext(cmd), "/v1/chat/ask", map[string]any{
			"question":    strings.Join(args, " "),
			"document_id": documentID,
		})
		if err != nil {
			return err
		}
		var res askResult
		if err := decodeJSON(resp, &res); err != nil {
			return err
		}
		printAnswer(stdout, res)
		return nil
	},
}

func printAnswer(w io.Writer, res askResult) {
	fmt.Fprintln(w, res.Answer)
	if len(res.Citations) == 0 {
		return
	}
	fmt.Fprintln(w)
	heading := "Sources"
	if res.FallbackRetrieval {
		heading += " (no direct match, showing recent content)"
	}
	fmt.Fprintln(w, colorize(colorBold, heading+":"))
	for i, c := range res.Citations {
		fmt.Fprintf(w, "  [%d] %s, page %d, %s\n", i+1, c.DocumentName, c.Page, c.Section)
	}
	fmt.Fprintf(w, "\n%s\n", colorize(colorCyan, "model: "+res.Model))
}

func init() {
	askCmd.Flags().String("document", "", "restrict the answer to one document id")
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

		keys := config.ShowAll(cfg)
		for _, k := range keys {
			fmt.Fprintf(stdout, "  %s = %s\n", colorize(colorBold, k.Key), k.Value)
		}
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value in the config file",
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
