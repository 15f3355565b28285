package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/kalambet/knowstack/internal/api"
	"github.com/kalambet/knowstack/internal/config"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API (foreground)",
	RunE: func(cmd *cobra.Command, args []string) error {
		withWorker, _ := cmd.Flags().GetBool("with-worker")
		return runServer(withWorker)
	},
}

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Poll for due jobs and run them",
	Long: `Poll for due jobs and run them.

In inprocess mode jobs run in this process against the local database.
In remote mode each due job is triggered through POST /v1/jobs/{id}/run on
the API server named by worker.api_base_url.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		mode, _ := cmd.Flags().GetString("mode")
		return runWorker(mode)
	},
}

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Serve MCP tools over stdio",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runMCP()
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show knowstack status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return showStatus(commandContext(cmd))
	},
}

func init() {
	serveCmd.Flags().Bool("with-worker", false, "also run the in-process job poller")
	workerCmd.Flags().String("mode", "", "worker mode: inprocess or remote (default from worker.mode)")
}

func runServer(withWorker bool) error {
	cfg, logger, err := loadConfigAndLogger()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	if withWorker {
		// The embedded poller always runs jobs in this process.
		a.cfg.Worker.Mode = config.WorkerInProcess
		wait := a.poller().Start(ctx)
		// Runs before a.Close: the store must outlive in-flight jobs.
		defer func() {
			stop()
			wait()
		}()
		logger.Info("in-process job poller started", zap.Duration("interval", cfg.Worker.PollInterval()))
	}

	addr := cfg.Server.Addr()
	srv := &http.Server{
		Addr:              addr,
		Handler:           api.NewRouter(a.apiDeps()),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext: func(_ net.Listener) context.Context {
			return ctx
		},
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("knowstack listening", zap.String("addr", addr), zap.String("version", version))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func runWorker(mode string) error {
	cfg, logger, err := loadConfigAndLogger()
	if err != nil {
		return err
	}
	if mode != "" {
		cfg.Worker.Mode = mode
		if err := cfg.Validate(); err != nil {
			return err
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	logger.Info("worker started",
		zap.String("mode", cfg.Worker.Mode),
		zap.Duration("interval", cfg.Worker.PollInterval()),
		zap.Int("batch_size", cfg.Worker.BatchSize),
		zap.Int("concurrency", cfg.Worker.Concurrency))
	a.poller().Run(ctx)
	logger.Info("worker stopped")
	return nil
}

func runMCP() error {
	cfg, logger, err := loadConfigAndLogger()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	mcpSrv := api.NewMCPServer(api.MCPDeps{
		OwnerID:   cfg.MCP.OwnerID,
		Retriever: a.retriever,
		QA:        a.qa,
		Documents: a.documents,
		Jobs:      a.store,
		Version:   version,
	})

	// Jobs queued through process_document run in this process.
	wait := a.poller().Start(ctx)
	defer func() {
		stop()
		wait()
	}()

	logger.Info("MCP server started (stdio transport)", zap.String("owner_id", cfg.MCP.OwnerID))
	stdioSrv := server.NewStdioServer(mcpSrv)
	if err := stdioSrv.Listen(ctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("MCP stdio server: %w", err)
	}
	return nil
}

type healthResponse struct {
	Status string `json:"status"`
}

type adminMetrics struct {
	TotalUsers        int `json:"total_users"`
	TotalDocuments    int `json:"total_documents"`
	JobsQueued        int `json:"jobs_queued"`
	JobsFailedLast24h int `json:"jobs_failed_last_24h"`
}

type documentList struct {
	Items []documentSummary `json:"items"`
	Total int               `json:"total"`
}

func showStatus(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		// Still show partial status even if config fails.
		printError("config error: %v", err)
		return nil
	}

	client, err := newAPIClient()
	if err != nil {
		return err
	}
	client.httpClient = &http.Client{Timeout: 2 * time.Second}

	running := false
	resp, err := client.get(ctx, "/health")
	if err != nil {
		printStatus("Server", "stopped")
	} else {
		var health healthResponse
		if err := decodeJSON(resp, &health); err != nil {
			printStatus("Server", "error (%v)", err)
		} else {
			running = true
			printStatus("Server", "running on %s", cfg.Server.Addr())
		}
	}

	if running {
		for _, status := range []string{"queued", "processed", "failed"} {
			resp, err := client.get(ctx, "/v1/documents?page_size=1&status="+status)
			if err != nil {
				break
			}
			var list documentList
			if err := decodeJSON(resp, &list); err != nil {
				printWarning("listing documents: %v", err)
				break
			}
			printStatus("Documents "+status, "%d", list.Total)
		}
		showAdminMetrics(ctx, client)
	}

	printStatus("Vector backend", "%s", cfg.Vector.Backend)
	printStatus("Rate limiter", "%s (%d/min)", cfg.RateLimit.Backend, cfg.RateLimit.PerMinute)
	if cfg.LLM.APIKey != "" {
		printStatus("LLM", "%s at %s", cfg.LLM.Model, cfg.LLM.BaseURL)
	} else {
		printStatus("LLM", "disabled (extractive answers)")
	}
	printStatus("Worker mode", "%s", cfg.Worker.Mode)
	printStatus("Data dir", "%s", cfg.Storage.DataDir)
	return nil
}

// showAdminMetrics prints deployment-wide counts. Callers without the admin
// role get 403 and see nothing.
func showAdminMetrics(ctx context.Context, client *apiClient) {
	resp, err := client.get(ctx, "/v1/admin/metrics")
	if err != nil {
		return
	}
	if resp.StatusCode == http.StatusForbidden {
		resp.Body.Close()
		return
	}
	var m adminMetrics
	if err := decodeJSON(resp, &m); err != nil {
		printWarning("reading metrics: %v", err)
		return
	}
	printStatus("Users", "%d", m.TotalUsers)
	printStatus("Documents total", "%d", m.TotalDocuments)
	printStatus("Jobs queued", "%d", m.JobsQueued)
	printStatus("Jobs failed (24h)", "%d", m.JobsFailedLast24h)
}
