package jobs

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/kalambet/knowstack/internal/apperr"
)

const DefaultTriggerTimeout = 60 * time.Second

type HTTPTriggerConfig struct {
	BaseURL string
	// Token is sent as a bearer token. When empty the dev identity headers
	// are sent with UserID and the admin role.
	Token   string
	UserID  string
	Timeout time.Duration
	// RPS throttles outgoing trigger calls. Zero means unlimited.
	RPS float64
}

// HTTPTrigger asks a running API server to execute a job through
// POST /v1/jobs/{id}/run.
type HTTPTrigger struct {
	baseURL    string
	token      string
	userID     string
	limiter    *rate.Limiter
	httpClient *http.Client
}

var _ Trigger = (*HTTPTrigger)(nil)

func NewHTTPTrigger(cfg HTTPTriggerConfig) *HTTPTrigger {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTriggerTimeout
	}
	limit := rate.Inf
	if cfg.RPS > 0 {
		limit = rate.Limit(cfg.RPS)
	}
	return &HTTPTrigger{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		token:      cfg.Token,
		userID:     cfg.UserID,
		limiter:    rate.NewLimiter(limit, 1),
		httpClient: &http.Client{Timeout: cfg.Timeout},
	}
}

func (t *HTTPTrigger) Trigger(ctx context.Context, jobID string) error {
	if err := t.limiter.Wait(ctx); err != nil {
		return err
	}

	endpoint := t.baseURL + "/v1/jobs/" + url.PathEscape(jobID) + "/run"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, nil)
	if err != nil {
		return fmt.Errorf("creating trigger request: %w", err)
	}
	if t.token != "" {
		req.Header.Set("Authorization", "Bearer "+t.token)
	} else {
		req.Header.Set("X-User-Id", t.userID)
		req.Header.Set("X-User-Role", "admin")
	}

	resp, err := t.httpClient.Do(req)
	if err != nil {
		return apperr.Wrap(apperr.KindStoreUnavailable, err, "triggering job %s", jobID)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("triggering job %s: status %d: %s", jobID, resp.StatusCode, strings.TrimSpace(string(body)))
	}
	io.Copy(io.Discard, resp.Body)
	return nil
}
