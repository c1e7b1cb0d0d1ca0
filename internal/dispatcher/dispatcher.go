// Package dispatcher delivers queued notifications. Deliveries are claimed
// from the store, attempted concurrently and rescheduled with a fixed
// 1m/5m/15m backoff until they succeed or four attempts have failed.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/opencron/condwatch/internal/failure"
	"github.com/opencron/condwatch/internal/metrics"
	"github.com/opencron/condwatch/internal/models"
	"github.com/opencron/condwatch/internal/store"
	"github.com/opencron/condwatch/internal/webhook"
)

const maxErrorBody = 512

type Config struct {
	Timeout        time.Duration
	PollInterval   time.Duration
	MaxConcurrency int
	BatchSize      int
	ProductName    string
}

func (c Config) userAgent() string {
	return c.ProductName + "-Webhooks/1.0"
}

type Dispatcher struct {
	store      *store.Store
	client     *resty.Client
	email      EmailSender
	cfg        Config
	clock      clockwork.Clock
	logger     *zap.Logger
	newBackoff func() backoff.BackOff
	wake       chan struct{}
}

type Option func(*Dispatcher)

func WithClock(c clockwork.Clock) Option {
	return func(d *Dispatcher) { d.clock = c }
}

func WithLogger(l *zap.Logger) Option {
	return func(d *Dispatcher) { d.logger = l }
}

func WithEmailSender(s EmailSender) Option {
	return func(d *Dispatcher) { d.email = s }
}

// WithHTTPClient replaces the underlying HTTP client, e.g. to trust a test
// server's certificate.
func WithHTTPClient(hc *http.Client) Option {
	return func(d *Dispatcher) { d.client = resty.NewWithClient(hc) }
}

func New(st *store.Store, cfg Config, opts ...Option) *Dispatcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = 8
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	if cfg.ProductName == "" {
		cfg.ProductName = "Condwatch"
	}

	d := &Dispatcher{
		store:      st,
		client:     resty.New(),
		cfg:        cfg,
		clock:      clockwork.NewRealClock(),
		logger:     zap.NewNop(),
		newBackoff: func() backoff.BackOff { return NewRetryBackoff() },
		wake:       make(chan struct{}, 1),
	}
	for _, o := range opts {
		o(d)
	}
	if d.email == nil {
		d.email = LogEmailSender{Logger: d.logger}
	}
	// A redirect could carry the signed payload to a target that was never
	// validated; the 3xx is returned as the response instead.
	d.client.
		SetRedirectPolicy(resty.RedirectPolicyFunc(func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		})).
		SetTimeout(cfg.Timeout).
		SetHeader("User-Agent", cfg.userAgent()).
		SetHeader("Content-Type", "application/json")
	return d
}

// Wake asks the run loop to poll now instead of waiting for the next interval.
func (d *Dispatcher) Wake() {
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

// Run polls for due deliveries until ctx is done.
func (d *Dispatcher) Run(ctx context.Context) error {
	ticker := d.clock.NewTicker(d.cfg.PollInterval)
	defer ticker.Stop()

	d.logger.Info("dispatcher started",
		zap.Duration("poll_interval", d.cfg.PollInterval),
		zap.Int("max_concurrency", d.cfg.MaxConcurrency),
	)
	for {
		if _, err := d.Poll(ctx); err != nil && ctx.Err() == nil {
			d.logger.Error("polling deliveries", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.Chan():
		case <-d.wake:
		}
	}
}

// Poll claims the deliveries due now, attempts them with bounded
// concurrency and waits for the batch. It returns how many were attempted.
func (d *Dispatcher) Poll(ctx context.Context) (int, error) {
	now := d.clock.Now()
	claimed, err := d.store.ClaimDueDeliveries(ctx, now, d.cfg.BatchSize, d.cfg.Timeout+time.Minute)
	if err != nil {
		return 0, err
	}

	g := &errgroup.Group{}
	g.SetLimit(d.cfg.MaxConcurrency)
	for i := range claimed {
		del := &claimed[i]
		g.Go(func() error {
			// Bookkeeping must be written even while shutting down.
			if err := d.Deliver(context.WithoutCancel(ctx), del); err != nil {
				d.logger.Error("recording delivery attempt", zap.String("delivery_id", del.ID), zap.Error(err))
			}
			return nil
		})
	}
	_ = g.Wait()
	return len(claimed), nil
}

// Deliver makes one attempt for a claimed delivery and persists the outcome.
func (d *Dispatcher) Deliver(ctx context.Context, del *models.NotificationDelivery) error {
	logger := d.logger.With(
		zap.String("delivery_id", del.ID),
		zap.String("execution_id", del.ExecutionID),
		zap.String("channel", string(del.Channel)),
	)

	started := d.clock.Now()
	var outcome string
	switch del.Channel {
	case models.ChannelWebhook:
		outcome = d.deliverWebhook(ctx, logger, del)
	case models.ChannelEmail:
		outcome = d.deliverEmail(ctx, logger, del)
	default:
		outcome = d.finish(del, failure.Permanent(fmt.Errorf("unknown channel %q", del.Channel)))
	}
	metrics.DeliveryDuration.WithLabelValues(string(del.Channel)).Observe(d.clock.Since(started).Seconds())
	metrics.DeliveryAttempts.WithLabelValues(string(del.Channel), outcome).Inc()

	return d.store.UpdateDelivery(ctx, del)
}

func (d *Dispatcher) deliverWebhook(ctx context.Context, logger *zap.Logger, del *models.NotificationDelivery) string {
	task, err := d.store.GetTaskByID(ctx, del.TaskID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return d.finish(del, failure.Permanent(fmt.Errorf("task %s no longer exists", del.TaskID)))
		}
		return d.retry(logger, del, err)
	}

	cfg, err := d.store.GetWebhookConfig(ctx, task.ID, task.OwnerID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return d.retry(logger, del, err)
	}
	if cfg == nil || !cfg.Enabled {
		// Webhooks are optional; nothing to send is not a failure.
		del.Status = models.DeliverySuccess
		del.NextRetryAt = nil
		logger.Debug("no enabled webhook configured, skipping")
		return "skipped"
	}
	del.Target = cfg.URL

	if err := cfg.Validate(); err != nil {
		if errors.Is(err, models.ErrWebhookSecretMissing) {
			if merr := d.store.MarkWebhookConfigInvalid(ctx, cfg.ID, err.Error()); merr != nil {
				logger.Error("flagging webhook config", zap.Error(merr))
			}
			logger.Error("webhook config is invalid, delivery not attempted", zap.String("config_id", cfg.ID), zap.Error(err))
			return d.finish(del, failure.Fatal(err))
		}
		return d.finish(del, failure.Permanent(err))
	}

	exec, err := d.store.GetExecutionByID(ctx, del.ExecutionID)
	if err != nil {
		return d.retry(logger, del, err)
	}

	now := d.clock.Now()
	body, err := webhook.NewConditionMetPayload(task, exec, now).Marshal()
	if err != nil {
		return d.finish(del, failure.Permanent(err))
	}

	ts := now.Unix()
	secretVersion := cfg.SecretVersion
	del.Attempts++
	del.SignatureTimestamp = &ts
	del.SecretVersion = &secretVersion

	code, err := d.post(ctx, cfg.URL, cfg.Secret, webhook.EventConditionMet, exec.ID, ts, body)
	del.HTTPStatusCode = nil
	if code != 0 {
		del.HTTPStatusCode = &code
	}
	if err == nil {
		logger.Info("webhook delivered", zap.Int("status", code), zap.Int("attempts", del.Attempts))
		return d.succeed(del)
	}
	if !failure.IsRetryable(err) {
		logger.Warn("webhook rejected", zap.Int("status", code), zap.Error(err))
		return d.finish(del, err)
	}
	return d.retry(logger, del, err)
}

func (d *Dispatcher) deliverEmail(ctx context.Context, logger *zap.Logger, del *models.NotificationDelivery) string {
	task, err := d.store.GetTaskByID(ctx, del.TaskID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return d.finish(del, failure.Permanent(fmt.Errorf("task %s no longer exists", del.TaskID)))
		}
		return d.retry(logger, del, err)
	}
	exec, err := d.store.GetExecutionByID(ctx, del.ExecutionID)
	if err != nil {
		return d.retry(logger, del, err)
	}

	del.Attempts++
	subject := fmt.Sprintf("[%s] %s: condition met", d.cfg.ProductName, task.Name)
	body := fmt.Sprintf("%s\n\n%s\n\nSources:\n%s\n", exec.Answer, exec.Reasoning, strings.Join(exec.Sources, "\n"))
	if err := d.email.Send(ctx, del.Target, subject, body); err != nil {
		return d.retry(logger, del, err)
	}
	return d.succeed(del)
}

// post sends one signed webhook request. Errors are classified: redirects
// and 4xx other than 408 and 429 are permanent, everything else is
// transient.
func (d *Dispatcher) post(ctx context.Context, url, secret, event, deliveryID string, ts int64, body []byte) (int, error) {
	resp, err := d.client.R().
		SetContext(ctx).
		SetHeader(webhook.HeaderSignature, webhook.SignatureHeader(secret, ts, body)).
		SetHeader(webhook.HeaderEventType, event).
		SetHeader(webhook.HeaderDelivery, deliveryID).
		SetBody(body).
		Post(url)
	if err != nil {
		return 0, failure.Transient(fmt.Errorf("posting webhook: %w", err))
	}

	code := resp.StatusCode()
	switch {
	case code >= 200 && code < 300:
		return code, nil
	case code >= 300 && code < 400:
		return code, failure.Permanent(fmt.Errorf("webhook redirected with HTTP %d to %q, redirects are not followed",
			code, resp.Header().Get("Location")))
	case code >= 400 && code < 500 && code != http.StatusRequestTimeout && code != http.StatusTooManyRequests:
		return code, failure.Permanent(statusError(resp))
	default:
		return code, failure.Transient(statusError(resp))
	}
}

func statusError(resp *resty.Response) error {
	body := strings.TrimSpace(resp.String())
	if len(body) > maxErrorBody {
		body = body[:maxErrorBody]
	}
	if body == "" {
		return fmt.Errorf("webhook returned HTTP %d", resp.StatusCode())
	}
	return fmt.Errorf("webhook returned HTTP %d: %s", resp.StatusCode(), body)
}

func (d *Dispatcher) succeed(del *models.NotificationDelivery) string {
	del.Status = models.DeliverySuccess
	del.NextRetryAt = nil
	del.ErrorMessage = nil
	return "success"
}

func (d *Dispatcher) finish(del *models.NotificationDelivery, err error) string {
	msg := err.Error()
	del.Status = models.DeliveryFailed
	del.NextRetryAt = nil
	del.ErrorMessage = &msg
	return "failed"
}

// retry schedules the next attempt, or fails the delivery when the budget
// is spent.
func (d *Dispatcher) retry(logger *zap.Logger, del *models.NotificationDelivery, err error) string {
	at, ok := RetryAt(d.newBackoff(), d.clock.Now(), max(del.Attempts, 1))
	if !ok {
		logger.Warn("delivery failed, retries exhausted", zap.Int("attempts", del.Attempts), zap.Error(err))
		return d.finish(del, err)
	}
	msg := err.Error()
	del.Status = models.DeliveryRetrying
	del.NextRetryAt = &at
	del.ErrorMessage = &msg
	logger.Info("delivery failed, retrying", zap.Int("attempts", del.Attempts), zap.Time("next_retry_at", at), zap.Error(err))
	return "retrying"
}

// TestResult describes a synthetic test delivery.
type TestResult struct {
	DeliveryID string        `json:"delivery_id"`
	Success    bool          `json:"success"`
	StatusCode int           `json:"status_code,omitempty"`
	Error      string        `json:"error,omitempty"`
	Duration   time.Duration `json:"duration"`
}

// SendTest posts a webhook.test payload to cfg through the regular signing
// path. Nothing is written to the store. An error is returned only when the
// config cannot be used at all.
func (d *Dispatcher) SendTest(ctx context.Context, cfg *models.WebhookConfig) (*TestResult, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Secret == "" {
		return nil, models.ErrWebhookSecretMissing
	}

	now := d.clock.Now()
	id := uuid.NewString()
	body, err := webhook.NewTestPayload(id, now).Marshal()
	if err != nil {
		return nil, err
	}

	started := time.Now()
	code, err := d.post(ctx, cfg.URL, cfg.Secret, webhook.EventTest, id, now.Unix(), body)
	res := &TestResult{
		DeliveryID: id,
		Success:    err == nil,
		StatusCode: code,
		Duration:   time.Since(started),
	}
	if err != nil {
		res.Error = err.Error()
	}
	d.logger.Info("test webhook sent", zap.String("url", cfg.URL), zap.Bool("success", res.Success), zap.Int("status", code))
	return res, nil
}
