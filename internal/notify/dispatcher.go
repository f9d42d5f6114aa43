package notify

import (
	"context"
	"time"

	"github.com/alitto/pond/v2"
	"go.uber.org/zap"

	"github.com/septivank/tracket-noise-api/internal/db"
)

const (
	defaultWorkers   = 4
	defaultQueueSize = 256
	defaultTimeout   = 10 * time.Second
)

// TemplateSource looks up stored email templates
type TemplateSource interface {
	FindEmailTemplate(ctx context.Context, name string) (*db.EmailTemplate, error)
}

// DispatcherConfig holds the worker pool settings
type DispatcherConfig struct {
	Workers   int
	QueueSize int
	Timeout   time.Duration
}

// Dispatcher sends emails on a bounded worker pool so callers never wait
// for the mail API
type Dispatcher struct {
	notifier  Notifier
	templates TemplateSource
	pool      pond.Pool
	queueSize int
	timeout   time.Duration
	logger    *zap.Logger
}

// NewDispatcher creates a dispatcher and its worker pool
func NewDispatcher(notifier Notifier, templates TemplateSource, cfg DispatcherConfig, logger *zap.Logger) *Dispatcher {
	if cfg.Workers <= 0 {
		cfg.Workers = defaultWorkers
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = defaultQueueSize
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}

	return &Dispatcher{
		notifier:  notifier,
		templates: templates,
		pool: pond.NewPool(
			cfg.Workers,
			pond.WithQueueSize(cfg.QueueSize),
			pond.WithNonBlocking(true),
		),
		queueSize: cfg.QueueSize,
		timeout:   cfg.Timeout,
		logger:    logger,
	}
}

// Dispatch queues the email named templateName for delivery to email.
// Failures are logged only.
func (d *Dispatcher) Dispatch(email, templateName string) {
	if d.pool.WaitingTasks() >= uint64(d.queueSize) {
		d.logger.Warn("notification queue full, email dropped", zap.String("template", templateName))
		return
	}

	d.pool.Submit(func() {
		ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
		defer cancel()

		logger := d.logger.With(zap.String("template", templateName))

		template, err := d.templates.FindEmailTemplate(ctx, templateName)
		if err != nil {
			logger.Error("failed to load email template", zap.Error(err))
			return
		}

		if err := d.notifier.Send(ctx, email, template); err != nil {
			logger.Error("failed to send email", zap.Error(err))
			return
		}
		logger.Info("confirmation email sent")
	})
}

// Close waits for queued emails and stops the pool
func (d *Dispatcher) Close() {
	d.logger.Info("shutting down notification pool",
		zap.Uint64("submitted", d.pool.SubmittedTasks()),
		zap.Uint64("waiting", d.pool.WaitingTasks()),
	)
	d.pool.StopAndWait()
}
