// Package classifier periodically re-classifies tokens whose
// classification TTL has expired, with a bounded attempt budget per
// token.
package classifier

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"github.com/Custodia-Network/treasury_core/internal/chain"
	"github.com/Custodia-Network/treasury_core/internal/clock"
	"github.com/Custodia-Network/treasury_core/internal/metrics"
	"github.com/Custodia-Network/treasury_core/internal/models"
)

// TokenStore is the slice of the token repository the worker drives;
// implemented by database.TokenRepository.
type TokenStore interface {
	RefreshExpiredClassifications(ctx context.Context, now time.Time) (int64, error)
	FindNeedingClassification(ctx context.Context, limit, maxAttempts int) ([]models.Token, error)
	MarkClassified(ctx context.Context, id uuid.UUID, classification string, isSpam bool, now time.Time) error
	MarkClassificationFailed(ctx context.Context, id uuid.UUID, classifyErr string, maxAttempts int) error
}

// Config wires the worker.
type Config struct {
	Tokens      TokenStore
	Classifier  chain.TokenClassifier
	Clock       clock.Clock
	Logger      *logrus.Entry
	Metrics     *metrics.Metrics
	Schedule    string
	BatchSize   int
	MaxAttempts int
}

// Worker is the classification sweeper. It is single-instance per
// process; running several processes is safe because every mutation is
// per-row.
type Worker struct {
	tokens      TokenStore
	classifier  chain.TokenClassifier
	clock       clock.Clock
	log         *logrus.Entry
	metrics     *metrics.Metrics
	schedule    string
	batchSize   int
	maxAttempts int

	cron *cron.Cron
}

func New(cfg Config) (*Worker, error) {
	if cfg.Tokens == nil || cfg.Classifier == nil {
		return nil, fmt.Errorf("classifier: token store and classifier are required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.System{}
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.NewEntry(logrus.StandardLogger())
	}
	if cfg.Schedule == "" {
		cfg.Schedule = "@every 5m"
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 25
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	return &Worker{
		tokens:      cfg.Tokens,
		classifier:  cfg.Classifier,
		clock:       cfg.Clock,
		log:         cfg.Logger,
		metrics:     cfg.Metrics,
		schedule:    cfg.Schedule,
		batchSize:   cfg.BatchSize,
		maxAttempts: cfg.MaxAttempts,
	}, nil
}

// Start schedules the worker on its cron spec.
func (w *Worker) Start(ctx context.Context) error {
	w.cron = cron.New()
	_, err := w.cron.AddFunc(w.schedule, func() {
		if err := w.RunOnce(ctx); err != nil {
			w.log.WithError(err).Error("classification pass failed")
		}
	})
	if err != nil {
		return fmt.Errorf("classifier: schedule %q: %w", w.schedule, err)
	}
	w.cron.Start()
	w.log.WithField("schedule", w.schedule).Info("classification worker started")
	return nil
}

// Stop halts the schedule and waits for a running pass to finish.
func (w *Worker) Stop() {
	if w.cron != nil {
		<-w.cron.Stop().Done()
	}
}

// RunOnce performs one classification pass: revive expired cache
// entries, then classify one batch.
func (w *Worker) RunOnce(ctx context.Context) error {
	if w.metrics != nil {
		w.metrics.ClassifierRuns.Inc()
	}

	revived, err := w.tokens.RefreshExpiredClassifications(ctx, w.clock.Now())
	if err != nil {
		return fmt.Errorf("classifier: refresh expired: %w", err)
	}
	if revived > 0 {
		w.log.WithField("count", revived).Info("revived expired token classifications")
	}

	batch, err := w.tokens.FindNeedingClassification(ctx, w.batchSize, w.maxAttempts)
	if err != nil {
		return fmt.Errorf("classifier: fetch batch: %w", err)
	}
	if len(batch) == 0 {
		return nil
	}

	for i := range batch {
		if err := ctx.Err(); err != nil {
			return err
		}
		w.classifyOne(ctx, &batch[i])
	}
	return nil
}

func (w *Worker) classifyOne(ctx context.Context, token *models.Token) {
	log := w.log.WithFields(logrus.Fields{
		"token_id": token.ID,
		"chain":    token.ChainAlias,
		"address":  token.Address,
	})

	classification, isSpam, err := w.classifier.Classify(ctx, token.ChainAlias, token.Address)
	if err != nil {
		if markErr := w.tokens.MarkClassificationFailed(ctx, token.ID, err.Error(), w.maxAttempts); markErr != nil {
			log.WithError(markErr).Error("failed to record classification failure")
			return
		}
		if w.metrics != nil {
			w.metrics.TokensClassified.WithLabelValues("error").Inc()
		}
		log.WithError(err).WithField("attempt", token.ClassificationAttempts+1).Warn("token classification failed")
		return
	}

	if err := w.tokens.MarkClassified(ctx, token.ID, classification, isSpam, w.clock.Now()); err != nil {
		log.WithError(err).Error("failed to record classification")
		return
	}
	if w.metrics != nil {
		result := "ok"
		if isSpam {
			result = "spam"
		}
		w.metrics.TokensClassified.WithLabelValues(result).Inc()
	}
	log.WithField("classification", classification).Debug("token classified")
}
