package maintenance

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"gorm.io/gorm"

	iauth "github.com/trananhvu/authgate/internal/auth"
	"github.com/trananhvu/authgate/internal/models"
	"github.com/trananhvu/authgate/pkg/logger"
)

const defaultSchedule = "@hourly"

// Cleaner coordinates background maintenance: purging expired refresh tokens,
// reset tokens and dead verification codes.
type Cleaner struct {
	db     *gorm.DB
	tokens *iauth.TokenService
	cron   *cron.Cron
	now    func() time.Time
	log    *zap.Logger

	schedule string
}

// Option customises the Cleaner.
type Option func(*Cleaner)

// WithCron injects a preconfigured cron instance, primarily for testing.
func WithCron(c *cron.Cron) Option {
	return func(cleaner *Cleaner) {
		if c != nil {
			cleaner.cron = c
		}
	}
}

// WithNow overrides the clock used for cleanup comparisons.
func WithNow(now func() time.Time) Option {
	return func(cleaner *Cleaner) {
		if now != nil {
			cleaner.now = now
		}
	}
}

// WithSchedule overrides the cron specification for the cleanup job.
func WithSchedule(spec string) Option {
	return func(cleaner *Cleaner) {
		if spec != "" {
			cleaner.schedule = spec
		}
	}
}

// NewCleaner constructs a Cleaner with sensible defaults.
func NewCleaner(db *gorm.DB, tokens *iauth.TokenService, opts ...Option) *Cleaner {
	cleaner := &Cleaner{
		db:       db,
		tokens:   tokens,
		now:      time.Now,
		schedule: defaultSchedule,
		log:      logger.WithModule("maintenance"),
	}

	for _, opt := range opts {
		opt(cleaner)
	}

	if cleaner.cron == nil {
		cleaner.cron = cron.New(cron.WithLogger(cron.DiscardLogger))
	}

	return cleaner
}

// Start registers the cleanup job with the cron scheduler and launches it.
func (c *Cleaner) Start() error {
	if c.db == nil {
		return nil
	}

	if _, err := c.cron.AddFunc(c.schedule, func() {
		if err := c.RunOnce(context.Background()); err != nil {
			c.log.Warn("credential cleanup failed", zap.Error(err))
		}
	}); err != nil {
		return err
	}

	c.cron.Start()
	return nil
}

// Stop halts the underlying scheduler, waiting for any running jobs to complete.
func (c *Cleaner) Stop() context.Context {
	if c.cron == nil {
		return context.Background()
	}
	return c.cron.Stop()
}

// RunOnce executes all cleanup routines sequentially. Primarily used in tests
// and during graceful shutdown.
func (c *Cleaner) RunOnce(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	var errs error

	if c.tokens != nil {
		if _, err := c.tokens.CleanupExpired(ctx); err != nil {
			errs = multierr.Append(errs, err)
		}
	}

	if c.db != nil {
		if _, err := CleanupCredentials(ctx, c.db, c.now()); err != nil {
			errs = multierr.Append(errs, err)
		}
	}

	return errs
}

// CredentialCleanupStats captures the number of records touched per artifact type.
type CredentialCleanupStats struct {
	ResetTokens       int64
	VerificationCodes int64
}

// CleanupCredentials removes expired reset tokens and clears expired signup
// verification codes. Expired artifacts are already rejected by the auth
// flows; this keeps the tables from growing.
func CleanupCredentials(ctx context.Context, db *gorm.DB, now time.Time) (CredentialCleanupStats, error) {
	if db == nil {
		return CredentialCleanupStats{}, errors.New("cleanup credentials: db is required")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	stats := CredentialCleanupStats{}

	if result := db.WithContext(ctx).
		Where("expires_at < ?", now).
		Delete(&models.ResetToken{}); result.Error != nil {
		return stats, fmt.Errorf("cleanup credentials: reset tokens: %w", result.Error)
	} else {
		stats.ResetTokens = result.RowsAffected
	}

	if result := db.WithContext(ctx).
		Model(&models.User{}).
		Where("is_verified = ? AND verification_expires_at < ?", false, now).
		Updates(map[string]any{
			"verification_code":       nil,
			"verification_expires_at": nil,
		}); result.Error != nil {
		return stats, fmt.Errorf("cleanup credentials: verification codes: %w", result.Error)
	} else {
		stats.VerificationCodes = result.RowsAffected
	}

	return stats, nil
}
