package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"phaseline/internal/apperr"
	"phaseline/internal/config"
	"phaseline/internal/domain"
	"phaseline/internal/events"
	"phaseline/internal/metrics"
	"phaseline/internal/notify"
	"phaseline/internal/repo"
)

// Engine owns decision records, the version lifecycle and phase orchestration.
// Every exported operation runs in its own transaction; notifications are
// sent only after that transaction commits.
type Engine struct {
	DB       *sql.DB
	Repo     repo.Repo
	Events   events.Writer
	Config   *config.Config
	Logger   *zap.Logger
	Metrics  *metrics.Metrics
	Notifier notify.Notifier
	Now      func() time.Time
}

func New(db *sql.DB, cfg *config.Config) Engine {
	return Engine{
		DB:       db,
		Repo:     repo.Repo{DB: db},
		Events:   events.Writer{},
		Config:   cfg,
		Logger:   zap.NewNop(),
		Notifier: notify.Nop{},
		Now:      time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) stamp() string {
	return e.now().UTC().Format(time.RFC3339)
}

func (e Engine) log() *zap.Logger {
	if e.Logger == nil {
		return zap.NewNop()
	}
	return e.Logger
}

func (e Engine) events() events.Writer {
	w := e.Events
	if w.Now == nil {
		w.Now = e.now
	}
	return w
}

func (e Engine) send(role, contextRef, message string) {
	if e.Notifier == nil {
		return
	}
	e.Notifier.Send(role, contextRef, message)
}

type pendingNote struct {
	role, ref, message string
}

func (e Engine) sendAll(notes []pendingNote) {
	for _, n := range notes {
		e.send(n.role, n.ref, n.message)
	}
}

func (e Engine) begin(ctx context.Context) (*sql.Tx, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		if repo.IsBusy(err) {
			return nil, apperr.Wrap(apperr.KindConflict, err, "database busy")
		}
		return nil, err
	}
	return tx, nil
}

func commit(tx *sql.Tx) error {
	if err := tx.Commit(); err != nil {
		if repo.IsBusy(err) {
			return apperr.Wrap(apperr.KindConflict, err, "concurrent write")
		}
		return err
	}
	return nil
}

// storeErr classifies storage failures that carry domain meaning.
func storeErr(err error, format string, args ...any) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, repo.ErrNotFound):
		return apperr.NotFound(format, args...)
	case repo.IsUniqueViolation(err):
		return apperr.Wrap(apperr.KindConflict, err, format, args...)
	case repo.IsBusy(err):
		return apperr.Wrap(apperr.KindConflict, err, format, args...)
	default:
		return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), err)
	}
}

func (e Engine) logTransition(v domain.Version, from, to domain.VersionStatus, actorID string) {
	e.Metrics.VersionTransition(string(to))
	e.log().Info("version transition",
		zap.String("version_id", v.ID),
		zap.String("phase_instance_id", v.PhaseInstanceID),
		zap.Int("number", v.Number),
		zap.String("from", string(from)),
		zap.String("to", string(to)),
		zap.String("actor_id", actorID))
}

func requireActor(actorID string) error {
	if actorID == "" {
		return apperr.Validation("actor id is required")
	}
	return nil
}

func optionalString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
