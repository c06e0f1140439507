package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"rotaguard/internal/config"
	"rotaguard/internal/db"
	"rotaguard/internal/domain"
	"rotaguard/internal/events"
	"rotaguard/internal/repo"
	"rotaguard/internal/rules"
)

type Engine struct {
	DB       *sql.DB
	Repo     repo.Repo
	Events   events.Writer
	Config   *config.Config
	Registry *rules.Registry
	Logger   *zap.Logger
	Now      func() time.Time
}

func New(conn *sql.DB, dialect db.Dialect, cfg *config.Config) Engine {
	r := repo.Repo{DB: conn, Dialect: dialect}
	e := Engine{
		DB:     conn,
		Repo:   r,
		Events: events.Writer{DB: conn, Dialect: dialect},
		Config: cfg,
		Logger: zap.NewNop(),
		Now:    time.Now,
	}
	if cfg != nil {
		e.Registry = rules.DefaultRegistry(cfg, r)
	}
	return e
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
	if e.Logger != nil {
		return e.Logger
	}
	return zap.NewNop()
}

// writer shares the engine clock so event timestamps match record timestamps.
func (e Engine) writer() events.Writer {
	w := e.Events
	w.Now = e.now
	return w
}

func (e Engine) location() *time.Location {
	if e.Config == nil {
		return time.UTC
	}
	loc, err := e.Config.Location()
	if err != nil {
		return time.UTC
	}
	return loc
}

// Today is the current calendar date in the home timezone.
func (e Engine) Today() time.Time {
	return truncateDay(e.now().In(e.location()))
}

func newID() string {
	return uuid.NewString()
}

// SeedRules upserts the configured rules and fails when an active rule has
// no registered checker.
func (e Engine) SeedRules(ctx context.Context, actorID string) ([]domain.Rule, error) {
	if e.Config == nil {
		return nil, errors.New("config not loaded")
	}
	if e.Registry == nil {
		return nil, errors.New("rule registry not configured")
	}
	if err := e.Registry.Validate(e.Config.ActiveRuleCodes()); err != nil {
		return nil, err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	now := e.stamp()
	seeded := make([]domain.Rule, 0, len(e.Config.Rules))
	for _, rc := range e.Config.Rules {
		rule := domain.Rule{
			Code:        rc.Code,
			Name:        rc.Name,
			Category:    rc.Category,
			Severity:    rc.Severity,
			IsActive:    rc.IsActive(),
			Description: rc.Description,
			UpdatedAt:   now,
		}
		if err := e.Repo.UpsertRule(ctx, tx, rule); err != nil {
			return nil, fmt.Errorf("seed rule %s: %w", rule.Code, err)
		}
		seeded = append(seeded, rule)
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return seeded, nil
}

// shiftWindow resolves a shift type on a date to its wall-clock start in the
// home timezone plus the configured start and end times.
func (e Engine) shiftWindow(date, shiftType string) (time.Time, config.ShiftType, error) {
	if e.Config == nil {
		return time.Time{}, config.ShiftType{}, errors.New("config not loaded")
	}
	st, ok := e.Config.ShiftTypes[shiftType]
	if !ok {
		return time.Time{}, config.ShiftType{}, fmt.Errorf("unknown shift type %q", shiftType)
	}
	start, err := time.ParseInLocation("2006-01-02 15:04", date+" "+st.Start, e.location())
	if err != nil {
		return time.Time{}, config.ShiftType{}, fmt.Errorf("shift date %q: %w", date, err)
	}
	return start, st, nil
}
