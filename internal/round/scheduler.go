// Package round owns the round lifecycle: deciding when a round opens, cutting pending
// orders over to it and firing the reminder and match run at fixed times.
package round

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"roundex/internal/apperr"
	"roundex/internal/config"
	"roundex/internal/matching"
	"roundex/internal/notify"
	"roundex/internal/store"
)

// EmailDateFormat renders round dates inside emails
const EmailDateFormat = "Monday, January 02 2006, 03:04 PM MST"

// Timer arms a persisted job to run at its RunAt. Jobs are never cancelled.
type Timer interface {
	Schedule(ctx context.Context, job store.RoundJob) error
}

// MatchRunner executes the match run for a round
type MatchRunner interface {
	Run(ctx context.Context, roundID string) (*matching.Result, error)
}

// Scheduler manages the round state machine NONE -> ACTIVE -> CONCLUDED
type Scheduler struct {
	// mu serializes activation so two sell orders cannot open two rounds
	mu sync.Mutex

	store  *store.Store
	cfg    config.RoundConfig
	timer  Timer
	runner MatchRunner
	mail   notify.Gateway
	logger *slog.Logger
	loc    *time.Location
	now    func() time.Time
}

// NewScheduler creates a round scheduler
func NewScheduler(st *store.Store, cfg config.RoundConfig, timer Timer, runner MatchRunner, mail notify.Gateway, logger *slog.Logger) *Scheduler {
	return &Scheduler{
		store:  st,
		cfg:    cfg,
		timer:  timer,
		runner: runner,
		mail:   mail,
		logger: logger.With("component", "round"),
		loc:    time.UTC,
		now:    time.Now,
	}
}

// SetLocation sets the time zone used for dates in emails
func (s *Scheduler) SetLocation(loc *time.Location) {
	s.loc = loc
}

// SetClock overrides the wall clock
func (s *Scheduler) SetClock(now func() time.Time) {
	s.now = now
}

// Config returns the round policy in effect
func (s *Scheduler) Config() config.RoundConfig {
	return s.cfg
}

// ActiveRound returns the open round whose end time has not passed, or nil. If the store
// holds more than one, the earliest is returned together with an invariant error and
// callers must not proceed.
func (s *Scheduler) ActiveRound(ctx context.Context) (*store.Round, error) {
	return ActiveIn(ctx, s.store.Queries, s.now(), s.logger)
}

// ActiveIn is ActiveRound against q, for use inside a transaction. A conflict is logged
// with every active round id.
func ActiveIn(ctx context.Context, q *store.Queries, now time.Time, logger *slog.Logger) (*store.Round, error) {
	rounds, err := q.ActiveRounds(ctx, now)
	if err != nil {
		return nil, err
	}
	switch len(rounds) {
	case 0:
		return nil, nil
	case 1:
		return &rounds[0], nil
	}

	ids := make([]string, len(rounds))
	for i, r := range rounds {
		ids[i] = r.ID
	}
	logger.Error("more than one active round", "round_ids", ids, "count", len(rounds), "now", now)
	return &rounds[0], apperr.Invariant(fmt.Sprintf("more than one active round: %s", strings.Join(ids, ", ")))
}

// ShouldStart reports whether unassigned sell orders cross either activation threshold:
// enough distinct sellers, or enough shares in total
func ShouldStart(sells []store.Order, cfg config.RoundConfig) bool {
	sellers := make(map[string]struct{})
	total := decimal.Zero
	for _, o := range sells {
		sellers[o.UserID] = struct{}{}
		total = total.Add(o.Shares)
	}
	return len(sellers) >= cfg.SellerCountCutoff ||
		total.GreaterThanOrEqual(decimal.NewFromInt(cfg.TotalSharesCutoff))
}

// ShouldStartRound evaluates the activation thresholds over all unassigned sell orders
func (s *Scheduler) ShouldStartRound(ctx context.Context) (bool, error) {
	sells, err := s.store.UnassignedOrders(ctx, store.Sell)
	if err != nil {
		return false, err
	}
	return ShouldStart(sells, s.cfg), nil
}

// EvaluateActivation starts a round if none is active and the thresholds are met.
// It returns the new round, or nil when nothing started.
func (s *Scheduler) EvaluateActivation(ctx context.Context) (*store.Round, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	active, err := s.ActiveRound(ctx)
	if err != nil {
		return nil, err
	}
	if active != nil {
		return nil, nil
	}

	ok, err := s.ShouldStartRound(ctx)
	if err != nil || !ok {
		return nil, err
	}
	return s.startRound(ctx)
}

// StartRound opens a round immediately, regardless of thresholds
func (s *Scheduler) StartRound(ctx context.Context) (*store.Round, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.startRound(ctx)
}

// startRound creates the round, assigns every unassigned order to it and persists its
// reminder and match jobs in one transaction. Timers are armed after commit; if arming
// fails the round is still recovered by the reaper.
func (s *Scheduler) startRound(ctx context.Context) (*store.Round, error) {
	now := s.now().UTC()
	r := &store.Round{EndTime: now.Add(s.cfg.RoundLength), CreatedAt: now}
	jobs := []*store.RoundJob{
		{Kind: store.JobRoundReminder, RunAt: r.EndTime.Add(-s.cfg.ReminderLead)},
		{Kind: store.JobRoundMatch, RunAt: r.EndTime},
	}

	var assignedBuys, assignedSells int64
	err := s.store.InTx(ctx, func(q *store.Queries) error {
		active, err := ActiveIn(ctx, q, now, s.logger)
		if err != nil {
			return err
		}
		if active != nil {
			return apperr.InvalidOperation("A round is already active")
		}

		if err := q.CreateRound(ctx, r); err != nil {
			return err
		}
		if assignedSells, err = q.AssignUnassigned(ctx, store.Sell, r.ID); err != nil {
			return err
		}
		if assignedBuys, err = q.AssignUnassigned(ctx, store.Buy, r.ID); err != nil {
			return err
		}
		for _, j := range jobs {
			j.RoundID = r.ID
			if err := q.CreateRoundJob(ctx, j); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("round started",
		"round_id", r.ID,
		"end_time", r.EndTime,
		"sell_orders", assignedSells,
		"buy_orders", assignedBuys,
	)

	for _, j := range jobs {
		if err := s.timer.Schedule(ctx, *j); err != nil {
			s.logger.Error("failed to arm round job, reaper will recover it",
				"round_id", r.ID, "kind", j.Kind, "error", err)
		}
	}

	args := map[string]string{
		notify.ArgStartDate: now.In(s.loc).Format(EmailDateFormat),
		notify.ArgEndDate:   r.EndTime.In(s.loc).Format(EmailDateFormat),
	}
	s.notifyApproved(ctx, store.Sell, notify.RoundOpenedSeller, args)
	s.notifyApproved(ctx, store.Buy, notify.RoundOpenedBuyer, args)
	return r, nil
}

// SendClosingReminder emails approved users that the round is about to close.
// Concluded rounds are skipped.
func (s *Scheduler) SendClosingReminder(ctx context.Context, roundID string) error {
	r, err := s.store.GetRound(ctx, roundID)
	if errors.Is(err, store.ErrNotFound) {
		return apperr.NotFound("Round not found")
	}
	if err != nil {
		return err
	}
	if r.IsConcluded {
		s.logger.Info("skipping reminder for concluded round", "round_id", roundID)
		return nil
	}

	args := map[string]string{notify.ArgEndDate: r.EndTime.In(s.loc).Format(EmailDateFormat)}
	s.notifyApproved(ctx, store.Buy, notify.RoundClosingSoonBuyer, args)
	s.notifyApproved(ctx, store.Sell, notify.RoundClosingSoonSeller, args)
	return nil
}

// RunMatch runs the match for a round
func (s *Scheduler) RunMatch(ctx context.Context, roundID string) (*matching.Result, error) {
	return s.runner.Run(ctx, roundID)
}

// Reap forces a match run for every round that ended without being concluded
func (s *Scheduler) Reap(ctx context.Context) error {
	overdue, err := s.store.OverdueRounds(ctx, s.now())
	if err != nil {
		return err
	}

	var errs []error
	for _, r := range overdue {
		s.logger.Warn("reaping overdue round", "round_id", r.ID, "end_time", r.EndTime)
		if _, err := s.runner.Run(ctx, r.ID); err != nil && !apperr.Is(err, apperr.KindInvalidOperation) {
			errs = append(errs, fmt.Errorf("round %s: %w", r.ID, err))
		}
	}
	return errors.Join(errs...)
}

// Rounds lists every round, newest first
func (s *Scheduler) Rounds(ctx context.Context) ([]store.Round, error) {
	return s.store.ListRounds(ctx)
}

func (s *Scheduler) notifyApproved(ctx context.Context, side store.Side, template string, args map[string]string) {
	emails, err := s.store.ApprovedEmails(ctx, side)
	if err != nil {
		s.logger.Error("failed to load recipients", "template", template, "error", err)
		return
	}
	if err := s.mail.Send(ctx, emails, template, args); err != nil {
		s.logger.Error("failed to send notification", "template", template, "error", err)
	}
}

// HandleJob dispatches a persisted round job. A match job for a round that is already
// concluded counts as done.
func (s *Scheduler) HandleJob(ctx context.Context, job store.RoundJob) error {
	switch job.Kind {
	case store.JobRoundReminder:
		return s.SendClosingReminder(ctx, job.RoundID)
	case store.JobRoundMatch:
		_, err := s.RunMatch(ctx, job.RoundID)
		if apperr.Is(err, apperr.KindInvalidOperation) {
			return nil
		}
		return err
	}
	return fmt.Errorf("unknown round job kind %q", job.Kind)
}
