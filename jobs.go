package main

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"
)

const (
	cleanupInterval   = time.Hour
	pollInterval      = 5 * time.Minute
	pollPaymentWindow = 24 * time.Hour
)

type jobStore interface {
	CleanupDailyProducts(ctx context.Context, today time.Time) (int64, error)
	PendingPayments(ctx context.Context, from, to time.Time) ([]Payment, error)
}

type paymentStatusChecker interface {
	Status(ctx context.Context, paymentID string) (PaymentStatus, error)
}

// Jobs runs the periodic background work: removing stale bouquets of the
// day and reconciling payments whose webhook never arrived.
type Jobs struct {
	store     jobStore
	payments  paymentStatusChecker
	reconcile *Reconciler
	loc       *time.Location
	log       *logrus.Entry
	now       func() time.Time
}

func NewJobs(store jobStore, payments paymentStatusChecker, reconcile *Reconciler, loc *time.Location, log *logrus.Entry) *Jobs {
	return &Jobs{
		store:     store,
		payments:  payments,
		reconcile: reconcile,
		loc:       loc,
		log:       log.WithField("component", "jobs"),
		now:       time.Now,
	}
}

func (j *Jobs) Run(ctx context.Context) {
	cleanup := time.NewTicker(cleanupInterval)
	defer cleanup.Stop()
	poll := time.NewTicker(pollInterval)
	defer poll.Stop()

	j.CleanupProducts(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-cleanup.C:
			j.CleanupProducts(ctx)
		case <-poll.C:
			j.PollPayments(ctx)
		}
	}
}

func (j *Jobs) CleanupProducts(ctx context.Context) {
	now := j.now().In(j.loc)
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, j.loc)
	n, err := j.store.CleanupDailyProducts(ctx, today)
	if err != nil {
		j.log.Errorf("cleanup daily products: %v", err)
		return
	}
	if n > 0 {
		j.log.WithField("removed", n).Info("stale daily products removed")
	}
}

// PollPayments asks the gateway about every pending payment from the last
// day and feeds the answers through the reconciler.
func (j *Jobs) PollPayments(ctx context.Context) int {
	now := j.now()
	pending, err := j.store.PendingPayments(ctx, now.Add(-pollPaymentWindow), now)
	if err != nil {
		j.log.Errorf("list pending payments: %v", err)
		return 0
	}
	applied := 0
	for _, p := range pending {
		if ctx.Err() != nil {
			break
		}
		log := j.log.WithField("payment_id", p.PaymentID)
		status, err := j.payments.Status(ctx, p.PaymentID)
		if err != nil {
			log.Warnf("poll payment status: %v", err)
			continue
		}
		res, err := j.reconcile.Apply(ctx, p.PaymentID, status)
		if err != nil && !errors.Is(err, ErrNotFound) {
			log.Errorf("apply polled status: %v", err)
			continue
		}
		if res.Changed {
			applied++
			log.WithField("status", res.Status).Info("payment reconciled by poll")
		}
	}
	return applied
}
