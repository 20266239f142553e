package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"
)

type reconcileStore interface {
	GetPayment(ctx context.Context, paymentID string) (*Payment, error)
	TransitionPayment(ctx context.Context, paymentID string, to PaymentStatus) (bool, error)
	OrderByPaymentID(ctx context.Context, paymentID string) (*Order, error)
	CreateOrder(ctx context.Context, draft OrderDraft, rules PricingRules) (*Order, error)
	IssueCertificate(ctx context.Context, c Certificate) (*Certificate, bool, error)
}

// Notifier tells people about fulfilled or canceled payments.
type Notifier interface {
	OrderPaid(ctx context.Context, o *Order)
	CertificateIssued(ctx context.Context, c *Certificate)
	PaymentCanceled(ctx context.Context, p *Payment)
}

type nopNotifier struct{}

func (nopNotifier) OrderPaid(context.Context, *Order) {}
func (nopNotifier) CertificateIssued(context.Context, *Certificate) {}
func (nopNotifier) PaymentCanceled(context.Context, *Payment) {}

type ReconcileResult struct {
	Status      PaymentStatus
	Changed     bool
	Order       *Order
	Certificate *Certificate
}

// Reconciler applies observed gateway statuses to stored payments. Webhooks,
// the user's "check payment" button and the pending monitor all go through
// Apply, so the same status may arrive any number of times.
type Reconciler struct {
	store  reconcileStore
	rules  PricingRules
	notify Notifier
	log    *logrus.Entry
}

func NewReconciler(store reconcileStore, rules PricingRules, notify Notifier, log *logrus.Entry) *Reconciler {
	if notify == nil {
		notify = nopNotifier{}
	}
	return &Reconciler{
		store:  store,
		rules:  rules,
		notify: notify,
		log:    log.WithField("component", "reconcile"),
	}
}

func (r *Reconciler) SetNotifier(n Notifier) {
	r.notify = n
}

// Apply records status for the payment. Terminal statuses are final. Reaching
// succeeded fulfills the payment; fulfillment is keyed by the payment id so
// repeated calls return the existing order or certificate without side effects.
func (r *Reconciler) Apply(ctx context.Context, paymentID string, status PaymentStatus) (ReconcileResult, error) {
	log := r.log.WithField("payment_id", paymentID)

	p, err := r.store.GetPayment(ctx, paymentID)
	if err != nil {
		return ReconcileResult{}, fmt.Errorf("payment %s: %w", paymentID, err)
	}
	res := ReconcileResult{Status: p.Status}
	if status == "" || status == PaymentPending {
		return res, nil
	}

	res.Changed, err = r.store.TransitionPayment(ctx, paymentID, status)
	if err != nil {
		return res, err
	}
	if res.Changed {
		log.Infof("payment status %s -> %s", p.Status, status)
		p.Status = status
	} else if p, err = r.store.GetPayment(ctx, paymentID); err != nil {
		return res, err
	}
	res.Status = p.Status

	switch p.Status {
	case PaymentSucceeded:
		return r.fulfill(ctx, p, res)
	case PaymentCanceled:
		if res.Changed {
			r.notify.PaymentCanceled(ctx, p)
		}
	}
	return res, nil
}

func (r *Reconciler) fulfill(ctx context.Context, p *Payment, res ReconcileResult) (ReconcileResult, error) {
	md, err := p.DecodeMetadata()
	if err != nil {
		return res, fmt.Errorf("payment %s metadata: %w", p.PaymentID, err)
	}
	log := r.log.WithFields(logrus.Fields{"payment_id": p.PaymentID, "type": md.Type})

	switch md.Type {
	case KindOrder:
		if md.Order == nil {
			return res, fmt.Errorf("payment %s has no order snapshot", p.PaymentID)
		}
		existing, err := r.store.OrderByPaymentID(ctx, p.PaymentID)
		if err == nil {
			res.Order = existing
			return res, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return res, err
		}

		draft := *md.Order
		draft.PaymentID = p.PaymentID
		o, err := r.store.CreateOrder(ctx, draft, r.rules)
		if err != nil {
			// a concurrent delivery may have won the unique payment_id
			if existing, lookupErr := r.store.OrderByPaymentID(ctx, p.PaymentID); lookupErr == nil {
				res.Order = existing
				return res, nil
			}
			return res, fmt.Errorf("create order for payment %s: %w", p.PaymentID, err)
		}
		log.WithField("order_id", o.ID).Info("order created from payment")
		res.Order = o
		r.notify.OrderPaid(ctx, o)

	case KindCertificate:
		c, inserted, err := r.store.IssueCertificate(ctx, Certificate{
			UserID:    p.UserID,
			Amount:    md.Amount,
			CertCode:  md.CertCode,
			PaymentID: p.PaymentID,
		})
		if err != nil {
			return res, err
		}
		res.Certificate = c
		if inserted {
			log.WithField("cert_code", c.CertCode).Info("certificate issued")
			r.notify.CertificateIssued(ctx, c)
		}

	default:
		return res, fmt.Errorf("payment %s: unknown type %q", p.PaymentID, md.Type)
	}
	return res, nil
}
