package main

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

const (
	certificateValidity     = 365 * 24 * time.Hour
	certificateMaxAttempts  = 3
	certificateBlockTimeout = 30 * time.Minute
)

// CertificateNominals are the amounts a certificate can be bought for.
var CertificateNominals = []int64{1000, 3000, 5000, 10000}

var ErrCertificateBlocked = errors.New("too many wrong certificate codes")

func NewCertificateCode() string {
	id := strings.ReplaceAll(uuid.NewString(), "-", "")
	return "CERT-" + strings.ToUpper(id[:8])
}

func NormalizeCertificateCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

func validNominal(amount int64) bool {
	for _, n := range CertificateNominals {
		if n == amount {
			return true
		}
	}
	return false
}

// Valid reports whether the certificate is unused and not expired.
func (c *Certificate) Valid(now time.Time) bool {
	return !c.Used && now.Before(c.CreatedAt.Add(certificateValidity))
}

func (c *Certificate) Value() decimal.Decimal {
	return decimal.NewFromInt(c.Amount)
}

func (c *Certificate) ExpiresAt() time.Time {
	return c.CreatedAt.Add(certificateValidity)
}

type certificateChecker interface {
	ValidCertificate(ctx context.Context, code string, now time.Time) (*Certificate, error)
	CertificateAttempts(ctx context.Context, userID int64) (*CertificateAttempt, error)
	RecordCertificateAttempt(ctx context.Context, userID int64, now time.Time, limit int, block time.Duration) (*CertificateAttempt, error)
	ResetCertificateAttempts(ctx context.Context, userID int64) error
}

type CertificateCheck struct {
	Certificate  *Certificate
	AttemptsLeft int
	BlockedUntil *time.Time
}

// CheckCertificate validates a code entered by a user. Wrong codes count
// towards a temporary block, a valid one clears the counter.
func CheckCertificate(ctx context.Context, st certificateChecker, userID int64, code string, now time.Time) (CertificateCheck, error) {
	attempt, err := st.CertificateAttempts(ctx, userID)
	if err != nil {
		return CertificateCheck{}, err
	}
	if attempt != nil && attempt.BlockedUntil != nil && now.Before(*attempt.BlockedUntil) {
		return CertificateCheck{BlockedUntil: attempt.BlockedUntil}, ErrCertificateBlocked
	}

	cert, err := st.ValidCertificate(ctx, NormalizeCertificateCode(code), now)
	switch {
	case err == nil:
		if err := st.ResetCertificateAttempts(ctx, userID); err != nil {
			return CertificateCheck{}, err
		}
		return CertificateCheck{Certificate: cert, AttemptsLeft: certificateMaxAttempts}, nil
	case errors.Is(err, ErrCertificateInvalid):
	default:
		return CertificateCheck{}, err
	}

	// an expired block starts a fresh round
	if attempt != nil && attempt.BlockedUntil != nil {
		if err := st.ResetCertificateAttempts(ctx, userID); err != nil {
			return CertificateCheck{}, err
		}
	}
	attempt, err = st.RecordCertificateAttempt(ctx, userID, now, certificateMaxAttempts, certificateBlockTimeout)
	if err != nil {
		return CertificateCheck{}, err
	}
	check := CertificateCheck{AttemptsLeft: max(certificateMaxAttempts-attempt.Attempts, 0)}
	if attempt.BlockedUntil != nil {
		check.BlockedUntil = attempt.BlockedUntil
		return check, ErrCertificateBlocked
	}
	return check, ErrCertificateInvalid
}

func certificateDescription(amount int64) string {
	return fmt.Sprintf("Подарочный сертификат на %d ₽", amount)
}
