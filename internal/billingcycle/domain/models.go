// Package domain describes billing runs: turning due subscriptions into
// invoices and advancing their periods.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	invoicedomain "github.com/smallbiznis/billingcore/internal/invoice/domain"
	"github.com/smallbiznis/billingcore/internal/money"
	prorationdomain "github.com/smallbiznis/billingcore/internal/proration/domain"
	subscriptiondomain "github.com/smallbiznis/billingcore/internal/subscription/domain"
)

// Outcome is what a run did with one subscription.
type Outcome string

const (
	OutcomeInvoiced Outcome = "invoiced"
	// OutcomeAlreadyInvoiced means the period invoice existed; only the
	// renewal was performed.
	OutcomeAlreadyInvoiced Outcome = "already_invoiced"
	OutcomeLocked          Outcome = "locked"
	OutcomeNotDue          Outcome = "not_due"
	OutcomeFailed          Outcome = "failed"
)

type SubscriptionResult struct {
	SubscriptionID snowflake.ID
	Outcome        Outcome
	InvoiceID      snowflake.ID
	InvoiceNumber  string
	Total          money.Amount
	CreditsApplied money.Amount
	// NextStatus is the subscription status after renewal or expiry.
	NextStatus subscriptiondomain.SubscriptionStatus
	Err        error
}

type RunSummary struct {
	RunID      string
	StartedAt  time.Time
	FinishedAt time.Time
	Results    []SubscriptionResult
}

// Count returns how many results ended with outcome.
func (s RunSummary) Count(outcome Outcome) int {
	n := 0
	for _, result := range s.Results {
		if result.Outcome == outcome {
			n++
		}
	}
	return n
}

// UpgradeCharge is the result of an immediate plan upgrade.
type UpgradeCharge struct {
	Change    subscriptiondomain.ChangePlanResult
	Proration prorationdomain.UpgradeResult
	// Invoice is nil when the net charge was zero.
	Invoice        *invoicedomain.InvoiceWithItems
	CreditsApplied money.Amount
}
