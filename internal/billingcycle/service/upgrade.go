package service

import (
	"context"
	"fmt"

	"github.com/bwmarrin/snowflake"
	billingcycledomain "github.com/smallbiznis/billingcore/internal/billingcycle/domain"
	invoicedomain "github.com/smallbiznis/billingcore/internal/invoice/domain"
	"github.com/smallbiznis/billingcore/internal/money"
	obslogger "github.com/smallbiznis/billingcore/internal/observability/logger"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

const upgradeReason = "plan_upgrade"

// ChargeUpgrade changes the plan before invoicing. A failure after the change
// leaves the subscription upgraded without the prorated invoice; the error
// names the subscription so the charge can be issued by hand.
func (s *Service) ChargeUpgrade(ctx context.Context, subscriptionID, newPlanID snowflake.ID) (billingcycledomain.UpgradeCharge, error) {
	ctx, span := s.tracer.Start(ctx, "billingcycle.ChargeUpgrade")
	defer span.End()

	var out billingcycledomain.UpgradeCharge
	sub, err := s.subscriptions.Get(ctx, subscriptionID)
	if err != nil {
		return out, err
	}
	ctx = obslogger.ContextWithTenant(ctx, sub.TenantID.String())

	plan, err := s.subscriptions.GetPlan(ctx, newPlanID)
	if err != nil {
		return out, err
	}
	if plan.PriceFor(sub.BillingCycle) <= sub.CurrentPrice {
		return out, billingcycledomain.ErrNotUpgrade
	}

	change, err := s.subscriptions.ChangePlan(ctx, subscriptionID, newPlanID)
	if err != nil {
		return out, err
	}
	out.Change = change

	before := change.Subscription
	before.CurrentPrice = change.OldPrice
	proration, err := s.proration.Upgrade(ctx, before, change.NewPrice)
	if err != nil {
		return out, fmt.Errorf("subscription %s upgraded without charge: %w", subscriptionID, err)
	}
	out.Proration = proration
	span.SetAttributes(
		attribute.String("subscription_id", subscriptionID.String()),
		attribute.String("net", proration.Net.String()),
	)

	if !proration.Net.IsPositive() {
		s.logger(ctx).Info("plan upgraded without charge",
			zap.String("subscription_id", subscriptionID.String()),
			zap.String("plan_id", newPlanID.String()),
		)
		return out, nil
	}

	invoice, err := s.invoices.Issue(ctx, invoicedomain.IssueRequest{
		Draft: invoicedomain.CreateDraftRequest{
			TenantID:    sub.TenantID,
			PeriodStart: proration.Effective,
			PeriodEnd:   sub.CurrentPeriodEnd,
			Currency:    sub.Currency,
			Metadata: map[string]any{
				"subscription_id": subscriptionID.String(),
				"reason":          upgradeReason,
				"old_plan_id":     change.OldPlanID.String(),
				"new_plan_id":     newPlanID.String(),
			},
		},
		Items: []invoicedomain.AddItemRequest{{
			Description: fmt.Sprintf("Upgrade to %s (%d of %d days)", plan.Name, proration.UnusedDays, proration.TotalDays),
			Type:        invoicedomain.ItemTypeFee,
			Quantity:    money.NewQuantity(1),
			UnitPrice:   proration.Net,
			TaxRate:     s.billingConfig().DefaultTaxRate,
		}},
	})
	if err != nil {
		return out, fmt.Errorf("subscription %s upgraded without charge: %w", subscriptionID, err)
	}
	out.Invoice = invoice

	applied, err := s.invoices.ApplyCredits(ctx, invoice.ID)
	if err != nil {
		return out, err
	}
	out.CreditsApplied = applied.TotalUsed

	s.logger(ctx).Info("plan upgrade invoiced",
		zap.String("subscription_id", subscriptionID.String()),
		zap.String("invoice_id", invoice.ID.String()),
		zap.String("invoice_number", invoice.InvoiceNumber),
		zap.String("net", proration.Net.String()),
		zap.String("credits_applied", applied.TotalUsed.String()),
	)
	return out, nil
}
