package scheduler

import (
	"strings"

	"github.com/smallbiznis/billingcore/internal/config"
)

// Config holds the cron spec of each job. An empty spec disables the job.
type Config struct {
	RunDue              string
	SweepCredits        string
	ExpireSubscriptions string
}

// ProvideConfig reads the cron expressions from billing.yml.
func ProvideConfig(holder *config.BillingConfigHolder) Config {
	schedule := config.DefaultBillingConfig().Schedule
	if holder != nil {
		schedule = holder.Get().Schedule
	}
	return Config{
		RunDue:              strings.TrimSpace(schedule.RunDue),
		SweepCredits:        strings.TrimSpace(schedule.SweepCredits),
		ExpireSubscriptions: strings.TrimSpace(schedule.ExpireSubscriptions),
	}
}
