package config

import (
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/smallbiznis/billingcore/internal/money"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// BillingConfig holds the tunable billing policy.
type BillingConfig struct {
	DefaultTaxRate    money.Quantity
	PaymentTermDays   int
	MinUnusedDays     int
	MinRefundAmount   money.Amount
	OverageUnitPrice  money.Amount
	OverageUnitPrices map[string]money.Amount
	LockTimeout       time.Duration
	RetryAttempts     int
	RunBatchSize      int
	Schedule          Schedule
}

// Schedule holds cron specs for billingd.
type Schedule struct {
	RunDue              string
	SweepCredits        string
	ExpireSubscriptions string
}

// OveragePrice returns the per-unit overage price for usageType. Keys read
// from billing.yml are lowercase.
func (c BillingConfig) OveragePrice(usageType string) money.Amount {
	if price, ok := c.OverageUnitPrices[usageType]; ok {
		return price
	}
	if price, ok := c.OverageUnitPrices[strings.ToLower(usageType)]; ok {
		return price
	}
	return c.OverageUnitPrice
}

func DefaultBillingConfig() BillingConfig {
	return BillingConfig{
		DefaultTaxRate:    0,
		PaymentTermDays:   14,
		MinUnusedDays:     3,
		MinRefundAmount:   money.FromMajor(1),
		OverageUnitPrice:  0,
		OverageUnitPrices: map[string]money.Amount{},
		LockTimeout:       2 * time.Second,
		RetryAttempts:     3,
		RunBatchSize:      100,
		Schedule: Schedule{
			RunDue:              "*/5 * * * *",
			SweepCredits:        "0 * * * *",
			ExpireSubscriptions: "15 * * * *",
		},
	}
}

// billingFile mirrors billing.yml. Money values are decimal strings.
type billingFile struct {
	DefaultTaxRate    string            `mapstructure:"defaultTaxRate"`
	PaymentTermDays   int               `mapstructure:"paymentTermDays"`
	MinUnusedDays     int               `mapstructure:"minUnusedDays"`
	MinRefundAmount   string            `mapstructure:"minRefundAmount"`
	OverageUnitPrice  string            `mapstructure:"overageUnitPrice"`
	OverageUnitPrices map[string]string `mapstructure:"overageUnitPrices"`
	LockTimeout       time.Duration     `mapstructure:"lockTimeout"`
	RetryAttempts     int               `mapstructure:"retryAttempts"`
	RunBatchSize      int               `mapstructure:"runBatchSize"`
	Schedule          struct {
		RunDue              string `mapstructure:"runDue"`
		SweepCredits        string `mapstructure:"sweepCredits"`
		ExpireSubscriptions string `mapstructure:"expireSubscriptions"`
	} `mapstructure:"schedule"`
}

type BillingConfigHolder struct {
	current atomic.Value // holds BillingConfig
}

// NewStaticBillingConfigHolder wraps a fixed config, for tests and embedding.
func NewStaticBillingConfigHolder(cfg BillingConfig) *BillingConfigHolder {
	holder := &BillingConfigHolder{}
	holder.current.Store(cfg)
	return holder
}

// NewBillingConfigHolder reads billing.yml and keeps it hot-reloaded.
func NewBillingConfigHolder(log *zap.Logger) (*BillingConfigHolder, error) {
	log = log.Named("billing.config")
	v := viper.New()

	v.SetConfigName("billing")
	v.SetConfigType("yml")
	v.AddConfigPath("/etc/billingcore")
	v.AddConfigPath(".")

	// billing.lockTimeout is overridden by BILLING_LOCKTIMEOUT.
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setBillingDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, err
		}
		log.Info("billing.yml not found, using defaults")
	}

	cfg, err := decodeBillingConfig(v)
	if err != nil {
		return nil, err
	}

	holder := NewStaticBillingConfigHolder(cfg)

	if v.ConfigFileUsed() != "" {
		v.WatchConfig()
		v.OnConfigChange(func(e fsnotify.Event) {
			updated, err := decodeBillingConfig(v)
			if err != nil {
				log.Warn("billing config reload rejected", zap.String("file", e.Name), zap.Error(err))
				return
			}
			holder.current.Store(updated)
			log.Info("billing config reloaded", zap.String("file", e.Name))
		})
	}

	return holder, nil
}

func (h *BillingConfigHolder) Get() BillingConfig {
	return h.current.Load().(BillingConfig)
}

func setBillingDefaults(v *viper.Viper) {
	d := DefaultBillingConfig()
	v.SetDefault("billing.defaultTaxRate", d.DefaultTaxRate.String())
	v.SetDefault("billing.paymentTermDays", d.PaymentTermDays)
	v.SetDefault("billing.minUnusedDays", d.MinUnusedDays)
	v.SetDefault("billing.minRefundAmount", d.MinRefundAmount.String())
	v.SetDefault("billing.overageUnitPrice", d.OverageUnitPrice.String())
	v.SetDefault("billing.lockTimeout", d.LockTimeout)
	v.SetDefault("billing.retryAttempts", d.RetryAttempts)
	v.SetDefault("billing.runBatchSize", d.RunBatchSize)
	v.SetDefault("billing.schedule.runDue", d.Schedule.RunDue)
	v.SetDefault("billing.schedule.sweepCredits", d.Schedule.SweepCredits)
	v.SetDefault("billing.schedule.expireSubscriptions", d.Schedule.ExpireSubscriptions)
}

func decodeBillingConfig(v *viper.Viper) (BillingConfig, error) {
	// Unmarshal, unlike UnmarshalKey, merges defaults into partial files.
	var raw struct {
		Billing billingFile `mapstructure:"billing"`
	}
	if err := v.Unmarshal(&raw); err != nil {
		return BillingConfig{}, err
	}
	return raw.Billing.toConfig()
}

func (f billingFile) toConfig() (BillingConfig, error) {
	cfg := BillingConfig{
		PaymentTermDays:   f.PaymentTermDays,
		MinUnusedDays:     f.MinUnusedDays,
		LockTimeout:       f.LockTimeout,
		RetryAttempts:     f.RetryAttempts,
		RunBatchSize:      f.RunBatchSize,
		OverageUnitPrices: make(map[string]money.Amount, len(f.OverageUnitPrices)),
		Schedule: Schedule{
			RunDue:              f.Schedule.RunDue,
			SweepCredits:        f.Schedule.SweepCredits,
			ExpireSubscriptions: f.Schedule.ExpireSubscriptions,
		},
	}

	var err error
	if cfg.DefaultTaxRate, err = money.ParseQuantity(f.DefaultTaxRate); err != nil {
		return BillingConfig{}, fmt.Errorf("billing.defaultTaxRate: %w", err)
	}
	if cfg.MinRefundAmount, err = money.Parse(f.MinRefundAmount); err != nil {
		return BillingConfig{}, fmt.Errorf("billing.minRefundAmount: %w", err)
	}
	if cfg.OverageUnitPrice, err = money.Parse(f.OverageUnitPrice); err != nil {
		return BillingConfig{}, fmt.Errorf("billing.overageUnitPrice: %w", err)
	}
	for usageType, raw := range f.OverageUnitPrices {
		price, err := money.Parse(raw)
		if err != nil {
			return BillingConfig{}, fmt.Errorf("billing.overageUnitPrices.%s: %w", usageType, err)
		}
		cfg.OverageUnitPrices[usageType] = price
	}

	return cfg, validateBillingConfig(cfg)
}

func validateBillingConfig(cfg BillingConfig) error {
	if cfg.DefaultTaxRate < 0 {
		return errors.New("billing.defaultTaxRate cannot be negative")
	}
	if cfg.PaymentTermDays < 0 {
		return errors.New("billing.paymentTermDays cannot be negative")
	}
	if cfg.MinRefundAmount < 0 || cfg.OverageUnitPrice < 0 {
		return errors.New("billing amounts cannot be negative")
	}
	if cfg.LockTimeout <= 0 {
		return errors.New("billing.lockTimeout must be positive")
	}
	if cfg.RetryAttempts < 1 {
		return errors.New("billing.retryAttempts must be at least 1")
	}
	if cfg.RunBatchSize < 1 {
		return errors.New("billing.runBatchSize must be at least 1")
	}
	return nil
}
