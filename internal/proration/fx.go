package proration

import (
	"github.com/smallbiznis/billingcore/internal/proration/service"
	"go.uber.org/fx"
)

var Module = fx.Module("proration.service",
	fx.Provide(service.NewService),
)
