package business

import "go.uber.org/fx"

// Module provides the business directory.
var Module = fx.Module("business",
	fx.Provide(NewDirectory),
)
