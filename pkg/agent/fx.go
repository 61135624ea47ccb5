package agent

import (
	"net/http"

	"go.uber.org/fx"

	"bizagent/pkg/business"
	"bizagent/pkg/config"
	"bizagent/pkg/conversation"
	"bizagent/pkg/logger"
)

// Module provides the tool registry and the LLM backed generator.
var Module = fx.Module("agent",
	fx.Provide(ProvideRegistry),
	fx.Provide(ProvideGenerator),
)

// ProvideRegistry builds the registry with the built-in tools.
func ProvideRegistry(directory *business.Directory, store *conversation.Store) *Registry {
	r := NewRegistry()
	RegisterBuiltins(r, directory, store)
	return r
}

// ProvideGenerator provides the generator used by live sessions.
func ProvideGenerator(log *logger.Logger, cfg *config.Config, tools *Registry) Generator {
	return NewLLMGenerator(log.Named("agent"), cfg.AgentSnapshot, tools, &http.Client{})
}
