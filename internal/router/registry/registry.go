// Package registry resolves module roles to service base URLs.
package registry

import (
	"strings"

	"github.com/oakmund/storyrouter/internal/router/contract"
)

// Bindings holds the environment-provided module URLs. Field values are
// loaded once at process start via config.ParseEnv.
type Bindings struct {
	IntentURL     string `env:"MODULE_INTENT_URL"`
	LoremasterURL string `env:"MODULE_LOREMASTER_URL"`
	SimulatorURL  string `env:"MODULE_DEFAULT_SIMULATOR_URL"`
	ArbiterURL    string `env:"MODULE_ARBITER_URL"`
	ProserURL     string `env:"MODULE_PROSER_URL"`
}

// Localhost defaults used when neither a manifest binding nor an
// environment URL is present.
const (
	defaultIntentURL     = "http://127.0.0.1:8101"
	defaultLoremasterURL = "http://127.0.0.1:8102"
	defaultSimulatorURL  = "http://127.0.0.1:8103"
	defaultArbiterURL    = "http://127.0.0.1:8104"
	defaultProserURL     = "http://127.0.0.1:8105"
)

// Resolve returns the base URL for a module role. Precedence: an absolute
// HTTP manifest binding wins, then the role's environment URL, then the
// fixed localhost default. Resolve is pure and deterministic given inputs.
func Resolve(role contract.Role, manifestBinding string, bindings Bindings) string {
	if isAbsoluteHTTP(manifestBinding) {
		return strings.TrimRight(strings.TrimSpace(manifestBinding), "/")
	}
	envURL, fallback := bindings.forRole(role)
	if envURL != "" {
		return strings.TrimRight(envURL, "/")
	}
	return fallback
}

func (b Bindings) forRole(role contract.Role) (envURL, fallback string) {
	switch role {
	case contract.RoleIntentExtractor:
		return strings.TrimSpace(b.IntentURL), defaultIntentURL
	case contract.RoleLoremaster:
		return strings.TrimSpace(b.LoremasterURL), defaultLoremasterURL
	case contract.RoleDefaultSimulator:
		return strings.TrimSpace(b.SimulatorURL), defaultSimulatorURL
	case contract.RoleArbiter:
		return strings.TrimSpace(b.ArbiterURL), defaultArbiterURL
	case contract.RoleProser:
		return strings.TrimSpace(b.ProserURL), defaultProserURL
	default:
		return "", ""
	}
}

// EndpointPath returns the POST path a stage invokes on its module service.
func EndpointPath(stage contract.Stage) string {
	switch stage {
	case contract.StageLoremasterRetrieve:
		return "/retrieve"
	case contract.StageLoremasterPre:
		return "/pre"
	case contract.StageLoremasterPost:
		return "/post"
	default:
		return "/invoke"
	}
}

// EndpointFor resolves the full endpoint URL for a pipeline stage, or ""
// for internal stages that invoke no module.
func EndpointFor(stage contract.Stage, manifestModules map[string]string, bindings Bindings) string {
	role, ok := contract.RoleForStage(stage)
	if !ok {
		return ""
	}
	binding := ""
	if manifestModules != nil {
		binding = manifestModules[string(role)]
	}
	return Resolve(role, binding, bindings) + EndpointPath(stage)
}

func isAbsoluteHTTP(binding string) bool {
	binding = strings.TrimSpace(binding)
	return strings.HasPrefix(binding, "http://") || strings.HasPrefix(binding, "https://")
}
