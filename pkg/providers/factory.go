package providers

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/hollycliff/reverie/pkg/config"
)

const (
	ProviderOpenAI    = "openai"
	ProviderAnthropic = "anthropic"
)

type gatewayFactory struct {
	build    func(cfg *config.Config) (Gateway, error)
	validate func(cfg *config.Config) error
}

var (
	factoryMu       sync.RWMutex
	factories       = map[string]gatewayFactory{}
	registrationErr error
)

// RegisterFactory adds a named provider constructor to the registry. Called
// from provider init functions.
func RegisterFactory(name string, build func(cfg *config.Config) (Gateway, error), validate func(cfg *config.Config) error) {
	name = NormalizeProviderName(name)
	factoryMu.Lock()
	defer factoryMu.Unlock()
	if name == "" {
		registrationErr = errors.Join(registrationErr, fmt.Errorf("providers: factory name is required"))
		return
	}
	if build == nil {
		registrationErr = errors.Join(registrationErr, fmt.Errorf("providers: factory build func is required"))
		return
	}
	factories[name] = gatewayFactory{build: build, validate: validate}
}

func SupportedProviders() []string {
	factoryMu.RLock()
	defer factoryMu.RUnlock()
	names := make([]string, 0, len(factories))
	for name := range factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func NormalizeProviderName(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

// ValidateProviderConfig checks that the named provider has usable
// credentials without constructing it.
func ValidateProviderConfig(name string, cfg *config.Config) error {
	factory, err := getFactory(name)
	if err != nil {
		return err
	}
	if factory.validate == nil {
		return nil
	}
	return factory.validate(cfg)
}

// CreateGateway builds a single named provider gateway.
func CreateGateway(name string, cfg *config.Config) (Gateway, error) {
	factory, err := getFactory(name)
	if err != nil {
		return nil, err
	}
	return factory.build(cfg)
}

// BuildGateway wires the configured primary/secondary providers into the
// composed gateway the engine uses: optional circuit breaker around each
// concrete provider, then the fallback decorator across the pair. With no
// secondary configured the (hardened) primary stands alone.
func BuildGateway(cfg *config.Config) (Gateway, error) {
	primary, err := CreateGateway(cfg.Providers.Primary, cfg)
	if err != nil {
		return nil, fmt.Errorf("build primary gateway: %w", err)
	}
	if cfg.Gateway.BreakerEnabled {
		primary = WithBreaker(primary, defaultBreakerMaxFailures, defaultBreakerTimeout)
	}

	secondaryName := NormalizeProviderName(cfg.Providers.Secondary)
	if secondaryName == "" {
		return primary, nil
	}

	secondary, err := CreateGateway(secondaryName, cfg)
	if err != nil {
		return nil, fmt.Errorf("build secondary gateway: %w", err)
	}
	if cfg.Gateway.BreakerEnabled {
		secondary = WithBreaker(secondary, defaultBreakerMaxFailures, defaultBreakerTimeout)
	}

	return NewFallbackGateway(primary, secondary, cfg.Gateway.RetryOnPrimary), nil
}

func getFactory(name string) (gatewayFactory, error) {
	name = NormalizeProviderName(name)

	factoryMu.RLock()
	defer factoryMu.RUnlock()
	if registrationErr != nil {
		return gatewayFactory{}, fmt.Errorf("provider registration failed: %w", registrationErr)
	}
	factory, ok := factories[name]
	if !ok {
		return gatewayFactory{}, fmt.Errorf("unsupported provider %q: supported providers are %s", name, strings.Join(SupportedProviders(), ", "))
	}
	return factory, nil
}

func init() {
	RegisterFactory(ProviderOpenAI,
		func(cfg *config.Config) (Gateway, error) {
			return NewOpenAIProvider(
				cfg.Providers.OpenAI.APIKey,
				cfg.Providers.OpenAI.APIBase,
				cfg.Providers.OpenAI.Model,
				cfg.Providers.OpenAI.Proxy,
				cfg.Gateway.RequestsPerMinute,
				cfg.GatewayTimeout(),
			)
		},
		func(cfg *config.Config) error {
			if strings.TrimSpace(cfg.Providers.OpenAI.APIKey) == "" {
				return fmt.Errorf("OpenAI API key is required (set providers.openai.api_key or REVERIE_PROVIDERS_OPENAI_API_KEY)")
			}
			return nil
		})

	RegisterFactory(ProviderAnthropic,
		func(cfg *config.Config) (Gateway, error) {
			return NewAnthropicProvider(
				cfg.Providers.Anthropic.APIKey,
				cfg.Providers.Anthropic.APIBase,
				cfg.Providers.Anthropic.Model,
				cfg.Gateway.RequestsPerMinute,
				cfg.GatewayTimeout(),
			)
		},
		func(cfg *config.Config) error {
			if strings.TrimSpace(cfg.Providers.Anthropic.APIKey) == "" {
				return fmt.Errorf("Anthropic API key is required (set providers.anthropic.api_key or REVERIE_PROVIDERS_ANTHROPIC_API_KEY)")
			}
			return nil
		})
}
