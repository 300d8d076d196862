// Copyright 2025 Enclava
// SPDX-License-Identifier: Apache-2.0

package gateway

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"enclava/platform/gateway/llm"
	"enclava/platform/gateway/llm/tee"
)

// providersFile is the on-disk shape of a provider configuration file.
type providersFile struct {
	Providers []llm.ProviderConfig `yaml:"providers"`
}

// LoadProviderConfigs reads provider definitions from a YAML file.
// Disabled entries are filtered out.
func LoadProviderConfigs(path string) ([]llm.ProviderConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read provider config: %w", err)
	}

	var file providersFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse provider config: %w", err)
	}

	var configs []llm.ProviderConfig
	for _, cfg := range file.Providers {
		if cfg.Name == "" {
			return nil, fmt.Errorf("provider config missing name")
		}
		if !cfg.Enabled {
			continue
		}
		configs = append(configs, cfg)
	}
	return configs, nil
}

// RegisterConfiguredProviders builds and registers a provider for each
// config. Both the "tee" and "openai-compatible" types are served by the
// TEE client, which speaks the OpenAI REST dialect.
func RegisterConfiguredProviders(registry *llm.Registry, configs []llm.ProviderConfig, defaultTimeout time.Duration) error {
	for _, cfg := range configs {
		timeout := defaultTimeout
		if cfg.TimeoutSeconds > 0 {
			timeout = time.Duration(cfg.TimeoutSeconds) * time.Second
		}

		switch cfg.Type {
		case llm.ProviderTypeTEE, llm.ProviderTypeOpenAICompatible:
			provider, err := tee.NewProvider(tee.Config{
				Name:         cfg.Name,
				BaseURL:      cfg.BaseURL,
				APIKey:       cfg.APIKey,
				DefaultModel: cfg.DefaultModel,
				Timeout:      timeout,
			})
			if err != nil {
				return fmt.Errorf("provider %q: %w", cfg.Name, err)
			}
			if err := registry.Register(provider, cfg); err != nil {
				return fmt.Errorf("provider %q: %w", cfg.Name, err)
			}
		default:
			return fmt.Errorf("provider %q: unsupported type %q", cfg.Name, cfg.Type)
		}
	}
	return nil
}
