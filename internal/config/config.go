package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/joelkehle/ratio-decidendi/internal/ratio"
)

const (
	ProviderAnthropic = "anthropic"
	ProviderOpenAI    = "openai"
)

type ModelConfig struct {
	Provider  string `yaml:"provider"`
	Name      string `yaml:"name"`
	MaxTokens int    `yaml:"max_tokens"`
}

type VariantConfig struct {
	Name            string   `yaml:"name"`
	Stages          []string `yaml:"stages"`
	Recording       string   `yaml:"recording"`
	Temperature     float64  `yaml:"temperature"`
	StructuredFinal bool     `yaml:"structured_final"`
}

type AgentConfig struct {
	BusURL         string `yaml:"bus_url"`
	AgentID        string `yaml:"agent_id"`
	PollWaitSec    int    `yaml:"poll_wait_sec"`
	AttachmentRoot string `yaml:"attachment_root"`
}

type Config struct {
	Model    ModelConfig     `yaml:"model"`
	Variant  string          `yaml:"variant"`
	Variants []VariantConfig `yaml:"variants"`
	StoreDB  string          `yaml:"store_db"`
	Agent    AgentConfig     `yaml:"agent"`
}

func Default() Config {
	return Config{
		Model:   ModelConfig{Provider: ProviderAnthropic, MaxTokens: ratio.DefaultMaxTokens},
		Variant: ratio.VariantFull,
		Agent: AgentConfig{
			BusURL:      "http://localhost:8080",
			AgentID:     "ratio-decidendi",
			PollWaitSec: 5,
		},
	}
}

// Load reads path (optional) over the defaults, then applies environment
// overrides. A missing path is not an error when path is empty.
func Load(path string) (Config, error) {
	cfg := Default()
	if strings.TrimSpace(path) != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	applyEnv(&cfg)
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if v := strings.TrimSpace(os.Getenv("RATIO_MODEL_PROVIDER")); v != "" {
		cfg.Model.Provider = v
	}
	if v := strings.TrimSpace(os.Getenv("RATIO_MODEL")); v != "" {
		cfg.Model.Name = v
	}
	if v := strings.TrimSpace(os.Getenv("RATIO_VARIANT")); v != "" {
		cfg.Variant = v
	}
	if v := strings.TrimSpace(os.Getenv("RATIO_STORE_DB")); v != "" {
		cfg.StoreDB = v
	}
	if v := strings.TrimSpace(os.Getenv("RATIO_ATTACHMENT_ROOT")); v != "" {
		cfg.Agent.AttachmentRoot = v
	}
}

func (c Config) Validate() error {
	switch strings.ToLower(c.Model.Provider) {
	case ProviderAnthropic, ProviderOpenAI:
	default:
		return fmt.Errorf("unknown model provider %q", c.Model.Provider)
	}
	variants, err := c.CustomVariants()
	if err != nil {
		return err
	}
	if _, err := ratio.LookupVariant(c.Variant, variants); err != nil {
		return err
	}
	return nil
}

// CustomVariants converts the configured variants, rejecting unknown stage
// names and shadowing of built-in names.
func (c Config) CustomVariants() (map[string]ratio.Variant, error) {
	out := map[string]ratio.Variant{}
	builtin := ratio.BuiltinVariants()
	for i, vc := range c.Variants {
		name := strings.TrimSpace(vc.Name)
		if name == "" {
			return nil, fmt.Errorf("variants[%d]: name is required", i)
		}
		if _, ok := builtin[name]; ok {
			return nil, fmt.Errorf("variants[%d]: %q shadows a built-in variant", i, name)
		}
		if _, dup := out[name]; dup {
			return nil, fmt.Errorf("variants[%d]: duplicate name %q", i, name)
		}
		v := ratio.Variant{Name: name, Temperature: vc.Temperature, StructuredFinal: vc.StructuredFinal}
		switch strings.TrimSpace(vc.Recording) {
		case "", "prompt-and-reply":
			v.Recording = ratio.RecordPromptAndReply
		case "reply-only":
			v.Recording = ratio.RecordReplyOnly
		default:
			return nil, fmt.Errorf("variants[%d]: unknown recording %q", i, vc.Recording)
		}
		for _, s := range vc.Stages {
			id, err := ratio.ParseStageID(s)
			if err != nil {
				return nil, fmt.Errorf("variants[%d]: %w", i, err)
			}
			v.Path = append(v.Path, id)
		}
		out[name] = v
	}
	return out, nil
}

// AllVariants returns built-in and custom variants keyed by name.
func (c Config) AllVariants() (map[string]ratio.Variant, error) {
	custom, err := c.CustomVariants()
	if err != nil {
		return nil, err
	}
	all := ratio.BuiltinVariants()
	for k, v := range custom {
		all[k] = v
	}
	return all, nil
}

// NewInvoker builds the model backend named by Model.Provider from env keys.
func (c Config) NewInvoker() (ratio.ModelInvoker, error) {
	switch strings.ToLower(c.Model.Provider) {
	case ProviderAnthropic:
		return ratio.NewAnthropicInvokerFromEnv(c.Model.Name, c.Model.MaxTokens)
	case ProviderOpenAI:
		return ratio.NewOpenAIInvokerFromEnv(c.Model.Name, c.Model.MaxTokens)
	default:
		return nil, fmt.Errorf("unknown model provider %q", c.Model.Provider)
	}
}

// BuildPipelines constructs one pipeline per known variant. Any invalid
// variant aborts with its ConfigurationError.
func (c Config) BuildPipelines(invoker ratio.ModelInvoker) (map[string]*ratio.Pipeline, error) {
	all, err := c.AllVariants()
	if err != nil {
		return nil, err
	}
	out := make(map[string]*ratio.Pipeline, len(all))
	var errs []error
	for name, v := range all {
		p, err := ratio.NewPipeline(invoker, v)
		if err != nil {
			errs = append(errs, fmt.Errorf("variant %s: %w", name, err))
			continue
		}
		out[name] = p
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return out, nil
}

func RequiredEnv(key string) (string, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return "", fmt.Errorf("missing required env var %s", key)
	}
	return v, nil
}
