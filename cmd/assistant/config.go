package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/MegaGrindStone/curator-chat/internal/config"
	"github.com/MegaGrindStone/curator-chat/internal/handlers"
	"github.com/MegaGrindStone/curator-chat/internal/services"
	"gopkg.in/yaml.v3"
)

type llmConfig interface {
	llm(systemPrompt string, params services.LLMParameters, logger *slog.Logger) (handlers.LLM, error)
}

// BaseLLMConfig contains the common fields for all LLM configurations.
type BaseLLMConfig struct {
	Provider string `yaml:"provider"`
	Model    string `yaml:"model"`
}

type assistantConfig struct {
	Port            string                          `yaml:"port"`
	AllowedOrigins  []string                        `yaml:"allowedOrigins"`
	SystemPrompt    string                          `yaml:"systemPrompt"`
	HistoryLimit    int                             `yaml:"historyLimit"`
	Parameters      services.LLMParameters          `yaml:"parameters"`
	Log             config.Log                      `yaml:"log"`
	MCPSSEServers   map[string]mcpSSEServerConfig   `yaml:"mcpSSEServers"`
	MCPStdIOServers map[string]mcpStdIOServerConfig `yaml:"mcpStdIOServers"`
	LLM             llmConfig                       `yaml:"-"`
}

// envOverrides are the settings of the assistant command that the environment can override.
type envOverrides struct {
	Port           string     `env:"CURATOR_ASSISTANT_PORT"`
	AllowedOrigins []string   `env:"CURATOR_ALLOWED_ORIGINS" envSeparator:","`
	SystemPrompt   string     `env:"CURATOR_SYSTEM_PROMPT"`
	HistoryLimit   int        `env:"CURATOR_HISTORY_LIMIT"`
	Log            config.Log `envPrefix:"CURATOR_LOG_"`
}

type mcpSSEServerConfig struct {
	URL string `yaml:"url"`
}

type mcpStdIOServerConfig struct {
	Command string   `yaml:"command"`
	Args    []string `yaml:"args"`
}

type ollamaConfig struct {
	BaseLLMConfig `yaml:",inline"`
	Host          string `yaml:"host"`
}

type openAIConfig struct {
	BaseLLMConfig `yaml:",inline"`
	APIKey        string `yaml:"apiKey"`
	BaseURL       string `yaml:"baseURL"`
}

type openRouterConfig struct {
	BaseLLMConfig `yaml:",inline"`
	APIKey        string `yaml:"apiKey"`
	BaseURL       string `yaml:"baseURL"`
}

type anthropicConfig struct {
	BaseLLMConfig `yaml:",inline"`
	APIKey        string `yaml:"apiKey"`
	BaseURL       string `yaml:"baseURL"`
	MaxTokens     int    `yaml:"maxTokens"`
}

var (
	errMissingProvider = errors.New("llm provider is required")
	errMissingModel    = errors.New("model is required")
)

// defaultSystemPrompt describes the assistant role of the community resources service.
const defaultSystemPrompt = "You are a helpful assistant for a community resources service. You help " +
	"people find emergency shelter, food, health care, and other local support. Answer clearly and " +
	"briefly. For life-threatening emergencies, tell the user to contact local emergency services."

// defaultHistoryLimit is the number of past exchanges sent along with a question.
const defaultHistoryLimit = 10

func defaultAssistantConfig() assistantConfig {
	temperature := float32(0.1)
	return assistantConfig{
		Port:           "8000",
		AllowedOrigins: []string{"http://localhost:3000", "http://localhost:8080"},
		SystemPrompt:   defaultSystemPrompt,
		HistoryLimit:   defaultHistoryLimit,
		Parameters:     services.LLMParameters{Temperature: &temperature},
		Log: config.Log{
			Level:  "info",
			Format: "text",
		},
	}
}

func loadAssistantConfig(path string) (assistantConfig, error) {
	cfg := defaultAssistantConfig()
	if err := config.DecodeFile(path, &cfg); err != nil {
		return assistantConfig{}, err
	}

	overrides := envOverrides{
		Port:           cfg.Port,
		AllowedOrigins: cfg.AllowedOrigins,
		SystemPrompt:   cfg.SystemPrompt,
		HistoryLimit:   cfg.HistoryLimit,
		Log:            cfg.Log,
	}
	if err := config.ParseEnv(&overrides); err != nil {
		return assistantConfig{}, err
	}
	cfg.Port = overrides.Port
	cfg.AllowedOrigins = overrides.AllowedOrigins
	cfg.SystemPrompt = overrides.SystemPrompt
	cfg.HistoryLimit = overrides.HistoryLimit
	cfg.Log = overrides.Log

	if cfg.LLM == nil {
		return assistantConfig{}, errMissingProvider
	}

	return cfg, nil
}

func (c *assistantConfig) UnmarshalYAML(value *yaml.Node) error {
	// The alias drops this method, so the plain fields decode with the default rules.
	type plain assistantConfig
	if err := value.Decode((*plain)(c)); err != nil {
		return err
	}

	var rawConfig struct {
		LLM map[string]any `yaml:"llm"`
	}
	if err := value.Decode(&rawConfig); err != nil {
		return err
	}
	if rawConfig.LLM == nil {
		return nil
	}

	llmProvider, ok := rawConfig.LLM["provider"].(string)
	if !ok {
		return errMissingProvider
	}

	llmRawYAML, err := yaml.Marshal(rawConfig.LLM)
	if err != nil {
		return err
	}

	var llm llmConfig
	switch llmProvider {
	case "ollama":
		llm = &ollamaConfig{}
	case "openai":
		llm = &openAIConfig{}
	case "openrouter":
		llm = &openRouterConfig{}
	case "anthropic":
		llm = &anthropicConfig{}
	default:
		return fmt.Errorf("unknown llm provider: %s", llmProvider)
	}

	if err := yaml.Unmarshal(llmRawYAML, llm); err != nil {
		return err
	}

	c.LLM = llm

	return nil
}

func (o ollamaConfig) llm(
	systemPrompt string,
	params services.LLMParameters,
	logger *slog.Logger,
) (handlers.LLM, error) {
	if o.Model == "" {
		return nil, errMissingModel
	}

	host := o.Host
	if host == "" {
		host = os.Getenv("OLLAMA_HOST")
	}
	if host == "" {
		host = "http://localhost:11434"
	}
	return services.NewOllama(host, o.Model, systemPrompt, params, logger), nil
}

func (o openAIConfig) llm(
	systemPrompt string,
	params services.LLMParameters,
	logger *slog.Logger,
) (handlers.LLM, error) {
	if o.Model == "" {
		return nil, errMissingModel
	}

	apiKey := o.APIKey
	if apiKey == "" {
		apiKey = os.Getenv("OPENAI_API_KEY")
	}
	return services.NewOpenAI(apiKey, o.BaseURL, o.Model, systemPrompt, params, logger), nil
}

func (o openRouterConfig) llm(
	systemPrompt string,
	params services.LLMParameters,
	logger *slog.Logger,
) (handlers.LLM, error) {
	if o.Model == "" {
		return nil, errMissingModel
	}

	apiKey := o.APIKey
	if apiKey == "" {
		apiKey = os.Getenv("OPENROUTER_API_KEY")
	}
	return services.NewOpenRouter(apiKey, o.BaseURL, o.Model, systemPrompt, params, logger), nil
}

func (a anthropicConfig) llm(
	systemPrompt string,
	params services.LLMParameters,
	logger *slog.Logger,
) (handlers.LLM, error) {
	if a.Model == "" {
		return nil, errMissingModel
	}

	apiKey := a.APIKey
	if apiKey == "" {
		apiKey = os.Getenv("ANTHROPIC_API_KEY")
	}
	return services.NewAnthropic(apiKey, a.BaseURL, a.Model, systemPrompt, a.MaxTokens, params, logger), nil
}
