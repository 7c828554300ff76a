package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/MegaGrindStone/scout-web-ui/internal/proxy"
	"github.com/MegaGrindStone/scout-web-ui/internal/services"
	"gopkg.in/yaml.v3"
)

type llmConfig interface {
	llm(systemPrompt string, logger *slog.Logger) (proxy.LLM, error)
	titleGen(logger *slog.Logger) (proxy.TitleGenerator, error)
}

// BaseLLMConfig contains the common fields for all LLM configurations.
type BaseLLMConfig struct {
	Provider string `yaml:"provider"`
	Model    string `yaml:"model"`
}

// settings are the plain settings of the proxy, each of which may be overridden from the environment.
type settings struct {
	Port           string   `yaml:"port" env:"SCOUT_PORT"`
	DBPath         string   `yaml:"dbPath" env:"SCOUT_DB_PATH"`
	OutputDir      string   `yaml:"outputDir" env:"SCOUT_OUTPUT_DIR"`
	SystemPrompt   string   `yaml:"systemPrompt" env:"SCOUT_SYSTEM_PROMPT"`
	AllowedOrigins []string `yaml:"allowedOrigins" env:"SCOUT_ALLOWED_ORIGINS" envSeparator:","`
	LogLevel       string   `yaml:"logLevel" env:"SCOUT_LOG_LEVEL"`
}

type config struct {
	settings `yaml:",inline"`

	// LLM is nil when no provider is configured, which the API reports as an agent that is not ready.
	LLM llmConfig `yaml:"llm"`
}

type ollamaConfig struct {
	BaseLLMConfig `yaml:",inline"`
	Host          string `yaml:"host"`
}

type openaiConfig struct {
	BaseLLMConfig `yaml:",inline"`
	APIKey        string                 `yaml:"apiKey"`
	BaseURL       string                 `yaml:"baseURL"`
	Parameters    services.LLMParameters `yaml:"parameters"`
}

type anthropicConfig struct {
	BaseLLMConfig `yaml:",inline"`
	APIKey        string `yaml:"apiKey"`
	Endpoint      string `yaml:"endpoint"`
	MaxTokens     int    `yaml:"maxTokens"`
}

const defaultSystemPrompt = `You are Scout, a data analysis assistant. Answer questions about the user's data, ` +
	`query it with the tools you have, and produce charts when they help. Format answers in markdown.`

func defaultConfig() config {
	return config{
		settings: settings{
			Port:           "8000",
			OutputDir:      "output",
			SystemPrompt:   defaultSystemPrompt,
			AllowedOrigins: []string{"http://localhost:3000"},
		},
	}
}

func (c *config) UnmarshalYAML(value *yaml.Node) error {
	rawConfig := struct {
		settings `yaml:",inline"`
		LLM      map[string]any `yaml:"llm"`
	}{settings: c.settings}

	if err := value.Decode(&rawConfig); err != nil {
		return err
	}

	c.settings = rawConfig.settings

	if rawConfig.LLM == nil {
		return nil
	}

	llmProvider, ok := rawConfig.LLM["provider"].(string)
	if !ok {
		return fmt.Errorf("llm provider is required")
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
		llm = &openaiConfig{}
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

func (o ollamaConfig) newOllama(systemPrompt string, logger *slog.Logger) (services.Ollama, error) {
	if o.Model == "" {
		return services.Ollama{}, fmt.Errorf("model is required")
	}

	host := o.Host
	if host == "" {
		host = os.Getenv("OLLAMA_HOST")
	}
	if host == "" {
		host = "http://localhost:11434"
	}
	return services.NewOllama(host, o.Model, systemPrompt, logger)
}

func (o ollamaConfig) llm(systemPrompt string, logger *slog.Logger) (proxy.LLM, error) {
	return o.newOllama(systemPrompt, logger)
}

func (o ollamaConfig) titleGen(logger *slog.Logger) (proxy.TitleGenerator, error) {
	return o.newOllama("", logger)
}

func (o openaiConfig) newOpenAI(systemPrompt string, logger *slog.Logger) (services.OpenAI, error) {
	if o.Model == "" {
		return services.OpenAI{}, fmt.Errorf("model is required")
	}

	apiKey := o.APIKey
	if apiKey == "" {
		apiKey = os.Getenv("OPENAI_API_KEY")
	}
	if apiKey == "" {
		return services.OpenAI{}, fmt.Errorf("apiKey is required")
	}
	return services.NewOpenAI(apiKey, o.BaseURL, o.Model, systemPrompt, o.Parameters, logger), nil
}

func (o openaiConfig) llm(systemPrompt string, logger *slog.Logger) (proxy.LLM, error) {
	return o.newOpenAI(systemPrompt, logger)
}

func (o openaiConfig) titleGen(logger *slog.Logger) (proxy.TitleGenerator, error) {
	return o.newOpenAI("", logger)
}

func (a anthropicConfig) newAnthropic(systemPrompt string, logger *slog.Logger) (services.Anthropic, error) {
	if a.Model == "" {
		return services.Anthropic{}, fmt.Errorf("model is required")
	}
	if a.MaxTokens == 0 {
		return services.Anthropic{}, fmt.Errorf("maxTokens is required")
	}

	apiKey := a.APIKey
	if apiKey == "" {
		apiKey = os.Getenv("ANTHROPIC_API_KEY")
	}
	return services.NewAnthropic(apiKey, a.Endpoint, a.Model, systemPrompt, a.MaxTokens, logger), nil
}

func (a anthropicConfig) llm(systemPrompt string, logger *slog.Logger) (proxy.LLM, error) {
	return a.newAnthropic(systemPrompt, logger)
}

func (a anthropicConfig) titleGen(logger *slog.Logger) (proxy.TitleGenerator, error) {
	return a.newAnthropic("", logger)
}
