package services

// LLMParameters holds the optional sampling parameters forwarded to the language model providers.
// A nil field leaves the provider default untouched.
type LLMParameters struct {
	Temperature *float32 `yaml:"temperature"`
	TopP        *float32 `yaml:"topP"`
	Seed        *int     `yaml:"seed"`
	Stop        []string `yaml:"stop"`
	MaxTokens   *int     `yaml:"maxTokens"`
}

// ollamaOptions maps the parameters to the keys of the Ollama options map.
func (p LLMParameters) ollamaOptions() map[string]any {
	opts := make(map[string]any)
	if p.Temperature != nil {
		opts["temperature"] = *p.Temperature
	}
	if p.TopP != nil {
		opts["top_p"] = *p.TopP
	}
	if p.Seed != nil {
		opts["seed"] = *p.Seed
	}
	if len(p.Stop) > 0 {
		opts["stop"] = p.Stop
	}
	if p.MaxTokens != nil {
		opts["num_predict"] = *p.MaxTokens
	}
	if len(opts) == 0 {
		return nil
	}
	return opts
}
