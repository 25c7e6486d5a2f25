package app

import (
	"fmt"

	"agentd/internal/model/llm"
	"agentd/pkg/config"
)

// NewLLMClientFromConfig 根据 model.defaults.llm（如 "openai.gpt_4o"）创建 LLM 客户端；未配置时返回 nil
func NewLLMClientFromConfig(cfg *config.Config) (llm.Client, error) {
	if cfg == nil || cfg.Model.Defaults.LLM == "" {
		return nil, nil
	}
	provider, modelKey, err := llm.ParseDefaultKey(cfg.Model.Defaults.LLM)
	if err != nil {
		return nil, err
	}
	pc, ok := cfg.Model.LLM.Providers[provider]
	if !ok {
		return nil, fmt.Errorf("LLM provider %q 未配置", provider)
	}
	mi, ok := pc.Models[modelKey]
	if !ok {
		return nil, fmt.Errorf("LLM model %q 未在 provider %q 中配置", modelKey, provider)
	}
	if pc.APIKey == "" {
		return nil, fmt.Errorf("LLM provider %q 的 api_key 未配置", provider)
	}
	client, err := llm.NewClient(provider, mi.Name, pc.APIKey, pc.BaseURL)
	if err != nil {
		return nil, err
	}
	if len(cfg.RateLimits.LLM) == 0 {
		return client, nil
	}
	limits := make(map[string]llm.LLMLimitConfig, len(cfg.RateLimits.LLM))
	for name, l := range cfg.RateLimits.LLM {
		limits[name] = llm.LLMLimitConfig{
			TokensPerMinute:   l.TokensPerMinute,
			RequestsPerMinute: l.RequestsPerMinute,
			MaxConcurrent:     l.MaxConcurrent,
		}
	}
	return llm.NewRateLimitedClient(client, llm.NewLLMRateLimiter(limits)), nil
}

// generateOptions 从默认模型条目读取采样参数
func generateOptions(cfg *config.Config) llm.GenerateOptions {
	if cfg == nil {
		return llm.GenerateOptions{}
	}
	provider, modelKey, err := llm.ParseDefaultKey(cfg.Model.Defaults.LLM)
	if err != nil {
		return llm.GenerateOptions{}
	}
	mi := cfg.Model.LLM.Providers[provider].Models[modelKey]
	return llm.GenerateOptions{Temperature: mi.Temperature, MaxTokens: mi.MaxTokens, JSONMode: true}
}
