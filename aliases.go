package parley

// SetAlias adds or updates a model alias at runtime:
//
//	client.SetAlias("fast", "groq/llama-3.3-70b-versatile")
//	reply, _ := client.Generate(ctx, core.Request{Model: "fast", Turns: turns})
func (c *Client) SetAlias(alias, model string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.aliases[alias] = model
}

// GetAlias returns the model string behind an alias.
func (c *Client) GetAlias(alias string) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	model, ok := c.aliases[alias]
	return model, ok
}

// RemoveAlias deletes an alias.
func (c *Client) RemoveAlias(alias string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.aliases, alias)
}

// Aliases returns a copy of all defined aliases.
func (c *Client) Aliases() map[string]string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	result := make(map[string]string, len(c.aliases))
	for alias, model := range c.aliases {
		result[alias] = model
	}
	return result
}

// Model strings for commonly used models. None are configured as aliases
// by default.
const (
	ModelGPT4o        = "openai/gpt-4o"
	ModelGPT4oMini    = "openai/gpt-4o-mini"
	ModelClaudeSonnet = "anthropic/claude-sonnet-4-20250514"
	ModelClaudeHaiku  = "anthropic/claude-3-5-haiku-20241022"
	ModelGeminiFlash  = "gemini/gemini-2.5-flash"
	ModelGeminiPro    = "gemini/gemini-2.5-pro"
	ModelGroqLlama    = "groq/llama-3.3-70b-versatile"
	ModelDeepSeekChat = "deepseek/deepseek-chat"
)
