package gemini

// ProviderOption writes one vendor-specific setting into a provider options
// map. The keys carry the "gemini." prefix so requests routed to another
// vendor ignore them.
type ProviderOption func(map[string]any)

// BuildProviderOptions constructs a provider options map for core.Request.
func BuildProviderOptions(opts ...ProviderOption) map[string]any {
	out := make(map[string]any)
	for _, opt := range opts {
		if opt != nil {
			opt(out)
		}
	}
	return out
}

// WithThinkingBudget caps the tokens the model may spend reasoning before it
// answers. Zero disables thinking on models that allow that.
func WithThinkingBudget(tokens int) ProviderOption {
	return func(m map[string]any) {
		m["gemini.thinking_budget"] = tokens
	}
}

// WithIncludeThoughts asks for thought summaries in the response. They are
// kept in the turn's raw payload rather than surfaced as content.
func WithIncludeThoughts(include bool) ProviderOption {
	return func(m map[string]any) {
		m["gemini.include_thoughts"] = include
	}
}

// SafetySetting pairs a harm category with its blocking threshold, using the
// API's enum spellings (HARM_CATEGORY_HARASSMENT, BLOCK_MEDIUM_AND_ABOVE).
type SafetySetting struct {
	Category  string
	Threshold string
}

// WithSafetySettings overrides the default safety filters.
func WithSafetySettings(settings ...SafetySetting) ProviderOption {
	return func(m map[string]any) {
		out := make([]map[string]any, 0, len(settings))
		for _, s := range settings {
			out = append(out, map[string]any{"category": s.Category, "threshold": s.Threshold})
		}
		m["gemini.safetySettings"] = out
	}
}

// WithCachedContent points the request at a cachedContents resource created
// through the caching API.
func WithCachedContent(name string) ProviderOption {
	return func(m map[string]any) {
		m["gemini.cachedContent"] = name
	}
}
