package model

// Option keys for per-turn tuning, carried in the snapshot's params map.
const (
	OptMaxTokens       = "max_tokens"
	OptTemperature     = "temperature"
	OptThinkingLevel   = "thinking_level"
	OptReasoningEffort = "reasoning_effort"
	OptEnableThinking  = "enable_thinking"
	OptThinkingBudget  = "thinking_budget"
)

const (
	defaultMaxTokens   = 8192
	defaultTemperature = 0.7
)
