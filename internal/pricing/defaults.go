package pricing

// defaultPrices is the built-in price list (USD per 1K tokens). Operators
// override it with KANRI_PRICING_FILE.
var defaultPrices = map[string]Price{
	"gpt-4o":            {PromptPer1K: 0.0025, CompletionPer1K: 0.01},
	"gpt-4o-mini":       {PromptPer1K: 0.00015, CompletionPer1K: 0.0006},
	"gpt-4.1":           {PromptPer1K: 0.002, CompletionPer1K: 0.008},
	"gpt-4.1-mini":      {PromptPer1K: 0.0004, CompletionPer1K: 0.0016},
	"gpt-4-turbo":       {PromptPer1K: 0.01, CompletionPer1K: 0.03},
	"gpt-3.5-turbo":     {PromptPer1K: 0.0005, CompletionPer1K: 0.0015},
	"o3-mini":           {PromptPer1K: 0.0011, CompletionPer1K: 0.0044},
	"claude-3-5-sonnet": {PromptPer1K: 0.003, CompletionPer1K: 0.015},
	"claude-3-5-haiku":  {PromptPer1K: 0.0008, CompletionPer1K: 0.004},
	"claude-3-opus":     {PromptPer1K: 0.015, CompletionPer1K: 0.075},
	"gemini-1.5-pro":    {PromptPer1K: 0.00125, CompletionPer1K: 0.005},
	"gemini-1.5-flash":  {PromptPer1K: 0.000075, CompletionPer1K: 0.0003},
	"mistral-large":     {PromptPer1K: 0.002, CompletionPer1K: 0.006},
}

// DefaultTable returns the built-in table with DefaultFallbackModel as fallback.
func DefaultTable() *Table {
	t, err := NewTable(defaultPrices, DefaultFallbackModel)
	if err != nil {
		// The built-in list is static; a failure here is a programming error.
		panic(err)
	}
	return t
}
