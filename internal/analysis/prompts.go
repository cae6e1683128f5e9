package analysis

var analystFocus = map[string]string{
	CategoryPolicy:   "policy, regulation and fiscal or monetary decisions, and how they transmit to asset prices",
	CategoryMacro:    "the economic cycle, inflation, employment and the macro basis for asset allocation",
	CategoryIndustry: "sector structure, earnings, supply chains and competitive dynamics",
	CategoryMarket:   "market sentiment, liquidity, fund flows and price action",
}

func systemPrompt(category string) string {
	focus, ok := analystFocus[category]
	if !ok {
		focus = category
	}
	return "You are a senior " + category + " analyst on an investment research desk. You specialize in " +
		focus + ". Answer with a single JSON object and nothing else."
}

// analysisPromptTemplate takes the event count, the category and the events as JSON.
const analysisPromptTemplate = `Analyze the following %d events from a %s perspective.

%s

Answer with this JSON format:

{
  "investment_thesis": "the core investment thesis, at least one full sentence",
  "time_horizon": "short/mid/long",
  "confidence": 0.0,
  "key_factors": ["the factors that drive the thesis"],
  "recommendations": ["concrete positioning ideas"]
}

Keep time_horizon consistent with the thesis and only report high confidence for a well supported thesis.`
