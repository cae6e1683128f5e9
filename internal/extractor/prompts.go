package extractor

const systemPrompt = `You are a senior financial news analyst working for an investment research desk.
Your job is to see through the surface of each news item, identify the real underlying event,
and grade it for its relevance to investment decisions.

Always answer with a single JSON object and nothing else: no prose, no markdown fences.`

// batchPromptTemplate takes the item count and the numbered item list.
const batchPromptTemplate = `Analyze the following %d news items and extract the investment-relevant event of each one.

%s
Return exactly one event per news item, in the same order as the list, using this JSON format:

{
  "batch_events": [
    {
      "news_index": 1,
      "core_event": "one sentence describing the core event",
      "impact_level": "high/medium/low",
      "time_horizon": "short/mid/long",
      "affected_assets": ["stocks, bonds, commodities or currencies affected"],
      "investment_implication": "short note on what this means for investors",
      "label": "macro data / policy change / industry disruption / international / company news / market move / society / technology / legal / regulation / regional / personnel / public opinion",
      "confidence": 0.0
    }
  ]
}

Requirements:
- Return only the JSON object.
- Produce one element for every news item, even when it is irrelevant.
- Focus on financial, economic and policy events.
- If an item has nothing to do with investing, set impact_level to "low".
- confidence is a number between 0.0 and 1.0.`

// singlePromptTemplate takes title, content, source and timestamp.
const singlePromptTemplate = `Analyze the following news item and extract the investment-relevant event.

Title: %s
Content: %s
Source: %s
Time: %s

Answer with this JSON format:

{
  "core_event": "one sentence describing the core event",
  "impact_level": "high/medium/low",
  "time_horizon": "short/mid/long",
  "affected_assets": ["stocks, bonds, commodities or currencies affected"],
  "investment_implication": "short note on what this means for investors",
  "confidence": 0.0
}

Return only the JSON object.`
