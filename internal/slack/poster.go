package slack

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/MikeSquared-Agency/herald/internal/extractor"
	"github.com/MikeSquared-Agency/herald/internal/priority"
)

const (
	defaultAPIURL = "https://slack.com/api"
	// maxListed bounds the events listed in one alert.
	maxListed = 10
)

type Poster struct {
	channel string
	client  *resty.Client
	logger  *slog.Logger
}

func NewPoster(token, channel string, logger *slog.Logger) *Poster {
	return &Poster{
		channel: channel,
		client: resty.New().
			SetBaseURL(defaultAPIURL).
			SetTimeout(10*time.Second).
			SetAuthToken(token).
			SetHeader("Content-Type", "application/json; charset=utf-8"),
		logger: logger,
	}
}

type postResponse struct {
	OK    bool   `json:"ok"`
	TS    string `json:"ts"`
	Error string `json:"error,omitempty"`
}

// PostCriticalEvents posts an alert listing the run's critical events and
// returns the message timestamp. Nothing is posted when no event is
// critical.
func (p *Poster) PostCriticalEvents(ctx context.Context, runID string, events []extractor.Event) (string, error) {
	var critical []extractor.Event
	for _, ev := range events {
		if ev.PriorityLevel == priority.LevelCritical {
			critical = append(critical, ev)
		}
	}
	if len(critical) == 0 {
		return "", nil
	}

	text := formatCriticalMessage(runID, critical)
	var out postResponse
	resp, err := p.client.R().
		SetContext(ctx).
		SetBody(map[string]any{
			"channel": p.channel,
			"text":    text,
			"blocks": []map[string]any{
				{
					"type": "section",
					"text": map[string]any{"type": "mrkdwn", "text": text},
				},
			},
		}).
		SetResult(&out).
		Post("/chat.postMessage")
	if err != nil {
		return "", fmt.Errorf("slack post: %w", err)
	}
	if resp.IsError() {
		return "", fmt.Errorf("slack post: status %d", resp.StatusCode())
	}
	if !out.OK {
		return "", fmt.Errorf("slack error: %s", out.Error)
	}

	p.logger.Info("posted critical alert to slack", "ts", out.TS, "run_id", runID, "critical", len(critical))
	return out.TS, nil
}

func formatCriticalMessage(runID string, critical []extractor.Event) string {
	var sb strings.Builder

	fmt.Fprintf(&sb, "*Critical events: %d* (run %s)\n\n", len(critical), runID)
	for i, ev := range critical {
		if i == maxListed {
			fmt.Fprintf(&sb, "_...and %d more_\n", len(critical)-maxListed)
			break
		}
		fmt.Fprintf(&sb, "%d. %s\n   Score: %.1f | Impact: %s | Horizon: %s", i+1, ev.CoreEvent, ev.PriorityScore, ev.ImpactLevel, ev.TimeHorizon)
		if len(ev.AffectedAssets) > 0 {
			fmt.Fprintf(&sb, " | Assets: %s", strings.Join(ev.AffectedAssets, ", "))
		}
		sb.WriteString("\n")
		if ev.InvestmentImplication != "" {
			fmt.Fprintf(&sb, "   _%s_\n", ev.InvestmentImplication)
		}
	}
	return sb.String()
}
