package main

import (
	"fmt"
	"log"
	"strings"

	"github.com/slack-go/slack"
)

// Notifier posts cycle summaries and budget alerts to a Slack channel.
// Optional: when the token or channel is unconfigured, the pipeline runs
// silently.
type Notifier struct {
	api       *slack.Client
	channelID string
}

func NewNotifier(cfg Config) *Notifier {
	if cfg.SlackBotToken == "" || cfg.NotifyChannelID == "" {
		log.Println("Cycle notifications disabled (slack_bot_token / notify_channel_id not set)")
		return nil
	}
	return &Notifier{
		api:       slack.New(cfg.SlackBotToken),
		channelID: cfg.NotifyChannelID,
	}
}

func (n *Notifier) PostCycleSummary(snap StatsSnapshot, fetched, persisted, stale int, tokens int64, modelAllowed bool) {
	msg := FormatCycleSummary(snap, fetched, persisted, stale, tokens, modelAllowed)
	_, _, err := n.api.PostMessage(n.channelID, slack.MsgOptionText(msg, false))
	if err != nil {
		log.Printf("notify post error: %v", err)
	}
}

// FormatCycleSummary renders one cycle's outcome for humans.
func FormatCycleSummary(snap StatsSnapshot, fetched, persisted, stale int, tokens int64, modelAllowed bool) string {
	var parts []string
	parts = append(parts, fmt.Sprintf("%d analyzed", fetched))
	parts = append(parts, fmt.Sprintf("%d scored", persisted))
	if stale > 0 {
		parts = append(parts, fmt.Sprintf("%d went stale", stale))
	}
	if tokens > 0 {
		parts = append(parts, fmt.Sprintf("%d tokens", tokens))
	}

	msg := "Analysis cycle complete: " + strings.Join(parts, ", ") +
		fmt.Sprintf(" (%d items, %d tokens today)", snap.ItemsProcessedToday, snap.TokensUsedToday)
	if !modelAllowed {
		msg += "\nDaily token budget reached, running heuristics only until tomorrow."
	}
	if snap.LastError != "" {
		msg += fmt.Sprintf("\nWarning: %s", snap.LastError)
	}
	return msg
}
