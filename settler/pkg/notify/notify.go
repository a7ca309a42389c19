// Package notify posts operator-facing settlement events to Slack. A nil
// Notifier is safe to call, so wiring stays unconditional and the Slack
// channel is opt-in.
package notify

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/slack-go/slack"
	slackmdgo "github.com/snormore/slackmd/slackgo"

	"github.com/hashfleet/payouts/settler/pkg/ledger"
	"github.com/hashfleet/payouts/settler/pkg/settlement"
)

type Config struct {
	Logger *slog.Logger

	// BotToken and Channel enable posting. Leave either empty to disable.
	BotToken string
	Channel  string
}

type Notifier struct {
	log     *slog.Logger
	api     *slack.Client
	channel string
}

// New returns a Notifier, or nil when Slack is not configured. Methods on a
// nil Notifier are no-ops.
func New(cfg Config) *Notifier {
	if cfg.BotToken == "" || cfg.Channel == "" {
		return nil
	}
	return &Notifier{
		log:     cfg.Logger,
		api:     slack.New(cfg.BotToken),
		channel: cfg.Channel,
	}
}

// WindowFailed reports a settlement window that landed in FAILED and needs an
// operator re-drive.
func (n *Notifier) WindowFailed(ctx context.Context, w *settlement.Window, runErr error) error {
	if n == nil {
		return nil
	}
	text := fmt.Sprintf(
		"*Settlement window failed*\n"+
			"- Account: `%s`\n"+
			"- Coin: `%s`\n"+
			"- Window: `%s` to `%s`\n"+
			"- Window ID: `%s`\n"+
			"- Error: %s\n\n"+
			"Re-drive with `POST /v1/windows/%s/redrive` once the underlying problem is fixed.",
		w.Account, w.Coin,
		w.Start.Format("2006-01-02 15:04"), w.End.Format("2006-01-02 15:04"),
		w.ID, runErr, w.ID)
	return n.post(ctx, text)
}

// ReviewStaged reports a reviewed settlement waiting for an approve or reject
// decision.
func (n *Notifier) ReviewStaged(ctx context.Context, rs *ledger.ReviewSettlement) error {
	if n == nil {
		return nil
	}
	text := fmt.Sprintf(
		"*Settlement staged for review*\n"+
			"- Account: `%s`\n"+
			"- Coin: `%s`\n"+
			"- Window: `%s` to `%s`\n"+
			"- Gross: `%s` / Net: `%s` / Commission: `%s`\n\n"+
			"Approve with `POST /v1/reviews/%s/approve` or reject with `POST /v1/reviews/%s/reject`.",
		rs.Account, rs.Coin,
		rs.WindowStart.Format("2006-01-02"), rs.WindowEnd.Format("2006-01-02"),
		rs.GrossReference, rs.NetReference, rs.CommissionReference,
		rs.ID, rs.ID)
	return n.post(ctx, text)
}

func (n *Notifier) post(ctx context.Context, text string) error {
	_, err := slackmdgo.Post(ctx, n.api, n.channel, text, slackmdgo.WithRetry(nil))
	if err != nil {
		return fmt.Errorf("failed to post to slack: %w", err)
	}
	n.log.Debug("notify: posted to slack", "channel", n.channel)
	return nil
}
