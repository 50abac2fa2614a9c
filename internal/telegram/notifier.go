// Package telegram posts a summary to a chat whenever a flow finishes.
package telegram

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/mtzanidakis/swarmflow/internal/config"
	"github.com/mtzanidakis/swarmflow/internal/models"
	"github.com/mtzanidakis/swarmflow/internal/store"
	"github.com/mtzanidakis/swarmflow/internal/swarm"
	"github.com/mymmrac/telego"
	tu "github.com/mymmrac/telego/telegoutil"
)

// Sender is the part of the bot API the notifier needs. *telego.Bot
// satisfies it.
type Sender interface {
	SendMessage(ctx context.Context, params *telego.SendMessageParams) (*telego.Message, error)
}

type Notifier struct {
	sender  Sender
	store   *store.Store
	chatID  int64
	pending chan string
}

// NewBot connects to the Bot API with the configured token.
func NewBot(cfg config.TelegramConfig, s *store.Store) (*Notifier, error) {
	if cfg.Token == "" || cfg.ChatID == 0 {
		return nil, fmt.Errorf("telegram token and chat_id are required")
	}
	bot, err := telego.NewBot(cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("create telegram bot: %w", err)
	}
	return New(bot, s, cfg.ChatID), nil
}

func New(sender Sender, s *store.Store, chatID int64) *Notifier {
	return &Notifier{
		sender:  sender,
		store:   s,
		chatID:  chatID,
		pending: make(chan string, 32),
	}
}

// Watch queues a summary for every flow that completes or fails. The
// returned function stops watching.
func (n *Notifier) Watch(orch *swarm.Orchestrator) func() {
	return orch.Subscribe(func(e swarm.Event) {
		if e.Type != swarm.EventFlowStatus {
			return
		}
		status, _ := e.Data["status"].(models.FlowStatus)
		if status != models.FlowCompleted && status != models.FlowFailed {
			return
		}
		text, err := n.summarize(e.FlowID)
		if err != nil {
			slog.Warn("flow summary failed", "flow", e.FlowID, "error", err)
			return
		}
		select {
		case n.pending <- text:
		default:
			slog.Warn("telegram queue full, dropping notification", "flow", e.FlowID)
		}
	})
}

// Run delivers queued notifications until ctx is cancelled.
func (n *Notifier) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case text := <-n.pending:
			if err := n.Send(ctx, text); err != nil {
				slog.Error("failed to send telegram message", "chat", n.chatID, "error", err)
			}
		}
	}
}

func (n *Notifier) Send(ctx context.Context, text string) error {
	for _, chunk := range chunkMessage(text, maxMessageLen) {
		if _, err := n.sender.SendMessage(ctx, tu.Message(tu.ID(n.chatID), chunk)); err != nil {
			return fmt.Errorf("send message: %w", err)
		}
	}
	return nil
}

func (n *Notifier) summarize(flowID string) (string, error) {
	f, err := n.store.GetFlow(flowID)
	if err != nil {
		return "", err
	}
	if f == nil {
		return "", fmt.Errorf("flow %s not found", flowID)
	}

	var done, failed int
	for _, t := range f.Tasks {
		switch t.Status {
		case models.TaskCompleted:
			done++
		case models.TaskFailed:
			failed++
		}
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Flow %s: %s\n", f.Status, f.MacroGoal)
	fmt.Fprintf(&sb, "%d/%d tasks completed", done, len(f.Tasks))
	if failed > 0 {
		fmt.Fprintf(&sb, ", %d failed", failed)
	}
	sb.WriteString("\n")
	for _, t := range f.Tasks {
		if t.Status == models.TaskFailed {
			fmt.Fprintf(&sb, "\n%s failed: %s\n", t.Title, firstLine(t.Result))
		}
	}
	return sb.String(), nil
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
