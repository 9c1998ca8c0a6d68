package telegram

import (
	"context"
	"fmt"

	"github.com/dustin/go-humanize"

	"agentrouter/internal/domain/collaboration"
	"agentrouter/internal/metrics"
	"agentrouter/pkg/errors"
	"agentrouter/pkg/logger"
	"agentrouter/pkg/templates"
)

const verdictTemplate = "notifications/verdict"

type verdictData struct {
	SessionID  string
	Status     string
	Symbols    []string
	Strategy   string
	Direction  string
	Confidence string
	Consensus  string
	Reason     string
	Spent      string
}

// Notifier posts each finished session's verdict to the configured chats
type Notifier struct {
	sender    Sender
	chatIDs   []int64
	templates *templates.Registry
	log       *logger.Logger
}

// NewNotifier creates a notifier. A nil registry uses the embedded templates.
func NewNotifier(sender Sender, chatIDs []int64, reg *templates.Registry, log *logger.Logger) *Notifier {
	if reg == nil {
		reg = templates.Get()
	}
	if log == nil {
		log = logger.Get()
	}
	return &Notifier{
		sender:    sender,
		chatIDs:   chatIDs,
		templates: reg,
		log:       log.With("component", "telegram_notifier"),
	}
}

// NotifySession renders the verdict and sends it to every chat.
// One chat failing does not stop delivery to the others.
func (n *Notifier) NotifySession(ctx context.Context, s *collaboration.Session) error {
	tmpl, err := n.templates.GetTemplate(verdictTemplate)
	if err != nil {
		return errors.Wrap(err, "load verdict template")
	}
	text, err := tmpl.Render(newVerdictData(s))
	if err != nil {
		return err
	}

	var errs []error
	for _, chatID := range n.chatIDs {
		err := n.sender.SendMessageWithContext(ctx, chatID, text)
		metrics.RecordNotification("telegram", err)
		if err != nil {
			errs = append(errs, errors.Wrapf(err, "chat %d", chatID))
		}
	}
	if len(errs) > 0 {
		n.log.Warnw("Verdict notification partly failed", "session_id", s.ID, "failed_chats", len(errs))
	}
	return errors.Join(errs...)
}

// newVerdictData escapes every field, since model output and ids carry MarkdownV2 reserved characters
func newVerdictData(s *collaboration.Session) verdictData {
	esc := templates.SafeTextV2

	symbols := make([]string, len(s.Symbols))
	for i, sym := range s.Symbols {
		symbols[i] = esc(sym)
	}

	d := verdictData{
		SessionID: esc(s.ID),
		Status:    esc(string(s.Status)),
		Symbols:   symbols,
		Strategy:  esc(string(s.Strategy)),
		Reason:    esc(s.FailureReason),
		Spent:     esc("$" + humanize.FormatFloat("#,###.####", s.Spent.InexactFloat64())),
	}
	if o := s.FinalOutcome; o != nil {
		d.Direction = esc(string(o.Direction))
		d.Confidence = esc(fmt.Sprintf("%.0f%%", o.Confidence*100))
		if s.ConsensusScore != nil {
			d.Consensus = esc(fmt.Sprintf("%.0f%%", *s.ConsensusScore*100))
		}
	}
	return d
}
