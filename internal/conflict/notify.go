package conflict

import (
	"fmt"
	"strings"

	gomail "gopkg.in/gomail.v2"
)

// Notifier is told about freshly detected conflicts. Implementations must be
// best-effort: the caller logs and discards errors.
type Notifier interface {
	ConflictDetected(r Record) error
}

// MailConfig carries SMTP settings for the mail notifier.
type MailConfig struct {
	Host       string
	Port       int
	Username   string
	Password   string
	From       string
	Recipients []string
	ConsoleURL string // base URL of the operator console, for deep links
}

// MailNotifier mails operators a resolution deep link for every detected
// conflict.
type MailNotifier struct {
	cfg    MailConfig
	signer *TokenSigner
	send   func(*gomail.Message) error
}

func NewMailNotifier(cfg MailConfig, signer *TokenSigner) *MailNotifier {
	dialer := gomail.NewDialer(cfg.Host, cfg.Port, cfg.Username, cfg.Password)
	return &MailNotifier{
		cfg:    cfg,
		signer: signer,
		send: func(m *gomail.Message) error {
			return dialer.DialAndSend(m)
		},
	}
}

func (n *MailNotifier) ConflictDetected(r Record) error {
	if len(n.cfg.Recipients) == 0 {
		return nil
	}
	link := ""
	if n.signer != nil && n.cfg.ConsoleURL != "" {
		token, err := n.signer.Issue(r.ID)
		if err != nil {
			return err
		}
		link = fmt.Sprintf("%s/conflicts/%d?token=%s",
			strings.TrimRight(n.cfg.ConsoleURL, "/"), r.ID, token)
	}

	m := gomail.NewMessage()
	m.SetHeader("From", n.cfg.From)
	m.SetHeader("To", n.cfg.Recipients...)
	m.SetHeader("Subject", fmt.Sprintf("[edgesync] conflict #%d on %s/%d", r.ID, r.Table, r.RecordID))

	var body strings.Builder
	fmt.Fprintf(&body, "A replication conflict needs review.\n\n")
	fmt.Fprintf(&body, "Table:   %s\nRecord:  %d\nReason:  %s\n", r.Table, r.RecordID, r.Payload.Reason)
	fmt.Fprintf(&body, "Between: %s and %s\n", r.Source, r.Target)
	fmt.Fprintf(&body, "Clocks:  %s vs %s\n", r.Payload.SourceClock, r.Payload.TargetClock)
	if link != "" {
		fmt.Fprintf(&body, "\nResolve: %s\n", link)
	}
	m.SetBody("text/plain", body.String())

	if err := n.send(m); err != nil {
		return fmt.Errorf("failed to send conflict mail: %w", err)
	}
	return nil
}
