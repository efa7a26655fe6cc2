package alert

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"gopkg.in/gomail.v2"

	"github.com/Capmap-core-v1/server/internal/agent/model"
	"github.com/Capmap-core-v1/server/internal/metrics"
	logx "github.com/Capmap-core-v1/server/pkg/logger"
)

const Subject = "⚠️ Error Report from Capmap!"

type Config struct {
	User      string `envconfig:"EMAIL_USER"`
	Receivers string `envconfig:"EMAIL_RECEIVER"`
	Password  string `envconfig:"EMAIL_PASSWORD"`
	Host      string `envconfig:"EMAIL_HOST" default:"smtp.gmail.com"`
	Port      int    `envconfig:"EMAIL_PORT" default:"587"`
	QueueSize int    `envconfig:"ALERT_QUEUE_SIZE" default:"64"`
}

// Missing names the required settings that are empty.
func (c Config) Missing() []string {
	var missing []string
	if c.User == "" {
		missing = append(missing, "EMAIL_USER")
	}
	if len(c.ReceiverList()) == 0 {
		missing = append(missing, "EMAIL_RECEIVER")
	}
	if c.Password == "" {
		missing = append(missing, "EMAIL_PASSWORD")
	}
	return missing
}

// ReceiverList splits the comma separated receiver setting.
func (c Config) ReceiverList() []string {
	var out []string
	for _, r := range strings.Split(c.Receivers, ",") {
		if r = strings.TrimSpace(r); r != "" {
			out = append(out, r)
		}
	}
	return out
}

// Sender delivers one composed message.
type Sender interface {
	Send(m *gomail.Message) error
}

type dialerSender struct {
	dialer *gomail.Dialer
}

func (d dialerSender) Send(m *gomail.Message) error {
	return d.dialer.DialAndSend(m)
}

// Mailer queues alerts and e-mails them from a single background worker.
// Notify never blocks: when the queue is full the alert is dropped.
type Mailer struct {
	cfg         Config
	environment string
	sender      Sender
	metrics     *metrics.Metrics

	queue     chan model.Alert
	done      chan struct{}
	closeOnce sync.Once
}

// New returns a Mailer, or a no-op alerter when the e-mail settings are incomplete.
func New(cfg Config, environment string, m *metrics.Metrics) model.Alerter {
	if missing := cfg.Missing(); len(missing) > 0 {
		logx.Warn().Strs("missing", missing).Msg("Email configuration missing; error notifications disabled")
		return model.NopAlerter{}
	}
	return NewWithSender(cfg, environment, dialerSender{dialer: gomail.NewDialer(cfg.Host, cfg.Port, cfg.User, cfg.Password)}, m)
}

// NewWithSender starts a Mailer on top of an arbitrary Sender.
func NewWithSender(cfg Config, environment string, sender Sender, m *metrics.Metrics) *Mailer {
	size := cfg.QueueSize
	if size <= 0 {
		size = 64
	}
	ml := &Mailer{
		cfg:         cfg,
		environment: environment,
		sender:      sender,
		metrics:     m,
		queue:       make(chan model.Alert, size),
		done:        make(chan struct{}),
	}
	go ml.run()
	return ml
}

func (ml *Mailer) Notify(a model.Alert) {
	defer func() {
		// Notify after Close must not panic the request path.
		if r := recover(); r != nil {
			ml.metrics.ObserveAlert("dropped")
		}
	}()

	select {
	case ml.queue <- a:
	default:
		ml.metrics.ObserveAlert("dropped")
		logx.Warn().Str("source", a.Source).Msg("Alert queue full; dropping error notification")
	}
}

// Close stops accepting alerts and waits for queued ones to be sent.
func (ml *Mailer) Close() {
	ml.closeOnce.Do(func() {
		close(ml.queue)
		<-ml.done
	})
}

func (ml *Mailer) run() {
	defer close(ml.done)
	for a := range ml.queue {
		ml.send(a)
	}
}

func (ml *Mailer) send(a model.Alert) {
	defer func() {
		if r := recover(); r != nil {
			ml.metrics.ObserveAlert("failed")
			logx.Error().Str("source", a.Source).Msgf("panic while sending alert: %v", r)
		}
	}()

	receivers := ml.cfg.ReceiverList()
	m := gomail.NewMessage()
	m.SetHeader("From", ml.cfg.User)
	m.SetHeader("To", receivers...)
	m.SetHeader("Subject", Subject)
	m.SetBody("text/plain", Body(a, ml.environment))

	if err := ml.sender.Send(m); err != nil {
		ml.metrics.ObserveAlert("failed")
		logx.Error().Err(err).Str("source", a.Source).Msg("Failed to send error notification email")
		return
	}
	ml.metrics.ObserveAlert("sent")
	logx.Info().Str("source", a.Source).Strs("receivers", receivers).Msg("Error notification email sent")
}

// Body renders the plain text e-mail for an alert.
func Body(a model.Alert, environment string) string {
	var b strings.Builder
	b.WriteString("An error occurred in the application.\n\n")
	b.WriteString("🔴 Error:\n")
	if a.Err != nil {
		b.WriteString(a.Err.Error())
	} else {
		b.WriteString("unknown error")
	}
	b.WriteString("\n\n")

	ctx := map[string]string{"source": a.Source}
	if a.SessionID != "" {
		ctx["session_id"] = a.SessionID
	}
	if a.Input != "" {
		ctx["input"] = a.Input
	}
	for k, v := range a.Details {
		ctx[k] = v
	}
	keys := make([]string, 0, len(ctx))
	for k := range ctx {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	b.WriteString("📋 Context:\n")
	for _, k := range keys {
		fmt.Fprintf(&b, "- %s: %s\n", k, ctx[k])
	}
	b.WriteString("\n")
	fmt.Fprintf(&b, "Environment: %s\n", environment)
	return b.String()
}
