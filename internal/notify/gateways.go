package notify

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Log only logs what would have been sent. Used when mail is disabled.
type Log struct {
	logger *slog.Logger
}

func NewLog(logger *slog.Logger) *Log {
	return &Log{logger: logger.With("component", "mail")}
}

func (l *Log) Send(ctx context.Context, recipients []string, template string, args map[string]string) error {
	if len(recipients) == 0 {
		return nil
	}
	if _, err := Render(template, args); err != nil {
		return err
	}
	l.logger.Info("email suppressed", "template", template, "recipients", len(recipients))
	return nil
}

// Sent is one captured call to a Recorder
type Sent struct {
	Recipients []string
	Template   string
	Args       map[string]string
}

// Recorder keeps every message in memory. Tests use it to assert on notifications.
type Recorder struct {
	mu   sync.Mutex
	sent []Sent
}

func (r *Recorder) Send(ctx context.Context, recipients []string, template string, args map[string]string) error {
	if len(recipients) == 0 {
		return nil
	}
	if _, err := Render(template, args); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, Sent{
		Recipients: append([]string(nil), recipients...),
		Template:   template,
		Args:       args,
	})
	return nil
}

// Sent returns a copy of everything recorded so far
func (r *Recorder) Sent() []Sent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Sent(nil), r.sent...)
}

// ByTemplate returns the recorded messages for one template
func (r *Recorder) ByTemplate(template string) []Sent {
	var out []Sent
	for _, s := range r.Sent() {
		if s.Template == template {
			out = append(out, s)
		}
	}
	return out
}

// Async makes a gateway fire-and-forget. Each send runs on its own goroutine with a
// detached timeout; failures are logged and otherwise dropped.
type Async struct {
	next    Gateway
	logger  *slog.Logger
	timeout time.Duration
	wg      sync.WaitGroup
}

func NewAsync(next Gateway, logger *slog.Logger) *Async {
	return &Async{next: next, logger: logger.With("component", "mail"), timeout: 30 * time.Second}
}

func (a *Async) Send(_ context.Context, recipients []string, template string, args map[string]string) error {
	if len(recipients) == 0 {
		return nil
	}
	recipients = append([]string(nil), recipients...)
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), a.timeout)
		defer cancel()
		if err := a.next.Send(ctx, recipients, template, args); err != nil {
			a.logger.Error("email delivery failed", "template", template, "recipients", len(recipients), "error", err)
		}
	}()
	return nil
}

// Wait blocks until in-flight sends finish. Called on shutdown.
func (a *Async) Wait() {
	a.wg.Wait()
}
