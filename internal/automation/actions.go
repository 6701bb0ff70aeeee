package automation

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/hpungsan/counsel/internal/logging"
)

// Action performs one step. A returned error fails the attempt; so does a
// result with Success false.
type Action func(ctx context.Context, params map[string]any) (StepResult, error)

// Simulator provides the built-in actions. Nothing touches a real desktop:
// every action sleeps for a nominal duration scaled by Pace and reports
// what it would have done. Outgoing and incoming messages are kept in a
// history so monitor_messages and generate_reply behave plausibly.
type Simulator struct {
	// Pace scales action latencies; 0 makes every action instant.
	Pace   float64
	Logger *slog.Logger

	// Now is injectable for tests.
	Now func() time.Time

	mu      sync.Mutex
	history []map[string]any
}

// NewSimulator returns a simulator running at real-time pace.
func NewSimulator(logger *slog.Logger) *Simulator {
	return &Simulator{Pace: 1, Logger: logger}
}

// Actions returns the action table keyed by action name.
func (s *Simulator) Actions() map[string]Action {
	return map[string]Action{
		"open_application": s.openApplication,
		"search_contact":   s.searchContact,
		"send_message":     s.sendMessage,
		"monitor_messages": s.monitorMessages,
		"generate_reply":   s.generateReply,
		"take_screenshot":  s.takeScreenshot,
		"click_element":    s.clickElement,
		"type_text":        s.typeText,
		"wait":             s.wait,
		"find_element":     s.findElement,
	}
}

// History returns a copy of the simulated message history.
func (s *Simulator) History() []map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]map[string]any, len(s.history))
	copy(out, s.history)
	return out
}

func (s *Simulator) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

func (s *Simulator) log() *slog.Logger { return logging.OrDefault(s.Logger) }

// sleep waits d scaled by Pace, or until ctx is done.
func (s *Simulator) sleep(ctx context.Context, d time.Duration) error {
	d = time.Duration(float64(d) * s.Pace)
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (s *Simulator) record(m map[string]any) map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	m["id"] = len(s.history) + 1
	s.history = append(s.history, m)
	return m
}

func (s *Simulator) openApplication(ctx context.Context, p map[string]any) (StepResult, error) {
	app := stringParam(p, "app_name", "WeChat")
	s.log().Info("opening application", "app", app)
	if err := s.sleep(ctx, time.Second); err != nil {
		return StepResult{}, err
	}
	return StepResult{
		Success: true,
		Data: map[string]any{
			"app_name":     app,
			"process_id":   12345,
			"window_title": app + " - Main Window",
		},
		Message: "Successfully opened " + app,
	}, nil
}

func (s *Simulator) searchContact(ctx context.Context, p map[string]any) (StepResult, error) {
	name := stringParam(p, "contact_name", "")
	if name == "" {
		return StepResult{Success: false, Error: "contact_name is required"}, nil
	}
	if err := s.sleep(ctx, 500*time.Millisecond); err != nil {
		return StepResult{}, err
	}
	return StepResult{
		Success: true,
		Data:    map[string]any{"contact_name": name, "found": true},
		Message: "Found contact " + name,
	}, nil
}

func (s *Simulator) sendMessage(ctx context.Context, p map[string]any) (StepResult, error) {
	msg := stringParam(p, "message", "")
	if msg == "" {
		return StepResult{Success: false, Error: "message is required"}, nil
	}
	s.log().Info("sending message", "preview", preview(msg, 50))
	if err := s.sleep(ctx, 300*time.Millisecond); err != nil {
		return StepResult{}, err
	}
	data := s.record(map[string]any{
		"message":      msg,
		"contact_name": stringParam(p, "contact_name", ""),
		"direction":    "outgoing",
		"timestamp":    s.now().Format(time.RFC3339),
		"status":       "sent",
	})
	return StepResult{Success: true, Data: data, Message: "Message sent successfully"}, nil
}

// monitorMessages reports a simulated incoming message whenever the
// history length is a multiple of three, otherwise it waits out the
// timeout and reports nothing.
func (s *Simulator) monitorMessages(ctx context.Context, p map[string]any) (StepResult, error) {
	timeout := floatParam(p, "timeout", 60)
	s.mu.Lock()
	incoming := len(s.history)%3 == 0
	s.mu.Unlock()

	if incoming {
		data := s.record(map[string]any{
			"message":      "Hello! This is a simulated incoming message at " + s.now().Format("15:04:05"),
			"contact_name": "Test User",
			"direction":    "incoming",
			"timestamp":    s.now().Format(time.RFC3339),
			"status":       "received",
		})
		return StepResult{Success: true, Data: data, Message: "New message received"}, nil
	}

	if err := s.sleep(ctx, time.Duration(timeout*float64(time.Second))); err != nil {
		return StepResult{}, err
	}
	return StepResult{Success: true, Message: "No messages received within timeout"}, nil
}

var replyTemplates = []string{
	"Thanks for your message!",
	"I received your message and will respond soon.",
	"Hello! How can I help you?",
	"Thanks for reaching out!",
	"I'm currently away but will get back to you soon.",
}

func (s *Simulator) generateReply(ctx context.Context, p map[string]any) (StepResult, error) {
	msg := stringParam(p, "message", "")
	if err := s.sleep(ctx, 500*time.Millisecond); err != nil {
		return StepResult{}, err
	}

	lower := strings.ToLower(msg)
	words := strings.FieldsFunc(lower, func(r rune) bool { return !('a' <= r && r <= 'z') })
	var reply string
	switch {
	case strings.Contains(lower, "hello") || containsWord(words, "hi"):
		reply = "Hello! How can I help you today?"
	case strings.Contains(lower, "thanks") || strings.Contains(lower, "thank you"):
		reply = "You're welcome!"
	case strings.Contains(lower, "help"):
		reply = "I'm here to help! What do you need assistance with?"
	case strings.Contains(lower, "bye") || strings.Contains(lower, "goodbye"):
		reply = "Goodbye! Have a great day!"
	default:
		s.mu.Lock()
		reply = replyTemplates[len(s.history)%len(replyTemplates)]
		s.mu.Unlock()
	}

	return StepResult{
		Success: true,
		Data: map[string]any{
			"original_message": msg,
			"reply_message":    reply,
			"generated_at":     s.now().Format(time.RFC3339),
		},
		Message: "Reply generated successfully",
	}, nil
}

func (s *Simulator) takeScreenshot(ctx context.Context, _ map[string]any) (StepResult, error) {
	if err := s.sleep(ctx, 200*time.Millisecond); err != nil {
		return StepResult{}, err
	}
	ts := s.now()
	return StepResult{
		Success: true,
		Data: map[string]any{
			"filename":  fmt.Sprintf("screenshot_%s.png", ts.Format("20060102_150405")),
			"width":     1920,
			"height":    1080,
			"timestamp": ts.Format(time.RFC3339),
		},
		Message: "Screenshot taken successfully",
	}, nil
}

func (s *Simulator) clickElement(ctx context.Context, p map[string]any) (StepResult, error) {
	x, okX := p["x"]
	y, okY := p["y"]
	if !okX || !okY {
		return StepResult{Success: false, Error: "x and y are required"}, nil
	}
	if err := s.sleep(ctx, 100*time.Millisecond); err != nil {
		return StepResult{}, err
	}
	return StepResult{
		Success: true,
		Data:    map[string]any{"x": x, "y": y, "button": stringParam(p, "button", "left")},
		Message: "Clicked element",
	}, nil
}

func (s *Simulator) typeText(ctx context.Context, p map[string]any) (StepResult, error) {
	text := stringParam(p, "text", "")
	delay := floatParam(p, "delay", 0.1)
	if err := s.sleep(ctx, time.Duration(float64(len([]rune(text)))*delay*float64(time.Second))); err != nil {
		return StepResult{}, err
	}
	return StepResult{
		Success: true,
		Data:    map[string]any{"text": text, "length": len([]rune(text))},
		Message: "Text typed successfully",
	}, nil
}

func (s *Simulator) wait(ctx context.Context, p map[string]any) (StepResult, error) {
	secs := floatParam(p, "seconds", 1)
	if err := s.sleep(ctx, time.Duration(secs*float64(time.Second))); err != nil {
		return StepResult{}, err
	}
	return StepResult{
		Success: true,
		Data:    map[string]any{"waited_seconds": secs},
		Message: fmt.Sprintf("Waited %g seconds", secs),
	}, nil
}

func (s *Simulator) findElement(ctx context.Context, p map[string]any) (StepResult, error) {
	selector := stringParam(p, "selector", "")
	if selector == "" {
		return StepResult{Success: false, Error: "selector is required"}, nil
	}
	if err := s.sleep(ctx, 200*time.Millisecond); err != nil {
		return StepResult{}, err
	}
	return StepResult{
		Success: true,
		Data: map[string]any{
			"selector": selector,
			"found":    true,
			"x":        100,
			"y":        200,
			"width":    50,
			"height":   30,
		},
		Message: "Element found",
	}, nil
}

// ActionNames returns the names in actions, sorted.
func ActionNames(actions map[string]Action) []string {
	names := make([]string, 0, len(actions))
	for n := range actions {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

func stringParam(p map[string]any, key, def string) string {
	v, ok := p[key]
	if !ok || v == nil {
		return def
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}

func floatParam(p map[string]any, key string, def float64) float64 {
	switch v := p[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	case int64:
		return float64(v)
	case string:
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func containsWord(words []string, w string) bool {
	for _, x := range words {
		if x == w {
			return true
		}
	}
	return false
}

func preview(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
