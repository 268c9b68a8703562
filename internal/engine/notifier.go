package engine

import (
	"context"
	"fmt"
	"strconv"
	"sync"

	"github.com/google/cel-go/cel"
	"github.com/osteele/liquid"

	"github.com/ignite/repricer/internal/domain"
	"github.com/ignite/repricer/internal/pkg/logger"
)

const (
	defaultResultTemplate  = `Rule {{ rule.name }}: {{ result.outcome }} for {{ result.asin }} ({{ result.old_price | money }} -> {{ result.new_price | money }}). {{ result.reason }}`
	defaultSessionTemplate = `Rule {{ rule.name }} session {{ session.id }} {{ session.status }}: {{ session.successful_updates }} updated, {{ session.failed_updates }} failed, {{ session.skipped_updates }} skipped.`
	defaultSubject         = `[repricer] {{ rule.name }} {{ event }}`
)

// Notifier renders rule notification specs with liquid templates, gates
// them with CEL expressions and hands them to the sender for their channel.
type Notifier struct {
	engine  *liquid.Engine
	env     *cel.Env
	senders map[domain.NotificationChannel]NotificationSender
	log     *logger.Logger

	mu        sync.RWMutex
	templates map[string]*liquid.Template
	programs  map[string]cel.Program
}

// NewNotifier creates a notifier with the money and pct filters.
func NewNotifier() (*Notifier, error) {
	env, err := cel.NewEnv(
		cel.Variable("event", cel.StringType),
		cel.Variable("rule", cel.DynType),
		cel.Variable("result", cel.DynType),
		cel.Variable("session", cel.DynType),
	)
	if err != nil {
		return nil, fmt.Errorf("cel env: %w", err)
	}

	engine := liquid.NewEngine()
	engine.RegisterFilter("money", func(v interface{}) string {
		return fmt.Sprintf("$%.2f", toFloat(v))
	})
	engine.RegisterFilter("pct", func(v interface{}) string {
		return fmt.Sprintf("%.2f%%", toFloat(v))
	})

	return &Notifier{
		engine:    engine,
		env:       env,
		senders:   make(map[domain.NotificationChannel]NotificationSender),
		log:       logger.With("component", "notifier"),
		templates: make(map[string]*liquid.Template),
		programs:  make(map[string]cel.Program),
	}, nil
}

// Register sets the sender for a channel.
func (n *Notifier) Register(ch domain.NotificationChannel, s NotificationSender) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.senders[ch] = s
}

// Validate compiles a spec's template, subject and condition.
func (n *Notifier) Validate(spec domain.NotificationSpec) error {
	if spec.Template != "" {
		if _, err := n.template(spec.Template); err != nil {
			return fmt.Errorf("template: %w", err)
		}
	}
	if spec.Subject != "" {
		if _, err := n.template(spec.Subject); err != nil {
			return fmt.Errorf("subject: %w", err)
		}
	}
	if spec.When != "" {
		if _, err := n.program(spec.When); err != nil {
			return fmt.Errorf("when: %w", err)
		}
	}
	return nil
}

// NotifyResult sends the rule's notifications subscribed to the result's
// outcome.
func (n *Notifier) NotifyResult(ctx context.Context, rule *domain.RepricingRule, res domain.ExecutionResult) {
	ev := domain.NotifyOn(res.Outcome)
	vars := map[string]interface{}{
		"event":   string(ev),
		"rule":    toMap(rule),
		"result":  toMap(res),
		"session": map[string]interface{}{},
	}
	n.dispatch(ctx, rule, ev, vars, defaultResultTemplate)
}

// NotifySession sends SESSION_COMPLETED notifications.
func (n *Notifier) NotifySession(ctx context.Context, rule *domain.RepricingRule, s *domain.RepricingSession) {
	ev := domain.NotifyOnSessionCompleted
	vars := map[string]interface{}{
		"event":   string(ev),
		"rule":    toMap(rule),
		"result":  map[string]interface{}{},
		"session": toMap(s),
	}
	n.dispatch(ctx, rule, ev, vars, defaultSessionTemplate)
}

func (n *Notifier) dispatch(ctx context.Context, rule *domain.RepricingRule, ev domain.NotifyOn, vars map[string]interface{}, fallback string) {
	for i, spec := range rule.Actions.Notifications {
		if !spec.Subscribed(ev) {
			continue
		}
		if spec.When != "" {
			ok, err := n.eval(spec.When, vars)
			if err != nil {
				n.log.Warn("notification condition failed", "rule_id", rule.ID, "index", i, "error", err)
				continue
			}
			if !ok {
				continue
			}
		}

		body, err := n.render(spec.Template, fallback, vars)
		if err != nil {
			n.log.Warn("notification render failed", "rule_id", rule.ID, "index", i, "error", err)
			continue
		}
		subject, err := n.render(spec.Subject, defaultSubject, vars)
		if err != nil {
			subject = fmt.Sprintf("[repricer] %s %s", rule.Name, ev)
		}

		n.mu.RLock()
		sender, ok := n.senders[spec.Channel]
		n.mu.RUnlock()
		if !ok {
			n.log.Info("notification", "channel", spec.Channel, "rule_id", rule.ID, "subject", subject, "body", body)
			continue
		}
		if err := sender.Send(ctx, spec, subject, body); err != nil {
			n.log.Error("notification send failed", "channel", spec.Channel, "rule_id", rule.ID, "error", err)
		}
	}
}

func (n *Notifier) render(src, fallback string, vars map[string]interface{}) (string, error) {
	if src == "" {
		src = fallback
	}
	tpl, err := n.template(src)
	if err != nil {
		return "", err
	}
	return tpl.RenderString(vars)
}

func (n *Notifier) template(src string) (*liquid.Template, error) {
	n.mu.RLock()
	tpl, ok := n.templates[src]
	n.mu.RUnlock()
	if ok {
		return tpl, nil
	}
	tpl, err := n.engine.ParseString(src)
	if err != nil {
		return nil, err
	}
	n.mu.Lock()
	n.templates[src] = tpl
	n.mu.Unlock()
	return tpl, nil
}

func (n *Notifier) program(expr string) (cel.Program, error) {
	n.mu.RLock()
	prg, ok := n.programs[expr]
	n.mu.RUnlock()
	if ok {
		return prg, nil
	}
	ast, issues := n.env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, issues.Err()
	}
	prg, err := n.env.Program(ast)
	if err != nil {
		return nil, err
	}
	n.mu.Lock()
	n.programs[expr] = prg
	n.mu.Unlock()
	return prg, nil
}

func (n *Notifier) eval(expr string, vars map[string]interface{}) (bool, error) {
	prg, err := n.program(expr)
	if err != nil {
		return false, err
	}
	out, _, err := prg.Eval(vars)
	if err != nil {
		return false, err
	}
	b, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("expression %q returned %T, want bool", expr, out.Value())
	}
	return b, nil
}

func toFloat(v interface{}) float64 {
	switch x := v.(type) {
	case float64:
		return x
	case float32:
		return float64(x)
	case int:
		return float64(x)
	case int64:
		return float64(x)
	case string:
		f, _ := strconv.ParseFloat(x, 64)
		return f
	}
	return 0
}
