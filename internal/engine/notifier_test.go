package engine

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ignite/repricer/internal/domain"
)

type sentMessage struct {
	spec    domain.NotificationSpec
	subject string
	body    string
}

type captureSender struct {
	mu   sync.Mutex
	sent []sentMessage
	err  error
}

func (c *captureSender) Send(_ context.Context, spec domain.NotificationSpec, subject, body string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, sentMessage{spec: spec, subject: subject, body: body})
	return c.err
}

func (c *captureSender) messages() []sentMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]sentMessage(nil), c.sent...)
}

func newTestNotifier(t *testing.T) (*Notifier, *captureSender) {
	t.Helper()
	n, err := NewNotifier()
	require.NoError(t, err)
	s := &captureSender{}
	n.Register(domain.ChannelWebhook, s)
	return n, s
}

func successResult() domain.ExecutionResult {
	return domain.ExecutionResult{
		ProductID: "p1",
		ASIN:      "B0p1",
		Outcome:   domain.OutcomeSuccess,
		OldPrice:  20,
		NewPrice:  19,
		Reason:    "price updated",
	}
}

func TestNotifier_RendersAndGates(t *testing.T) {
	n, sender := newTestNotifier(t)
	rule := testRule("r1")
	rule.Actions.Notifications = []domain.NotificationSpec{{
		Channel:  domain.ChannelWebhook,
		On:       []domain.NotifyOn{domain.NotifyOnSuccess},
		Subject:  "Price {{ event }}",
		Template: "{{ result.asin }} moved to {{ result.new_price | money }}",
		When:     "result.new_price < 20.0",
	}}
	ctx := context.Background()

	n.NotifyResult(ctx, rule, successResult())
	msgs := sender.messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "B0p1 moved to $19.00", msgs[0].body)
	assert.Equal(t, "Price SUCCESS", msgs[0].subject)

	up := successResult()
	up.NewPrice = 21
	n.NotifyResult(ctx, rule, up)
	assert.Len(t, sender.messages(), 1, "when-expression filters the rise")

	failed := successResult()
	failed.Outcome = domain.OutcomeFailed
	n.NotifyResult(ctx, rule, failed)
	assert.Len(t, sender.messages(), 1, "FAILED is not subscribed")
}

func TestNotifier_DefaultTemplates(t *testing.T) {
	n, sender := newTestNotifier(t)
	rule := testRule("r1")
	rule.Actions.Notifications = []domain.NotificationSpec{{
		Channel: domain.ChannelWebhook,
		On:      []domain.NotifyOn{domain.NotifyOnSkipped, domain.NotifyOnSessionCompleted},
	}}
	ctx := context.Background()

	skipped := successResult()
	skipped.Outcome = domain.OutcomeSkipped
	skipped.NewPrice = 20
	skipped.Reason = "no price change"
	n.NotifyResult(ctx, rule, skipped)

	s := &domain.RepricingSession{ID: "s-1", RuleID: "r1", Status: domain.SessionCompleted, SkippedUpdates: 1}
	n.NotifySession(ctx, rule, s)

	msgs := sender.messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, "Rule rule r1: SKIPPED for B0p1 ($20.00 -> $20.00). no price change", msgs[0].body)
	assert.Equal(t, "[repricer] rule r1 SKIPPED", msgs[0].subject)
	assert.Contains(t, msgs[1].body, "session s-1 COMPLETED")
	assert.Equal(t, "[repricer] rule r1 SESSION_COMPLETED", msgs[1].subject)
}

func TestNotifier_Validate(t *testing.T) {
	n, _ := newTestNotifier(t)
	assert.NoError(t, n.Validate(domain.NotificationSpec{
		Template: "{{ result.new_price | pct }}",
		When:     `event == "SUCCESS" && result.new_price > 1.0`,
	}))
	assert.Error(t, n.Validate(domain.NotificationSpec{Template: "{% if x %}unterminated"}))
	assert.Error(t, n.Validate(domain.NotificationSpec{Template: "ok", When: "result.new_price <"}))
	assert.Error(t, n.Validate(domain.NotificationSpec{Template: "ok", When: "unknown_var == 1"}))
}

func TestNotifier_NonBooleanConditionIsSkipped(t *testing.T) {
	n, sender := newTestNotifier(t)
	rule := testRule("r1")
	rule.Actions.Notifications = []domain.NotificationSpec{{
		Channel:  domain.ChannelWebhook,
		On:       []domain.NotifyOn{domain.NotifyOnSuccess},
		Template: "x",
		When:     "result.new_price",
	}}
	n.NotifyResult(context.Background(), rule, successResult())
	assert.Empty(t, sender.messages())
}

func TestNotifier_SenderErrorsAndMissingSenders(t *testing.T) {
	n, sender := newTestNotifier(t)
	sender.err = errors.New("webhook down")
	rule := testRule("r1")
	rule.Actions.Notifications = []domain.NotificationSpec{
		{Channel: domain.ChannelWebhook, On: []domain.NotifyOn{domain.NotifyOnSuccess}, Template: "a"},
		{Channel: domain.ChannelLog, On: []domain.NotifyOn{domain.NotifyOnSuccess}, Template: "b"},
		{Channel: domain.ChannelWebhook, On: []domain.NotifyOn{domain.NotifyOnSuccess}, Template: "c"},
	}
	n.NotifyResult(context.Background(), rule, successResult())

	msgs := sender.messages()
	require.Len(t, msgs, 2, "a failed send does not stop later notifications")
	assert.Equal(t, "a", msgs[0].body)
	assert.Equal(t, "c", msgs[1].body)
}
