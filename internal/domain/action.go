package domain

import (
	"fmt"
	"strings"
)

// ActionKind tags the variant held by an ActionSpec.
type ActionKind string

const (
	ActOptimize        ActionKind = "OPTIMIZE"
	ActMatchCompetitor ActionKind = "MATCH_COMPETITOR"
	ActAdjustPercent   ActionKind = "ADJUST_PERCENT"
	ActAdjustAmount    ActionKind = "ADJUST_AMOUNT"
	ActSetPrice        ActionKind = "SET_PRICE"
)

// MatchTarget picks which competitor price MATCH_COMPETITOR follows.
type MatchTarget string

const (
	MatchLowest MatchTarget = "LOWEST"
	MatchBuyBox MatchTarget = "BUY_BOX"
)

// FailureAction runs once when the marketplace update fails.
type FailureAction string

const (
	FailureRetryOnce FailureAction = "RETRY_ONCE"
	FailureRevert    FailureAction = "REVERT"
	FailureNone      FailureAction = "NONE"
)

// ActionSpec is a tagged variant: Kind selects which payload is set.
type ActionSpec struct {
	Kind     ActionKind      `json:"kind"`
	Optimize *OptimizeParams `json:"optimize,omitempty"`
	Match    *MatchParams    `json:"match,omitempty"`
	Adjust   *AdjustParams   `json:"adjust,omitempty"`
	SetPrice *SetPriceParams `json:"set_price,omitempty"`
}

type OptimizeParams struct {
	Goals               BusinessGoals `json:"goals"`
	TargetMarginPercent float64       `json:"target_margin_percent,omitempty"`
}

// MatchParams offsets the followed price; a negative offset beats it.
type MatchParams struct {
	Target        MatchTarget `json:"target"`
	OffsetAmount  float64     `json:"offset_amount,omitempty"`
	OffsetPercent float64     `json:"offset_percent,omitempty"`
}

type AdjustParams struct {
	Percent float64 `json:"percent,omitempty"`
	Amount  float64 `json:"amount,omitempty"`
}

type SetPriceParams struct {
	Price float64 `json:"price"`
}

// SecondaryAction follows a successful primary action.
type SecondaryAction struct {
	Action       ActionSpec     `json:"action"`
	Condition    *ConditionSpec `json:"condition,omitempty"`
	DelayMinutes int            `json:"delay_minutes,omitempty"`
}

// NotificationChannel selects the delivery path of a notification.
type NotificationChannel string

const (
	ChannelLog     NotificationChannel = "LOG"
	ChannelEmail   NotificationChannel = "EMAIL"
	ChannelWebhook NotificationChannel = "WEBHOOK"
)

// NotifyOn lists the events a notification subscribes to.
type NotifyOn string

const (
	NotifyOnSuccess          NotifyOn = "SUCCESS"
	NotifyOnFailed           NotifyOn = "FAILED"
	NotifyOnSkipped          NotifyOn = "SKIPPED"
	NotifyOnSessionCompleted NotifyOn = "SESSION_COMPLETED"
)

// NotificationSpec renders Template (liquid) when one of On happens and the
// optional When expression (CEL) holds.
type NotificationSpec struct {
	Channel    NotificationChannel `json:"channel"`
	Recipients []string            `json:"recipients,omitempty"`
	On         []NotifyOn          `json:"on"`
	Subject    string              `json:"subject,omitempty"`
	Template   string              `json:"template"`
	When       string              `json:"when,omitempty"`
}

// Subscribed reports whether the notification listens to ev.
func (n NotificationSpec) Subscribed(ev NotifyOn) bool {
	for _, o := range n.On {
		if o == ev {
			return true
		}
	}
	return false
}

// RuleActions is what a rule does once it fires.
type RuleActions struct {
	Primary       ActionSpec         `json:"primary"`
	Secondary     []SecondaryAction  `json:"secondary,omitempty"`
	Notifications []NotificationSpec `json:"notifications,omitempty"`
	FailureAction FailureAction      `json:"failure_action,omitempty"`
}

// Validate checks that the payload matches the kind.
func (a ActionSpec) Validate(field string) error {
	switch a.Kind {
	case ActOptimize:
		if a.Optimize != nil {
			if err := a.Optimize.Goals.Validate(field + ".optimize.goals"); err != nil {
				return err
			}
			if a.Optimize.TargetMarginPercent < 0 || a.Optimize.TargetMarginPercent >= 100 {
				return invalid(field+".optimize.target_margin_percent", "must be in [0,100)")
			}
		}
	case ActMatchCompetitor:
		if a.Match == nil {
			return invalid(field+".match", "required for %s", a.Kind)
		}
		if a.Match.Target != MatchLowest && a.Match.Target != MatchBuyBox {
			return invalid(field+".match.target", "must be LOWEST or BUY_BOX")
		}
		if a.Match.OffsetPercent <= -100 {
			return invalid(field+".match.offset_percent", "must be greater than -100")
		}
	case ActAdjustPercent:
		if a.Adjust == nil || a.Adjust.Percent == 0 {
			return invalid(field+".adjust.percent", "required and non-zero for %s", a.Kind)
		}
		if a.Adjust.Percent <= -100 {
			return invalid(field+".adjust.percent", "must be greater than -100")
		}
	case ActAdjustAmount:
		if a.Adjust == nil || a.Adjust.Amount == 0 {
			return invalid(field+".adjust.amount", "required and non-zero for %s", a.Kind)
		}
	case ActSetPrice:
		if a.SetPrice == nil || a.SetPrice.Price <= 0 {
			return invalid(field+".set_price.price", "must be positive")
		}
	case "":
		return invalid(field+".kind", "required")
	default:
		return invalid(field+".kind", "unknown action kind %q", a.Kind)
	}
	return nil
}

// Validate checks the actions block.
func (r RuleActions) Validate(field string) error {
	if err := r.Primary.Validate(field + ".primary"); err != nil {
		return err
	}
	for i, s := range r.Secondary {
		f := fmt.Sprintf("%s.secondary[%d]", field, i)
		if err := s.Action.Validate(f + ".action"); err != nil {
			return err
		}
		if s.Condition != nil {
			if err := s.Condition.Validate(f + ".condition"); err != nil {
				return err
			}
		}
		if s.DelayMinutes < 0 {
			return invalid(f+".delay_minutes", "must not be negative")
		}
	}
	for i, n := range r.Notifications {
		f := fmt.Sprintf("%s.notifications[%d]", field, i)
		switch n.Channel {
		case ChannelLog:
		case ChannelEmail:
			if len(n.Recipients) == 0 {
				return invalid(f+".recipients", "required for EMAIL")
			}
			for _, rcpt := range n.Recipients {
				if !strings.Contains(rcpt, "@") {
					return invalid(f+".recipients", "%q is not an e-mail address", rcpt)
				}
			}
		case ChannelWebhook:
		default:
			return invalid(f+".channel", "unknown channel %q", n.Channel)
		}
		if len(n.On) == 0 {
			return invalid(f+".on", "at least one event required")
		}
		for _, o := range n.On {
			switch o {
			case NotifyOnSuccess, NotifyOnFailed, NotifyOnSkipped, NotifyOnSessionCompleted:
			default:
				return invalid(f+".on", "unknown event %q", o)
			}
		}
		if strings.TrimSpace(n.Template) == "" {
			return invalid(f+".template", "required")
		}
	}
	switch r.FailureAction {
	case "", FailureRetryOnce, FailureRevert, FailureNone:
	default:
		return invalid(field+".failure_action", "unknown failure action %q", r.FailureAction)
	}
	return nil
}
