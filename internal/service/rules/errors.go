package rules

import "errors"

// Sentinel errors for the rule service layer.
var (
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrArchived          = errors.New("rule is archived")
)
