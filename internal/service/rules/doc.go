// Package rules implements repricing rule lifecycle management.
//
// The service layer validates rule definitions, assigns identifiers and
// moves rules through DRAFT -> ACTIVE <-> PAUSED -> ARCHIVED. It depends on
// the Repository interface defined in this package; evaluation and
// execution live in internal/engine.
//
// Repository implementations live in repository/postgres/ and repository/memory/.
package rules
