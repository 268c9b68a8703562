// Package domain defines the business types of the repricing engine: rules
// and their tagged condition/action variants, sessions, competitors, buy-box
// events, market signals and optimization values.
//
// Rules for this package:
//   - No imports from other internal/ packages
//   - No *sql.DB, no http.Request, no context.Context in struct fields
//   - JSON tags are allowed (they're metadata, not behavior)
//   - Validation methods are allowed (they're pure functions on the type)
//   - Constants and enums belong here
package domain
