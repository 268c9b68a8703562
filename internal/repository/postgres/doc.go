// Package postgres implements the engine and rule-service storage
// interfaces on PostgreSQL via lib/pq. Schema lives in migrations/.
package postgres
