// Package storage opens the shared PostgreSQL pool and Redis client and runs
// per-component schema migrations.
package storage
