// Package testutil provides generators for test fixtures: backend
// identities, session tokens, and conversation records.
package testutil
