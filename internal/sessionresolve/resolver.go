// Package sessionresolve defines the external session-repository
// contract spec §3 describes ("Resolved through an external session
// repository... Dispatcher never mints one itself") plus two concrete
// backings mirroring the teacher's standalone/managed storage duality
// (internal/store.Stores): a pure-Go SQLite backing for single-process
// deployments and a Postgres backing for managed/shared deployments.
package sessionresolve

import "context"

// Resolver resolves or creates the active SessionId for
// (botId, groupId, userId, key), and performs the session-rotation
// operations the dispatcher's management commands need.
type Resolver interface {
	// Resolve returns the active session id for the given scope,
	// creating one if none is active.
	Resolve(ctx context.Context, botID, groupID, userID string, key int) (string, error)

	// ResetSelf archives any active session for the scope and creates a
	// fresh one, returning its id.
	ResetSelf(ctx context.Context, botID, groupID, userID string, key int) (string, error)

	// ResetAll rotates every known user session within (botID, groupID),
	// returning counts of users considered, sessions archived, and
	// failures encountered.
	ResetAll(ctx context.Context, botID, groupID string) (users, archived, failed int, err error)

	// SetModelOverride sets (or, if model=="", clears) the per-group
	// model override.
	SetModelOverride(ctx context.Context, botID, groupID, model string) error

	// ModelOverride returns the current per-group model override, or ""
	// if unset.
	ModelOverride(ctx context.Context, botID, groupID string) (string, error)

	Close() error
}
