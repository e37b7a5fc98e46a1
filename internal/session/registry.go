package session

import (
	"context"
	"time"
)

// LiveSession is one live connection owned by one authenticated user.
type LiveSession struct {
	ConnectionID  string
	UserID        string
	EstablishedAt time.Time
}

// Registry maps live connection ids to the users that own them. A user may
// hold any number of connections at once.
type Registry interface {
	// Register upserts the entry; registering a connection id again moves
	// it to the latest user.
	Register(ctx context.Context, connectionID, userID string) error
	// Unregister removes the entry. Unknown ids are ignored.
	Unregister(ctx context.Context, connectionID string) error
	// Resolve returns connection id -> user id for every live connection
	// owned by one of userIDs.
	Resolve(ctx context.Context, userIDs []string) (map[string]string, error)
}
