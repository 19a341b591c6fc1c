// Package cloud talks to the remote store shared by every device of a
// user. Two backends are provided: Client, an HTTP and websocket client for
// the service run by Server, and RedisStore, which uses Redis hashes and
// pub/sub directly.
//
// Collections are namespaced per user. Push upserts records by id and
// never deletes; Pull returns the whole collection.
package cloud

import (
	"context"
	"time"

	"github.com/Mschirtzinger/studytrack/internal/types"
)

// Session is a durable anonymous identity.
type Session struct {
	UserID    string    `json:"userId"`
	Token     string    `json:"token"`
	CreatedAt time.Time `json:"createdAt"`
}

// Valid reports whether the session carries an identity.
func (s Session) Valid() bool {
	return s.UserID != "" && s.Token != ""
}

// Change is one frame of a collection feed. The first frame of every
// subscription is a snapshot of the whole collection.
type Change struct {
	Collection string         `json:"collection"`
	Records    []types.Record `json:"records"`
	Snapshot   bool           `json:"snapshot,omitempty"`
}

// Store pulls and pushes whole collections.
type Store interface {
	// Pull returns every record of the collection.
	Pull(ctx context.Context, collection string) ([]types.Record, error)

	// Push upserts records into the collection.
	Push(ctx context.Context, collection string, recs []types.Record) error
}

// Subscriber opens a live change feed.
type Subscriber interface {
	// Subscribe returns once the feed is established and its snapshot has
	// been received. The channel is closed when the feed drops or ctx
	// ends.
	Subscribe(ctx context.Context, collection string) (<-chan Change, error)
}

// Identity creates anonymous sessions.
type Identity interface {
	AnonymousSession(ctx context.Context) (Session, error)
}

// Authenticator accepts the session later calls run as.
type Authenticator interface {
	SetSession(s Session)
}

// Backend is everything the sync orchestrator needs from a remote store.
type Backend interface {
	Store
	Subscriber
	Identity
	Authenticator
}
