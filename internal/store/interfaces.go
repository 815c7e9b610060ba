package store

import (
	"context"
)

// FlagStore persists named boolean flags.
//
// Reads of a key that was never written return false, the same default the
// client application's shared defaults use. Implementations must be
// immediately consistent: a GetBool that follows a successful SetBool on the
// same store observes the written value.
type FlagStore interface {
	GetBool(ctx context.Context, key string) (bool, error)
	SetBool(ctx context.Context, key string, value bool) error

	// Health check
	Ping(ctx context.Context) error
	Close() error
}
