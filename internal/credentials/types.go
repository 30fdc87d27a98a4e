package credentials

import (
	"context"
	"errors"
)

// Fixed keys under which the pair is persisted in the client key-value store.
const (
	AccessKey  = "token"
	RefreshKey = "refreshToken"
)

var ErrStoreClosed = errors.New("credential store closed")

// Pair is the access/refresh credential pair issued by the auth service.
type Pair struct {
	Access  string `json:"access"`
	Refresh string `json:"refresh"`
}

func (p Pair) Empty() bool {
	return p.Access == "" && p.Refresh == ""
}

// Store holds the current credential pair for the whole process.
//
// Set replaces both tokens (login, registration). SetAccess replaces only
// the access token. Rotate stores a refresh result, but only while the
// stored refresh token is still the one that was exchanged; it reports
// whether it wrote. An empty next.Refresh keeps the stored one. Clear drops
// both atomically (logout, expiry).
type Store interface {
	Get(ctx context.Context) (Pair, error)
	Set(ctx context.Context, pair Pair) error
	SetAccess(ctx context.Context, access string) error
	Rotate(ctx context.Context, exchanged string, next Pair) (bool, error)
	Clear(ctx context.Context) error
	Close() error
}
