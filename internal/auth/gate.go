package auth

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"
)

// TokenKey is the secure-store key holding the bearer token.
const TokenKey = "token"

var (
	// ErrTokenMissing means no usable token is stored; the user must sign in.
	ErrTokenMissing = errors.New("auth: token missing")
	// ErrTokenExpired wraps ErrTokenMissing for JWTs whose exp has passed.
	ErrTokenExpired = fmt.Errorf("%w: expired", ErrTokenMissing)
)

// Clock provides time.
type Clock interface {
	Now() time.Time
}

// Gate hands the stored token to the data layer.
type Gate struct {
	store  SecureStore
	clock  Clock
	logger *log.Logger
}

// NewGate constructs a token gate over store.
func NewGate(store SecureStore, clock Clock, logger *log.Logger) (*Gate, error) {
	if store == nil {
		return nil, errors.New("auth gate: nil store")
	}
	if clock == nil {
		clock = systemClock{}
	}
	return &Gate{store: store, clock: clock, logger: logger}, nil
}

// Load returns the stored token. A missing, blank or expired token yields
// ErrTokenMissing; expired tokens are removed from the store.
func (g *Gate) Load(ctx context.Context) (string, error) {
	token, ok, err := g.store.Get(ctx, TokenKey)
	if err != nil {
		return "", fmt.Errorf("auth gate: load: %w", err)
	}
	token = strings.TrimSpace(token)
	if !ok || token == "" {
		return "", ErrTokenMissing
	}
	if Expired(token, g.clock.Now()) {
		g.logf("auth token expired; clearing")
		if err := g.store.Delete(ctx, TokenKey); err != nil {
			g.logf("auth token clear error: %v", err)
		}
		return "", ErrTokenExpired
	}
	return token, nil
}

// Save stores a token.
func (g *Gate) Save(ctx context.Context, token string) error {
	token = strings.TrimSpace(token)
	if token == "" {
		return errors.New("auth gate: empty token")
	}
	if err := g.store.Set(ctx, TokenKey, token); err != nil {
		return fmt.Errorf("auth gate: save: %w", err)
	}
	return nil
}

// Clear removes the stored token.
func (g *Gate) Clear(ctx context.Context) error {
	if err := g.store.Delete(ctx, TokenKey); err != nil {
		return fmt.Errorf("auth gate: clear: %w", err)
	}
	return nil
}

func (g *Gate) logf(format string, args ...any) {
	if g.logger != nil {
		g.logger.Printf(format, args...)
	}
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now().UTC() }
