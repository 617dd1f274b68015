package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"sensorwatch/internal/endpoints"
	"sensorwatch/internal/transport"
)

// Transport is the subset of the HTTP client used for account calls.
type Transport interface {
	Post(ctx context.Context, rawURL string, body any, token string) transport.Result
	Patch(ctx context.Context, rawURL string, body any, token string) transport.Result
}

// Authenticator signs users in and out against the backend.
type Authenticator struct {
	http     Transport
	registry *endpoints.Registry
	gate     *Gate
}

// NewAuthenticator constructs an Authenticator.
func NewAuthenticator(http Transport, registry *endpoints.Registry, gate *Gate) (*Authenticator, error) {
	if http == nil {
		return nil, errors.New("auth: nil transport")
	}
	if registry == nil {
		return nil, errors.New("auth: nil registry")
	}
	if gate == nil {
		return nil, errors.New("auth: nil gate")
	}
	return &Authenticator{http: http, registry: registry, gate: gate}, nil
}

// SignIn exchanges credentials for a token and stores it.
func (a *Authenticator) SignIn(ctx context.Context, email, password string) error {
	email = strings.TrimSpace(email)
	if email == "" || password == "" {
		return &transport.Error{Tag: transport.TagBadRequest, Message: "email and password are required"}
	}
	res := a.http.Post(ctx, a.registry.SignIn(), endpoints.SignInRequest{Email: email, Password: password}, "")
	if !res.OK() {
		return res.Err()
	}
	var body endpoints.SignInResponse
	if err := res.Decode(&body); err != nil {
		return &transport.Error{Tag: transport.TagUnknown, Status: res.Status, Message: err.Error()}
	}
	if strings.TrimSpace(body.Token) == "" {
		return &transport.Error{Tag: transport.TagUnknown, Status: res.Status, Message: "sign-in response has no token"}
	}
	return a.gate.Save(ctx, body.Token)
}

// SignUp registers an account. 409 surfaces as a conflict tag.
func (a *Authenticator) SignUp(ctx context.Context, email, password string) error {
	res := a.http.Post(ctx, a.registry.SignUp(), endpoints.SignInRequest{Email: strings.TrimSpace(email), Password: password}, "")
	return res.Err()
}

// ChangePassword updates the password of the signed-in user.
func (a *Authenticator) ChangePassword(ctx context.Context, oldPassword, newPassword string) error {
	token, err := a.gate.Load(ctx)
	if err != nil {
		return err
	}
	res := a.http.Patch(ctx, a.registry.ChangePassword(), endpoints.ChangePasswordRequest{OldPassword: oldPassword, NewPassword: newPassword}, token)
	if res.Tag == transport.TagUnauthenticated {
		if clearErr := a.gate.Clear(ctx); clearErr != nil {
			return fmt.Errorf("%w (clear: %v)", res.Err(), clearErr)
		}
	}
	return res.Err()
}

// SignOut drops the stored token.
func (a *Authenticator) SignOut(ctx context.Context) error {
	return a.gate.Clear(ctx)
}
