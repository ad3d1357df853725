package gateway

import (
	"context"
	"net/http"

	"ecotrade.org/internal/carbon"
)

// AuthResult is returned by user login and registration.
type AuthResult struct {
	Token     string           `json:"access_token"`
	UserID    string           `json:"user_id"`
	Email     string           `json:"email"`
	Household carbon.Household `json:"household"`
	Message   string           `json:"message,omitempty"`
}

// AdminAuthResult is returned by the operator console login.
type AdminAuthResult struct {
	Token string       `json:"access_token"`
	Admin carbon.Admin `json:"admin"`
}

type credentials struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// Registration is the sign-up payload.
type Registration struct {
	Email     string  `json:"email"`
	Password  string  `json:"password"`
	AreaSqm   float64 `json:"area_sqm"`
	Occupants int     `json:"occupants"`
}

func (c *Client) Login(ctx context.Context, email, password string) (AuthResult, error) {
	var out AuthResult
	err := c.do(ctx, call{
		op:     "login",
		method: http.MethodPost,
		path:   "/api/auth/login",
		body:   credentials{Email: email, Password: password},
		login:  true,
	}, &out)
	if err != nil {
		return AuthResult{}, err
	}
	if out.Token == "" {
		return AuthResult{}, &carbon.Error{Kind: carbon.ErrService, Op: "login", Message: "no token in response"}
	}
	return out, nil
}

func (c *Client) AdminLogin(ctx context.Context, email, password string) (AdminAuthResult, error) {
	var out AdminAuthResult
	err := c.do(ctx, call{
		op:     "admin login",
		method: http.MethodPost,
		path:   "/api/admin/login",
		body:   credentials{Email: email, Password: password},
		login:  true,
	}, &out)
	if err != nil {
		return AdminAuthResult{}, err
	}
	if out.Token == "" {
		return AdminAuthResult{}, &carbon.Error{Kind: carbon.ErrService, Op: "admin login", Message: "no token in response"}
	}
	return out, nil
}

func (c *Client) Register(ctx context.Context, reg Registration) (AuthResult, error) {
	var out AuthResult
	err := c.do(ctx, call{
		op:     "register",
		method: http.MethodPost,
		path:   "/api/auth/register",
		body:   reg,
		signup: true,
	}, &out)
	if err != nil {
		return AuthResult{}, err
	}
	if out.Token == "" {
		return AuthResult{}, &carbon.Error{Kind: carbon.ErrService, Op: "register", Message: "no token in response"}
	}
	return out, nil
}

// Profile loads the signed-in user's record.
func (c *Client) Profile(ctx context.Context) (carbon.User, error) {
	var out carbon.User
	err := c.do(ctx, call{
		op:     "profile",
		method: http.MethodGet,
		path:   "/api/auth/profile",
		authed: true,
	}, &out)
	return out, err
}
