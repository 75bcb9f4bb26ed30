// Package account keeps the pool of provider accounts and the session tokens
// obtained for them.
package account

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

var (
	ErrPoolEmpty          = errors.New("no accounts configured")
	ErrPoolExhausted      = errors.New("every account has already been tried")
	ErrUnknownAccount     = errors.New("unknown account")
	ErrInvalidCredentials = errors.New("account needs a password and an email or mobile")
	ErrNoTokenReturned    = errors.New("login response carried no token")
)

// LoginRejectedError is returned when the provider answers a login with a
// non-zero status code.
type LoginRejectedError struct {
	Message string
}

func (e *LoginRejectedError) Error() string {
	msg := strings.TrimSpace(e.Message)
	if msg == "" {
		msg = "unknown reason"
	}
	return "login rejected: " + msg
}

// IsCredentialError reports whether err means the account itself cannot log
// in, as opposed to a transient upstream failure.
func IsCredentialError(err error) bool {
	var rejected *LoginRejectedError
	return errors.As(err, &rejected) ||
		errors.Is(err, ErrInvalidCredentials) ||
		errors.Is(err, ErrNoTokenReturned)
}

// Account is one provider login. Email wins over Mobile when both are set.
type Account struct {
	Email    string
	Mobile   string
	Password string
	Token    string
}

func (a Account) ID() string {
	if email := strings.TrimSpace(a.Email); email != "" {
		return email
	}
	return strings.TrimSpace(a.Mobile)
}

func (a Account) Credentials() Credentials {
	return Credentials{
		Email:    strings.TrimSpace(a.Email),
		Mobile:   strings.TrimSpace(a.Mobile),
		Password: strings.TrimSpace(a.Password),
	}
}

type Credentials struct {
	Email    string
	Mobile   string
	Password string
}

func (c Credentials) Validate() error {
	if c.Password == "" || (c.Email == "" && c.Mobile == "") {
		return ErrInvalidCredentials
	}
	return nil
}

// Loginer exchanges credentials for a session token.
type Loginer interface {
	Login(ctx context.Context, creds Credentials) (string, error)
}

type LoginerFunc func(ctx context.Context, creds Credentials) (string, error)

func (f LoginerFunc) Login(ctx context.Context, creds Credentials) (string, error) {
	return f(ctx, creds)
}

// Repository loads and stores the account list together with the API keys
// that select pooled mode.
type Repository interface {
	GetAll(ctx context.Context) ([]Account, []string, error)
	Save(ctx context.Context, accounts []Account, keys []string) error
}

// Resolution is the token a request should use upstream. Pooled is false when
// the caller supplied its own provider token.
type Resolution struct {
	Token     string
	AccountID string
	Pooled    bool
}

func validateAccounts(accounts []Account) error {
	seen := make(map[string]struct{}, len(accounts))
	for i, a := range accounts {
		id := a.ID()
		if id == "" {
			return fmt.Errorf("account %d has no email or mobile", i+1)
		}
		if _, ok := seen[id]; ok {
			return fmt.Errorf("duplicate account %q", id)
		}
		seen[id] = struct{}{}
	}
	return nil
}
