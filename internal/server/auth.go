package server

import (
	"strings"
	"sync"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
)

// AuthDecision is the verdict of one authorization callback.
type AuthDecision int

const (
	AuthOK AuthDecision = iota
	AuthUnauthorized
	AuthForbidden
	AuthError
)

// AuthResult pairs a decision with a continuation: when Continue is set
// the chain keeps evaluating even on a non-OK decision.
type AuthResult struct {
	Decision AuthDecision
	Continue bool
}

// RequestAuthProc authorizes one request.
type RequestAuthProc func(method, url, user, pass, peer string) AuthResult

// UserAuthProc authenticates a username/password pair.
type UserAuthProc func(user, pass string) AuthResult

type requestAuthority struct {
	name string
	proc RequestAuthProc
}

type userAuthority struct {
	name string
	proc UserAuthProc
}

// AuthChain evaluates registered authorities in order. The first non-OK
// result wins unless its continuation requests further evaluation.
type AuthChain struct {
	mu      sync.RWMutex
	request []requestAuthority
	user    []userAuthority
	logger  *zap.Logger
}

// NewAuthChain creates an empty chain.
func NewAuthChain(logger *zap.Logger) *AuthChain {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AuthChain{logger: logger}
}

// RegisterRequestAuth adds a request authorization authority. With first
// set the authority is prepended.
func (a *AuthChain) RegisterRequestAuth(name string, proc RequestAuthProc, first bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	entry := requestAuthority{name: name, proc: proc}
	if first {
		a.request = append([]requestAuthority{entry}, a.request...)
	} else {
		a.request = append(a.request, entry)
	}
}

// RegisterUserAuth adds a user authentication authority.
func (a *AuthChain) RegisterUserAuth(name string, proc UserAuthProc, first bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	entry := userAuthority{name: name, proc: proc}
	if first {
		a.user = append([]userAuthority{entry}, a.user...)
	} else {
		a.user = append(a.user, entry)
	}
}

// AuthorizeRequest runs the request chain. An empty chain authorizes.
func (a *AuthChain) AuthorizeRequest(method, url, user, pass, peer string) AuthDecision {
	a.mu.RLock()
	chain := a.request
	a.mu.RUnlock()

	verdict := AuthOK
	for _, authority := range chain {
		result := a.invokeRequest(authority, method, url, user, pass, peer)
		if result.Decision != AuthOK {
			verdict = result.Decision
			if !result.Continue {
				return verdict
			}
		}
	}
	return verdict
}

func (a *AuthChain) invokeRequest(authority requestAuthority, method, url, user, pass, peer string) (result AuthResult) {
	defer func() {
		if r := recover(); r != nil {
			a.logger.Error("auth: request authority panicked",
				zap.String("authority", authority.name),
				zap.Any("panic", r),
			)
			result = AuthResult{Decision: AuthError}
		}
	}()
	return authority.proc(method, url, user, pass, peer)
}

// AuthenticateUser runs the user chain. An empty chain authenticates.
func (a *AuthChain) AuthenticateUser(user, pass string) AuthDecision {
	a.mu.RLock()
	chain := a.user
	a.mu.RUnlock()

	verdict := AuthOK
	for _, authority := range chain {
		result := authority.proc(user, pass)
		if result.Decision != AuthOK {
			verdict = result.Decision
			if !result.Continue {
				return verdict
			}
		}
	}
	return verdict
}

// BasicCredentials splits an Authorization header in basic scheme into
// user and password.
func BasicCredentials(authorization string) (user, pass string, ok bool) {
	const prefix = "Basic "
	if !strings.HasPrefix(authorization, prefix) {
		return "", "", false
	}
	decoded, err := base64Decode(authorization[len(prefix):])
	if err != nil {
		return "", "", false
	}
	user, pass, ok = strings.Cut(decoded, ":")
	return user, pass, ok
}

// NewJWTAuthority builds a request authority that accepts bearer tokens
// signed with the given secret. Requests without a bearer token pass
// through with a continuation so other authorities can decide.
func NewJWTAuthority(secret, issuer string, logger *zap.Logger) RequestAuthProc {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(method, url, user, pass, peer string) AuthResult {
		// The worker passes a bearer token through the pass slot with
		// an empty user.
		if user != "" || !strings.HasPrefix(pass, "Bearer ") {
			return AuthResult{Decision: AuthOK, Continue: true}
		}
		raw := strings.TrimPrefix(pass, "Bearer ")
		token, err := jwt.Parse(raw, func(t *jwt.Token) (any, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, jwt.ErrSignatureInvalid
			}
			return []byte(secret), nil
		}, jwt.WithIssuer(issuer))
		if err != nil || !token.Valid {
			logger.Debug("auth: bearer token rejected", zap.Error(err))
			return AuthResult{Decision: AuthUnauthorized}
		}
		return AuthResult{Decision: AuthOK}
	}
}
