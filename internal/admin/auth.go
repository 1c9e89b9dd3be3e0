package admin

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/crypto/bcrypt"
)

// Appliances ship with a well-known password; the dashboard nags until it
// is changed.
const defaultPassword = "harbouros"

const (
	tokenTTL         = 24 * time.Hour
	maxLoginAttempts = 5
	loginWindow      = 60 * time.Second
)

var (
	ErrRateLimited    = errors.New("too many login attempts")
	ErrBadCredentials = errors.New("invalid password")
)

// credentialFile is the on-disk shape of the admin credential store. The
// file is owned by the admin service; nothing else interprets it.
type credentialFile struct {
	PasswordHash    string `json:"password_hash"`
	PasswordChanged bool   `json:"password_changed"`
}

// Auth owns the single-admin credential store and the in-memory session
// tokens. Tokens do not survive a service restart; the dashboard simply
// logs in again.
type Auth struct {
	logger zerolog.Logger
	path   string

	mu       sync.Mutex
	tokens   map[string]time.Time // token -> expiry
	attempts map[string][]time.Time
	now      func() time.Time
}

func NewAuth(logger zerolog.Logger, path string) *Auth {
	return &Auth{
		logger:   logger.With().Str("component", "auth").Logger(),
		path:     path,
		tokens:   make(map[string]time.Time),
		attempts: make(map[string][]time.Time),
		now:      time.Now,
	}
}

// Login verifies the password and issues a bearer token. Failed attempts
// are rate limited per client IP.
func (a *Auth) Login(ip, password string) (string, error) {
	if a.rateLimited(ip) {
		a.logger.Warn().Str("ip", ip).Msg("login rate limited")
		return "", ErrRateLimited
	}

	ok, err := a.verifyPassword(password)
	if err != nil {
		return "", err
	}
	if !ok {
		a.recordAttempt(ip)
		return "", ErrBadCredentials
	}

	a.mu.Lock()
	delete(a.attempts, ip)
	a.mu.Unlock()

	token, err := newToken()
	if err != nil {
		return "", err
	}

	a.mu.Lock()
	a.tokens[token] = a.now().Add(tokenTTL)
	a.mu.Unlock()

	a.logger.Info().Str("ip", ip).Msg("admin logged in")
	return token, nil
}

// ValidateToken reports whether a bearer token is live. Expired tokens are
// pruned as a side effect.
func (a *Auth) ValidateToken(token string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	exp, ok := a.tokens[token]
	if !ok {
		return false
	}
	if a.now().After(exp) {
		delete(a.tokens, token)
		return false
	}
	return true
}

// Logout revokes a token. Revoking an unknown token is a no-op.
func (a *Auth) Logout(token string) {
	a.mu.Lock()
	delete(a.tokens, token)
	a.mu.Unlock()
}

// ChangePassword rotates the stored hash after verifying the current
// password.
func (a *Auth) ChangePassword(current, newPassword string) error {
	ok, err := a.verifyPassword(current)
	if err != nil {
		return err
	}
	if !ok {
		return ErrBadCredentials
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(newPassword), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}

	if err := a.save(credentialFile{PasswordHash: string(hash), PasswordChanged: true}); err != nil {
		return err
	}
	a.logger.Info().Msg("admin password changed")
	return nil
}

// PasswordChanged reports whether the factory default is still in use.
func (a *Auth) PasswordChanged() (bool, error) {
	cf, err := a.load()
	if err != nil {
		return false, err
	}
	return cf.PasswordChanged, nil
}

func (a *Auth) verifyPassword(password string) (bool, error) {
	cf, err := a.load()
	if err != nil {
		return false, err
	}
	err = bcrypt.CompareHashAndPassword([]byte(cf.PasswordHash), []byte(password))
	if err != nil {
		if errors.Is(err, bcrypt.ErrMismatchedHashAndPassword) {
			return false, nil
		}
		return false, fmt.Errorf("compare password: %w", err)
	}
	return true, nil
}

// load reads the credential file, seeding it with the factory default on
// first boot or after corruption.
func (a *Auth) load() (credentialFile, error) {
	var cf credentialFile

	data, err := os.ReadFile(a.path)
	if err == nil {
		if jerr := json.Unmarshal(data, &cf); jerr == nil && cf.PasswordHash != "" {
			return cf, nil
		}
		a.logger.Warn().Msg("credential store unreadable, reseeding factory default")
	} else if !os.IsNotExist(err) {
		return cf, fmt.Errorf("read credential store: %w", err)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(defaultPassword), bcrypt.DefaultCost)
	if err != nil {
		return cf, fmt.Errorf("hash default password: %w", err)
	}
	cf = credentialFile{PasswordHash: string(hash), PasswordChanged: false}
	if err := a.save(cf); err != nil {
		return cf, err
	}
	return cf, nil
}

func (a *Auth) save(cf credentialFile) error {
	data, err := json.MarshalIndent(cf, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal credential store: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(a.path), 0o755); err != nil {
		return fmt.Errorf("create credential dir: %w", err)
	}
	if err := os.WriteFile(a.path, data, 0o600); err != nil {
		return fmt.Errorf("write credential store: %w", err)
	}
	return nil
}

func (a *Auth) rateLimited(ip string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	cutoff := a.now().Add(-loginWindow)
	recent := a.attempts[ip][:0]
	for _, t := range a.attempts[ip] {
		if t.After(cutoff) {
			recent = append(recent, t)
		}
	}
	a.attempts[ip] = recent
	return len(recent) >= maxLoginAttempts
}

func (a *Auth) recordAttempt(ip string) {
	a.mu.Lock()
	a.attempts[ip] = append(a.attempts[ip], a.now())
	a.mu.Unlock()
}

func newToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate token: %w", err)
	}
	return hex.EncodeToString(buf), nil
}
