package crypto

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	apperrors "github.com/kimhsiao/attendsync/internal/errors"
	"github.com/kimhsiao/attendsync/internal/logging"
)

// DefaultAccount is the account name used when none is configured.
const DefaultAccount = "default"

// TokenStore keeps one bearer token per account in
// <configDir>/secure/<account>.cred, readable only by the owner.
// It implements remote.TokenSource.
type TokenStore struct {
	configDir string
	account   string
	machineID func() string

	mu sync.Mutex
}

// TokenOption configures a TokenStore.
type TokenOption func(*TokenStore)

// WithMachineID replaces the platform machine identifier, for tests and
// containers without /etc/machine-id.
func WithMachineID(fn func() string) TokenOption {
	return func(s *TokenStore) { s.machineID = fn }
}

// NewTokenStore creates a TokenStore for account under configDir.
func NewTokenStore(configDir, account string, opts ...TokenOption) *TokenStore {
	if account == "" {
		account = DefaultAccount
	}
	s := &TokenStore{
		configDir: configDir,
		account:   account,
		machineID: MachineIdentifier,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Account returns the account name.
func (s *TokenStore) Account() string {
	return s.account
}

// path returns the credential file, with the account name made safe for a
// file name.
func (s *TokenStore) path() (string, error) {
	if s.configDir == "" {
		return "", fmt.Errorf("config directory not set for secure storage")
	}
	safe := strings.NewReplacer("/", "_", "\\", "_", "..", "_").Replace(s.account)
	return filepath.Join(s.configDir, "secure", safe+".cred"), nil
}

// Set seals and stores token, replacing any previous one.
func (s *TokenStore) Set(token string) error {
	token = strings.TrimSpace(token)
	if token == "" {
		return apperrors.New(apperrors.ErrInvalid, "token cannot be empty")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	path, err := s.path()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("failed to create secure directory: %w", err)
	}

	sealed, err := Seal(DeriveKey(s.machineID()), []byte(token), []byte(s.account))
	if err != nil {
		return fmt.Errorf("failed to encrypt token: %w", err)
	}

	// Write to a temp file and rename so a crash never leaves half a token.
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(sealed), 0600); err != nil {
		return fmt.Errorf("failed to write token file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("failed to write token file: %w", err)
	}

	logging.Info("Session token stored", map[string]interface{}{"account": s.account})
	return nil
}

// Get returns the stored token. A missing token is an ErrAuthExpired error.
func (s *TokenStore) Get() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	path, err := s.path()
	if err != nil {
		return "", err
	}
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return "", apperrors.New(apperrors.ErrAuthExpired, "not logged in")
	}
	if err != nil {
		return "", fmt.Errorf("failed to read token file: %w", err)
	}

	token, err := Open(DeriveKey(s.machineID()), strings.TrimSpace(string(data)), []byte(s.account))
	if err != nil {
		return "", apperrors.Wrap(apperrors.ErrAuthExpired, "stored token unreadable", err)
	}
	return string(token), nil
}

// Token implements remote.TokenSource.
func (s *TokenStore) Token(context.Context) (string, error) {
	return s.Get()
}

// HasToken reports whether a readable token is stored.
func (s *TokenStore) HasToken() bool {
	_, err := s.Get()
	return err == nil
}

// Clear deletes the stored token. Clearing a missing token is not an error.
func (s *TokenStore) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	path, err := s.path()
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete token file: %w", err)
	}

	logging.Info("Session token cleared", map[string]interface{}{"account": s.account})
	return nil
}

// ClearContext is Clear with the signature of a logout hook.
func (s *TokenStore) ClearContext(context.Context) error {
	return s.Clear()
}
