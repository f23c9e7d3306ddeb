package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"pterobot/internal/crypto"
	"pterobot/internal/panel"
	"pterobot/internal/storage"
)

var (
	ErrNotBound          = errors.New("account not bound")
	ErrAlreadyBound      = errors.New("account already bound")
	ErrPanelAccountTaken = errors.New("panel account already bound to another user")
	ErrIdentityMismatch  = errors.New("credential does not belong to the claimed identity")
	ErrNotAdmin          = errors.New("admin access required")
)

// BindMethod selects how the supplied identifier is checked against the
// account the API key resolves to.
type BindMethod string

const (
	// BindAPIKey binds on the key alone, no identifier check.
	BindAPIKey BindMethod = "api_key"
	// BindEmailAPI requires the identifier to match the account email.
	BindEmailAPI BindMethod = "email_api"
	// BindUsernameAPI requires the identifier to match the account username.
	BindUsernameAPI BindMethod = "username_api"
)

// Session is the resolved caller identity handed to command handlers after
// the binding gate passes.
type Session struct {
	Account storage.BoundAccount
	APIKey  string
	IsAdmin bool
}

type Config struct {
	Store   *storage.Store
	Panel   *panel.Client
	Keyring *crypto.Keyring
	Logger  zerolog.Logger
	// IsAdmin reports whether a chat user is on the operator allow-list.
	IsAdmin func(chatUserID string) bool
}

// Service gates every panel-touching command on a verified binding and owns
// the bind and unbind lifecycle. API keys only exist in plaintext inside a
// single call; at rest they are sealed with the keyring.
type Service struct {
	store   *storage.Store
	panel   *panel.Client
	keyring *crypto.Keyring
	logger  zerolog.Logger
	isAdmin func(chatUserID string) bool
}

func New(cfg Config) *Service {
	isAdmin := cfg.IsAdmin
	if isAdmin == nil {
		isAdmin = func(string) bool { return false }
	}
	return &Service{
		store:   cfg.Store,
		panel:   cfg.Panel,
		keyring: cfg.Keyring,
		logger:  cfg.Logger,
		isAdmin: isAdmin,
	}
}

func (s *Service) IsBound(ctx context.Context, chatUserID string) (bool, error) {
	return s.store.IsBound(ctx, chatUserID)
}

// RequireBound resolves the caller's binding and unseals the API key, or
// fails with ErrNotBound. Every ownership-scoped command starts here.
func (s *Service) RequireBound(ctx context.Context, chatUserID string) (Session, error) {
	acct, err := s.store.GetBinding(ctx, chatUserID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return Session{}, ErrNotBound
		}
		return Session{}, fmt.Errorf("load binding: %w", err)
	}
	key, err := s.keyring.OpenString(acct.APIKeySealed)
	if err != nil {
		return Session{}, fmt.Errorf("unseal api key: %w", err)
	}
	return Session{
		Account: acct,
		APIKey:  key,
		IsAdmin: s.isAdmin(chatUserID),
	}, nil
}

// RequireAdmin is RequireBound plus the operator allow-list check.
func (s *Service) RequireAdmin(ctx context.Context, chatUserID string) (Session, error) {
	sess, err := s.RequireBound(ctx, chatUserID)
	if err != nil {
		return Session{}, err
	}
	if !sess.IsAdmin {
		return Session{}, ErrNotAdmin
	}
	return sess, nil
}

// Bind verifies the API key against the panel, checks the identity claim per
// the chosen method, enforces one panel account per chat user in both
// directions, and persists the binding with the key sealed. Verification
// happens before any write, so a bad key never leaves a partial row.
func (s *Service) Bind(ctx context.Context, chatUserID string, method BindMethod, identifier, apiKey string) (storage.BoundAccount, error) {
	if bound, err := s.store.IsBound(ctx, chatUserID); err != nil {
		return storage.BoundAccount{}, fmt.Errorf("check existing binding: %w", err)
	} else if bound {
		return storage.BoundAccount{}, ErrAlreadyBound
	}

	acct, err := s.panel.User(apiKey).AccountInfo(ctx)
	if err != nil {
		return storage.BoundAccount{}, err
	}

	switch method {
	case BindAPIKey:
		// key alone proves control of the account
	case BindEmailAPI:
		if !strings.EqualFold(identifier, acct.Email) {
			return storage.BoundAccount{}, ErrIdentityMismatch
		}
	case BindUsernameAPI:
		if !strings.EqualFold(identifier, acct.Username) {
			return storage.BoundAccount{}, ErrIdentityMismatch
		}
	default:
		return storage.BoundAccount{}, fmt.Errorf("unknown bind method %q", method)
	}

	existing, err := s.store.FindBindingByPanelUser(ctx, acct.ID)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return storage.BoundAccount{}, fmt.Errorf("check panel account: %w", err)
	}
	if err == nil && existing.ChatUserID != chatUserID {
		return storage.BoundAccount{}, ErrPanelAccountTaken
	}

	sealed, err := s.keyring.SealString(apiKey)
	if err != nil {
		return storage.BoundAccount{}, fmt.Errorf("seal api key: %w", err)
	}

	if err := s.store.Bind(ctx, chatUserID, acct.ID, sealed); err != nil {
		return storage.BoundAccount{}, fmt.Errorf("persist binding: %w", err)
	}
	bound, err := s.store.GetBinding(ctx, chatUserID)
	if err != nil {
		return storage.BoundAccount{}, fmt.Errorf("reload binding: %w", err)
	}

	s.logger.Info().Str("chat_user", chatUserID).Int64("panel_user", acct.ID).Str("method", string(method)).Msg("account bound")
	_ = s.store.LogAction(ctx, storage.AuditEntry{
		ChatUserID: chatUserID,
		Action:     "bind",
		MetaJSON:   fmt.Sprintf(`{"panel_user_id":%d,"method":%q}`, acct.ID, method),
	})
	return bound, nil
}

// Unbind removes the binding and all owned-server records for the chat user.
// Unbinding an unbound user is a no-op.
func (s *Service) Unbind(ctx context.Context, chatUserID string) error {
	if err := s.store.Unbind(ctx, chatUserID); err != nil {
		return fmt.Errorf("remove binding: %w", err)
	}
	s.logger.Info().Str("chat_user", chatUserID).Msg("account unbound")
	_ = s.store.LogAction(ctx, storage.AuditEntry{ChatUserID: chatUserID, Action: "unbind", MetaJSON: "{}"})
	return nil
}

// OwnedServers lists the servers created through the bot for this session.
func (s *Service) OwnedServers(ctx context.Context, sess Session) ([]storage.OwnedServer, error) {
	return s.store.ListOwnedServers(ctx, sess.Account.ChatUserID)
}

// UserClient returns a panel client scoped to the session's credential.
func (s *Service) UserClient(sess Session) *panel.UserClient {
	return s.panel.User(sess.APIKey)
}
