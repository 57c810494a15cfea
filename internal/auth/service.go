package auth

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"golang.org/x/crypto/bcrypt"

	"github.com/trellisauth/trellis/internal/claims"
	"github.com/trellisauth/trellis/internal/shared"
)

// Token wire format: tsk_<id>_<secret>. The id prefix makes resolution a
// single row lookup instead of a scan over every hash.
const tokenPrefix = "tsk_"

// Service resolves bearer tokens to caller identities and mints new ones.
type Service struct {
	repo       Repository
	reconciler claims.Reconciler
	logger     *slog.Logger
	cost       int
}

// NewService constructs a Service. reconciler may be nil when no claims
// rules are configured.
func NewService(repo Repository, reconciler claims.Reconciler, logger *slog.Logger) *Service {
	return &Service{repo: repo, reconciler: reconciler, logger: logger, cost: bcrypt.DefaultCost}
}

// Mint creates a token for the user and returns the plaintext once.
func (s *Service) Mint(ctx context.Context, name string, userID int64, flags, groups []string) (string, ServiceToken, error) {
	secret := make([]byte, 32)
	if _, err := rand.Read(secret); err != nil {
		return "", ServiceToken{}, fmt.Errorf("auth: generate secret: %w", err)
	}
	plaintextSecret := hex.EncodeToString(secret)
	hash, err := bcrypt.GenerateFromPassword([]byte(plaintextSecret), s.cost)
	if err != nil {
		return "", ServiceToken{}, fmt.Errorf("auth: hash secret: %w", err)
	}
	tok := ServiceToken{
		Name:      name,
		UserID:    userID,
		TokenHash: string(hash),
		Flags:     flags,
		Groups:    groups,
		Active:    true,
	}
	id, err := s.repo.InsertToken(ctx, tok)
	if err != nil {
		return "", ServiceToken{}, fmt.Errorf("auth: insert token: %w", err)
	}
	tok.ID = id
	return fmt.Sprintf("%s%d_%s", tokenPrefix, id, plaintextSecret), tok, nil
}

// Resolve validates a bearer token and returns the caller identity.
// Every failure mode collapses to ErrInvalidToken so callers leak
// nothing about which part was wrong.
func (s *Service) Resolve(ctx context.Context, raw string) (*shared.Identity, error) {
	body, ok := strings.CutPrefix(raw, tokenPrefix)
	if !ok {
		return nil, shared.ErrInvalidToken
	}
	idPart, secret, ok := strings.Cut(body, "_")
	if !ok {
		return nil, shared.ErrInvalidToken
	}
	id, err := strconv.ParseInt(idPart, 10, 64)
	if err != nil {
		return nil, shared.ErrInvalidToken
	}
	tok, err := s.repo.FindToken(ctx, id)
	if err != nil {
		if errors.Is(err, shared.ErrNotFound) {
			return nil, shared.ErrInvalidToken
		}
		return nil, fmt.Errorf("auth: find token: %w", err)
	}
	if !tok.Active {
		return nil, shared.ErrInvalidToken
	}
	if err := bcrypt.CompareHashAndPassword([]byte(tok.TokenHash), []byte(secret)); err != nil {
		return nil, shared.ErrInvalidToken
	}
	if err := s.repo.TouchToken(ctx, tok.ID); err != nil {
		s.logger.Warn("touch token", slog.Int64("token_id", tok.ID), slog.Any("error", err))
	}
	if s.reconciler != nil {
		if err := s.reconciler.Reconcile(ctx, claims.Claims{UserID: tok.UserID, Groups: tok.Groups}); err != nil {
			s.logger.Warn("reconcile claims", slog.Int64("user_id", tok.UserID), slog.Any("error", err))
		}
	}
	ident := &shared.Identity{UserID: tok.UserID}
	if len(tok.Flags) > 0 {
		ident.Flags = make(map[string]bool, len(tok.Flags))
		for _, f := range tok.Flags {
			ident.Flags[f] = true
		}
	}
	return ident, nil
}

// Revoke deactivates a token. Unknown ids are a no-op.
func (s *Service) Revoke(ctx context.Context, id int64) error {
	err := s.repo.DeactivateToken(ctx, id)
	if errors.Is(err, shared.ErrNotFound) {
		return nil
	}
	return err
}
