package services

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/baharkarakas/paygate/internal/auth"
	"github.com/baharkarakas/paygate/internal/models"
	repo "github.com/baharkarakas/paygate/internal/repository"
)

// AppService registers API consumers and exchanges their secret for tokens.
type AppService struct {
	apps repo.Apps
	tm   *auth.TokenManager
	log  *zap.Logger
}

func NewAppService(d Deps, tm *auth.TokenManager) *AppService {
	return &AppService{apps: d.Apps, tm: tm, log: d.Log.Named("apps")}
}

// Register creates an app and returns its plaintext secret. The secret is
// not recoverable afterwards.
func (s *AppService) Register(ctx context.Context, name string) (models.App, string, error) {
	a := models.App{ID: uuid.NewString(), Name: name}
	if err := a.Validate(); err != nil {
		return models.App{}, "", newError(ErrCodeInvalidRequest, err.Error(), err)
	}
	secret, err := auth.GenerateSecret()
	if err != nil {
		return models.App{}, "", internal("generate secret", err)
	}
	a.SecretHash, err = auth.HashSecret(secret)
	if err != nil {
		return models.App{}, "", internal("hash secret", err)
	}
	out, err := s.apps.Create(ctx, a)
	if err != nil {
		return models.App{}, "", internal("create app", err)
	}
	s.log.Info("app registered", zap.String("app_id", out.ID))
	return out, secret, nil
}

func (s *AppService) Authenticate(ctx context.Context, appID, secret string) (auth.Pair, error) {
	a, err := s.apps.GetByID(ctx, appID)
	if errors.Is(err, repo.ErrNotFound) {
		return auth.Pair{}, newError(ErrCodeUnauthorized, "invalid app credentials", nil)
	}
	if err != nil {
		return auth.Pair{}, internal("load app", err)
	}
	if err := auth.VerifySecret(secret, a.SecretHash); err != nil {
		return auth.Pair{}, newError(ErrCodeUnauthorized, "invalid app credentials", nil)
	}
	if a.Status != models.AppActive {
		return auth.Pair{}, newError(ErrCodeUnauthorized, "app is inactive", nil)
	}
	return s.issue(a.ID)
}

func (s *AppService) Refresh(ctx context.Context, refreshToken string) (auth.Pair, error) {
	claims, err := s.tm.ParseRefresh(refreshToken)
	if err != nil {
		return auth.Pair{}, newError(ErrCodeUnauthorized, "invalid refresh token", err)
	}
	a, err := s.apps.GetByID(ctx, claims.AppID)
	if err != nil || a.Status != models.AppActive {
		return auth.Pair{}, newError(ErrCodeUnauthorized, "app is not active", err)
	}
	return s.issue(a.ID)
}

func (s *AppService) issue(appID string) (auth.Pair, error) {
	p, err := s.tm.GeneratePair(appID)
	if err != nil {
		return auth.Pair{}, internal("issue tokens", err)
	}
	return p, nil
}
