package services

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/baharkarakas/paygate/internal/models"
	"github.com/baharkarakas/paygate/internal/processor"
	repo "github.com/baharkarakas/paygate/internal/repository"
)

type CreateBusinessRequest struct {
	Name   string                `json:"name"`
	Status models.BusinessStatus `json:"status"`
}

type CredentialsRequest struct {
	Environment    models.Environment   `json:"environment"`
	ShortCode      string               `json:"shortcode"`
	ShortCodeType  models.ShortCodeType `json:"shortcode_type"`
	CallbackURL    string               `json:"callback_url"`
	PublishableKey string               `json:"publishable_key"`
	Secrets        map[string]string    `json:"secrets"`
}

// BusinessService manages merchant configuration: app links, enabled
// methods, webhook target and processor credentials.
type BusinessService struct {
	apps       repo.Apps
	businesses repo.Businesses
	audit      repo.AuditLogs
	creds      CredentialStore
	adapters   Adapters
	timeout    time.Duration
	log        *zap.Logger
}

func NewBusinessService(d Deps) *BusinessService {
	return &BusinessService{
		apps:       d.Apps,
		businesses: d.Businesses,
		audit:      d.AuditLogs,
		creds:      d.Credentials,
		adapters:   d.Adapters,
		timeout:    d.timeout(),
		log:        d.Log.Named("businesses"),
	}
}

func (s *BusinessService) Create(ctx context.Context, req CreateBusinessRequest) (models.Business, error) {
	b := models.Business{Name: req.Name, Status: req.Status}
	if err := b.Validate(); err != nil {
		return models.Business{}, newError(ErrCodeInvalidRequest, err.Error(), err)
	}
	out, err := s.businesses.Create(ctx, b)
	if err != nil {
		return models.Business{}, internal("create business", err)
	}
	s.log.Info("business created", zap.String("business_id", out.ID))
	return out, nil
}

func (s *BusinessService) Get(ctx context.Context, id string) (models.Business, error) {
	b, err := s.businesses.GetByID(ctx, id)
	if errors.Is(err, repo.ErrNotFound) {
		return models.Business{}, newError(ErrCodeBusinessNotFound, "business not found", nil)
	}
	if err != nil {
		return models.Business{}, internal("load business", err)
	}
	return b, nil
}

// RequireAppAccess fails unless appID holds an active link to the business.
func (s *BusinessService) RequireAppAccess(ctx context.Context, businessID, appID string) (models.Business, error) {
	b, err := s.Get(ctx, businessID)
	if err != nil {
		return models.Business{}, err
	}
	if !b.AppActive(appID) {
		return models.Business{}, newError(ErrCodeAppNotLinked, "app is not linked to this business", nil)
	}
	return b, nil
}

func (s *BusinessService) LinkApp(ctx context.Context, businessID, appID string, status models.AppLinkStatus) error {
	if status == "" {
		status = models.AppLinkActive
	}
	if status != models.AppLinkActive && status != models.AppLinkInactive {
		return newError(ErrCodeInvalidRequest, fmt.Sprintf("invalid link status %q", status), nil)
	}
	if _, err := s.apps.GetByID(ctx, appID); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return newError(ErrCodeInvalidRequest, "app not found", nil)
		}
		return internal("load app", err)
	}
	err := s.businesses.LinkApp(ctx, businessID, appID, status)
	if errors.Is(err, repo.ErrNotFound) {
		return newError(ErrCodeBusinessNotFound, "business not found", nil)
	}
	if err != nil {
		return internal("link app", err)
	}
	return nil
}

func (s *BusinessService) UpsertMethod(ctx context.Context, businessID string, m models.MethodConfig) error {
	if !m.Method.Valid() {
		return newError(ErrCodeInvalidRequest, fmt.Sprintf("unsupported payment method %q", m.Method), nil)
	}
	if m.FeePercentage.IsNegative() || m.FeePercentage.GreaterThan(decimal.NewFromInt(100)) {
		return newError(ErrCodeInvalidRequest, "fee_percentage must be between 0 and 100", nil)
	}
	if m.FeeFixed.IsNegative() {
		return newError(ErrCodeInvalidRequest, "fee_fixed must not be negative", nil)
	}
	err := s.businesses.UpsertMethod(ctx, businessID, m)
	if errors.Is(err, repo.ErrNotFound) {
		return newError(ErrCodeBusinessNotFound, "business not found", nil)
	}
	if err != nil {
		return internal("upsert method", err)
	}
	return nil
}

func (s *BusinessService) SetWebhook(ctx context.Context, businessID, rawURL, secret string) error {
	rawURL = strings.TrimSpace(rawURL)
	if rawURL != "" {
		u, err := url.Parse(rawURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return newError(ErrCodeInvalidRequest, "webhook_url must be an absolute http(s) URL", err)
		}
	}
	err := s.businesses.SetWebhook(ctx, businessID, rawURL, secret)
	if errors.Is(err, repo.ErrNotFound) {
		return newError(ErrCodeBusinessNotFound, "business not found", nil)
	}
	if err != nil {
		return internal("set webhook", err)
	}
	return nil
}

// PutCredentials validates and stores the bundle for one method, replacing
// any previous one. The returned credential carries no secrets.
func (s *BusinessService) PutCredentials(ctx context.Context, businessID string, method models.PaymentMethod, req CredentialsRequest) (models.Credential, error) {
	if !method.Valid() || !method.NeedsCredentials() {
		return models.Credential{}, newError(ErrCodeInvalidRequest, fmt.Sprintf("%s takes no credentials", method), nil)
	}
	if _, err := s.Get(ctx, businessID); err != nil {
		return models.Credential{}, err
	}
	adapter, err := s.adapters.For(method)
	if err != nil {
		return models.Credential{}, newError(ErrCodeInvalidRequest, err.Error(), err)
	}
	env := req.Environment
	if env == "" {
		env = models.EnvSandbox
	}
	if env != models.EnvSandbox && env != models.EnvProduction {
		return models.Credential{}, newError(ErrCodeInvalidRequest, fmt.Sprintf("invalid environment %q", env), nil)
	}
	cred := models.Credential{
		BusinessID:     businessID,
		Method:         method,
		Environment:    env,
		ShortCode:      strings.TrimSpace(req.ShortCode),
		ShortCodeType:  req.ShortCodeType,
		CallbackURL:    strings.TrimSpace(req.CallbackURL),
		PublishableKey: strings.TrimSpace(req.PublishableKey),
		Active:         true,
		Secrets:        req.Secrets,
	}
	if err := adapter.CheckCredentials(cred); err != nil {
		return models.Credential{}, newError(ErrCodeCredentialsInvalid, err.Error(), err)
	}
	out, err := s.creds.Put(ctx, cred)
	if err != nil {
		return models.Credential{}, internal("store credentials", err)
	}
	// secret names only, never values
	names := make([]string, 0, len(req.Secrets))
	for k := range req.Secrets {
		names = append(names, k)
	}
	writeAudit(ctx, s.audit, s.log, models.EntityCredential, out.ID, models.ActionCreated, map[string]any{
		"business_id": businessID, "method": method, "environment": env, "secrets": names,
	})
	return out, nil
}

func (s *BusinessService) DeleteCredentials(ctx context.Context, businessID string, method models.PaymentMethod) error {
	err := s.creds.Delete(ctx, businessID, method)
	if errors.Is(err, repo.ErrNotFound) {
		return newError(ErrCodeCredentialsMissing, fmt.Sprintf("no %s credentials configured", method), nil)
	}
	if err != nil {
		return internal("delete credentials", err)
	}
	writeAudit(ctx, s.audit, s.log, models.EntityCredential, businessID+"/"+string(method), models.ActionStatusChange, map[string]any{
		"deleted": true,
	})
	return nil
}

// VerifyCredentials asks the processor whether the stored bundle works.
// A rejected bundle is a Result with Success false, not an error.
func (s *BusinessService) VerifyCredentials(ctx context.Context, businessID string, method models.PaymentMethod) (processor.Result, error) {
	adapter, err := s.adapters.For(method)
	if err != nil {
		return processor.Result{}, newError(ErrCodeInvalidRequest, err.Error(), err)
	}
	cred, err := credentialsFor(ctx, s.creds, adapter, businessID, method)
	if err != nil {
		return processor.Result{}, err
	}
	callCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	res, err := adapter.VerifyCredentials(callCtx, cred)
	if err != nil {
		return processor.Result{}, newError(ErrCodeCredentialsInvalid, err.Error(), err)
	}
	return res, nil
}
