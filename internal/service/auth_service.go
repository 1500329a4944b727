package service

import (
	"buylist_backend/internal/config"
	"buylist_backend/internal/model"
	"buylist_backend/internal/repository"
	"buylist_backend/internal/util"
	"buylist_backend/pkg/logger"
	"context"
	"errors"
	"net/mail"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"
)

type AuthService struct {
	UserRepo *repository.UserRepository
	Cfg      *config.Config
	Revoker  TokenRevoker
	Resets   PasswordResetSender
}

func NewAuthService(userRepo *repository.UserRepository, cfg *config.Config, revoker TokenRevoker, resets PasswordResetSender) *AuthService {
	return &AuthService{
		UserRepo: userRepo,
		Cfg:      cfg,
		Revoker:  revoker,
		Resets:   resets,
	}
}

func (s *AuthService) Register(ctx context.Context, name, email, password string) (*model.User, error) {
	name = strings.TrimSpace(name)
	email = strings.ToLower(strings.TrimSpace(email))
	if name == "" || len(password) < 6 {
		return nil, util.NewValidation("user name and a password of at least 6 characters are required")
	}
	if _, err := mail.ParseAddress(email); err != nil {
		return nil, util.NewValidation("invalid email")
	}

	_, err := s.UserRepo.FindByEmail(ctx, email)
	if err == nil {
		return nil, &util.AppError{Kind: util.KindValidation, Msg: util.ErrEmailRegistered.Error(), Err: util.ErrEmailRegistered}
	} else if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}

	hashedPassword, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, err
	}
	user := &model.User{Name: name, Email: email, Password: string(hashedPassword)}
	if err := s.UserRepo.Create(ctx, user); err != nil {
		return nil, err
	}
	return user, nil
}

func (s *AuthService) Login(ctx context.Context, email, password string) (string, *model.User, error) {
	user, err := s.UserRepo.FindByEmail(ctx, strings.ToLower(strings.TrimSpace(email)))
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return "", nil, util.ErrInvalidCredentials
		}
		return "", nil, err
	}

	if err := bcrypt.CompareHashAndPassword([]byte(user.Password), []byte(password)); err != nil {
		return "", nil, util.ErrInvalidCredentials
	}

	token, err := util.GenerateJWT(user, s.Cfg.JWT.Secret, s.Cfg.JWT.ExpireTime)
	if err != nil {
		return "", nil, err
	}
	return token, user, nil
}

// Logout 吊销当前 token，直到它原本的过期时间
func (s *AuthService) Logout(ctx context.Context, claims *util.Claims) error {
	if claims == nil || claims.ID == "" {
		return util.NewValidation("token cannot be revoked")
	}
	ttl := s.Cfg.JWT.ExpireTime
	if claims.ExpiresAt != nil {
		ttl = time.Until(claims.ExpiresAt.Time)
	}
	if ttl <= 0 {
		return nil
	}
	if err := s.Revoker.Revoke(ctx, claims.ID, ttl); err != nil {
		return util.TryAgain(err)
	}
	logger.Log.Info("User signed out", zap.String("userId", claims.UserID))
	return nil
}

// Forget 为已注册的邮箱投递找回密码说明
func (s *AuthService) Forget(ctx context.Context, email string) error {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" {
		return util.NewValidation("email is required")
	}

	user, err := s.UserRepo.FindByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return util.NewNotFound("no user exists with such email")
		}
		return util.TryAgain(err)
	}
	if err := s.Resets.Send(ctx, user); err != nil {
		return util.TryAgain(err)
	}
	return nil
}
