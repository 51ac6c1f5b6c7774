package service

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"

	"github.com/wfunc/serial-bridge/internal/config"
	"github.com/wfunc/serial-bridge/internal/utils"
	"go.uber.org/zap"
)

var (
	ErrInvalidCredentials = errors.New("用户名或密码错误")
	ErrInvalidToken       = errors.New("无效的令牌")
	ErrAuthNotConfigured  = errors.New("管理接口未配置登录凭据")
)

// RoleAdmin 管理员角色
const RoleAdmin = "admin"

// AuthService 认证服务接口
type AuthService interface {
	Login(ctx context.Context, req *LoginRequest) (*AuthResponse, error)
	RefreshToken(ctx context.Context, refreshToken string) (*AuthResponse, error)
	ValidateToken(ctx context.Context, token string) (*TokenClaims, error)
}

// LoginRequest 登录请求
type LoginRequest struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
}

// AuthResponse 认证响应
type AuthResponse struct {
	Username     string `json:"username"`
	Role         string `json:"role"`
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token,omitempty"`
	ExpiresIn    int64  `json:"expires_in"`
	TokenType    string `json:"token_type"`
}

// TokenClaims 验证后的令牌信息
type TokenClaims struct {
	Username  string `json:"username"`
	Role      string `json:"role"`
	SessionID string `json:"session_id"`
	IssuedAt  int64  `json:"issued_at"`
	ExpiresAt int64  `json:"expires_at"`
}

// adminAuthService 基于配置的单管理员认证服务
// 凭据来自配置文件，不依赖用户数据库。
type adminAuthService struct {
	username     string
	passwordHash string
	jwtManager   *utils.JWTManager
	log          *zap.Logger
}

// NewAuthService 创建认证服务
func NewAuthService(cfg *config.AdminConfig, jwtManager *utils.JWTManager, log *zap.Logger) AuthService {
	return &adminAuthService{
		username:     cfg.Username,
		passwordHash: cfg.PasswordHash,
		jwtManager:   jwtManager,
		log:          log,
	}
}

// Login 管理员登录
func (s *adminAuthService) Login(ctx context.Context, req *LoginRequest) (*AuthResponse, error) {
	if s.username == "" || s.passwordHash == "" {
		return nil, ErrAuthNotConfigured
	}

	// 用户名和密码都走恒定时间比较，避免枚举
	usernameMatch := subtle.ConstantTimeCompare([]byte(req.Username), []byte(s.username)) == 1

	passwordMatch, err := utils.VerifyPassword(req.Password, s.passwordHash)
	if err != nil {
		s.log.Error("Password hash verification failed", zap.Error(err))
		return nil, ErrInvalidCredentials
	}

	if !usernameMatch || !passwordMatch {
		s.log.Warn("Login attempt rejected", zap.String("username", req.Username))
		return nil, ErrInvalidCredentials
	}

	sessionID, err := utils.GenerateSessionID()
	if err != nil {
		return nil, fmt.Errorf("生成会话ID失败: %w", err)
	}

	accessToken, err := s.jwtManager.GenerateAccessToken(s.username, RoleAdmin, sessionID)
	if err != nil {
		return nil, fmt.Errorf("生成访问令牌失败: %w", err)
	}

	refreshToken, err := s.jwtManager.GenerateRefreshToken(s.username, sessionID)
	if err != nil {
		return nil, fmt.Errorf("生成刷新令牌失败: %w", err)
	}

	s.log.Info("Admin logged in successfully", zap.String("username", s.username))

	return &AuthResponse{
		Username:     s.username,
		Role:         RoleAdmin,
		AccessToken:  accessToken,
		RefreshToken: refreshToken,
		ExpiresIn:    int64(s.jwtManager.GetTokenExpiry("access").Seconds()),
		TokenType:    "Bearer",
	}, nil
}

// RefreshToken 刷新令牌
func (s *adminAuthService) RefreshToken(ctx context.Context, refreshToken string) (*AuthResponse, error) {
	claims, err := s.jwtManager.ValidateToken(refreshToken)
	if err != nil {
		return nil, ErrInvalidToken
	}

	if claims.TokenType != "refresh" {
		return nil, errors.New("不是刷新令牌")
	}

	// 配置中的管理员可能已更换
	if claims.Username != s.username {
		return nil, ErrInvalidToken
	}

	accessToken, err := s.jwtManager.GenerateAccessToken(s.username, RoleAdmin, claims.SessionID)
	if err != nil {
		return nil, fmt.Errorf("生成访问令牌失败: %w", err)
	}

	s.log.Info("Token refreshed successfully", zap.String("username", s.username))

	return &AuthResponse{
		Username:     s.username,
		Role:         RoleAdmin,
		AccessToken:  accessToken,
		RefreshToken: refreshToken,
		ExpiresIn:    int64(s.jwtManager.GetTokenExpiry("access").Seconds()),
		TokenType:    "Bearer",
	}, nil
}

// ValidateToken 验证令牌
func (s *adminAuthService) ValidateToken(ctx context.Context, token string) (*TokenClaims, error) {
	claims, err := s.jwtManager.ValidateToken(token)
	if err != nil {
		return nil, err
	}

	if claims.TokenType != "access" {
		return nil, ErrInvalidToken
	}

	if claims.Username != s.username {
		return nil, ErrInvalidToken
	}

	return &TokenClaims{
		Username:  claims.Username,
		Role:      claims.Role,
		SessionID: claims.SessionID,
		IssuedAt:  claims.IssuedAt.Unix(),
		ExpiresAt: claims.ExpiresAt.Unix(),
	}, nil
}
