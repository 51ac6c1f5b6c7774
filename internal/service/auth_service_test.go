package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"
	"github.com/wfunc/serial-bridge/internal/config"
	"github.com/wfunc/serial-bridge/internal/utils"
	"go.uber.org/zap"
)

// AuthServiceTestSuite 认证服务测试套件
type AuthServiceTestSuite struct {
	suite.Suite
	authService AuthService
	jwtManager  *utils.JWTManager
}

// SetupSuite 设置测试套件
func (suite *AuthServiceTestSuite) SetupSuite() {
	hash, err := utils.HashPassword("correct-horse")
	suite.Require().NoError(err)

	cfg := &config.AdminConfig{
		Username:     "operator",
		PasswordHash: hash,
	}

	suite.jwtManager = utils.NewJWTManager("test-secret", 1*time.Hour, 24*time.Hour)
	suite.authService = NewAuthService(cfg, suite.jwtManager, zap.NewNop())
}

// 测试登录成功
func (suite *AuthServiceTestSuite) TestLoginSuccess() {
	resp, err := suite.authService.Login(context.Background(), &LoginRequest{
		Username: "operator",
		Password: "correct-horse",
	})
	suite.NoError(err)
	suite.NotNil(resp)
	suite.Equal("operator", resp.Username)
	suite.Equal(RoleAdmin, resp.Role)
	suite.NotEmpty(resp.AccessToken)
	suite.NotEmpty(resp.RefreshToken)
	suite.Equal("Bearer", resp.TokenType)
	suite.Equal(int64(3600), resp.ExpiresIn)
}

// 测试密码错误
func (suite *AuthServiceTestSuite) TestLoginWrongPassword() {
	resp, err := suite.authService.Login(context.Background(), &LoginRequest{
		Username: "operator",
		Password: "wrong-password",
	})
	suite.ErrorIs(err, ErrInvalidCredentials)
	suite.Nil(resp)
}

// 测试用户名错误
func (suite *AuthServiceTestSuite) TestLoginWrongUsername() {
	resp, err := suite.authService.Login(context.Background(), &LoginRequest{
		Username: "intruder",
		Password: "correct-horse",
	})
	suite.ErrorIs(err, ErrInvalidCredentials)
	suite.Nil(resp)
}

// 测试未配置凭据时拒绝登录
func (suite *AuthServiceTestSuite) TestLoginNotConfigured() {
	svc := NewAuthService(&config.AdminConfig{}, suite.jwtManager, zap.NewNop())

	resp, err := svc.Login(context.Background(), &LoginRequest{
		Username: "operator",
		Password: "correct-horse",
	})
	suite.ErrorIs(err, ErrAuthNotConfigured)
	suite.Nil(resp)
}

// 测试令牌验证
func (suite *AuthServiceTestSuite) TestValidateToken() {
	resp, err := suite.authService.Login(context.Background(), &LoginRequest{
		Username: "operator",
		Password: "correct-horse",
	})
	suite.Require().NoError(err)

	claims, err := suite.authService.ValidateToken(context.Background(), resp.AccessToken)
	suite.NoError(err)
	suite.Equal("operator", claims.Username)
	suite.Equal(RoleAdmin, claims.Role)
	suite.NotEmpty(claims.SessionID)
	suite.Greater(claims.ExpiresAt, claims.IssuedAt)
}

// 测试刷新令牌不能当访问令牌用
func (suite *AuthServiceTestSuite) TestValidateRejectsRefreshToken() {
	resp, err := suite.authService.Login(context.Background(), &LoginRequest{
		Username: "operator",
		Password: "correct-horse",
	})
	suite.Require().NoError(err)

	claims, err := suite.authService.ValidateToken(context.Background(), resp.RefreshToken)
	suite.ErrorIs(err, ErrInvalidToken)
	suite.Nil(claims)
}

// 测试验证无效令牌
func (suite *AuthServiceTestSuite) TestValidateInvalidToken() {
	claims, err := suite.authService.ValidateToken(context.Background(), "garbage.token.value")
	suite.Error(err)
	suite.Nil(claims)
}

// 测试刷新令牌
func (suite *AuthServiceTestSuite) TestRefreshToken() {
	loginResp, err := suite.authService.Login(context.Background(), &LoginRequest{
		Username: "operator",
		Password: "correct-horse",
	})
	suite.Require().NoError(err)

	resp, err := suite.authService.RefreshToken(context.Background(), loginResp.RefreshToken)
	suite.NoError(err)
	suite.NotEmpty(resp.AccessToken)

	// 新令牌沿用原会话
	claims, err := suite.authService.ValidateToken(context.Background(), resp.AccessToken)
	suite.NoError(err)
	suite.NotEmpty(claims.SessionID)
}

// 测试访问令牌不能用于刷新
func (suite *AuthServiceTestSuite) TestRefreshRejectsAccessToken() {
	loginResp, err := suite.authService.Login(context.Background(), &LoginRequest{
		Username: "operator",
		Password: "correct-horse",
	})
	suite.Require().NoError(err)

	resp, err := suite.authService.RefreshToken(context.Background(), loginResp.AccessToken)
	suite.Error(err)
	suite.Nil(resp)
}

// 测试管理员更换后旧令牌失效
func (suite *AuthServiceTestSuite) TestTokenInvalidAfterAdminChange() {
	loginResp, err := suite.authService.Login(context.Background(), &LoginRequest{
		Username: "operator",
		Password: "correct-horse",
	})
	suite.Require().NoError(err)

	hash, _ := utils.HashPassword("another-pass")
	replaced := NewAuthService(&config.AdminConfig{
		Username:     "new-operator",
		PasswordHash: hash,
	}, suite.jwtManager, zap.NewNop())

	claims, err := replaced.ValidateToken(context.Background(), loginResp.AccessToken)
	suite.ErrorIs(err, ErrInvalidToken)
	suite.Nil(claims)
}

func TestAuthServiceTestSuite(t *testing.T) {
	suite.Run(t, new(AuthServiceTestSuite))
}
