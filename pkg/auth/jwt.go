package auth

import (
	stderrors "errors"
	"time"

	"github.com/cmsadmin/pkg/config"
	"github.com/cmsadmin/pkg/errors"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// 令牌类型
const (
	KindAccess  = "access"
	KindRefresh = "refresh"
)

// refreshFactor 刷新令牌有效期为访问令牌的倍数
const refreshFactor = 24 * 7

// Claims JWT声明
type Claims struct {
	UserID string `json:"userId"`
	Email  string `json:"email"`
	Kind   string `json:"kind"`
	jwt.RegisteredClaims
}

// TokenPair 访问令牌与刷新令牌
type TokenPair struct {
	AccessToken  string    `json:"accessToken"`
	RefreshToken string    `json:"refreshToken"`
	ExpiresAt    time.Time `json:"expiresAt"`
}

// JWTManager JWT管理器
type JWTManager struct {
	secret   []byte
	issuer   string
	expireIn time.Duration
	now      func() time.Time
}

// NewJWTManager 创建JWT管理器
func NewJWTManager(cfg *config.JWTConfig) *JWTManager {
	expire := time.Duration(cfg.Expire) * time.Second
	if expire <= 0 {
		expire = time.Hour
	}
	return &JWTManager{
		secret:   []byte(cfg.Secret),
		issuer:   cfg.Issuer,
		expireIn: expire,
		now:      time.Now,
	}
}

// SetClock 替换时钟
func (m *JWTManager) SetClock(now func() time.Time) {
	m.now = now
}

// generate 签发单个令牌
func (m *JWTManager) generate(userID, email, kind string, ttl time.Duration) (string, time.Time, error) {
	now := m.now()
	exp := now.Add(ttl)
	claims := Claims{
		UserID: userID,
		Email:  email,
		Kind:   kind,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Issuer:    m.issuer,
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
		},
	}

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.secret)
	return token, exp, err
}

// GenerateTokens 签发访问令牌与刷新令牌
func (m *JWTManager) GenerateTokens(userID, email string) (*TokenPair, error) {
	access, exp, err := m.generate(userID, email, KindAccess, m.expireIn)
	if err != nil {
		return nil, err
	}
	refresh, _, err := m.generate(userID, email, KindRefresh, m.expireIn*refreshFactor)
	if err != nil {
		return nil, err
	}
	return &TokenPair{AccessToken: access, RefreshToken: refresh, ExpiresAt: exp}, nil
}

// ParseToken 解析并校验令牌类型
func (m *JWTManager) ParseToken(tokenString, kind string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		return m.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(m.now),
	)

	if err != nil {
		if stderrors.Is(err, jwt.ErrTokenExpired) {
			return nil, errors.ErrTokenExpired
		}
		return nil, errors.Wrap(err, errors.ErrTokenInvalid.Code, errors.ErrTokenInvalid.Message)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid || claims.Kind != kind || claims.UserID == "" {
		return nil, errors.ErrTokenInvalid
	}
	return claims, nil
}

// GetExpireIn 获取过期时间
func (m *JWTManager) GetExpireIn() time.Duration {
	return m.expireIn
}
