package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// 错误定义
var (
	ErrTokenMissing = errors.New("auth: token missing")
	ErrTokenInvalid = errors.New("auth: token invalid")
	ErrTokenExpired = errors.New("auth: token expired")
)

// Claims JWT 载荷
type Claims struct {
	jwt.RegisteredClaims
	// UserID 已认证用户的唯一标识
	UserID string `json:"user_id"`
	// Role 角色标签（用于按角色广播）
	Role string `json:"role"`
}

// Session 验证通过后的会话信息
type Session struct {
	Identity  string    // 用户标识
	Role      string    // 角色标签
	ExpiresAt time.Time // Token 过期时间
}

// Verifier JWT 验证器
type Verifier struct {
	secret []byte
}

// NewVerifier 创建验证器
func NewVerifier(secret string) *Verifier {
	return &Verifier{secret: []byte(secret)}
}

// Verify 验证 Token 并返回会话信息
//
// 过期返回 ErrTokenExpired，签名或格式问题返回 ErrTokenInvalid，
// 空 Token 返回 ErrTokenMissing。
func (v *Verifier) Verify(tokenString string) (*Session, error) {
	if tokenString == "" {
		return nil, ErrTokenMissing
	}

	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return v.secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrTokenExpired
		}
		return nil, fmt.Errorf("%w: %w", ErrTokenInvalid, err)
	}
	if !token.Valid || claims.UserID == "" {
		return nil, ErrTokenInvalid
	}

	var expiresAt time.Time
	if claims.ExpiresAt != nil {
		expiresAt = claims.ExpiresAt.Time
	}

	return &Session{
		Identity:  claims.UserID,
		Role:      claims.Role,
		ExpiresAt: expiresAt,
	}, nil
}

// Generate 签发 Token
//
// 由网关在认证完成后调用，本服务自身仅在测试中使用。
func Generate(secret, userID, role string, ttl time.Duration) (string, error) {
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			Issuer:    "pulse",
		},
		UserID: userID,
		Role:   role,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(secret))
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}
