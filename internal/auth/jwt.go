package auth

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"chatsync/internal/config"
)

// Claims 是 JWT 中的自定义声明，嵌入了 jwt.RegisteredClaims。
type Claims struct {
	UserID   string `json:"userId"`
	Username string `json:"username"`
	jwt.RegisteredClaims
}

// Identity 是当前登录身份：用户与后端签发给他的令牌。
type Identity struct {
	UserID   string
	Username string
	Token    string
}

// GenerateToken 为指定用户生成一个新的 JWT。
// 只在测试桩服务和测试中使用；正式环境令牌由后端签发。
func GenerateToken(userID, username string, authCfg config.AuthConfig) (string, error) {
	jwtID, err := uuid.NewRandom()
	if err != nil {
		return "", fmt.Errorf("生成 JWT ID 失败: %w", err)
	}

	expirationTime := time.Now().Add(authCfg.JWTExpiry)
	claims := &Claims{
		UserID:   userID,
		Username: username,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(expirationTime),
			ID:        jwtID.String(),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			Issuer:    "chatsync",
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	tokenString, err := token.SignedString([]byte(authCfg.JWTSecretKey))
	if err != nil {
		return "", fmt.Errorf("生成 JWT 失败: %w", err)
	}
	return tokenString, nil
}

// ValidateToken 验证给定的 JWT 字符串并返回其中的声明。
func ValidateToken(tokenString string, jwtKey string) (*Claims, error) {
	claims := &Claims{}

	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("非预期的签名算法: %v", token.Header["alg"])
		}
		return []byte(jwtKey), nil
	})
	if err != nil {
		return nil, fmt.Errorf("解析或验证 JWT 失败: %w", err)
	}
	if !token.Valid {
		return nil, fmt.Errorf("JWT 无效")
	}
	return claims, nil
}

// IdentityFromToken 从令牌中提取身份。
// jwtKey 非空时验证签名；为空时只解析声明——此时信任由签发方保证，
// 引擎拿到的令牌本来就是后端已经签发给当前用户的。
func IdentityFromToken(tokenString string, jwtKey string) (Identity, error) {
	var claims *Claims
	var err error
	if jwtKey != "" {
		claims, err = ValidateToken(tokenString, jwtKey)
	} else {
		claims = &Claims{}
		_, _, err = jwt.NewParser().ParseUnverified(tokenString, claims)
		if err != nil {
			err = fmt.Errorf("解析 JWT 失败: %w", err)
		}
	}
	if err != nil {
		return Identity{}, err
	}
	if claims.UserID == "" {
		return Identity{}, fmt.Errorf("JWT 缺少 userId 声明")
	}
	return Identity{UserID: claims.UserID, Username: claims.Username, Token: tokenString}, nil
}
