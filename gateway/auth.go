// 版权所有 2026 AgentGate Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

package gateway

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/BaSui01/agentgate/types"
)

// Claims 是握手令牌中携带的会话身份。
type Claims struct {
	UserID      string
	TenantID    string
	Level       types.SecurityLevel
	Permissions []string
}

// AuthConfig 配置 JWT 校验。
type AuthConfig struct {
	Secret   string `yaml:"secret" json:"secret"`
	Issuer   string `yaml:"issuer" json:"issuer"`
	Audience string `yaml:"audience" json:"audience"`
}

// Authenticator 校验握手令牌并提取会话身份。
type Authenticator struct {
	cfg AuthConfig
}

// NewAuthenticator 创建认证器。
func NewAuthenticator(cfg AuthConfig) *Authenticator {
	return &Authenticator{cfg: cfg}
}

// Authenticate 解析并校验 HS256 令牌。
func (a *Authenticator) Authenticate(tokenStr string) (*Claims, error) {
	if tokenStr == "" {
		return nil, types.NewError(types.ErrCodePermissionDenied, "missing token")
	}
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{"HS256"})}
	if a.cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(a.cfg.Issuer))
	}
	if a.cfg.Audience != "" {
		opts = append(opts, jwt.WithAudience(a.cfg.Audience))
	}
	token, err := jwt.Parse(tokenStr, func(t *jwt.Token) (any, error) {
		return []byte(a.cfg.Secret), nil
	}, opts...)
	if err != nil {
		return nil, types.NewError(types.ErrCodePermissionDenied, "invalid token").WithCause(err)
	}
	mc, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil, types.NewError(types.ErrCodePermissionDenied, "invalid token claims")
	}

	claims := &Claims{}
	claims.UserID, _ = mc["sub"].(string)
	claims.TenantID, _ = mc["org"].(string)
	if lvl, ok := mc["level"].(string); ok {
		claims.Level = types.SecurityLevel(lvl)
	} else {
		claims.Level = types.LevelAuthenticated
	}
	if perms, ok := mc["permissions"].([]any); ok {
		for _, p := range perms {
			if s, ok := p.(string); ok {
				claims.Permissions = append(claims.Permissions, s)
			}
		}
	}
	if claims.UserID == "" || claims.TenantID == "" {
		return nil, types.NewError(types.ErrCodePermissionDenied, "token missing sub or org claim")
	}
	return claims, nil
}

// IssueToken 签发 HS256 令牌，供开发环境与测试使用。
func (a *Authenticator) IssueToken(claims Claims, ttl time.Duration) (string, error) {
	now := time.Now()
	mc := jwt.MapClaims{
		"sub":         claims.UserID,
		"org":         claims.TenantID,
		"level":       string(claims.Level),
		"permissions": claims.Permissions,
		"iat":         now.Unix(),
		"exp":         now.Add(ttl).Unix(),
	}
	if a.cfg.Issuer != "" {
		mc["iss"] = a.cfg.Issuer
	}
	if a.cfg.Audience != "" {
		mc["aud"] = a.cfg.Audience
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, mc)
	signed, err := token.SignedString([]byte(a.cfg.Secret))
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}
