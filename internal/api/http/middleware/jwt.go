// Copyright 2026 fanjia1024
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package middleware

import (
	"context"
	"crypto/subtle"
	"time"

	"github.com/cloudwego/hertz/pkg/app"
	"github.com/cloudwego/hertz/pkg/protocol/consts"
	"github.com/hertz-contrib/jwt"

	"agentd/pkg/secrets"
)

// IdentityKey JWT claims 中的客户端标识
const IdentityKey = "client_id"

// ClientSecretPrefix API 客户端密钥在凭证存储中的前缀，完整键为 api_clients/<client_id>
const ClientSecretPrefix = "api_clients/"

type loginRequest struct {
	ClientID     string `json:"client_id"`
	ClientSecret string `json:"client_secret"`
}

// NewJWTAuth 创建 JWT 中间件；登录时以凭证存储中的客户端密钥校验 client_id/client_secret
func NewJWTAuth(key []byte, timeout, maxRefresh time.Duration, store secrets.Store) (*jwt.HertzJWTMiddleware, error) {
	return jwt.New(&jwt.HertzJWTMiddleware{
		Realm:       "agentd",
		Key:         key,
		Timeout:     timeout,
		MaxRefresh:  maxRefresh,
		IdentityKey: IdentityKey,
		PayloadFunc: func(data interface{}) jwt.MapClaims {
			if id, ok := data.(string); ok {
				return jwt.MapClaims{IdentityKey: id}
			}
			return jwt.MapClaims{}
		},
		IdentityHandler: func(ctx context.Context, c *app.RequestContext) interface{} {
			claims := jwt.ExtractClaims(ctx, c)
			return claims[IdentityKey]
		},
		Authenticator: func(ctx context.Context, c *app.RequestContext) (interface{}, error) {
			var req loginRequest
			if err := c.BindJSON(&req); err != nil || req.ClientID == "" || req.ClientSecret == "" {
				return nil, jwt.ErrMissingLoginValues
			}
			if store == nil {
				return nil, jwt.ErrFailedAuthentication
			}
			want, err := store.Get(ctx, ClientSecretPrefix+req.ClientID)
			if err != nil || subtle.ConstantTimeCompare([]byte(want), []byte(req.ClientSecret)) != 1 {
				return nil, jwt.ErrFailedAuthentication
			}
			return req.ClientID, nil
		},
		Unauthorized: func(ctx context.Context, c *app.RequestContext, code int, message string) {
			c.JSON(code, map[string]string{"error": message})
		},
		TokenLookup:   "header: Authorization",
		TokenHeadName: "Bearer",
		TimeFunc:      time.Now,
	})
}

// RequireIdentity 在 JWT 校验之后确保请求带有客户端标识
func RequireIdentity() app.HandlerFunc {
	return func(ctx context.Context, c *app.RequestContext) {
		if id, ok := c.Get(IdentityKey); !ok || id == nil || id == "" {
			c.JSON(consts.StatusUnauthorized, map[string]string{"error": "authentication required"})
			c.Abort()
			return
		}
		c.Next(ctx)
	}
}
