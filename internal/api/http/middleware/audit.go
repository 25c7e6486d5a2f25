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
	"strconv"
	"time"

	"github.com/cloudwego/hertz/pkg/app"

	"agentd/pkg/log"
	"agentd/pkg/metrics"
)

// AccessLog 记录每个 API 请求的方法、路由、状态码与耗时，并更新请求指标
func AccessLog(logger *log.Logger) app.HandlerFunc {
	logger = log.OrDefault(logger)
	return func(ctx context.Context, c *app.RequestContext) {
		start := time.Now()
		c.Next(ctx)

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		method := string(c.Method())
		code := c.Response.StatusCode()
		elapsed := time.Since(start)
		metrics.HTTPRequestsTotal.WithLabelValues(method, route, strconv.Itoa(code)).Inc()
		metrics.HTTPRequestDuration.WithLabelValues(method, route).Observe(elapsed.Seconds())

		fields := []any{"method", method, "path", string(c.Path()), "status", code, "duration", elapsed}
		if id, ok := c.Get(IdentityKey); ok {
			fields = append(fields, "client_id", id)
		}
		if code >= 500 {
			logger.Warn("API 请求失败", fields...)
			return
		}
		logger.Debug("API 请求", fields...)
	}
}
