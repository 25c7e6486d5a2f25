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

// Package grpc 提供 gRPC 服务端：标准健康检查服务，状态跟随调度循环的存活情况。
package grpc

import (
	"context"
	"fmt"
	"net"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"agentd/pkg/log"
)

// ServiceName 健康检查中调度器的服务名；空服务名表示整个进程
const ServiceName = "agentd.Runtime"

// HealthSource 存活来源，由 runtime.Runtime 实现
type HealthSource interface {
	Healthy(maxAge time.Duration) bool
}

// Server gRPC 服务端
type Server struct {
	srv    *grpc.Server
	health *health.Server
	source HealthSource
	maxAge time.Duration
	logger *log.Logger
	lis    net.Listener
	done   chan struct{}
}

// NewServer 创建 gRPC Server 并注册健康检查服务
func NewServer(source HealthSource, maxAge time.Duration, logger *log.Logger) *Server {
	s := &Server{
		srv:    grpc.NewServer(),
		health: health.NewServer(),
		source: source,
		maxAge: maxAge,
		logger: log.OrDefault(logger),
		done:   make(chan struct{}),
	}
	healthpb.RegisterHealthServer(s.srv, s.health)
	s.Sync()
	return s
}

// Health 健康检查服务实现，测试可直接调用 Check
func (s *Server) Health() healthpb.HealthServer { return s.health }

// Sync 按当前存活状态刷新服务状态
func (s *Server) Sync() {
	st := healthpb.HealthCheckResponse_NOT_SERVING
	if s.source != nil && s.source.Healthy(s.maxAge) {
		st = healthpb.HealthCheckResponse_SERVING
	}
	s.health.SetServingStatus(ServiceName, st)
	s.health.SetServingStatus("", st)
}

// Start 在 port 上监听并在后台 Serve；状态每 interval 刷新一次
func (s *Server) Start(port int, interval time.Duration) error {
	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return err
	}
	s.lis = lis
	go func() {
		if err := s.srv.Serve(lis); err != nil {
			s.logger.Warn("gRPC 服务退出", "error", err)
		}
	}()
	go s.watch(interval)
	return nil
}

func (s *Server) watch(interval time.Duration) {
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			s.Sync()
		}
	}
}

// GracefulStop 标记为 NOT_SERVING 后优雅关闭，ctx 截止时强制停止
func (s *Server) GracefulStop(ctx context.Context) {
	select {
	case <-s.done:
		return
	default:
		close(s.done)
	}
	s.health.Shutdown()
	stopped := make(chan struct{})
	go func() {
		s.srv.GracefulStop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-ctx.Done():
		s.srv.Stop()
	}
}
