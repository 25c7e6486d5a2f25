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

package eventbus

import (
	"github.com/ThreeDotsLabs/watermill"

	"agentd/pkg/log"
)

// watermillLogger 把 watermill 日志转到 slog；watermill 的 Info 较多，降为 Debug
type watermillLogger struct {
	l *log.Logger
}

func newWatermillLogger(l *log.Logger) watermill.LoggerAdapter {
	return &watermillLogger{l: l}
}

func args(fields watermill.LogFields) []any {
	out := make([]any, 0, len(fields)*2)
	for k, v := range fields {
		out = append(out, k, v)
	}
	return out
}

func (w *watermillLogger) Error(msg string, err error, fields watermill.LogFields) {
	w.l.Error(msg, append(args(fields), "error", err)...)
}

func (w *watermillLogger) Info(msg string, fields watermill.LogFields) {
	w.l.Debug(msg, args(fields)...)
}

func (w *watermillLogger) Debug(msg string, fields watermill.LogFields) {
	w.l.Debug(msg, args(fields)...)
}

func (w *watermillLogger) Trace(msg string, fields watermill.LogFields) {
	w.l.Debug(msg, args(fields)...)
}

func (w *watermillLogger) With(fields watermill.LogFields) watermill.LoggerAdapter {
	return &watermillLogger{l: w.l.With(args(fields)...)}
}

var _ watermill.LoggerAdapter = &watermillLogger{}
