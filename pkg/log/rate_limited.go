// Copyright 2024 The gVisor Authors.
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

package log

import (
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

// rateLimitedLogger forwards at most as often as limit allows. Messages it
// drops are counted, and the count is appended to the next message that
// gets through.
type rateLimitedLogger struct {
	logger  Logger
	limit   *rate.Limiter
	dropped atomic.Uint64
}

// admit decides whether a message at level is forwarded, and returns the
// format and arguments to forward it with.
func (rl *rateLimitedLogger) admit(level Level, format string, v []any) (string, []any, bool) {
	// Messages below the logger's level never consume a token.
	if !rl.logger.IsLogging(level) {
		return "", nil, false
	}
	if !rl.limit.Allow() {
		rl.dropped.Add(1)
		return "", nil, false
	}
	if n := rl.dropped.Swap(0); n > 0 {
		return format + " (%d similar messages dropped)", append(v[:len(v):len(v)], n), true
	}
	return format, v, true
}

func (rl *rateLimitedLogger) Debugf(format string, v ...any) {
	if format, v, ok := rl.admit(Debug, format, v); ok {
		rl.logger.Debugf(format, v...)
	}
}

func (rl *rateLimitedLogger) Infof(format string, v ...any) {
	if format, v, ok := rl.admit(Info, format, v); ok {
		rl.logger.Infof(format, v...)
	}
}

func (rl *rateLimitedLogger) Warningf(format string, v ...any) {
	if format, v, ok := rl.admit(Warning, format, v); ok {
		rl.logger.Warningf(format, v...)
	}
}

func (rl *rateLimitedLogger) IsLogging(level Level) bool {
	return rl.logger.IsLogging(level)
}

// BasicRateLimitedLogger returns a Logger that logs to the global logger no
// more than once per the provided duration.
func BasicRateLimitedLogger(every time.Duration) Logger {
	return RateLimitedLogger(globalLogger{}, every)
}

// RateLimitedLogger returns a Logger that logs to the provided logger no more
// than once per the provided duration.
func RateLimitedLogger(logger Logger, every time.Duration) Logger {
	return &rateLimitedLogger{
		logger: logger,
		limit:  rate.NewLimiter(rate.Every(every), 1),
	}
}

// globalLogger is a Logger that resolves the global logger on every call, so
// that a rate-limited logger created before SetTarget follows the new target.
type globalLogger struct{}

func (globalLogger) Debugf(format string, v ...any) {
	Log().DebugfAtDepth(2, format, v...)
}

func (globalLogger) Infof(format string, v ...any) {
	Log().InfofAtDepth(2, format, v...)
}

func (globalLogger) Warningf(format string, v ...any) {
	Log().WarningfAtDepth(2, format, v...)
}

func (globalLogger) IsLogging(level Level) bool {
	return Log().IsLogging(level)
}
