// Copyright 2018 The gVisor Authors.
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

// rateLimitedLogger passes through at most one message per interval and
// counts the rest. The count is appended to the next message that gets out.
type rateLimitedLogger struct {
	logger     DepthLogger
	limit      *rate.Limiter
	suppressed atomic.Uint64
}

// logf logs on behalf of the caller of its own caller.
func (rl *rateLimitedLogger) logf(level Level, format string, v []any) {
	if !rl.limit.Allow() {
		rl.suppressed.Add(1)
		return
	}
	if n := rl.suppressed.Swap(0); n > 0 {
		format += " (%d similar messages suppressed)"
		v = append(v[:len(v):len(v)], n)
	}
	switch level {
	case Debug:
		rl.logger.DebugfAtDepth(2, format, v...)
	case Info:
		rl.logger.InfofAtDepth(2, format, v...)
	default:
		rl.logger.WarningfAtDepth(2, format, v...)
	}
}

// Debugf implements Logger.Debugf.
func (rl *rateLimitedLogger) Debugf(format string, v ...any) {
	if rl.logger.IsLogging(Debug) {
		rl.logf(Debug, format, v)
	}
}

// Infof implements Logger.Infof.
func (rl *rateLimitedLogger) Infof(format string, v ...any) {
	if rl.logger.IsLogging(Info) {
		rl.logf(Info, format, v)
	}
}

// Warningf implements Logger.Warningf.
func (rl *rateLimitedLogger) Warningf(format string, v ...any) {
	rl.logf(Warning, format, v)
}

// IsLogging implements Logger.IsLogging.
func (rl *rateLimitedLogger) IsLogging(level Level) bool {
	return rl.logger.IsLogging(level)
}

// BasicRateLimitedLogger returns a Logger that logs to the global logger at
// most once per every.
func BasicRateLimitedLogger(every time.Duration) Logger {
	return RateLimitedLogger(Log(), every)
}

// RateLimitedLogger returns a Logger that logs to logger at most once per
// every. Messages in between are dropped, and the next message that is
// logged says how many were.
func RateLimitedLogger(logger Logger, every time.Duration) Logger {
	dl, ok := logger.(DepthLogger)
	if !ok {
		dl = depthless{logger}
	}
	return &rateLimitedLogger{
		logger: dl,
		limit:  rate.NewLimiter(rate.Every(every), 1),
	}
}

// depthless adapts a Logger without depth support. Messages are attributed to
// wherever logger attributes them.
type depthless struct {
	Logger
}

func (d depthless) DebugfAtDepth(_ int, format string, v ...any) {
	d.Debugf(format, v...)
}

func (d depthless) InfofAtDepth(_ int, format string, v ...any) {
	d.Infof(format, v...)
}

func (d depthless) WarningfAtDepth(_ int, format string, v ...any) {
	d.Warningf(format, v...)
}
