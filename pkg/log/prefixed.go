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

// prefixed logs to the global logger with a fixed prefix on every message.
// It looks the global logger up on each call so that it follows SetTarget.
type prefixed struct {
	prefix string
}

// Prefixed returns a DepthLogger that logs to the global logger, prepending prefix
// to every message. Callers are attributed to the caller of the returned
// Logger.
func Prefixed(prefix string) DepthLogger {
	return prefixed{prefix: prefix}
}

func (p prefixed) args(v []any) []any {
	return append([]any{p.prefix}, v...)
}

// Debugf implements Logger.Debugf.
func (p prefixed) Debugf(format string, v ...any) {
	p.DebugfAtDepth(1, format, v...)
}

// Infof implements Logger.Infof.
func (p prefixed) Infof(format string, v ...any) {
	p.InfofAtDepth(1, format, v...)
}

// Warningf implements Logger.Warningf.
func (p prefixed) Warningf(format string, v ...any) {
	p.WarningfAtDepth(1, format, v...)
}

// DebugfAtDepth implements DepthLogger.DebugfAtDepth.
func (p prefixed) DebugfAtDepth(depth int, format string, v ...any) {
	Log().DebugfAtDepth(1+depth, "%s"+format, p.args(v)...)
}

// InfofAtDepth implements DepthLogger.InfofAtDepth.
func (p prefixed) InfofAtDepth(depth int, format string, v ...any) {
	Log().InfofAtDepth(1+depth, "%s"+format, p.args(v)...)
}

// WarningfAtDepth implements DepthLogger.WarningfAtDepth.
func (p prefixed) WarningfAtDepth(depth int, format string, v ...any) {
	Log().WarningfAtDepth(1+depth, "%s"+format, p.args(v)...)
}

// IsLogging implements Logger.IsLogging.
func (p prefixed) IsLogging(level Level) bool {
	return Log().IsLogging(level)
}
