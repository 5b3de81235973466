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
	"fmt"
	"os"
	"runtime"
	"strconv"
	"strings"
	"time"
)

// GoogleEmitter prefixes messages with a glog header and passes them on.
//
// Headers have this form:
//
//	Lmmdd hh:mm:ss.uuuuuu pid file:line] msg
//
// where L is the level (D, I or W) and pid is space-padded to seven digits.
type GoogleEmitter struct {
	// Emitter receives the message with the header prepended.
	Emitter
}

// pid is the header's pid field.
var pid = fmt.Sprintf("%7d", os.Getpid())

var levelChars = [...]byte{Warning: 'W', Info: 'I', Debug: 'D'}

// Emit implements Emitter.Emit.
func (g GoogleEmitter) Emit(depth int, level Level, timestamp time.Time, format string, args ...any) {
	b := make([]byte, 0, 64+len(format))
	if int(level) < len(levelChars) {
		b = append(b, levelChars[level])
	} else {
		b = append(b, '?')
	}
	b = timestamp.AppendFormat(b, "0102 15:04:05.000000 ")
	b = append(b, pid...)
	b = append(b, ' ')
	if _, file, line, ok := runtime.Caller(depth + 1); ok {
		b = append(b, file[strings.LastIndexByte(file, '/')+1:]...)
		b = append(b, ':')
		b = strconv.AppendInt(b, int64(line), 10)
	} else {
		b = append(b, "???:0"...)
	}
	b = append(b, "] "...)
	b = append(b, format...)
	b = append(b, '\n')
	g.Emitter.Emit(depth+1, level, timestamp, string(b), args...)
}
