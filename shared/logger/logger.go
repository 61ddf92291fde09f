// Copyright 2025 PuddleJumper
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

// Package logger emits one JSON object per line to stdout. Every entry
// carries the operator and request identifiers so a submission can be traced
// from authorization through decision to dispatch.
package logger

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"
)

// Level orders severities for threshold filtering.
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

var levelNames = map[Level]string{
	LevelDebug: "DEBUG",
	LevelInfo:  "INFO",
	LevelWarn:  "WARN",
	LevelError: "ERROR",
}

// ParseLevel maps a LOG_LEVEL value to a threshold. Unknown values mean info.
func ParseLevel(s string) Level {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "DEBUG":
		return LevelDebug
	case "WARN", "WARNING":
		return LevelWarn
	case "ERROR":
		return LevelError
	default:
		return LevelInfo
	}
}

// entry is the wire shape of one log line.
type entry struct {
	Timestamp  string                 `json:"timestamp"`
	Level      string                 `json:"level"`
	Component  string                 `json:"component"`
	Host       string                 `json:"host"`
	OperatorID string                 `json:"operator_id,omitempty"`
	RequestID  string                 `json:"request_id,omitempty"`
	Message    string                 `json:"message"`
	Fields     map[string]interface{} `json:"fields,omitempty"`
}

// Logger writes structured log lines for one component. Safe for concurrent
// use.
type Logger struct {
	component string
	host      string
	min       Level

	mu  sync.Mutex
	out io.Writer
}

// New creates a logger for the named component. The threshold comes from
// LOG_LEVEL and the host tag from the hostname, which under Docker is the
// container ID.
func New(component string) *Logger {
	host, err := os.Hostname()
	if err != nil {
		host = "unknown"
	}
	return &Logger{
		component: component,
		host:      host,
		min:       ParseLevel(os.Getenv("LOG_LEVEL")),
		out:       os.Stdout,
	}
}

// SetOutput redirects log lines. Tests only.
func (l *Logger) SetOutput(w io.Writer) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.out = w
}

// SetLevel overrides the threshold from LOG_LEVEL.
func (l *Logger) SetLevel(min Level) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.min = min
}

func (l *Logger) log(level Level, operatorID, requestID, message string, fields map[string]interface{}) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if level < l.min {
		return
	}

	e := entry{
		Timestamp:  time.Now().UTC().Format(time.RFC3339Nano),
		Level:      levelNames[level],
		Component:  l.component,
		Host:       l.host,
		OperatorID: operatorID,
		RequestID:  requestID,
		Message:    message,
		Fields:     fields,
	}

	data, err := json.Marshal(e)
	if err != nil {
		// A field defeated the encoder; the message still has to land.
		fmt.Fprintf(l.out, `{"level":"ERROR","component":%q,"message":"log entry not serializable: %v"}`+"\n", l.component, err)
		return
	}
	data = append(data, '\n')
	_, _ = l.out.Write(data)
}

// Debug logs at debug level, filtered out unless LOG_LEVEL=DEBUG.
func (l *Logger) Debug(operatorID, requestID, message string, fields map[string]interface{}) {
	l.log(LevelDebug, operatorID, requestID, message, fields)
}

// Info logs at info level.
func (l *Logger) Info(operatorID, requestID, message string, fields map[string]interface{}) {
	l.log(LevelInfo, operatorID, requestID, message, fields)
}

// Warn logs at warn level.
func (l *Logger) Warn(operatorID, requestID, message string, fields map[string]interface{}) {
	l.log(LevelWarn, operatorID, requestID, message, fields)
}

// Error logs at error level.
func (l *Logger) Error(operatorID, requestID, message string, fields map[string]interface{}) {
	l.log(LevelError, operatorID, requestID, message, fields)
}
