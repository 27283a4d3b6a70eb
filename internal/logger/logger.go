// Package logger keeps a bounded, thread-safe history of ledger activity for
// the API and the dashboard feed.
package logger

import (
	"fmt"
	"sync"
	"time"
)

const (
	LevelInfo    = "info"
	LevelWarning = "warning"
	LevelError   = "error"
)

// Message is one activity entry. Operation, Signer, Amount and Code are set
// for entries produced by ledger calls and empty for free-form notes.
type Message struct {
	Timestamp time.Time `json:"timestamp"`
	Level     string    `json:"level"`
	Text      string    `json:"text"`
	Operation string    `json:"operation,omitempty"`
	Signer    string    `json:"signer,omitempty"`
	Amount    uint64    `json:"amount,omitempty"`
	Code      string    `json:"code,omitempty"`
}

// Logger retains the most recent maxSize messages.
type Logger struct {
	mu       sync.RWMutex
	messages []Message
	maxSize  int
	now      func() time.Time
}

func New(maxSize int) *Logger {
	if maxSize <= 0 {
		maxSize = 1
	}
	return &Logger{
		messages: make([]Message, 0, maxSize),
		maxSize:  maxSize,
		now:      time.Now,
	}
}

func (l *Logger) append(msg Message) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if msg.Timestamp.IsZero() {
		msg.Timestamp = l.now()
	}
	l.messages = append(l.messages, msg)
	if len(l.messages) > l.maxSize {
		l.messages = l.messages[len(l.messages)-l.maxSize:]
	}
}

// Log adds a free-form message.
func (l *Logger) Log(level, text string) {
	l.append(Message{Level: level, Text: text})
}

func (l *Logger) Info(text string)    { l.Log(LevelInfo, text) }
func (l *Logger) Warning(text string) { l.Log(LevelWarning, text) }
func (l *Logger) Error(text string)   { l.Log(LevelError, text) }

// Operation records the outcome of a ledger call. code is "OK" on success.
func (l *Logger) Operation(op, signer string, amount uint64, code string) {
	level := LevelInfo
	text := fmt.Sprintf("%s by %s", op, shortKey(signer))
	if amount > 0 {
		text = fmt.Sprintf("%s of %d by %s", op, amount, shortKey(signer))
	}
	if code != "OK" {
		level = LevelWarning
		text += " failed: " + code
	}
	l.append(Message{Level: level, Text: text, Operation: op, Signer: signer, Amount: amount, Code: code})
}

// GetRecent returns up to n messages, newest first.
func (l *Logger) GetRecent(n int) []Message {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if n < 0 || n > len(l.messages) {
		n = len(l.messages)
	}
	out := make([]Message, n)
	for i := 0; i < n; i++ {
		out[i] = l.messages[len(l.messages)-1-i]
	}
	return out
}

// GetAll returns every retained message, newest first.
func (l *Logger) GetAll() []Message {
	return l.GetRecent(-1)
}

func shortKey(key string) string {
	if len(key) <= 12 {
		return key
	}
	return key[:6] + "…" + key[len(key)-4:]
}
