package manager

import (
	"bytes"
	"encoding/json"
	"strings"
	"sync"

	logx "userbotd/pkg/logx"
)

const stderrTailBytes = 8 << 10

// tailWriter keeps the last max bytes written and mirrors complete lines
// into log. JSON lines from the child keep their level and message.
type tailWriter struct {
	max int
	log logx.Logger

	mu      sync.Mutex
	buf     []byte
	partial []byte
}

func newTailWriter(max int, log logx.Logger) *tailWriter {
	return &tailWriter{max: max, log: log}
}

func (w *tailWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	w.buf = append(w.buf, p...)
	if over := len(w.buf) - w.max; over > 0 {
		w.buf = append(w.buf[:0], w.buf[over:]...)
	}
	w.partial = append(w.partial, p...)
	var lines [][]byte
	for {
		i := bytes.IndexByte(w.partial, '\n')
		if i < 0 {
			break
		}
		lines = append(lines, append([]byte(nil), w.partial[:i]...))
		w.partial = w.partial[i+1:]
	}
	if len(w.partial) > w.max {
		w.partial = w.partial[len(w.partial)-w.max:]
	}
	w.mu.Unlock()

	for _, l := range lines {
		mirror(w.log, l)
	}
	return len(p), nil
}

// String returns the captured tail.
func (w *tailWriter) String() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return strings.TrimSpace(string(w.buf))
}

type childLine struct {
	Level   string `json:"level"`
	Message string `json:"message"`
}

func mirror(log logx.Logger, line []byte) {
	line = bytes.TrimSpace(line)
	if len(line) == 0 {
		return
	}
	var cl childLine
	if line[0] == '{' && json.Unmarshal(line, &cl) == nil && cl.Message != "" {
		raw := logx.Any("child", json.RawMessage(line))
		switch cl.Level {
		case "warn":
			log.Warn(cl.Message, raw)
		case "error", "fatal", "panic":
			log.Error(cl.Message, raw)
		case "debug", "trace":
			log.Debug(cl.Message, raw)
		default:
			log.Info(cl.Message, raw)
		}
		return
	}
	log.Info(string(line))
}

// lastLine returns the final non-empty line of s.
func lastLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		return s[i+1:]
	}
	return s
}
