package supervisor

import (
	"log/slog"
	"strings"
	"sync"
)

// outputTailLines is how many output lines are retained for diagnosis.
const outputTailLines = 64

// lineTail is an io.Writer that keeps the last N lines of process output and
// mirrors each line to the debug log.
type lineTail struct {
	mu     sync.Mutex
	buf    strings.Builder
	lines  []string
	max    int
	logger *slog.Logger
}

func newLineTail(max int, logger *slog.Logger) *lineTail {
	return &lineTail{max: max, logger: logger}
}

func (t *lineTail) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.buf.Write(p)
	for {
		s := t.buf.String()
		idx := strings.IndexByte(s, '\n')
		if idx < 0 {
			break
		}
		line := strings.TrimRight(s[:idx], "\r")
		t.buf.Reset()
		t.buf.WriteString(s[idx+1:])
		t.push(line)
	}
	return len(p), nil
}

func (t *lineTail) push(line string) {
	if line == "" {
		return
	}
	if t.logger != nil {
		t.logger.Debug("process output", "line", line)
	}
	t.lines = append(t.lines, line)
	if len(t.lines) > t.max {
		t.lines = t.lines[len(t.lines)-t.max:]
	}
}

// Lines returns a copy of the retained output lines.
func (t *lineTail) Lines() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]string, len(t.lines))
	copy(out, t.lines)
	return out
}
