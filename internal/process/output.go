package process

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"sync"
)

// LogOutput returns writers that forward each line a process prints to
// slog, tagged with the app and stream.
func LogOutput(p *Process) (stdout, stderr io.Writer) {
	return newLineLogger(p, "stdout", slog.LevelInfo), newLineLogger(p, "stderr", slog.LevelWarn)
}

// AppOutput is LogOutput for code running inside the daemon, which has no
// process entry yet when its writers are built.
func AppOutput(appID string) (stdout, stderr io.Writer) {
	return &lineLogger{appID: appID, stream: "stdout", level: slog.LevelInfo},
		&lineLogger{appID: appID, stream: "stderr", level: slog.LevelWarn}
}

type lineLogger struct {
	mu     sync.Mutex
	buf    bytes.Buffer
	appID  string
	pid    int64
	stream string
	level  slog.Level
}

func newLineLogger(p *Process, stream string, level slog.Level) *lineLogger {
	return &lineLogger{appID: p.AppID, pid: p.PID, stream: stream, level: level}
}

func (l *lineLogger) Write(b []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.buf.Write(b)
	for {
		line, err := l.buf.ReadBytes('\n')
		if err != nil {
			// keep the partial line for the next write
			l.buf.Reset()
			l.buf.Write(line)
			break
		}
		slog.Log(context.Background(), l.level, "App output",
			"app_id", l.appID, "pid", l.pid, "stream", l.stream,
			"line", string(bytes.TrimRight(line, "\r\n")))
	}
	return len(b), nil
}
