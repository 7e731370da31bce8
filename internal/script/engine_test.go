package script

import (
	"context"
	"testing"
	"time"

	mpkerrors "github.com/harunnryd/mpkd/internal/errors"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newEngine(t *testing.T, cfg Config) *Engine {
	t.Helper()
	if cfg.AppID == "" {
		cfg.AppID = "com.example.script"
	}
	e, err := New(cfg)
	require.NoError(t, err)
	t.Cleanup(e.Close)
	return e
}

func TestExecuteScriptReturnsValue(t *testing.T) {
	e := newEngine(t, Config{})

	got, err := e.ExecuteScript(context.Background(), "1 + 2", "sum.js")
	require.NoError(t, err)
	assert.EqualValues(t, 3, got)

	got, err = e.ExecuteScript(context.Background(), "mpk.appId", "id.js")
	require.NoError(t, err)
	assert.Equal(t, "com.example.script", got)
}

func TestHostGlobalsRemoved(t *testing.T) {
	e := newEngine(t, Config{})

	got, err := e.ExecuteScript(context.Background(), "typeof require + ',' + typeof process", "globals.js")
	require.NoError(t, err)
	assert.Equal(t, "undefined,undefined", got)

	_, err = e.ExecuteScript(context.Background(), "console.log('hello', 42)", "console.js")
	require.NoError(t, err)
}

func TestCompileErrorIsInvalidInput(t *testing.T) {
	e := newEngine(t, Config{})

	_, err := e.ExecuteScript(context.Background(), "function (", "broken.js")
	assert.ErrorIs(t, err, mpkerrors.ErrInvalidInput)
}

func TestCallFunction(t *testing.T) {
	e := newEngine(t, Config{})

	_, err := e.ExecuteScript(context.Background(), "function greet(name) { return 'hi ' + name }", "lib.js")
	require.NoError(t, err)

	got, err := e.CallFunction(context.Background(), "greet", "bob")
	require.NoError(t, err)
	assert.Equal(t, "hi bob", got)

	_, err = e.CallFunction(context.Background(), "missing")
	assert.ErrorIs(t, err, mpkerrors.ErrNotFound)
}

func TestTimeoutInterruptsAndEngineRecovers(t *testing.T) {
	e := newEngine(t, Config{Timeout: 50 * time.Millisecond})

	_, err := e.ExecuteScript(context.Background(), "while (true) {}", "spin.js")
	require.Error(t, err)
	assert.ErrorIs(t, err, mpkerrors.ErrTransient)

	got, err := e.ExecuteScript(context.Background(), "'alive'", "after.js")
	require.NoError(t, err)
	assert.Equal(t, "alive", got)
}

func TestContextCancelInterrupts(t *testing.T) {
	e := newEngine(t, Config{})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	_, err := e.ExecuteScript(ctx, "while (true) {}", "spin.js")
	assert.ErrorIs(t, err, mpkerrors.ErrTransient)
}

func TestSendAndDeliver(t *testing.T) {
	type sent struct {
		to, msgType string
		data        any
	}
	var out []sent
	e := newEngine(t, Config{Send: func(_ context.Context, to, msgType string, data any) error {
		out = append(out, sent{to, msgType, data})
		return nil
	}})

	delivered, err := e.Deliver(context.Background(), "com.example.other", "ping", nil)
	require.NoError(t, err)
	assert.False(t, delivered)

	_, err = e.ExecuteScript(context.Background(), `
		mpk.onMessage(function (msg) {
			mpk.send(msg.from, "pong", msg.data);
		});
	`, "main.js")
	require.NoError(t, err)

	assert.True(t, e.Listening())

	delivered, err = e.Deliver(context.Background(), "com.example.other", "ping", "payload")
	require.NoError(t, err)
	assert.True(t, delivered)

	require.Len(t, out, 1)
	assert.Equal(t, "com.example.other", out[0].to)
	assert.Equal(t, "pong", out[0].msgType)
	assert.Equal(t, "payload", out[0].data)
}

func TestMemoryUsageAndGC(t *testing.T) {
	e := newEngine(t, Config{})

	before := e.MemoryUsage()
	assert.Positive(t, before)

	_, err := e.ExecuteScript(context.Background(), "var big = 'x'.repeat(10)", "grow.js")
	require.NoError(t, err)
	assert.Greater(t, e.MemoryUsage(), before)

	e.TriggerGC()
	e.TriggerGC()
	assert.EqualValues(t, 2, e.GCRequests())
}

func TestClosedEngineRejectsCalls(t *testing.T) {
	e := newEngine(t, Config{})
	e.Close()

	_, err := e.ExecuteScript(context.Background(), "1", "x.js")
	assert.ErrorIs(t, err, mpkerrors.ErrClosed)
	assert.Zero(t, e.MemoryUsage())
}
