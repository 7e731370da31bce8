package runtime

import (
	"context"
	goruntime "runtime"
	"testing"
	"time"

	"github.com/harunnryd/mpkd/internal/bundle"
	mpkerrors "github.com/harunnryd/mpkd/internal/errors"
	"github.com/harunnryd/mpkd/internal/events"
	"github.com/harunnryd/mpkd/internal/permission"
	"github.com/harunnryd/mpkd/internal/policy"
	"github.com/harunnryd/mpkd/internal/process"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const residentScript = `
var inbox = [];
mpk.onMessage(function (msg) {
	inbox.push(msg.type);
	if (msg.type === "ping") {
		mpk.send(msg.from, "pong", msg.data);
	}
});
`

func TestJavaScriptAppStaysResidentWithHandler(t *testing.T) {
	h := newHarness(t)
	appID := h.load(t, writeApp(t, manifest("com.example.js", bundle.CodeJavaScript, "main.js"), []byte(residentScript), nil))

	require.NoError(t, h.rt.StartApp(context.Background(), appID))
	require.Eventually(t, func() bool { return h.listening(appID) }, 2*time.Second, 5*time.Millisecond)
	assert.True(t, h.rt.IsRunning(appID))

	procs := h.rt.Supervisor().AppProcesses(appID)
	require.Len(t, procs, 1)
	assert.Equal(t, process.TypeScript, procs[0].Type)
	assert.Equal(t, appID, procs[0].Env["MPK_APP_ID"])

	require.NoError(t, h.rt.StopApp(context.Background(), appID))
	assert.False(t, h.rt.IsRunning(appID))
	assert.Nil(t, h.app(t, appID).scriptEngine())
	assert.Equal(t, process.StateStopped, procs[0].State())
}

func TestCodeTypeMatchesCaseInsensitively(t *testing.T) {
	h := newHarness(t)
	appID := h.load(t, writeApp(t, manifest("com.example.mixed", bundle.CodeType("JavaScript"), "main.js"), []byte(residentScript), nil))

	require.NoError(t, h.rt.StartApp(context.Background(), appID))
	require.Eventually(t, func() bool { return h.listening(appID) }, 2*time.Second, 5*time.Millisecond)

	procs := h.rt.Supervisor().AppProcesses(appID)
	require.Len(t, procs, 1)
	assert.Equal(t, process.TypeScript, procs[0].Type)

	st, err := h.rt.Status(appID)
	require.NoError(t, err)
	assert.Equal(t, bundle.CodeType("JavaScript"), st.CodeType)

	require.NoError(t, h.rt.StopApp(context.Background(), appID))
}

func TestShortScriptFinishesOnItsOwn(t *testing.T) {
	h := newHarness(t)
	appID := h.load(t, writeApp(t, manifest("com.example.oneshot", bundle.CodeJavaScript, "main.js"), []byte("var done = 1 + 1;"), nil))

	require.NoError(t, h.rt.StartApp(context.Background(), appID))
	require.Eventually(t, func() bool { return !h.rt.IsRunning(appID) }, 2*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool {
		h.bus.Drain(appID)
		return h.events.count(appID, events.AppStopped) == 1
	}, 2*time.Second, 5*time.Millisecond)
}

func TestSendMessageBetweenScripts(t *testing.T) {
	h := newHarness(t)

	sender := manifest("com.example.sender", bundle.CodeJavaScript, "main.js")
	sender.Permissions = []string{permission.InterAppCommunication}
	receiver := manifest("com.example.receiver", bundle.CodeJavaScript, "main.js")
	receiver.Permissions = []string{permission.InterAppCommunication}

	senderID := h.load(t, writeApp(t, sender, []byte(residentScript), nil))
	receiverID := h.load(t, writeApp(t, receiver, []byte(residentScript), nil))
	for _, id := range []string{senderID, receiverID} {
		require.NoError(t, h.rt.StartApp(context.Background(), id))
		require.Eventually(t, func() bool { return h.listening(id) }, 2*time.Second, 5*time.Millisecond)
	}

	require.NoError(t, h.rt.SendMessage(context.Background(), senderID, receiverID, "ping", "hello"))

	engines := map[string]interface {
		ExecuteScript(context.Context, string, string) (any, error)
	}{
		senderID:   h.app(t, senderID).scriptEngine(),
		receiverID: h.app(t, receiverID).scriptEngine(),
	}
	inbox := func(appID string) any {
		h.bus.Drain(appID)
		got, err := engines[appID].ExecuteScript(context.Background(), "inbox.join(',')", "inbox.js")
		if err != nil {
			return err
		}
		return got
	}
	require.Eventually(t, func() bool { return inbox(receiverID) == "ping" }, 2*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return inbox(senderID) == "pong" }, 2*time.Second, 5*time.Millisecond)
}

func TestSendMessageRequiresPermission(t *testing.T) {
	h := newHarness(t)
	senderID := h.load(t, writeApp(t, manifest("com.example.mute", bundle.CodeJavaScript, "main.js"), []byte(""), nil))
	receiverID := h.load(t, writeApp(t, manifest("com.example.ear", codeVirtual, "app"), []byte{}, nil))

	err := h.rt.SendMessage(context.Background(), senderID, receiverID, "ping", nil)
	assert.ErrorIs(t, err, mpkerrors.ErrPermissionDenied)

	err = h.rt.SendMessage(context.Background(), "com.example.ghost", receiverID, "ping", nil)
	assert.ErrorIs(t, err, mpkerrors.ErrNotFound)
}

func TestMessageToAppWithoutScriptIsCounted(t *testing.T) {
	h := newHarness(t)
	sender := manifest("com.example.talker", codeVirtual, "app")
	sender.Permissions = []string{permission.InterAppCommunication}
	senderID := h.load(t, writeApp(t, sender, []byte{}, nil))
	receiverID := h.load(t, writeApp(t, manifest("com.example.listener", codeVirtual, "app"), []byte{}, nil))

	require.NoError(t, h.rt.SendMessage(context.Background(), senderID, receiverID, "ping", nil))
	h.bus.Drain(receiverID)

	st, err := h.rt.Status(receiverID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), st.Undelivered)
}

func TestMemoryExceededRequestsGC(t *testing.T) {
	h := newHarness(t)
	appID := h.load(t, writeApp(t, manifest("com.example.heap", bundle.CodeJavaScript, "main.js"), []byte(residentScript), nil))
	require.NoError(t, h.rt.StartApp(context.Background(), appID))
	require.Eventually(t, func() bool { return h.listening(appID) }, 2*time.Second, 5*time.Millisecond)

	engine := h.app(t, appID).scriptEngine()
	h.rt.onExceeded(exceeded(appID, policy.ResourceMemory, 120))
	assert.Equal(t, int64(1), engine.GCRequests())
	assert.True(t, h.rt.IsRunning(appID))

	h.rt.onExceeded(exceeded(appID, policy.ResourceMemory, 151))
	assert.False(t, h.rt.IsRunning(appID))
}

func TestScriptMemoryIsReportedToMonitor(t *testing.T) {
	h := newHarness(t)
	appID := h.load(t, writeApp(t, manifest("com.example.mem", bundle.CodeJavaScript, "main.js"), []byte(residentScript), nil))
	h.waitFirstTick(t, appID)

	require.NoError(t, h.rt.StartApp(context.Background(), appID))
	require.Eventually(t, func() bool { return h.listening(appID) }, 2*time.Second, 5*time.Millisecond)

	h.tick(t, appID)
	st, err := h.rt.Status(appID)
	require.NoError(t, err)
	assert.Positive(t, st.Usage.MemoryBytes)
	assert.Equal(t, int64(1), st.Usage.ProcessCount)
}

func TestBinaryAppRunsNatively(t *testing.T) {
	if goruntime.GOOS == "windows" {
		t.Skip("requires a POSIX shell")
	}
	h := newHarness(t)
	appID := h.load(t, writeApp(t, manifest("com.example.native", bundle.CodeBinary, "run.sh"), []byte("#!/bin/sh\nsleep 30\n"), nil))

	require.NoError(t, h.rt.StartApp(context.Background(), appID))
	assert.True(t, h.rt.IsRunning(appID))

	procs := h.rt.Supervisor().AppProcesses(appID)
	require.Len(t, procs, 1)
	assert.Positive(t, procs[0].OSPID())

	require.NoError(t, h.rt.StopApp(context.Background(), appID))
	assert.False(t, h.rt.IsRunning(appID))
}

func TestInterpreterCommand(t *testing.T) {
	h := newHarness(t)
	h.rt.opts.Interpreters = map[string]string{"python": `"/opt/py 3/bin/python3" -u`}

	cmd, err := h.rt.interpreterCommand("python", "/data/main.py")
	require.NoError(t, err)
	assert.Equal(t, []string{"/opt/py 3/bin/python3", "-u", "/data/main.py"}, cmd)

	_, err = h.rt.interpreterCommand("ruby", "/data/main.rb")
	assert.ErrorIs(t, err, mpkerrors.ErrInvalidInput)
}
