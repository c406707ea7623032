package runner

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"gotest.tools/v3/assert"
)

// fakeAgentScript writes a tiny shell script that emits the line-framed
// JSON protocol a real CLI runner would produce, then exits with the
// given code. Grounded on the same "spawn a real child process and
// assert on its observed behavior" shape gotest.tools/v3 is used for in
// sibling subprocess-execution harnesses.
func fakeAgentScript(t *testing.T, body string, exitCode int) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("fake agent script is a POSIX shell script")
	}
	dir := t.TempDir()
	path := filepath.Join(dir, "fake-agent.sh")
	script := "#!/bin/sh\n" + body + "\nexit " + itoa(exitCode) + "\n"
	err := os.WriteFile(path, []byte(script), 0o755)
	assert.NilError(t, err)
	return path
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

func drain(t *testing.T, events <-chan Event, within time.Duration) []Event {
	t.Helper()
	var out []Event
	timeout := time.After(within)
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return out
			}
			out = append(out, ev)
		case <-timeout:
			t.Fatalf("timed out waiting for runner events, got %d so far", len(out))
		}
	}
}

func TestProcessRunnerStreamsProgressAndDone(t *testing.T) {
	script := fakeAgentScript(t, `echo '{"kind":"PROGRESS","message":"cloning"}'
echo '{"kind":"PROGRESS","message":"analyzing"}'
echo '{"kind":"ARTIFACT","artifact":{"path":"out.diff","kind":"diff","content":"+hello"}}'`, 0)

	r := NewProcessRunner("/bin/sh", time.Second)
	events, err := r.Run(context.Background(), Invocation{Command: script})
	assert.NilError(t, err)

	got := drain(t, events, 5*time.Second)
	assert.Assert(t, len(got) >= 4) // 2 progress + 1 artifact + trailing DONE

	last := got[len(got)-1]
	assert.Equal(t, last.Kind, EventDone)
	assert.Equal(t, last.ExitCode, 0)

	assert.Equal(t, got[0].Kind, EventProgress)
	assert.Equal(t, got[0].Message, "cloning")

	var sawArtifact bool
	for _, ev := range got {
		if ev.Kind == EventArtifact {
			sawArtifact = true
			assert.Equal(t, ev.Artifact.Path, "out.diff")
		}
	}
	assert.Assert(t, sawArtifact)
}

func TestProcessRunnerSurfacesNonZeroExit(t *testing.T) {
	script := fakeAgentScript(t, `echo '{"kind":"ERROR","error_kind":"permanent","message":"boom"}' >&2`, 3)

	r := NewProcessRunner("/bin/sh", time.Second)
	events, err := r.Run(context.Background(), Invocation{Command: script})
	assert.NilError(t, err)

	got := drain(t, events, 5*time.Second)
	last := got[len(got)-1]
	assert.Equal(t, last.Kind, EventDone)
	assert.Equal(t, last.ExitCode, 3)
}

func TestProcessRunnerNonJSONLineBecomesProgress(t *testing.T) {
	script := fakeAgentScript(t, `echo 'plain text, not json'`, 0)

	r := NewProcessRunner("/bin/sh", time.Second)
	events, err := r.Run(context.Background(), Invocation{Command: script})
	assert.NilError(t, err)

	got := drain(t, events, 5*time.Second)
	assert.Assert(t, len(got) >= 2)
	assert.Equal(t, got[0].Kind, EventProgress)
	assert.Equal(t, got[0].Message, "plain text, not json")
}

func TestProcessRunnerRespectsContextCancellation(t *testing.T) {
	script := fakeAgentScript(t, `sleep 5`, 0)

	ctx, cancel := context.WithCancel(context.Background())
	r := NewProcessRunner("/bin/sh", 200*time.Millisecond)
	events, err := r.Run(ctx, Invocation{Command: script})
	assert.NilError(t, err)

	cancel()

	got := drain(t, events, 5*time.Second)
	assert.Assert(t, len(got) >= 1)
	last := got[len(got)-1]
	assert.Equal(t, last.Kind, EventDone)
	assert.Assert(t, last.ExitCode != 0)
}
