package worker

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/larder/internal/config"
	"github.com/mattjoyce/larder/internal/log"
)

func TestMain(m *testing.M) {
	log.Setup("ERROR")
	os.Exit(m.Run())
}

// writeScript writes an executable shell worker into a temp dir.
func writeScript(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "worker.sh")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0o755))
	return path
}

func testProfile(command, encoding string, timeout time.Duration) Profile {
	return Profile{
		Name:     "test",
		Command:  command,
		Encoding: encoding,
		Timeout:  timeout,
		Grace:    500 * time.Millisecond,
	}
}

func pidAlive(pid int) bool {
	return syscall.Kill(pid, 0) == nil
}

func readPID(t *testing.T, path string) int {
	t.Helper()
	var data []byte
	require.Eventually(t, func() bool {
		var err error
		data, err = os.ReadFile(path)
		return err == nil && len(bytes.TrimSpace(data)) > 0
	}, 2*time.Second, 10*time.Millisecond)
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	require.NoError(t, err)
	return pid
}

func TestInvokeDetectionSuccess(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	got := filepath.Join(dir, "stdin.bin")
	script := writeScript(t, `cat > "`+got+`"
echo '{"success":true,"statusCode":200,"detections":[{"classId":17,"label":"onion"},{"classId":49,"label":"egg"},{"classId":17,"label":"onion"}]}'
`)

	input := []byte{0xff, 0xd8, 0xff, 0x00, 0x01, 0x02}
	out, err := NewInvoker().Invoke(context.Background(), testProfile(script, config.EncodingBytes, 5*time.Second), input)
	require.NoError(t, err)

	assert.True(t, out.Response.Success)
	require.Len(t, out.Response.Detections, 3)
	assert.Equal(t, 49, out.Response.Detections[1].ClassID)
	require.NotNil(t, out.Response.ResultCode)
	assert.Equal(t, 200, *out.Response.ResultCode)

	written, err := os.ReadFile(got)
	require.NoError(t, err)
	assert.Equal(t, input, written, "worker must receive the exact input bytes")
}

func TestInvokeJSONEncoding(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	got := filepath.Join(dir, "stdin.json")
	script := writeScript(t, `cat > "`+got+`"
echo '{"success":true,"recommendations":[{"recipeId":3}]}'
`)

	out, err := NewInvoker().Invoke(context.Background(),
		testProfile(script, config.EncodingJSON, 5*time.Second),
		[]byte("{\n  \"userId\": \"7\"\n}"))
	require.NoError(t, err)
	require.Len(t, out.Response.Recommendations, 1)

	written, err := os.ReadFile(got)
	require.NoError(t, err)
	assert.Equal(t, "{\"userId\":\"7\"}\n", string(written))
}

func TestInvokeJSONEncodingRejectsBadPayload(t *testing.T) {
	t.Parallel()
	marker := filepath.Join(t.TempDir(), "ran")
	script := writeScript(t, `touch "`+marker+`"`)

	_, err := NewInvoker().Invoke(context.Background(),
		testProfile(script, config.EncodingJSON, 5*time.Second), []byte("not json"))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInputUnavailable)
	assert.NoFileExists(t, marker, "no process may be spawned for an unusable payload")
}

func TestInvokeSuccessFalseIsReturned(t *testing.T) {
	t.Parallel()
	script := writeScript(t, `cat >/dev/null
echo '{"success":false,"message":"image too dark"}'
`)
	out, err := NewInvoker().Invoke(context.Background(), testProfile(script, config.EncodingBytes, 5*time.Second), []byte("x"))
	require.NoError(t, err)
	assert.False(t, out.Response.Success)
	assert.Equal(t, "image too dark", out.Response.Message)
}

func TestInvokeNonZeroExit(t *testing.T) {
	t.Parallel()
	script := writeScript(t, `cat >/dev/null
echo '{"success":true,"detections":[]}'
echo "model file missing" >&2
exit 3
`)
	_, err := NewInvoker().Invoke(context.Background(), testProfile(script, config.EncodingBytes, 5*time.Second), []byte("x"))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrExecutionFailed)

	var werr *Error
	require.True(t, errors.As(err, &werr))
	assert.Equal(t, 3, werr.ExitCode)
	assert.Equal(t, "model file missing", werr.Message)
}

func TestInvokeNonZeroExitWithoutStderr(t *testing.T) {
	t.Parallel()
	script := writeScript(t, "exit 1\n")
	_, err := NewInvoker().Invoke(context.Background(), testProfile(script, config.EncodingBytes, 5*time.Second), []byte("x"))

	var werr *Error
	require.True(t, errors.As(err, &werr))
	assert.Equal(t, "worker exited with code 1", werr.Message)
}

func TestInvokeUnparseableOutput(t *testing.T) {
	t.Parallel()
	script := writeScript(t, `cat >/dev/null
i=0
while [ $i -lt 200 ]; do printf 'garbage-output-'; i=$((i+1)); done
`)
	_, err := NewInvoker().Invoke(context.Background(), testProfile(script, config.EncodingBytes, 5*time.Second), []byte("x"))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnparseable)

	var werr *Error
	require.True(t, errors.As(err, &werr))
	assert.Contains(t, werr.Message, "garbage-output-")
	assert.Less(t, len(werr.Message), 700, "diagnostic must carry only a bounded prefix")
}

func TestInvokeEmptyOutputIsUnparseable(t *testing.T) {
	t.Parallel()
	script := writeScript(t, "cat >/dev/null\n")
	_, err := NewInvoker().Invoke(context.Background(), testProfile(script, config.EncodingBytes, 5*time.Second), []byte("x"))
	assert.ErrorIs(t, err, ErrUnparseable)
}

func TestInvokeSpawnFailure(t *testing.T) {
	t.Parallel()
	missing := filepath.Join(t.TempDir(), "does-not-exist")
	_, err := NewInvoker().Invoke(context.Background(), testProfile(missing, config.EncodingBytes, 5*time.Second), []byte("x"))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrSpawnFailed)
}

func TestInvokeSpawnFailureNotExecutable(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "worker.sh")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\necho hi\n"), 0o644))

	_, err := NewInvoker().Invoke(context.Background(), testProfile(path, config.EncodingBytes, 5*time.Second), []byte("x"))
	assert.ErrorIs(t, err, ErrSpawnFailed)
}

func TestInvokeTimeoutKillsProcessGroup(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	pidFile := filepath.Join(dir, "pid")
	childFile := filepath.Join(dir, "child")
	script := writeScript(t, `echo $$ > "`+pidFile+`"
sleep 30 &
echo $! > "`+childFile+`"
wait
`)

	timeout := 300 * time.Millisecond
	start := time.Now()
	_, err := NewInvoker().Invoke(context.Background(), testProfile(script, config.EncodingBytes, timeout), []byte("x"))
	elapsed := time.Since(start)

	require.Error(t, err)
	assert.ErrorIs(t, err, ErrTimeout)
	assert.GreaterOrEqual(t, elapsed, timeout)

	// The worker itself has been reaped by Invoke.
	assert.False(t, pidAlive(readPID(t, pidFile)), "worker process still running")
	// Its child was in the same process group and is reaped by init.
	child := readPID(t, childFile)
	assert.Eventually(t, func() bool { return !pidAlive(child) }, 3*time.Second, 20*time.Millisecond,
		"worker child process still running")
}

func TestInvokeTimeoutEscalatesToSIGKILL(t *testing.T) {
	t.Parallel()
	pidFile := filepath.Join(t.TempDir(), "pid")
	script := writeScript(t, `trap '' TERM
echo $$ > "`+pidFile+`"
while true; do sleep 1; done
`)

	p := testProfile(script, config.EncodingBytes, 200*time.Millisecond)
	p.Grace = 300 * time.Millisecond
	start := time.Now()
	_, err := NewInvoker().Invoke(context.Background(), p, []byte("x"))
	elapsed := time.Since(start)

	assert.ErrorIs(t, err, ErrTimeout)
	assert.GreaterOrEqual(t, elapsed, p.Timeout+p.Grace)
	assert.False(t, pidAlive(readPID(t, pidFile)))
}

func TestInvokeIgnoresEPIPE(t *testing.T) {
	t.Parallel()
	// The worker answers without reading its input.
	script := writeScript(t, `echo '{"success":true,"detections":[]}'
`)
	big := bytes.Repeat([]byte("a"), 4<<20)

	out, err := NewInvoker().Invoke(context.Background(), testProfile(script, config.EncodingBytes, 5*time.Second), big)
	require.NoError(t, err)
	assert.True(t, out.Response.Success)
	assert.Empty(t, out.Response.Detections)
}

func TestInvokeContextCancelStopsWorker(t *testing.T) {
	t.Parallel()
	pidFile := filepath.Join(t.TempDir(), "pid")
	script := writeScript(t, `echo $$ > "`+pidFile+`"
sleep 30
`)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(200 * time.Millisecond)
		cancel()
	}()

	_, err := NewInvoker().Invoke(ctx, testProfile(script, config.EncodingBytes, 10*time.Second), []byte("x"))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrExecutionFailed)
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, pidAlive(readPID(t, pidFile)))
}

func TestCappedBuffer(t *testing.T) {
	c := &cappedBuffer{max: 4}
	n, err := c.Write([]byte("abc"))
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.False(t, c.Truncated())

	n, err = c.Write([]byte("defg"))
	require.NoError(t, err)
	assert.Equal(t, 4, n, "writes report full length so the copier keeps draining")
	assert.Equal(t, "abcd", c.String())
	assert.True(t, c.Truncated())
}

func TestProfilesFromConfig(t *testing.T) {
	cfg := config.Defaults()
	profiles := Profiles(cfg)
	det, ok := profiles[config.ProfileDetection]
	require.True(t, ok)
	assert.Equal(t, config.EncodingBytes, det.Encoding)
	assert.Equal(t, 30*time.Second, det.Timeout)
	rec := profiles[config.ProfileRecommendation]
	assert.Equal(t, 3*time.Minute, rec.Timeout)
}
