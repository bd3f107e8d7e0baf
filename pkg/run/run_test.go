package run

import (
	"bytes"
	"context"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// collect gathers output chunks safely across the pump goroutines.
func collect() (OutputFunc, *bytes.Buffer, *sync.Mutex) {
	var mu sync.Mutex
	var buf bytes.Buffer
	return func(data []byte) {
		mu.Lock()
		defer mu.Unlock()
		buf.Write(data)
	}, &buf, &mu
}

func sh(t *testing.T, script string, output OutputFunc) (int, error) {
	t.Helper()
	return ExecRunner{}.Run(context.Background(), t.TempDir(), "/bin/sh", []string{"sh", "-c", script}, output)
}

func TestExitCode(t *testing.T) {
	code, err := sh(t, "exit 3", nil)
	require.NoError(t, err)
	assert.Equal(t, 3, code)

	code, err = sh(t, "true", nil)
	require.NoError(t, err)
	assert.Equal(t, 0, code)
}

func TestOutputRelayed(t *testing.T) {
	output, buf, mu := collect()

	code, err := sh(t, "printf one; printf two; printf err >&2", output)
	require.NoError(t, err)
	assert.Equal(t, 0, code)

	mu.Lock()
	defer mu.Unlock()
	got := buf.String()
	// Within one stream, arrival order is emission order.
	assert.Less(t, strings.Index(got, "one"), strings.Index(got, "two"))
	assert.Contains(t, got, "err")
}

func TestWorkingDirectory(t *testing.T) {
	dir := t.TempDir()
	output, buf, mu := collect()

	code, err := ExecRunner{}.Run(context.Background(), dir, "/bin/sh", []string{"sh", "-c", "pwd"}, output)
	require.NoError(t, err)
	assert.Equal(t, 0, code)

	mu.Lock()
	defer mu.Unlock()
	assert.Contains(t, buf.String(), dir)
}

func TestSpawnFailureIsAnError(t *testing.T) {
	_, err := ExecRunner{}.Run(context.Background(), ".", "/nonexistent/prog", []string{"prog"}, nil)
	require.Error(t, err)
}

func TestKilledProcessReportsTerminatedCode(t *testing.T) {
	code, err := sh(t, "kill -TERM $$", nil)
	require.NoError(t, err)
	assert.Equal(t, 128+15, code)
}

func TestFuncAdapter(t *testing.T) {
	r := Func(func(ctx context.Context, dir, path string, args []string, output OutputFunc) (int, error) {
		return 7, nil
	})
	code, err := r.Run(context.Background(), ".", "x", nil, nil)
	require.NoError(t, err)
	assert.Equal(t, 7, code)
}
