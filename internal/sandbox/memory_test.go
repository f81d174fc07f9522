package sandbox

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	xerrors "DataPilot/internal/errors"
)

func TestMemoryFileTree(t *testing.T) {
	ctx := context.Background()
	sb := NewMemory(nil)
	id, err := sb.Create(ctx)
	require.NoError(t, err)

	require.NoError(t, sb.WriteFile(ctx, id, "/home/user/out/plot.png", []byte("png")))
	require.NoError(t, sb.WriteFile(ctx, id, "/home/user/out/deep/table.csv", []byte("a,b")))
	require.NoError(t, sb.MakeDir(ctx, id, "/home/user/data"))

	ok, err := sb.Exists(ctx, id, "/home/user/out")
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = sb.Exists(ctx, id, "/home/user/missing.txt")
	require.NoError(t, err)
	assert.False(t, ok)

	entries, err := sb.List(ctx, id, "/home/user", 2)
	require.NoError(t, err)
	var paths []string
	for _, e := range entries {
		paths = append(paths, e.Path)
	}
	assert.Equal(t, []string{"/home/user/data", "/home/user/out", "/home/user/out/deep", "/home/user/out/plot.png"}, paths)

	content, err := sb.ReadFile(ctx, id, "/home/user/out/deep/table.csv")
	require.NoError(t, err)
	assert.Equal(t, "a,b", string(content))

	_, err = sb.ReadFile(ctx, id, "/nope")
	assert.Equal(t, xerrors.CodeNotFound, xerrors.CodeOf(err))
}

func TestMemoryDestroyUnknown(t *testing.T) {
	sb := NewMemory(nil)
	err := sb.Destroy(context.Background(), "ghost")
	require.Error(t, err)
	assert.Equal(t, xerrors.CodeNotFound, xerrors.CodeOf(err))
	assert.Equal(t, "Sandbox with ID 'ghost' does not exist", xerrors.MessageOf(err))
}

func TestMemoryRunCodeCountsExecutions(t *testing.T) {
	ctx := context.Background()
	sb := NewMemory(func(_ context.Context, _ string, code string) (*Execution, error) {
		return &Execution{Logs: Logs{Stdout: []string{code}}}, nil
	})
	id, err := sb.Create(ctx)
	require.NoError(t, err)

	first, err := sb.RunCode(ctx, id, "print(1)")
	require.NoError(t, err)
	second, err := sb.RunCode(ctx, id, "print(2)")
	require.NoError(t, err)
	assert.Equal(t, 1, first.ExecutionCount)
	assert.Equal(t, 2, second.ExecutionCount)
	assert.Equal(t, []string{"print(2)"}, second.Logs.Stdout)
}

func TestUploadDataFilesKeepsOrder(t *testing.T) {
	ctx := context.Background()
	sb := NewMemory(nil)
	id, err := sb.Create(ctx)
	require.NoError(t, err)

	files := make([]File, 0, 10)
	for i := 0; i < 10; i++ {
		files = append(files, File{Name: fmt.Sprintf("f%02d.csv", i), Content: []byte{byte(i)}})
	}
	paths, err := UploadDataFiles(ctx, sb, id, files, "/home/user/data")
	require.NoError(t, err)
	require.Len(t, paths, 10)
	for i, p := range paths {
		assert.Equal(t, fmt.Sprintf("/home/user/data/f%02d.csv", i), p)
		content, err := sb.ReadFile(ctx, id, p)
		require.NoError(t, err)
		assert.Equal(t, []byte{byte(i)}, content)
	}
}

type failingWriter struct {
	*Memory
	calls atomic.Int32
}

func (f *failingWriter) WriteFile(ctx context.Context, id, path string, content []byte) error {
	if f.calls.Add(1) == 2 {
		return fmt.Errorf("disk full")
	}
	return f.Memory.WriteFile(ctx, id, path, content)
}

func TestUploadDataFilesPropagatesErrors(t *testing.T) {
	ctx := context.Background()
	sb := &failingWriter{Memory: NewMemory(nil)}
	id, err := sb.Create(ctx)
	require.NoError(t, err)

	_, err = UploadDataFiles(ctx, sb, id, []File{{Name: "a"}, {Name: "b"}, {Name: "c"}}, "/home/user/data")
	require.Error(t, err)
	assert.Equal(t, xerrors.CodeSandboxFailure, xerrors.CodeOf(err))
}

func TestResultString(t *testing.T) {
	assert.Equal(t, "42", Result{Text: "42", PNG: "abc"}.String())
	assert.Equal(t, `{"a":1}`, Result{JSON: map[string]any{"a": 1}}.String())
	assert.Equal(t, "Result(svg, png)", Result{PNG: "abc", SVG: "<svg/>"}.String())
}
