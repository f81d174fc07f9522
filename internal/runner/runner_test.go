package runner

import (
	"context"
	"encoding/base64"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"DataPilot/internal/agent"
	xerrors "DataPilot/internal/errors"
	"DataPilot/internal/sandbox"
	"DataPilot/internal/storage/objectstore"
	"DataPilot/internal/task"
)

// fakeExecutor 在沙箱中写入预设文件后返回固定回答。
type fakeExecutor struct {
	sb        *sandbox.Memory
	files     map[string]string
	artifacts []agent.ArtifactDecision
	err       error
	input     agent.Input
}

func (f *fakeExecutor) Execute(ctx context.Context, in agent.Input) (*agent.Result, error) {
	f.input = in
	if f.err != nil {
		return nil, f.err
	}
	for p, content := range f.files {
		if err := f.sb.WriteFile(ctx, in.SandboxID, p, []byte(content)); err != nil {
			return nil, err
		}
	}
	return &agent.Result{Answer: agent.TaskAnswer{
		Answer:    "Revenue grew 12%",
		Success:   true,
		Artifacts: f.artifacts,
	}}, nil
}

func TestRunRequiresTaskID(t *testing.T) {
	sb := sandbox.NewMemory(nil)
	r := New(&fakeExecutor{sb: sb}, sb)
	_, err := r.Run(context.Background(), task.Job{Request: task.Request{TaskDescription: "x"}})
	require.Error(t, err)
	assert.Equal(t, "Task ID must be provided for processing", xerrors.MessageOf(err))
	assert.Zero(t, sb.Active())
}

func TestRunInlinesArtifactsWithoutStorage(t *testing.T) {
	sb := sandbox.NewMemory(nil)
	exec := &fakeExecutor{
		sb: sb,
		files: map[string]string{
			"/home/user/out/chart.png": "png-bytes",
			"/home/user/report/a.txt":  "a",
		},
		artifacts: []agent.ArtifactDecision{
			{Type: agent.ArtifactFile, Description: "chart", FullPath: "/home/user/out/chart.png"},
			{Type: agent.ArtifactFolder, Description: "report", FullPath: "/home/user/report"},
			{Type: agent.ArtifactFile, Description: "ghost", FullPath: "/home/user/missing.csv"},
		},
	}
	r := New(exec, sb)

	resp, err := r.Run(context.Background(), task.Job{
		TaskID:    "t1",
		Request:   task.Request{TaskDescription: "summarise", DataFilesDescription: "sales"},
		DataFiles: []task.DataFile{{Filename: "sales.csv", Content: []byte("a,b")}},
	})
	require.NoError(t, err)
	assert.Equal(t, "t1", resp.ID)
	assert.Equal(t, task.StatusCompleted, resp.Status)
	assert.True(t, resp.Success)
	assert.Equal(t, "Revenue grew 12%", resp.Answer)

	assert.Equal(t, []string{"/home/user/data/sales.csv"}, exec.input.UploadedFiles)
	assert.Equal(t, "sales", exec.input.DataFilesDescription)

	require.Len(t, resp.Artifacts, 2)
	chart := resp.Artifacts[0]
	assert.NotEmpty(t, chart.ID)
	assert.Equal(t, "FILE", chart.Type)
	assert.Equal(t, "chart.png", chart.Name)
	assert.Equal(t, "out/chart.png", chart.Path)
	assert.Equal(t, base64.StdEncoding.EncodeToString([]byte("png-bytes")), chart.Content)

	folder := resp.Artifacts[1]
	assert.Equal(t, "FOLDER", folder.Type)
	assert.Equal(t, "report", folder.Path)
	assert.Empty(t, folder.Content)

	assert.Zero(t, sb.Active())
	assert.Len(t, sb.Destroyed(), 1)
}

func TestRunUsesObjectStore(t *testing.T) {
	ctx := context.Background()
	store := objectstore.NewMemory()
	require.NoError(t, store.Put(ctx, "tenant/inputs/q1.csv", strings.NewReader("q1"), 2, "text/csv"))

	sb := sandbox.NewMemory(nil)
	exec := &fakeExecutor{
		sb:    sb,
		files: map[string]string{"/home/user/out/summary.md": "# summary"},
		artifacts: []agent.ArtifactDecision{
			{Type: agent.ArtifactFile, Description: "summary", FullPath: "/home/user/out/summary.md"},
		},
	}
	r := New(exec, sb, WithObjectStore(store))

	resp, err := r.Run(ctx, task.Job{
		TaskID:  "t2",
		Request: task.Request{TaskDescription: "summarise", FilePaths: []string{"inputs/q1.csv"}, BasePath: "tenant"},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"/home/user/data/q1.csv"}, exec.input.UploadedFiles)

	require.Len(t, resp.Artifacts, 1)
	assert.Equal(t, "task/t2/out/summary.md", resp.Artifacts[0].Path)
	assert.Empty(t, resp.Artifacts[0].Content)

	data, err := store.Get(ctx, "tenant/task/t2/out/summary.md")
	require.NoError(t, err)
	assert.Equal(t, "# summary", string(data))
}

func TestRunDestroysSandboxOnFailure(t *testing.T) {
	sb := sandbox.NewMemory(nil)
	boom := xerrors.New(xerrors.CodeLLMFailure, "provider down")
	r := New(&fakeExecutor{sb: sb, err: boom}, sb)

	_, err := r.Run(context.Background(), task.Job{TaskID: "t3", Request: task.Request{TaskDescription: "x"}})
	require.Error(t, err)
	assert.True(t, errors.Is(err, boom))
	assert.Zero(t, sb.Active())
	assert.Len(t, sb.Destroyed(), 1)
}

func TestRunFailsOnMissingObject(t *testing.T) {
	sb := sandbox.NewMemory(nil)
	r := New(&fakeExecutor{sb: sb}, sb, WithObjectStore(objectstore.NewMemory()))

	_, err := r.Run(context.Background(), task.Job{
		TaskID:  "t4",
		Request: task.Request{TaskDescription: "x", FilePaths: []string{"nope"}, BasePath: "tenant"},
	})
	require.Error(t, err)
	assert.Equal(t, xerrors.CodeNotFound, xerrors.CodeOf(err))
	assert.Zero(t, sb.Active())
}

func TestRelativePath(t *testing.T) {
	r := New(nil, nil)
	assert.Equal(t, "a/b.csv", r.relativePath("/home/user/a/b.csv"))
	assert.Equal(t, "x.csv", r.relativePath("/tmp/x.csv"))
}
