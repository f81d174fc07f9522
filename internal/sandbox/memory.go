package sandbox

import (
	"context"
	"path"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"

	xerrors "DataPilot/internal/errors"
)

// Interpreter 模拟代码执行，供内存沙箱使用。
type Interpreter func(ctx context.Context, id, code string) (*Execution, error)

type memoryBox struct {
	files map[string][]byte
	dirs  map[string]struct{}
	count int
}

// Memory 是进程内的沙箱实现，文件保存在内存中，代码交给 Interpreter 执行。
type Memory struct {
	mu          sync.Mutex
	boxes       map[string]*memoryBox
	interpreter Interpreter
	destroyed   []string
}

// NewMemory 创建内存沙箱，interpreter 为空时每次执行返回空结果。
func NewMemory(interpreter Interpreter) *Memory {
	if interpreter == nil {
		interpreter = func(context.Context, string, string) (*Execution, error) {
			return &Execution{}, nil
		}
	}
	return &Memory{boxes: make(map[string]*memoryBox), interpreter: interpreter}
}

// Create 实现 Sandbox 接口。
func (m *Memory) Create(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	id := "mem-" + uuid.NewString()[:8]
	m.mu.Lock()
	defer m.mu.Unlock()
	m.boxes[id] = &memoryBox{
		files: make(map[string][]byte),
		dirs:  map[string]struct{}{"/": {}},
	}
	return id, nil
}

// Destroy 实现 Sandbox 接口。
func (m *Memory) Destroy(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.boxes[id]; !ok {
		return ErrNotFound(id)
	}
	delete(m.boxes, id)
	m.destroyed = append(m.destroyed, id)
	return nil
}

// Destroyed 返回已销毁的沙箱 ID。
func (m *Memory) Destroyed() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.destroyed...)
}

// Active 返回仍存活的沙箱数量。
func (m *Memory) Active() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.boxes)
}

func (m *Memory) box(id string) (*memoryBox, error) {
	b, ok := m.boxes[id]
	if !ok {
		return nil, ErrNotFound(id)
	}
	return b, nil
}

func (b *memoryBox) mkdirAll(dir string) {
	for dir != "/" && dir != "." && dir != "" {
		b.dirs[dir] = struct{}{}
		dir = path.Dir(dir)
	}
}

// MakeDir 实现 Sandbox 接口。
func (m *Memory) MakeDir(_ context.Context, id, dir string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, err := m.box(id)
	if err != nil {
		return err
	}
	b.mkdirAll(path.Clean(dir))
	return nil
}

// WriteFile 实现 Sandbox 接口，父目录会被自动创建。
func (m *Memory) WriteFile(_ context.Context, id, file string, content []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, err := m.box(id)
	if err != nil {
		return err
	}
	file = path.Clean(file)
	b.mkdirAll(path.Dir(file))
	b.files[file] = append([]byte(nil), content...)
	return nil
}

// ReadFile 实现 Sandbox 接口。
func (m *Memory) ReadFile(_ context.Context, id, file string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, err := m.box(id)
	if err != nil {
		return nil, err
	}
	content, ok := b.files[path.Clean(file)]
	if !ok {
		return nil, xerrors.Newf(xerrors.CodeNotFound, "file %s not found in sandbox", file)
	}
	return append([]byte(nil), content...), nil
}

// Exists 实现 Sandbox 接口。
func (m *Memory) Exists(_ context.Context, id, target string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, err := m.box(id)
	if err != nil {
		return false, err
	}
	target = path.Clean(target)
	if _, ok := b.files[target]; ok {
		return true, nil
	}
	_, ok := b.dirs[target]
	return ok, nil
}

// List 实现 Sandbox 接口，返回 dir 下深度不超过 depth 的条目。
func (m *Memory) List(_ context.Context, id, dir string, depth int) ([]Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, err := m.box(id)
	if err != nil {
		return nil, err
	}
	dir = path.Clean(dir)
	if _, ok := b.dirs[dir]; !ok {
		return nil, xerrors.Newf(xerrors.CodeNotFound, "directory %s not found in sandbox", dir)
	}
	if depth <= 0 {
		depth = 1
	}

	var entries []Entry
	collect := func(p string, kind EntryType) {
		if p == dir || !strings.HasPrefix(p, strings.TrimSuffix(dir, "/")+"/") {
			return
		}
		rel := strings.TrimPrefix(p, strings.TrimSuffix(dir, "/")+"/")
		if strings.Count(rel, "/")+1 > depth {
			return
		}
		entries = append(entries, Entry{Name: path.Base(p), Path: p, Type: kind})
	}
	for d := range b.dirs {
		collect(d, EntryDir)
	}
	for f := range b.files {
		collect(f, EntryFile)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Path < entries[j].Path })
	return entries, nil
}

// RunCode 实现 Sandbox 接口。
func (m *Memory) RunCode(ctx context.Context, id, code string) (*Execution, error) {
	m.mu.Lock()
	b, err := m.box(id)
	if err != nil {
		m.mu.Unlock()
		return nil, err
	}
	b.count++
	count := b.count
	m.mu.Unlock()

	exec, err := m.interpreter(ctx, id, code)
	if err != nil {
		return nil, err
	}
	if exec == nil {
		exec = &Execution{}
	}
	if exec.ExecutionCount == 0 {
		exec.ExecutionCount = count
	}
	return exec, nil
}
