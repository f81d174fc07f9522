package objectstore

import (
	"bytes"
	"context"
	"log/slog"
	"mime"
	"path"
	"sort"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	xerrors "DataPilot/internal/errors"
	"DataPilot/internal/sandbox"
	"DataPilot/pkg/logger"
)

const (
	transferConcurrency = 4
	folderListDepth     = 32
)

// DownloadToSandbox 将对象 key 下载到沙箱 destDir 目录。key 不是对象时按前缀下载其下全部对象，
// 保留相对路径。返回写入沙箱的文件路径。
func DownloadToSandbox(ctx context.Context, store ObjectStore, sb sandbox.Sandbox, id, key, destDir string) ([]string, error) {
	log := logger.Named("objectstore")
	key = strings.TrimPrefix(key, "/")

	exists, err := store.Stat(ctx, key)
	if err != nil {
		return nil, err
	}
	if exists {
		data, err := store.Get(ctx, key)
		if err != nil {
			return nil, err
		}
		dest := path.Join(destDir, path.Base(key))
		if err := sb.WriteFile(ctx, id, dest, data); err != nil {
			return nil, err
		}
		log.Info("已下载对象到沙箱", slog.String("key", key), slog.String("path", dest))
		return []string{dest}, nil
	}

	prefix := strings.TrimSuffix(key, "/") + "/"
	keys, err := store.List(ctx, prefix)
	if err != nil {
		return nil, err
	}
	objects := keys[:0]
	for _, k := range keys {
		if !strings.HasSuffix(k, "/") {
			objects = append(objects, k)
		}
	}
	if len(objects) == 0 {
		return nil, xerrors.New(xerrors.CodeNotFound, "No objects found with prefix: "+prefix)
	}

	root := path.Join(destDir, path.Base(strings.TrimSuffix(key, "/")))
	paths := make([]string, len(objects))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(transferConcurrency)
	for i, k := range objects {
		g.Go(func() error {
			data, err := store.Get(gctx, k)
			if err != nil {
				return err
			}
			dest := path.Join(root, strings.TrimPrefix(k, prefix))
			if err := sb.WriteFile(gctx, id, dest, data); err != nil {
				return err
			}
			paths[i] = dest
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	log.Info("已按前缀下载对象到沙箱", slog.String("prefix", prefix), slog.Int("count", len(paths)))
	return paths, nil
}

// UploadFromSandbox 将沙箱中的文件上传到 key；src 为目录时上传其下全部文件，key 作为前缀。
// 返回写入的对象键。
func UploadFromSandbox(ctx context.Context, store ObjectStore, sb sandbox.Sandbox, id, src, key string) ([]string, error) {
	key = strings.TrimPrefix(key, "/")
	entries, err := sb.List(ctx, id, src, folderListDepth)
	if err != nil {
		if err := uploadFile(ctx, store, sb, id, src, key); err != nil {
			return nil, err
		}
		return []string{key}, nil
	}

	root := strings.TrimSuffix(path.Clean(src), "/") + "/"
	var (
		mu   sync.Mutex
		keys []string
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(transferConcurrency)
	for _, entry := range entries {
		if entry.Type != sandbox.EntryFile {
			continue
		}
		objectKey := path.Join(key, strings.TrimPrefix(entry.Path, root))
		filePath := entry.Path
		g.Go(func() error {
			if err := uploadFile(gctx, store, sb, id, filePath, objectKey); err != nil {
				return err
			}
			mu.Lock()
			keys = append(keys, objectKey)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	sort.Strings(keys)
	logger.Named("objectstore").Info("已上传目录", slog.String("src", src), slog.Int("count", len(keys)))
	return keys, nil
}

func uploadFile(ctx context.Context, store ObjectStore, sb sandbox.Sandbox, id, src, key string) error {
	data, err := sb.ReadFile(ctx, id, src)
	if err != nil {
		return err
	}
	contentType := mime.TypeByExtension(path.Ext(src))
	return store.Put(ctx, key, bytes.NewReader(data), int64(len(data)), contentType)
}
