package sandbox

import (
	"context"
	"log/slog"
	"path"

	"golang.org/x/sync/errgroup"

	xerrors "DataPilot/internal/errors"
	"DataPilot/pkg/logger"
)

const uploadConcurrency = 4

// UploadDataFiles 在沙箱中创建 dir 并并发写入所有文件，按输入顺序返回沙箱内路径。
func UploadDataFiles(ctx context.Context, sb Sandbox, id string, files []File, dir string) ([]string, error) {
	if len(files) == 0 {
		return nil, nil
	}
	log := logger.Named("sandbox")
	log.Info("上传数据文件", slog.String("sandbox_id", id), slog.Int("count", len(files)), slog.String("target", dir))

	if err := sb.MakeDir(ctx, id, dir); err != nil {
		return nil, xerrors.Ensure(xerrors.CodeSandboxFailure, err, "创建数据目录失败")
	}

	paths := make([]string, len(files))
	group, gctx := errgroup.WithContext(ctx)
	group.SetLimit(uploadConcurrency)
	for i, file := range files {
		target := path.Join(dir, path.Base(file.Name))
		paths[i] = target
		group.Go(func() error {
			if err := sb.WriteFile(gctx, id, target, file.Content); err != nil {
				return xerrors.Ensure(xerrors.CodeSandboxFailure, err, "上传文件失败: "+file.Name)
			}
			log.Debug("文件已上传", slog.String("file", file.Name), slog.String("path", target))
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return nil, err
	}
	return paths, nil
}
