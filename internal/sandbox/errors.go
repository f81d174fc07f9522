package sandbox

import (
	"fmt"

	xerrors "DataPilot/internal/errors"
)

// ErrNotFound 构造沙箱不存在的错误。
func ErrNotFound(id string) error {
	return xerrors.New(xerrors.CodeNotFound, fmt.Sprintf("Sandbox with ID '%s' does not exist", id))
}
