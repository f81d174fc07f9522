package e2b

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"path"

	xerrors "DataPilot/internal/errors"
	"DataPilot/internal/sandbox"
)

type connectError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type fsEntry struct {
	Name string `json:"name"`
	Type string `json:"type"`
	Path string `json:"path"`
}

func filesQuery(p string) string {
	values := url.Values{}
	values.Set("path", p)
	values.Set("username", defaultUser)
	return "/files?" + values.Encode()
}

// WriteFile 通过 envd 的 /files 接口上传文件。
func (c *Client) WriteFile(ctx context.Context, id, p string, content []byte) error {
	s, err := c.session(id)
	if err != nil {
		return err
	}

	var buf bytes.Buffer
	form := multipart.NewWriter(&buf)
	part, err := form.CreateFormFile("file", path.Base(p))
	if err != nil {
		return xerrors.Wrap(xerrors.CodeSandboxFailure, err, "构建上传请求失败")
	}
	if _, err := part.Write(content); err != nil {
		return xerrors.Wrap(xerrors.CodeSandboxFailure, err, "构建上传请求失败")
	}
	if err := form.Close(); err != nil {
		return xerrors.Wrap(xerrors.CodeSandboxFailure, err, "构建上传请求失败")
	}

	req, err := c.sandboxRequest(ctx, http.MethodPost, envdPort, id, filesQuery(p), s, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", form.FormDataContentType())
	return c.doJSON(req, nil)
}

// ReadFile 通过 envd 的 /files 接口下载文件。
func (c *Client) ReadFile(ctx context.Context, id, p string) ([]byte, error) {
	s, err := c.session(id)
	if err != nil {
		return nil, err
	}
	req, err := c.sandboxRequest(ctx, http.MethodGet, envdPort, id, filesQuery(p), s, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeSandboxFailure, err, "读取沙箱文件失败")
	}
	defer resp.Body.Close()
	if resp.StatusCode >= http.StatusBadRequest {
		return nil, statusError(resp)
	}
	content, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeSandboxFailure, err, "读取沙箱文件失败")
	}
	return content, nil
}

// MakeDir 创建目录，目录已存在时视为成功。
func (c *Client) MakeDir(ctx context.Context, id, p string) error {
	err := c.filesystem(ctx, id, "MakeDir", map[string]any{"path": p}, nil)
	if err != nil && connectCode(err) == "already_exists" {
		return nil
	}
	return err
}

// Exists 通过 Stat 判断路径是否存在。
func (c *Client) Exists(ctx context.Context, id, p string) (bool, error) {
	err := c.filesystem(ctx, id, "Stat", map[string]any{"path": p}, nil)
	if err == nil {
		return true, nil
	}
	if connectCode(err) == "not_found" {
		return false, nil
	}
	return false, err
}

// List 列出目录下深度不超过 depth 的条目。
func (c *Client) List(ctx context.Context, id, p string, depth int) ([]sandbox.Entry, error) {
	if depth <= 0 {
		depth = 1
	}
	var decoded struct {
		Entries []fsEntry `json:"entries"`
	}
	if err := c.filesystem(ctx, id, "ListDir", map[string]any{"path": p, "depth": depth}, &decoded); err != nil {
		return nil, err
	}
	entries := make([]sandbox.Entry, 0, len(decoded.Entries))
	for _, e := range decoded.Entries {
		kind := sandbox.EntryFile
		if e.Type == "FILE_TYPE_DIRECTORY" {
			kind = sandbox.EntryDir
		}
		entries = append(entries, sandbox.Entry{Name: e.Name, Path: e.Path, Type: kind})
	}
	return entries, nil
}

// rpcError 保留 Connect 协议返回的错误码。
type rpcError struct {
	err  *xerrors.Error
	code string
}

func (e *rpcError) Error() string { return e.err.Error() }

func (e *rpcError) Unwrap() error { return e.err }

func connectCode(err error) string {
	var rpc *rpcError
	if errors.As(err, &rpc) {
		return rpc.code
	}
	return ""
}

// filesystem 调用 envd 的 Connect JSON 接口。
func (c *Client) filesystem(ctx context.Context, id, method string, payload any, out any) error {
	s, err := c.session(id)
	if err != nil {
		return err
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeSandboxFailure, err, "序列化文件系统请求失败")
	}
	req, err := c.sandboxRequest(ctx, http.MethodPost, envdPort, id, "/filesystem.Filesystem/"+method, s, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Connect-Protocol-Version", "1")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeSandboxFailure, err, "调用沙箱文件系统失败")
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		var cerr connectError
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		_ = json.Unmarshal(raw, &cerr)
		code := xerrors.CodeSandboxFailure
		if cerr.Code == "not_found" {
			code = xerrors.CodeNotFound
		}
		return &rpcError{
			err:  xerrors.Newf(code, "filesystem.%s %v 失败: %s %s", method, payload, cerr.Code, cerr.Message),
			code: cerr.Code,
		}
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return xerrors.Wrap(xerrors.CodeSandboxFailure, err, "解析文件系统响应失败")
	}
	return nil
}
