package e2b

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	xerrors "DataPilot/internal/errors"
	"DataPilot/internal/sandbox"
	"DataPilot/pkg/logger"
)

const (
	defaultAPIURL    = "https://api.e2b.app"
	defaultDomain    = "e2b.app"
	defaultTemplate  = "code-interpreter-v1"
	defaultLifetime  = 3600
	envdPort         = 49983
	interpreterPort  = 49999
	defaultUser      = "user"
	defaultCWD       = "/home/user"
	requestTimeout   = 60 * time.Second
	executionTimeout = 180 * time.Second
)

// Config 描述 E2B 控制面与沙箱访问参数。
type Config struct {
	APIKey           string
	APIURL           string
	Domain           string
	Template         string
	TimeoutSeconds   int
	WorkingDirectory string
	ExecutionTimeout time.Duration
}

type session struct {
	accessToken string
	contextID   string
}

// Client 通过 E2B REST API 管理沙箱，并调用沙箱内的 envd 与代码解释器服务。
type Client struct {
	cfg        Config
	httpClient *http.Client
	sandboxURL func(port int, id string) string

	mu       sync.Mutex
	sessions map[string]session
}

var _ sandbox.Sandbox = (*Client)(nil)

// NewClient 创建 E2B 客户端。
func NewClient(cfg Config) (*Client, error) {
	cfg.APIKey = strings.TrimSpace(cfg.APIKey)
	if cfg.APIKey == "" {
		return nil, errors.New("未提供 E2B API Key")
	}
	if cfg.APIURL == "" {
		cfg.APIURL = defaultAPIURL
	}
	cfg.APIURL = strings.TrimRight(cfg.APIURL, "/")
	if cfg.Domain == "" {
		cfg.Domain = defaultDomain
	}
	if cfg.Template == "" {
		cfg.Template = defaultTemplate
	}
	if cfg.TimeoutSeconds <= 0 {
		cfg.TimeoutSeconds = defaultLifetime
	}
	if cfg.WorkingDirectory == "" {
		cfg.WorkingDirectory = defaultCWD
	}
	if cfg.ExecutionTimeout <= 0 {
		cfg.ExecutionTimeout = executionTimeout
	}

	c := &Client{
		cfg:        cfg,
		httpClient: &http.Client{},
		sessions:   make(map[string]session),
	}
	c.sandboxURL = func(port int, id string) string {
		return fmt.Sprintf("https://%d-%s.%s", port, id, c.cfg.Domain)
	}
	return c, nil
}

func (c *Client) session(id string) (session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.sessions[id]
	if !ok {
		return session{}, sandbox.ErrNotFound(id)
	}
	return s, nil
}

// Create 创建沙箱并初始化一个持久的 Python 上下文。
func (c *Client) Create(ctx context.Context) (string, error) {
	log := logger.Named("sandbox")
	log.Info("创建 E2B 沙箱", slog.String("template", c.cfg.Template))

	body, _ := json.Marshal(map[string]any{
		"templateID": c.cfg.Template,
		"timeout":    c.cfg.TimeoutSeconds,
	})
	var created struct {
		SandboxID       string `json:"sandboxID"`
		EnvdAccessToken string `json:"envdAccessToken"`
	}
	if err := c.control(ctx, http.MethodPost, "/sandboxes", body, &created); err != nil {
		return "", err
	}
	if created.SandboxID == "" {
		return "", xerrors.New(xerrors.CodeSandboxFailure, "E2B 未返回 sandboxID")
	}

	s := session{accessToken: created.EnvdAccessToken}
	contextID, err := c.createContext(ctx, created.SandboxID, s)
	if err != nil {
		_ = c.kill(context.WithoutCancel(ctx), created.SandboxID)
		return "", err
	}
	s.contextID = contextID

	c.mu.Lock()
	c.sessions[created.SandboxID] = s
	c.mu.Unlock()

	log.Info("沙箱已创建", slog.String("sandbox_id", created.SandboxID), slog.String("context_id", contextID))
	return created.SandboxID, nil
}

func (c *Client) createContext(ctx context.Context, id string, s session) (string, error) {
	body, _ := json.Marshal(map[string]string{"cwd": c.cfg.WorkingDirectory, "language": "python"})
	req, err := c.sandboxRequest(ctx, http.MethodPost, interpreterPort, id, "/contexts", s, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	var decoded struct {
		ID string `json:"id"`
	}
	if err := c.doJSON(req, &decoded); err != nil {
		return "", xerrors.Ensure(xerrors.CodeSandboxFailure, err, "创建代码上下文失败")
	}
	return decoded.ID, nil
}

// Destroy 销毁沙箱。
func (c *Client) Destroy(ctx context.Context, id string) error {
	c.mu.Lock()
	_, ok := c.sessions[id]
	delete(c.sessions, id)
	c.mu.Unlock()
	if !ok {
		logger.Named("sandbox").Error("沙箱不存在", slog.String("sandbox_id", id))
		return sandbox.ErrNotFound(id)
	}
	if err := c.kill(ctx, id); err != nil {
		return err
	}
	logger.Named("sandbox").Info("沙箱已销毁", slog.String("sandbox_id", id))
	return nil
}

func (c *Client) kill(ctx context.Context, id string) error {
	return c.control(ctx, http.MethodDelete, "/sandboxes/"+id, nil, nil)
}

func (c *Client) control(ctx context.Context, method, path string, body []byte, out any) error {
	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.cfg.APIURL+path, reader)
	if err != nil {
		return fmt.Errorf("构建 E2B 请求失败: %w", err)
	}
	req.Header.Set("X-API-KEY", c.cfg.APIKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return c.doJSON(req, out)
}

func (c *Client) sandboxRequest(ctx context.Context, method string, port int, id, path string, s session, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.sandboxURL(port, id)+path, body)
	if err != nil {
		return nil, fmt.Errorf("构建沙箱请求失败: %w", err)
	}
	if s.accessToken != "" {
		req.Header.Set("X-Access-Token", s.accessToken)
	}
	return req, nil
}

func (c *Client) doJSON(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeSandboxFailure, err, "请求 E2B 失败")
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return statusError(resp)
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return xerrors.Wrap(xerrors.CodeSandboxFailure, err, "解析 E2B 响应失败")
	}
	return nil
}

func statusError(resp *http.Response) error {
	detail, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
	message := fmt.Sprintf("E2B 返回错误状态 %d: %s", resp.StatusCode, strings.TrimSpace(string(detail)))
	if resp.StatusCode == http.StatusNotFound {
		return xerrors.New(xerrors.CodeNotFound, message)
	}
	return xerrors.New(xerrors.CodeSandboxFailure, message)
}
