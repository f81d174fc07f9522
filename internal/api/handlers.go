package api

import (
	"encoding/json"
	stdErrors "errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"

	xerrors "DataPilot/internal/errors"
	"DataPilot/internal/task"
)

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

// handleRunSync 在请求内完成任务，执行失败返回 422 与统一失败答复。
func (s *Server) handleRunSync(w http.ResponseWriter, r *http.Request) {
	req, files, ok := s.parseSubmission(w, r)
	if !ok {
		return
	}
	resp, err := s.tasks.RunSync(r.Context(), req, files)
	if err != nil {
		s.log.Error("同步任务失败", slog.Any("error", err))
		writeJSON(w, http.StatusUnprocessableEntity, task.ErrorResponse(""))
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleRunAsync(w http.ResponseWriter, r *http.Request) {
	req, files, ok := s.parseSubmission(w, r)
	if !ok {
		return
	}
	receipt, err := s.tasks.SubmitAsync(r.Context(), req, files)
	if err != nil {
		writeError(w, err)
		return
	}
	s.log.Info("任务已提交异步处理", slog.String("task_id", receipt.ID))
	writeJSON(w, http.StatusAccepted, receipt)
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(mux.Vars(r)["id"])
	if id == "" {
		writeDetail(w, http.StatusBadRequest, "缺少任务 ID")
		return
	}
	resp, err := s.tasks.Get(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	opts, ok := listOptionsFromQuery(w, r)
	if !ok {
		return
	}
	tasks, err := s.tasks.List(r.Context(), opts...)
	if err != nil {
		writeError(w, err)
		return
	}
	if tasks == nil {
		tasks = []*task.Task{}
	}
	writeJSON(w, http.StatusOK, tasks)
}

func (s *Server) handleTaskStats(w http.ResponseWriter, r *http.Request) {
	opts, ok := listOptionsFromQuery(w, r)
	if !ok {
		return
	}
	stats, err := s.tasks.Stats(r.Context(), opts...)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// parseSubmission 解析 multipart 表单，返回规范化后的请求与数据文件。
func (s *Server) parseSubmission(w http.ResponseWriter, r *http.Request) (task.Request, []task.DataFile, bool) {
	if s.tasks == nil {
		writeDetail(w, http.StatusServiceUnavailable, "任务服务未初始化")
		return task.Request{}, nil, false
	}
	r.Body = http.MaxBytesReader(w, r.Body, s.maxRequestSize)
	err := r.ParseMultipartForm(multipartMemory)
	if stdErrors.Is(err, http.ErrNotMultipart) {
		err = r.ParseForm()
	}
	if err != nil {
		if tooLarge := new(http.MaxBytesError); stdErrors.As(err, &tooLarge) {
			s.log.Warn("请求体过大", slog.Int64("limit", tooLarge.Limit))
			writeDetail(w, http.StatusRequestEntityTooLarge, fmt.Sprintf("请求体超过 %d 字节上限", tooLarge.Limit))
		} else {
			writeDetail(w, http.StatusBadRequest, "请求表单解析失败: "+err.Error())
		}
		return task.Request{}, nil, false
	}

	req := task.Request{
		TaskDescription:      r.FormValue("task_description"),
		DataFilesDescription: r.FormValue("data_files_description"),
		FilePaths:            r.Form["file_paths"],
		BasePath:             r.FormValue("base_path"),
	}
	if err := req.Normalize(); err != nil {
		writeError(w, err)
		return task.Request{}, nil, false
	}

	files, err := s.readDataFiles(r)
	if err != nil {
		writeError(w, err)
		return task.Request{}, nil, false
	}
	return req, files, true
}

func (s *Server) readDataFiles(r *http.Request) ([]task.DataFile, error) {
	if r.MultipartForm == nil {
		return nil, nil
	}
	headers := r.MultipartForm.File["data_files"]
	files := make([]task.DataFile, 0, len(headers))
	for _, header := range headers {
		if err := task.ValidateFileSize(header.Size, s.maxFileSize); err != nil {
			s.log.Warn("上传文件过大", slog.String("file", header.Filename), slog.Int64("size", header.Size))
			return nil, err
		}
		f, err := header.Open()
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "读取上传文件失败")
		}
		content, err := io.ReadAll(f)
		f.Close()
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "读取上传文件失败")
		}
		file, err := task.NewDataFile(header.Filename, content, header.Header.Get("Content-Type"), s.maxFileSize)
		if err != nil {
			return nil, err
		}
		s.log.Info("已接收数据文件", slog.String("file", file.Filename), slog.Int64("size", file.Size))
		files = append(files, file)
	}
	return files, nil
}

func listOptionsFromQuery(w http.ResponseWriter, r *http.Request) ([]task.ListOption, bool) {
	query := r.URL.Query()
	limit := task.DefaultListLimit
	if raw := query.Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			writeDetail(w, http.StatusBadRequest, "limit 必须是正整数")
			return nil, false
		}
		limit = min(parsed, task.MaxListLimit)
	}
	opts := []task.ListOption{task.WithLimit(limit)}
	if raw := query.Get("offset"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			writeDetail(w, http.StatusBadRequest, "offset 必须是非负整数")
			return nil, false
		}
		opts = append(opts, task.WithOffset(parsed))
	}
	var statuses []task.Status
	for _, raw := range query["status"] {
		for _, part := range strings.Split(raw, ",") {
			status := task.Status(strings.ToLower(strings.TrimSpace(part)))
			if status == "" {
				continue
			}
			if !task.IsValidStatus(status) {
				writeDetail(w, http.StatusBadRequest, "未知的任务状态: "+string(status))
				return nil, false
			}
			statuses = append(statuses, status)
		}
	}
	if len(statuses) > 0 {
		opts = append(opts, task.WithStatuses(statuses...))
	}
	if q := strings.TrimSpace(query.Get("q")); q != "" {
		opts = append(opts, task.WithQuery(q))
	}
	if query.Get("order") == "asc" {
		opts = append(opts, task.WithSortOrder(task.SortByUpdatedAsc))
	}
	since, ok := unixParam(w, query.Get("since"), "since")
	if !ok {
		return nil, false
	}
	until, ok := unixParam(w, query.Get("until"), "until")
	if !ok {
		return nil, false
	}
	if !since.IsZero() || !until.IsZero() {
		opts = append(opts, task.WithUpdatedRange(since, until))
	}
	if raw := query.Get("has_result"); raw != "" {
		hasResult, err := strconv.ParseBool(raw)
		if err != nil {
			writeDetail(w, http.StatusBadRequest, "has_result 必须是布尔值")
			return nil, false
		}
		opts = append(opts, task.WithResultPresence(hasResult))
	}
	return opts, true
}

func unixParam(w http.ResponseWriter, raw, name string) (time.Time, bool) {
	if raw == "" {
		return time.Time{}, true
	}
	secs, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || secs < 0 {
		writeDetail(w, http.StatusBadRequest, name+" 必须是 Unix 秒级时间戳")
		return time.Time{}, false
	}
	return time.Unix(secs, 0), true
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeDetail(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, map[string]string{"detail": detail})
}

// writeError 按错误码映射 HTTP 状态，响应体统一为 {"detail": ...}。
func writeError(w http.ResponseWriter, err error) {
	writeDetail(w, xerrors.HTTPStatus(err), xerrors.MessageOf(err))
}
