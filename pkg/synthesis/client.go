// Package synthesis 提供与视频合成服务交互的客户端。
package synthesis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"mydouble-go/internal/config"
	"mydouble-go/pkg/log"
)

// State 是合成服务报告的任务状态。
type State string

const (
	StatePending State = "pending"
	StateReady   State = "ready"
	StateError   State = "error"
)

// Payload 是一次合成请求的输入。
type Payload struct {
	ImageURL   string `json:"imageUrl"`
	AudioURL   string `json:"audioUrl"`
	Prompt     string `json:"prompt"`
	Resolution string `json:"resolution"`
}

// Status 是一次状态查询的结果。
type Status struct {
	State       State  `json:"state"`
	AssetRef    string `json:"assetRef,omitempty"`
	ErrorDetail string `json:"errorDetail,omitempty"`
}

// Client 定义了合成服务的提交与状态查询接口。
type Client interface {
	Submit(ctx context.Context, payload Payload) (jobID string, err error)
	Status(ctx context.Context, jobID string) (Status, error)
}

// ErrTransport 表示网络层或服务端临时错误，可以重试。
var ErrTransport = errors.New("synthesis transport error")

// RejectedError 表示合成服务明确拒绝了请求。
type RejectedError struct {
	Code    int
	Message string
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("synthesis rejected request: code=%d msg=%s", e.Code, e.Message)
}

type httpClient struct {
	cfg  config.SynthesisConfig
	http *resty.Client
}

// NewClient 根据配置创建合成客户端。provider 为 mock 时返回本地模拟实现。
func NewClient(cfg config.SynthesisConfig) Client {
	if cfg.Provider == "mock" {
		return NewMockClient(cfg.MockPendingPolls)
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	client := resty.New().
		SetBaseURL(strings.TrimRight(cfg.BaseURL, "/")).
		SetHeader("User-Agent", "mydouble-go/1.0").
		SetAuthToken(cfg.APIKey).
		SetTimeout(timeout)
	return &httpClient{cfg: cfg, http: client}
}

type createTaskRequest struct {
	Model       string      `json:"model"`
	CallbackURL string      `json:"callBackUrl,omitempty"`
	Input       createInput `json:"input"`
}

type createInput struct {
	ImageURL   string `json:"image_url"`
	AudioURL   string `json:"audio_url"`
	Prompt     string `json:"prompt"`
	Resolution string `json:"resolution"`
}

type createTaskResponse struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
	Data *struct {
		TaskID string `json:"taskId"`
	} `json:"data"`
}

type recordInfoResponse struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
	Data *struct {
		TaskID     string `json:"taskId"`
		State      string `json:"state"`
		ResultJSON string `json:"resultJson"`
		FailCode   string `json:"failCode"`
		FailMsg    string `json:"failMsg"`
	} `json:"data"`
}

// Submit 创建合成任务并返回任务令牌。
func (c *httpClient) Submit(ctx context.Context, payload Payload) (string, error) {
	reqBody := createTaskRequest{
		Model:       "infinitalk/from-audio",
		CallbackURL: c.cfg.CallbackURL,
		Input: createInput{
			ImageURL:   payload.ImageURL,
			AudioURL:   payload.AudioURL,
			Prompt:     payload.Prompt,
			Resolution: payload.Resolution,
		},
	}

	var out createTaskResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(reqBody).
		ForceContentType("application/json").
		SetResult(&out).
		Post("/jobs/createTask")
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrTransport, err)
	}
	if resp.StatusCode() >= http.StatusInternalServerError || resp.StatusCode() == http.StatusTooManyRequests {
		return "", fmt.Errorf("%w: status %d", ErrTransport, resp.StatusCode())
	}
	if resp.IsError() {
		return "", &RejectedError{Code: resp.StatusCode(), Message: resp.String()}
	}
	if out.Code != http.StatusOK || out.Data == nil || out.Data.TaskID == "" {
		return "", &RejectedError{Code: out.Code, Message: out.Msg}
	}
	log.Infof("[Synthesis] 任务已创建 taskId=%s resolution=%s", out.Data.TaskID, payload.Resolution)
	return out.Data.TaskID, nil
}

// Status 查询任务状态。非 2xx 或响应体不完整均视为可重试的传输错误。
func (c *httpClient) Status(ctx context.Context, jobID string) (Status, error) {
	var out recordInfoResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParam("taskId", jobID).
		ForceContentType("application/json").
		SetResult(&out).
		Get("/jobs/recordInfo")
	if err != nil {
		return Status{}, fmt.Errorf("%w: %v", ErrTransport, err)
	}
	if resp.IsError() {
		return Status{}, fmt.Errorf("%w: status %d", ErrTransport, resp.StatusCode())
	}
	if out.Code != http.StatusOK || out.Data == nil {
		return Status{}, fmt.Errorf("%w: code %d %s", ErrTransport, out.Code, out.Msg)
	}
	return parseRecord(out.Data.State, out.Data.ResultJSON, out.Data.FailMsg), nil
}

func parseRecord(state, resultJSON, failMsg string) Status {
	switch state {
	case "success":
		var result struct {
			ResultURLs []string `json:"resultUrls"`
		}
		if resultJSON != "" {
			if err := json.Unmarshal([]byte(resultJSON), &result); err != nil {
				log.Warnf("[Synthesis] 无法解析 resultJson: %v", err)
			}
		}
		if len(result.ResultURLs) > 0 && result.ResultURLs[0] != "" {
			return Status{State: StateReady, AssetRef: result.ResultURLs[0]}
		}
		// 成功但尚未给出结果地址，继续等待
		return Status{State: StatePending}
	case "fail":
		if failMsg == "" {
			failMsg = "generation failed"
		}
		return Status{State: StateError, ErrorDetail: failMsg}
	default:
		return Status{State: StatePending}
	}
}

// DefaultTimeout 在配置未指定时使用。
const DefaultTimeout = 30 * time.Second
