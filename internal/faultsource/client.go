package faultsource

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"
)

// Event 外部故障事件
type Event struct {
	ID       int64      `json:"id"`
	Project  string     `json:"project"`
	Line     string     `json:"line"`
	Device   string     `json:"device"`
	Category int        `json:"category"`
	Start    time.Time  `json:"start"`
	End      *time.Time `json:"end,omitempty"`
	Message  string     `json:"message,omitempty"`
}

// Resolved 事件是否已在源端结束
func (e *Event) Resolved() bool {
	return e.End != nil
}

// request 事件源 API 请求
type request struct {
	Table string `json:"table"`
	Since int64  `json:"since,omitempty"`
	ID    int64  `json:"id,omitempty"`
}

// response 事件源 API 响应信封
type response struct {
	Status int             `json:"status"`
	Msg    string          `json:"msg"`
	Data   json.RawMessage `json:"data"`
}

// Client 单个事件源 host 的 API 客户端
// 每次调用有超时上限：单个 (host, table) 超时只影响自己，不影响整个 tick
type Client struct {
	httpClient *resty.Client
	host       string
	logger     *zap.Logger
}

// NewClient 创建事件源客户端
func NewClient(host, baseURL string, timeout time.Duration, logger *zap.Logger) *Client {
	client := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(timeout).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json")

	return &Client{
		httpClient: client,
		host:       host,
		logger:     logger,
	}
}

// Host 事件源标识
func (c *Client) Host() string {
	return c.host
}

// ListRecentEvents 拉取 since 之后的新事件
func (c *Client) ListRecentEvents(ctx context.Context, table string, since time.Time) ([]Event, error) {
	var resp response
	r, err := c.httpClient.R().
		SetContext(ctx).
		SetBody(request{Table: table, Since: since.Unix()}).
		SetResult(&resp).
		Post("/events/listRecent")
	if err != nil {
		return nil, fmt.Errorf("failed to list events from %s/%s: %w", c.host, table, err)
	}
	if r.IsError() {
		return nil, fmt.Errorf("fault source %s/%s returned HTTP %d", c.host, table, r.StatusCode())
	}
	if resp.Status != 0 {
		return nil, fmt.Errorf("fault source %s/%s error: %s (status: %d)", c.host, table, resp.Msg, resp.Status)
	}

	var events []Event
	if err := json.Unmarshal(resp.Data, &events); err != nil {
		return nil, fmt.Errorf("failed to unmarshal events from %s/%s: %w", c.host, table, err)
	}
	return events, nil
}

// GetEvent 按外部事件 id 查询单个事件（事件完成同步）
// 事件不存在返回 nil, nil
func (c *Client) GetEvent(ctx context.Context, table string, id int64) (*Event, error) {
	var resp response
	r, err := c.httpClient.R().
		SetContext(ctx).
		SetBody(request{Table: table, ID: id}).
		SetResult(&resp).
		Post("/events/get")
	if err != nil {
		return nil, fmt.Errorf("failed to get event %d from %s/%s: %w", id, c.host, table, err)
	}
	if r.IsError() {
		return nil, fmt.Errorf("fault source %s/%s returned HTTP %d", c.host, table, r.StatusCode())
	}
	if resp.Status != 0 {
		return nil, fmt.Errorf("fault source %s/%s error: %s (status: %d)", c.host, table, resp.Msg, resp.Status)
	}

	if len(resp.Data) == 0 || string(resp.Data) == "null" {
		return nil, nil
	}
	var event Event
	if err := json.Unmarshal(resp.Data, &event); err != nil {
		return nil, fmt.Errorf("failed to unmarshal event from %s/%s: %w", c.host, table, err)
	}
	return &event, nil
}
