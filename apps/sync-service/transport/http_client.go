package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"studychat/apps/sync-service/model"
	"studychat/apps/sync-service/service"
)

// Client 针对消息REST API的HTTP客户端
// 实现引擎的Sender/Fetcher/ReceiptSink collaborator。
// 传输层错误与5xx归类为NetworkError，4xx归类为ValidationError。
type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

// NewClient 创建HTTP客户端
func NewClient(baseURL, token string) *Client {
	return &Client{
		baseURL: baseURL,
		token:   token,
		http: &http.Client{
			Timeout: 15 * time.Second,
		},
	}
}

// sendRequest 发送接口请求体
type sendRequest struct {
	ConversationID int64    `json:"conversation_id"`
	Content        string   `json:"content"`
	MessageType    string   `json:"message_type"`
	Attachments    []string `json:"attachments,omitempty"`
}

// sendResponse 发送接口响应体
type sendResponse struct {
	Message string `json:"message"`
	Data    struct {
		ServerID  int64     `json:"server_id"`
		CreatedAt time.Time `json:"created_at"`
		Content   string    `json:"content"`
	} `json:"data"`
}

// Send 实现 service.Sender
func (c *Client) Send(ctx context.Context, req service.SendRequest) (service.SendResult, error) {
	body := sendRequest{
		ConversationID: req.ConversationID,
		Content:        req.Content,
		MessageType:    req.MessageType,
		Attachments:    req.Attachments,
	}
	var resp sendResponse
	if err := c.post(ctx, "/api/v1/messages/send", body, &resp); err != nil {
		return service.SendResult{}, err
	}
	return service.SendResult{
		ServerID:  resp.Data.ServerID,
		CreatedAt: resp.Data.CreatedAt,
		Content:   resp.Data.Content,
	}, nil
}

// historyResponse 历史接口响应体
type historyResponse struct {
	Message string `json:"message"`
	Data    struct {
		Messages []*model.Message `json:"messages"`
	} `json:"data"`
}

// FetchMessages 实现 service.Fetcher
func (c *Client) FetchMessages(ctx context.Context, conversationID int64, beforeID int64, limit int) ([]*model.Message, error) {
	url := fmt.Sprintf("%s/api/v1/messages/history?conversation_id=%d&before_id=%d&limit=%d",
		c.baseURL, conversationID, beforeID, limit)

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, &service.NetworkError{Op: "fetch messages", Err: err}
	}
	c.setHeaders(httpReq)

	var resp historyResponse
	if err := c.do(httpReq, "fetch messages", &resp); err != nil {
		return nil, err
	}
	return resp.Data.Messages, nil
}

// markReadRequest 已读接口请求体
type markReadRequest struct {
	MessageIDs []int64 `json:"message_ids"`
}

// markReadResponse 已读接口响应体
type markReadResponse struct {
	Message string `json:"message"`
	Data    struct {
		FailedIDs []int64 `json:"failed_ids"`
	} `json:"data"`
}

// MarkRead 实现 service.ReceiptSink
func (c *Client) MarkRead(ctx context.Context, messageIDs []int64) ([]int64, error) {
	var resp markReadResponse
	if err := c.post(ctx, "/api/v1/messages/read", markReadRequest{MessageIDs: messageIDs}, &resp); err != nil {
		return nil, err
	}
	return resp.Data.FailedIDs, nil
}

// post 发送JSON POST请求
func (c *Client) post(ctx context.Context, path string, body, out interface{}) error {
	raw, err := json.Marshal(body)
	if err != nil {
		return &service.ValidationError{Reason: err.Error()}
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(raw))
	if err != nil {
		return &service.NetworkError{Op: path, Err: err}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	c.setHeaders(httpReq)

	return c.do(httpReq, path, out)
}

// do 执行请求并按状态码分类错误
func (c *Client) do(req *http.Request, op string, out interface{}) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return &service.NetworkError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return &service.NetworkError{Op: op, Err: err}
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		if out == nil {
			return nil
		}
		if err := json.Unmarshal(data, out); err != nil {
			return &service.NetworkError{Op: op, Err: fmt.Errorf("decode response: %v", err)}
		}
		return nil
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return &service.ValidationError{Reason: errorMessage(data, resp.StatusCode)}
	default:
		return &service.NetworkError{Op: op, Err: fmt.Errorf("server returned %d", resp.StatusCode)}
	}
}

// errorMessage 从错误响应里提取可读信息
func errorMessage(data []byte, status int) string {
	var body struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(data, &body); err == nil {
		if body.Error != "" {
			return body.Error
		}
		if body.Message != "" {
			return body.Message
		}
	}
	return fmt.Sprintf("request rejected with status %d", status)
}

// setHeaders 设置会话凭证
func (c *Client) setHeaders(req *http.Request) {
	if c.token != "" {
		req.Header.Set("Authorization", c.token)
	}
}
