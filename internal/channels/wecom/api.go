package wecom

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

const (
	DefaultAPIBase = "https://qyapi.weixin.qq.com"

	tokenEndpoint = "/cgi-bin/gettoken"
	sendEndpoint  = "/cgi-bin/message/send"
)

// APIClient is a thin net/http client for the two WeCom endpoints the relay
// uses. It holds no credentials; callers pass the access token per call.
type APIClient struct {
	baseURL    string
	httpClient *http.Client
}

// NewAPIClient creates a client. An empty baseURL selects DefaultAPIBase and
// a nil httpClient a 30s-timeout default.
func NewAPIClient(baseURL string, httpClient *http.Client) *APIClient {
	if baseURL == "" {
		baseURL = DefaultAPIBase
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &APIClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: httpClient,
	}
}

// AccessToken is a gettoken result.
type AccessToken struct {
	Value     string
	ExpiresIn time.Duration
}

// FetchToken exchanges corp credentials for an access token.
func (c *APIClient) FetchToken(ctx context.Context, corpID, secret string) (AccessToken, error) {
	q := url.Values{}
	q.Set("corpid", corpID)
	q.Set("corpsecret", secret)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+tokenEndpoint+"?"+q.Encode(), nil)
	if err != nil {
		return AccessToken{}, fmt.Errorf("%w: %v", ErrCredentialFetch, err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return AccessToken{}, fmt.Errorf("%w: gettoken request: %v", ErrCredentialFetch, err)
	}
	defer resp.Body.Close()

	var result struct {
		ErrCode     int    `json:"errcode"`
		ErrMsg      string `json:"errmsg"`
		AccessToken string `json:"access_token"`
		ExpiresIn   int    `json:"expires_in"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return AccessToken{}, fmt.Errorf("%w: gettoken decode (status %d): %v", ErrCredentialFetch, resp.StatusCode, err)
	}
	if result.ErrCode != 0 {
		return AccessToken{}, &CredentialError{Code: result.ErrCode, Msg: result.ErrMsg}
	}
	if result.AccessToken == "" {
		return AccessToken{}, fmt.Errorf("%w: empty access_token", ErrCredentialFetch)
	}
	return AccessToken{
		Value:     result.AccessToken,
		ExpiresIn: time.Duration(result.ExpiresIn) * time.Second,
	}, nil
}

type textMessage struct {
	ToUser  string      `json:"touser"`
	MsgType string      `json:"msgtype"`
	AgentID any         `json:"agentid"`
	Text    textContent `json:"text"`
}

type textContent struct {
	Content string `json:"content"`
}

// SendText posts one text message. A non-zero errcode is returned as *APIError.
func (c *APIClient) SendText(ctx context.Context, token, toUser, agentID, content string) error {
	body, err := json.Marshal(textMessage{
		ToUser:  toUser,
		MsgType: "text",
		AgentID: agentIDValue(agentID),
		Text:    textContent{Content: content},
	})
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}

	endpoint := c.baseURL + sendEndpoint + "?access_token=" + url.QueryEscape(token)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json; charset=utf-8")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("wecom send request: %w", err)
	}
	defer resp.Body.Close()

	var result struct {
		ErrCode int    `json:"errcode"`
		ErrMsg  string `json:"errmsg"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return fmt.Errorf("wecom send decode (status %d): %w", resp.StatusCode, err)
	}
	if result.ErrCode != 0 {
		return &APIError{Code: result.ErrCode, Msg: result.ErrMsg}
	}
	return nil
}

// agentIDValue sends numeric agent ids as JSON numbers.
func agentIDValue(agentID string) any {
	if n, err := strconv.ParseInt(agentID, 10, 64); err == nil {
		return n
	}
	return agentID
}
