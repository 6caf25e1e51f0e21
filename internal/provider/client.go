// Package provider talks to the external voice synthesis/calling API
// that actually places outbound calls. It knows nothing about queues,
// capacity, or retries -- those are the Dispatcher's and the Webhook
// Retry Pipeline's concerns.
package provider

import (
    "bytes"
    "context"
    "encoding/json"
    "fmt"
    "io"
    "net/http"
    "time"

    "github.com/outcall/dispatchcore/internal/models"
    "github.com/outcall/dispatchcore/pkg/errors"
    "github.com/outcall/dispatchcore/pkg/logger"
)

// CallRequest is the body sent to the voice provider to place a call.
type CallRequest struct {
    AgentID    string                     `json:"agent_id"`
    ToNumber   string                     `json:"to_number"`
    FromNumber string                     `json:"from_number,omitempty"`
    UserData   models.NormalizedUserData  `json:"user_data"`
}

// CallResponse is the voice provider's synchronous acknowledgement that
// it has accepted the call for placement.
type CallResponse struct {
    ExecutionID string `json:"execution_id"`
    Status      string `json:"status"`
}

// Client places outbound calls against the voice provider's HTTP API.
type Client struct {
    httpClient *http.Client
    baseURL    string
    apiKey     string
    timeout    time.Duration
}

func NewClient(baseURL, apiKey string, timeout time.Duration) *Client {
    return &Client{
        httpClient: &http.Client{},
        baseURL:    baseURL,
        apiKey:     apiKey,
        timeout:    timeout,
    }
}

// PlaceCall submits a call-placement request. Transport failures and
// 5xx responses are returned as a retryable ErrProviderFailure
// AppError; any 4xx response is returned as a non-retryable
// ErrPrecondition carrying the response body: retrying a malformed
// request would just fail again.
func (c *Client) PlaceCall(ctx context.Context, req CallRequest) (*CallResponse, error) {
    log := logger.WithContext(ctx).WithField("agent_id", req.AgentID)

    body, err := json.Marshal(req)
    if err != nil {
        return nil, errors.Wrap(err, errors.ErrInternal, "failed to marshal call request")
    }

    reqCtx, cancel := context.WithTimeout(ctx, c.timeout)
    defer cancel()

    httpReq, err := http.NewRequestWithContext(reqCtx, http.MethodPost, c.baseURL+"/v1/calls", bytes.NewReader(body))
    if err != nil {
        return nil, errors.Wrap(err, errors.ErrInternal, "failed to build call request")
    }
    httpReq.Header.Set("Content-Type", "application/json")
    httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)

    resp, err := c.httpClient.Do(httpReq)
    if err != nil {
        log.WithError(err).Warn("voice provider request failed")
        return nil, errors.Wrap(err, errors.ErrProviderFailure, "voice provider request failed").WithContext("retryable", true)
    }
    defer resp.Body.Close()

    respBody, _ := io.ReadAll(resp.Body)

    if resp.StatusCode >= 500 {
        return nil, errors.New(errors.ErrProviderFailure, fmt.Sprintf("voice provider returned %d", resp.StatusCode)).
            WithStatusCode(resp.StatusCode).WithContext("retryable", true)
    }
    if resp.StatusCode >= 400 {
        return nil, errors.New(errors.ErrPrecondition, fmt.Sprintf("voice provider rejected request: %s", string(respBody))).
            WithStatusCode(resp.StatusCode).WithContext("retryable", false)
    }

    var callResp CallResponse
    if err := json.Unmarshal(respBody, &callResp); err != nil {
        return nil, errors.Wrap(err, errors.ErrProviderFailure, "failed to decode voice provider response")
    }

    log.WithField("execution_id", callResp.ExecutionID).Info("call placed with voice provider")
    return &callResp, nil
}

// NormalizeUserData reduces an arbitrary per-call payload down to the
// three fields the voice provider template actually consumes, per the
// boundary-normalization design note: callers upstream may attach any
// shape of campaign/contact data, but only lead_name, business_name and
// email ever cross into a provider request.
func NormalizeUserData(raw models.JSON) models.NormalizedUserData {
    get := func(keys ...string) string {
        for _, k := range keys {
            if v, ok := raw[k]; ok {
                if s, ok := v.(string); ok && s != "" {
                    return s
                }
            }
        }
        return ""
    }

    return models.NormalizedUserData{
        LeadName:     get("lead_name", "leadName", "name"),
        BusinessName: get("business_name", "businessName", "company"),
        Email:        get("email", "email_address"),
    }
}
