package authz

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/audax/qabel-index/pkg/platform/sentinel"
)

const userCheckPath = "/api/v0/internal/user/"

// Verdict is the accounting service's answer for one authorization header.
type Verdict int

const (
	Denied Verdict = iota
	Approved
)

// Checker asks an external service whether an authorization header belongs
// to an active user. An unreachable service is an error wrapping
// sentinel.ErrUnavailable, never a Denied verdict.
type Checker interface {
	Check(ctx context.Context, authorization string) (Verdict, error)
}

// AccountingClient talks to the accounting service's internal user endpoint.
type AccountingClient struct {
	baseURL   string
	apiSecret string
	http      *http.Client
}

func NewAccountingClient(baseURL, apiSecret string, timeout time.Duration) *AccountingClient {
	return &AccountingClient{
		baseURL:   strings.TrimRight(baseURL, "/"),
		apiSecret: apiSecret,
		http:      &http.Client{Timeout: timeout},
	}
}

type userCheckRequest struct {
	Auth string `json:"auth"`
}

type userCheckResponse struct {
	UserID int  `json:"user_id"`
	Active bool `json:"active"`
}

func (c *AccountingClient) Check(ctx context.Context, authorization string) (Verdict, error) {
	body, err := json.Marshal(userCheckRequest{Auth: authorization})
	if err != nil {
		return Denied, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+userCheckPath, bytes.NewReader(body))
	if err != nil {
		return Denied, fmt.Errorf("build accounting request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("APISECRET", c.apiSecret)

	resp, err := c.http.Do(req)
	if err != nil {
		return Denied, fmt.Errorf("%w: accounting request: %v", sentinel.ErrUnavailable, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 500:
		return Denied, fmt.Errorf("%w: accounting returned %s", sentinel.ErrUnavailable, resp.Status)
	case resp.StatusCode != http.StatusOK:
		_, _ = io.Copy(io.Discard, resp.Body)
		return Denied, nil
	}

	var out userCheckResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return Denied, fmt.Errorf("%w: decode accounting response: %v", sentinel.ErrUnavailable, err)
	}
	if !out.Active {
		return Denied, nil
	}
	return Approved, nil
}
