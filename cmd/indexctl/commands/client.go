package commands

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/audax/qabel-index/internal/index/models"
	"github.com/audax/qabel-index/internal/index/service"
	"github.com/audax/qabel-index/internal/sealbox"
)

type apiClient struct {
	base          string
	authorization string
	http          *http.Client
}

type apiError struct {
	Status int
	Kind   string `json:"kind"`
	Msg    string `json:"error"`
}

func (e *apiError) Error() string {
	if e.Kind == "" {
		return fmt.Sprintf("server returned %d", e.Status)
	}
	return fmt.Sprintf("server returned %d (%s): %s", e.Status, e.Kind, e.Msg)
}

func (c *apiClient) url(path string) string {
	return strings.TrimRight(c.base, "/") + "/api/v0/" + path
}

func (c *apiClient) do(ctx context.Context, method, target, contentType string, body []byte) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return nil, err
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if c.authorization != "" {
		req.Header.Set("Authorization", c.authorization)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= http.StatusBadRequest {
		defer resp.Body.Close()
		apiErr := &apiError{Status: resp.StatusCode}
		_ = json.NewDecoder(resp.Body).Decode(apiErr)
		return nil, apiErr
	}
	return resp, nil
}

func (c *apiClient) publicKey(ctx context.Context) (sealbox.Key, error) {
	resp, err := c.do(ctx, http.MethodGet, c.url("key/"), "", nil)
	if err != nil {
		return sealbox.Key{}, err
	}
	defer resp.Body.Close()

	var key models.KeyResponse
	if err := json.NewDecoder(resp.Body).Decode(&key); err != nil {
		return sealbox.Key{}, fmt.Errorf("decode key response: %w", err)
	}
	return key.PublicKey, nil
}

// update sends body as-is, or sealed to the server key when seal is set.
// It reports whether the server deferred any item to verification.
func (c *apiClient) update(ctx context.Context, body []byte, seal bool) (bool, error) {
	contentType := service.ContentTypeJSON
	if seal {
		key, err := c.publicKey(ctx)
		if err != nil {
			return false, err
		}
		body, err = sealbox.Seal(body, key)
		if err != nil {
			return false, err
		}
		contentType = service.ContentTypeSealed
	}

	resp, err := c.do(ctx, http.MethodPut, c.url("update/"), contentType, body)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusAccepted, nil
}

func (c *apiClient) search(ctx context.Context, query url.Values) (*models.SearchResponse, error) {
	resp, err := c.do(ctx, http.MethodGet, c.url("search/")+"?"+query.Encode(), "", nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var out models.SearchResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode search response: %w", err)
	}
	return &out, nil
}
