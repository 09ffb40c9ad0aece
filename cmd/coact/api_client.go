package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/fentz26/coact/internal/auth"
)

// DefaultClientTimeout is the default timeout for API requests.
const DefaultClientTimeout = 10 * time.Second

// apiClient is the shared HTTP client with timeout.
var apiClient = &http.Client{
	Timeout: DefaultClientTimeout,
}

// apiError is a non-2xx response from the control plane.
type apiError struct {
	Status  int
	Message string
	Reasons []string
}

func (e *apiError) Error() string {
	msg := fmt.Sprintf("API error (%d): %s", e.Status, e.Message)
	if len(e.Reasons) > 0 {
		msg += " [" + strings.Join(e.Reasons, "; ") + "]"
	}
	return msg
}

// errNoToken is returned when a command needs a user token and none is set.
var errNoToken = errors.New("no access token: pass --token, set COACT_TOKEN or run 'coact login'")

// resolveToken picks the user token from the flag, the environment or the
// saved credentials, in that order.
func resolveToken() (string, error) {
	if userToken != "" {
		return userToken, nil
	}
	if t := os.Getenv("COACT_TOKEN"); t != "" {
		return t, nil
	}
	m, err := auth.NewManager()
	if err != nil {
		return "", err
	}
	creds, err := m.Current()
	if err != nil {
		return "", errNoToken
	}
	return creds.AccessToken, nil
}

// apiDo sends a request with bearer token and JSON body and returns the
// response body. Non-2xx responses become *apiError.
func apiDo(method, path, token string, data interface{}, headers map[string]string) ([]byte, error) {
	var reqBody io.Reader
	if data != nil {
		jsonData, err := json.Marshal(data)
		if err != nil {
			return nil, err
		}
		reqBody = bytes.NewReader(jsonData)
	}

	req, err := http.NewRequest(method, apiAddr+path, reqBody)
	if err != nil {
		return nil, err
	}
	if data != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := apiClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("API request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode >= 400 {
		apiErr := &apiError{Status: resp.StatusCode, Message: strings.TrimSpace(string(body))}
		var payload struct {
			Error   string   `json:"error"`
			Reasons []string `json:"reasons"`
		}
		if json.Unmarshal(body, &payload) == nil && payload.Error != "" {
			apiErr.Message = payload.Error
			apiErr.Reasons = payload.Reasons
		}
		return nil, apiErr
	}

	return body, nil
}

// apiGet performs an authenticated GET.
func apiGet(path string) ([]byte, error) {
	token, err := resolveToken()
	if err != nil {
		return nil, err
	}
	return apiDo(http.MethodGet, path, token, nil, nil)
}

// apiPost performs an authenticated POST.
func apiPost(path string, data interface{}, headers map[string]string) ([]byte, error) {
	token, err := resolveToken()
	if err != nil {
		return nil, err
	}
	return apiDo(http.MethodPost, path, token, data, headers)
}

// apiDelete performs an authenticated DELETE.
func apiDelete(path string) ([]byte, error) {
	token, err := resolveToken()
	if err != nil {
		return nil, err
	}
	return apiDo(http.MethodDelete, path, token, nil, nil)
}

// CheckHealth checks if the server is healthy and returns the health response.
// Unlike other API calls, this returns the parsed HealthResponse even on non-200
// responses, allowing callers to inspect the health payload alongside the error.
func CheckHealth() (*HealthResponse, error) {
	resp, err := apiClient.Get(apiAddr + "/health")
	if err != nil {
		return nil, fmt.Errorf("API request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	var health HealthResponse
	if err := json.Unmarshal(body, &health); err != nil {
		return nil, fmt.Errorf("failed to parse health response: %w", err)
	}

	// Return both payload and error on non-200 status
	if resp.StatusCode != http.StatusOK {
		return &health, fmt.Errorf("health check failed (status %d): %s", resp.StatusCode, string(body))
	}

	return &health, nil
}

// HealthResponse matches the server's health response structure.
type HealthResponse struct {
	OK          bool   `json:"ok"`
	DB          string `json:"db"`
	Redis       string `json:"redis"`
	NodeID      string `json:"node_id"`
	Connections int    `json:"connections"`
	Version     string `json:"version"`
	Time        string `json:"time"`
}
