package requests

// requests is a small helper for making JSON requests to HTTP APIs

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
)

// StatusError is returned when the server responds with a status code >= 300
type StatusError struct {
	StatusCode int
	Status     string
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%v. %v", e.Status, e.Body)
}

// RequestJSON sends body as JSON (unless body is nil) and decodes the response into T.
// If client is nil, http.DefaultClient is used.
func RequestJSON[T any](ctx context.Context, client *http.Client, method, url string, body any) (*T, error) {
	if client == nil {
		client = http.DefaultClient
	}
	var reqBody io.Reader
	if body != nil {
		bodyB, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		reqBody = bytes.NewReader(bodyB)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reqBody)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, &StatusError{StatusCode: resp.StatusCode, Status: resp.Status, Body: string(msg)}
	}
	var responseObj T
	if err := json.NewDecoder(resp.Body).Decode(&responseObj); err != nil {
		return nil, fmt.Errorf("%v. %w", resp.Status, err)
	}
	return &responseObj, nil
}
