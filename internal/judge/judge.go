package judge

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// Client is a thin pass-through to the remote code-execution judge. It
// submits source for a run and polls the returned token; nothing here touches
// the collaborative session.
type Client struct {
	baseURL string
	host    string
	apiKey  string
	http    *http.Client
}

// Result is one poll response. Status 3 means the run finished; anything
// above 3 is a judge-side failure (compile error, runtime error, timeout).
type Result struct {
	StatusID    int    `json:"status_id"`
	Description string `json:"status_description"`
	Stdout      string `json:"stdout"`
	Stderr      string `json:"stderr"`
}

const statusDone = 3

// Done reports whether the run completed successfully.
func (r Result) Done() bool {
	return r.StatusID == statusDone
}

// Failed reports whether the judge gave up on the run.
func (r Result) Failed() bool {
	return r.StatusID > statusDone
}

func NewClient(host, apiKey string) *Client {
	return &Client{
		baseURL: "https://" + host,
		host:    host,
		apiKey:  apiKey,
		http:    &http.Client{Timeout: 15 * time.Second},
	}
}

type submission struct {
	SourceCode string `json:"source_code"`
	LanguageID int    `json:"language_id"`
}

type submitResponse struct {
	Token string `json:"token"`
}

// Submit sends source to the judge and returns the poll token.
func (c *Client) Submit(ctx context.Context, sourceCode string, languageID int) (string, error) {
	body, err := json.Marshal(submission{SourceCode: sourceCode, LanguageID: languageID})
	if err != nil {
		return "", err
	}

	url := fmt.Sprintf("%s/submissions?base64_encoded=false&fields=*", c.baseURL)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	c.setHeaders(req)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("judge submit: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return "", fmt.Errorf("judge submit: unexpected status %d", resp.StatusCode)
	}

	var sr submitResponse
	if err := json.NewDecoder(resp.Body).Decode(&sr); err != nil {
		return "", fmt.Errorf("judge submit: %w", err)
	}
	if sr.Token == "" {
		return "", fmt.Errorf("judge submit: empty token")
	}
	return sr.Token, nil
}

type pollResponse struct {
	Status struct {
		ID          int    `json:"id"`
		Description string `json:"description"`
	} `json:"status"`
	Stdout string `json:"stdout"`
	Stderr string `json:"stderr"`
}

// Poll fetches the current state of a submitted run.
func (c *Client) Poll(ctx context.Context, token string) (Result, error) {
	url := fmt.Sprintf("%s/submissions/%s?base64_encoded=false&fields=*", c.baseURL, token)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return Result{}, err
	}
	c.setHeaders(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return Result{}, fmt.Errorf("judge poll: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Result{}, fmt.Errorf("judge poll: unexpected status %d", resp.StatusCode)
	}

	var pr pollResponse
	if err := json.NewDecoder(resp.Body).Decode(&pr); err != nil {
		return Result{}, fmt.Errorf("judge poll: %w", err)
	}
	return Result{
		StatusID:    pr.Status.ID,
		Description: pr.Status.Description,
		Stdout:      pr.Stdout,
		Stderr:      pr.Stderr,
	}, nil
}

// Wait polls until the run completes or fails, or the context ends.
func (c *Client) Wait(ctx context.Context, token string, interval time.Duration) (Result, error) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		result, err := c.Poll(ctx, token)
		if err != nil {
			return Result{}, err
		}
		if result.Done() || result.Failed() {
			return result, nil
		}

		select {
		case <-ctx.Done():
			return Result{}, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (c *Client) setHeaders(req *http.Request) {
	req.Header.Set("X-RapidAPI-Host", c.host)
	req.Header.Set("X-RapidAPI-Key", c.apiKey)
}
