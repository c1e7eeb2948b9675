package stt

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/charmbracelet/log"
)

const (
	WitBaseURL = "https://api.wit.ai"
	WitVersion = "20240304"
)

type WitOptions struct {
	Token      string
	BaseURL    string
	Version    string
	HTTPClient *http.Client
	Log        *log.Logger
}

// WitClient talks to the wit.ai HTTP API. It implements Transcriber through
// the /speech endpoint and manages app languages for the !lang command.
type WitClient struct {
	token   string
	baseURL string
	version string
	http    *http.Client
	log     *log.Logger
}

func NewWitClient(opts WitOptions) (*WitClient, error) {
	if opts.Token == "" {
		return nil, errors.New("wit.ai token cannot be empty")
	}
	if opts.BaseURL == "" {
		opts.BaseURL = WitBaseURL
	}
	if opts.Version == "" {
		opts.Version = WitVersion
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{}
	}
	if opts.Log == nil {
		opts.Log = log.Default()
	}
	return &WitClient{
		token:   opts.Token,
		baseURL: strings.TrimSuffix(opts.BaseURL, "/"),
		version: opts.Version,
		http:    opts.HTTPClient,
		log:     opts.Log,
	}, nil
}

// witMessage is one JSON object of a /speech response. The endpoint streams
// several of them: partial transcriptions, a final transcription and then
// the understanding. Errors come back as {"error", "code"}.
type witMessage struct {
	Text    *string `json:"text"`
	Type    string  `json:"type"`
	IsFinal bool    `json:"is_final"`
	Error   string  `json:"error"`
	Code    string  `json:"code"`
}

func (m witMessage) final() bool {
	return m.IsFinal ||
		m.Type == "FINAL_TRANSCRIPTION" ||
		m.Type == "FINAL_UNDERSTANDING"
}

func (c *WitClient) endpoint(path string, query url.Values) string {
	if query == nil {
		query = url.Values{}
	}
	query.Set("v", c.version)
	return c.baseURL + path + "?" + query.Encode()
}

func (c *WitClient) newRequest(
	ctx context.Context,
	method, endpoint string,
	body io.Reader,
	contentType string,
) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Accept", "application/json")
	return req, nil
}

func (c *WitClient) Transcribe(ctx context.Context, pcm []byte) (Result, error) {
	req, err := c.newRequest(
		ctx,
		http.MethodPost,
		c.endpoint("/speech", nil),
		bytes.NewReader(pcm),
		ContentType,
	)
	if err != nil {
		return Result{}, &TranscriptionError{Reason: "build request", Err: err}
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return Result{}, &TranscriptionError{Reason: "request failed", Err: err}
	}
	defer resp.Body.Close()

	result, err := decodeSpeech(resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var terr *TranscriptionError
		if errors.As(err, &terr) && terr.Code != "" {
			return Result{}, terr
		}
		return Result{}, &TranscriptionError{
			Reason: fmt.Sprintf("HTTP status %d", resp.StatusCode),
		}
	}
	if err != nil {
		return Result{}, err
	}

	c.log.Debug("transcribed", "bytes", len(pcm), "text", result.Text)
	return result, nil
}

func decodeSpeech(body io.Reader) (Result, error) {
	var (
		finalText string
		lastText  string
		haveFinal bool
		haveText  bool
	)

	dec := json.NewDecoder(body)
	for {
		var m witMessage
		err := dec.Decode(&m)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return Result{}, &TranscriptionError{Reason: "malformed response", Err: err}
		}

		if m.Error != "" {
			return Result{}, &TranscriptionError{Code: m.Code, Reason: m.Error}
		}
		if m.Text == nil {
			continue
		}

		if m.final() {
			finalText, haveFinal = *m.Text, true
		}
		lastText, haveText = *m.Text, true
	}

	switch {
	case haveFinal:
		return Result{Text: strings.TrimSpace(finalText)}, nil
	case haveText:
		return Result{Text: strings.TrimSpace(lastText)}, nil
	default:
		return Result{}, &TranscriptionError{Reason: "no transcription in response"}
	}
}

type WitApp struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Lang string `json:"lang"`
}

type WitAPIError struct {
	Status  int
	Message string
	Code    string
}

func (e *WitAPIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("wit.ai: HTTP status %d", e.Status)
	}
	return "wit.ai: " + e.Message
}

func (c *WitClient) do(req *http.Request, out any) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("wit.ai request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response body: %w", err)
	}

	ok := resp.StatusCode >= 200 && resp.StatusCode < 300

	var apiErr struct {
		Error string `json:"error"`
		Code  string `json:"code"`
	}
	if trimmed := bytes.TrimSpace(body); len(trimmed) > 0 && trimmed[0] == '{' {
		if err := json.Unmarshal(trimmed, &apiErr); err != nil && ok {
			return fmt.Errorf("failed to parse response JSON: %w", err)
		}
	}

	if apiErr.Error != "" || !ok {
		return &WitAPIError{
			Status:  resp.StatusCode,
			Message: apiErr.Error,
			Code:    apiErr.Code,
		}
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("failed to parse response JSON: %w", err)
	}
	return nil
}

func (c *WitClient) Apps(ctx context.Context) ([]WitApp, error) {
	req, err := c.newRequest(
		ctx,
		http.MethodGet,
		c.endpoint("/apps", url.Values{
			"offset": {"0"},
			"limit":  {"100"},
		}),
		nil,
		"application/json",
	)
	if err != nil {
		return nil, err
	}

	var apps []WitApp
	if err := c.do(req, &apps); err != nil {
		return nil, err
	}
	return apps, nil
}

func (c *WitClient) SetAppLanguage(ctx context.Context, appID, lang string) error {
	payload, err := json.Marshal(map[string]string{"lang": lang})
	if err != nil {
		return fmt.Errorf("failed to encode request: %w", err)
	}

	req, err := c.newRequest(
		ctx,
		http.MethodPut,
		c.endpoint("/apps/"+url.PathEscape(appID), nil),
		bytes.NewReader(payload),
		"application/json",
	)
	if err != nil {
		return err
	}

	return c.do(req, nil)
}
