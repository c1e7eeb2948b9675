package stt

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/charmbracelet/log"
)

func newTestWit(t *testing.T, handler http.HandlerFunc) *WitClient {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	c, err := NewWitClient(WitOptions{
		Token:   "secret",
		BaseURL: srv.URL,
		Log:     log.New(io.Discard),
	})
	if err != nil {
		t.Fatalf("NewWitClient() error = %v", err)
	}
	return c
}

func TestWitTranscribeRequest(t *testing.T) {
	c := newTestWit(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/speech" {
			t.Errorf("got %s %s, want POST /speech", r.Method, r.URL.Path)
		}
		if r.URL.Query().Get("v") != WitVersion {
			t.Errorf("version = %q, want %q", r.URL.Query().Get("v"), WitVersion)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer secret" {
			t.Errorf("Authorization = %q", got)
		}
		if got := r.Header.Get("Content-Type"); got != ContentType {
			t.Errorf("Content-Type = %q, want %q", got, ContentType)
		}
		body, _ := io.ReadAll(r.Body)
		if string(body) != "pcm" {
			t.Errorf("body = %q, want %q", body, "pcm")
		}
		io.WriteString(w, `{"text": "hello world", "intents": []}`)
	})

	res, err := c.Transcribe(context.Background(), []byte("pcm"))
	if err != nil {
		t.Fatalf("Transcribe() error = %v", err)
	}
	if res.Text != "hello world" {
		t.Errorf("Text = %q, want %q", res.Text, "hello world")
	}
}

func TestDecodeSpeech(t *testing.T) {
	tests := []struct {
		name     string
		body     string
		want     string
		wantErr  bool
		wantCode string
	}{
		{
			name: "single object",
			body: `{"text": "turn it up", "entities": {}}`,
			want: "turn it up",
		},
		{
			name: "streamed partials and final",
			body: "{\"text\": \"hel\", \"type\": \"PARTIAL_TRANSCRIPTION\"}\r\n" +
				"{\"text\": \"hello there\", \"type\": \"FINAL_TRANSCRIPTION\", \"is_final\": true}\r\n" +
				"{\"text\": \"hello there\", \"type\": \"FINAL_UNDERSTANDING\", \"intents\": []}\r\n",
			want: "hello there",
		},
		{
			name: "pretty printed",
			body: "{\n  \"entities\": {},\n  \"text\": \"  spaced  \",\n  \"traits\": {}\n}\n",
			want: "spaced",
		},
		{
			name: "only partials",
			body: `{"text": "a"} {"text": "ab"}`,
			want: "ab",
		},
		{
			name: "empty transcript",
			body: `{"text": "", "is_final": true}`,
			want: "",
		},
		{
			name:     "error object",
			body:     `{"error": "Bad auth, check token/params", "code": "no-auth"}`,
			wantErr:  true,
			wantCode: "no-auth",
		},
		{name: "malformed", body: `{"text": "cut`, wantErr: true},
		{name: "no text", body: `{"intents": []}`, wantErr: true},
		{name: "empty body", body: ``, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := decodeSpeech(strings.NewReader(tt.body))
			if tt.wantErr {
				var terr *TranscriptionError
				if !errors.As(err, &terr) {
					t.Fatalf("decodeSpeech() error = %v, want *TranscriptionError", err)
				}
				if terr.Code != tt.wantCode {
					t.Errorf("Code = %q, want %q", terr.Code, tt.wantCode)
				}
				return
			}
			if err != nil {
				t.Fatalf("decodeSpeech() error = %v", err)
			}
			if res.Text != tt.want {
				t.Errorf("Text = %q, want %q", res.Text, tt.want)
			}
		})
	}
}

func TestWitTranscribeHTTPError(t *testing.T) {
	c := newTestWit(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		io.WriteString(w, "slow down")
	})

	_, err := c.Transcribe(context.Background(), []byte("pcm"))
	var terr *TranscriptionError
	if !errors.As(err, &terr) {
		t.Fatalf("Transcribe() error = %v, want *TranscriptionError", err)
	}
}

func TestWitApps(t *testing.T) {
	var updated []string
	c := newTestWit(t, func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodGet && r.URL.Path == "/apps":
			if r.URL.Query().Get("limit") != "100" {
				t.Errorf("limit = %q, want 100", r.URL.Query().Get("limit"))
			}
			io.WriteString(w, `[{"id": "1", "name": "a", "lang": "en"}, {"id": "2", "name": "b", "lang": "en"}]`)
		case r.Method == http.MethodPut && r.URL.Path == "/apps/1":
			body, _ := io.ReadAll(r.Body)
			updated = append(updated, string(body))
			io.WriteString(w, `{"success": true}`)
		case r.Method == http.MethodPut && r.URL.Path == "/apps/2":
			w.WriteHeader(http.StatusBadRequest)
			io.WriteString(w, `{"error": "Access token does not match", "code": "bad-request"}`)
		default:
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
	})

	apps, err := c.Apps(context.Background())
	if err != nil {
		t.Fatalf("Apps() error = %v", err)
	}
	if len(apps) != 2 || apps[0].ID != "1" {
		t.Fatalf("Apps() = %+v", apps)
	}

	if err := c.SetAppLanguage(context.Background(), "1", "de"); err != nil {
		t.Errorf("SetAppLanguage(1) error = %v", err)
	}
	if len(updated) != 1 || updated[0] != `{"lang":"de"}` {
		t.Errorf("update body = %v", updated)
	}

	err = c.SetAppLanguage(context.Background(), "2", "de")
	var apiErr *WitAPIError
	if !errors.As(err, &apiErr) || apiErr.Message != "Access token does not match" {
		t.Errorf("SetAppLanguage(2) error = %v, want access token mismatch", err)
	}
}

func TestWitAppsMalformedObject(t *testing.T) {
	c := newTestWit(t, func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"error": `)
	})

	_, err := c.Apps(context.Background())
	if err == nil {
		t.Fatal("Apps() with a truncated body succeeded")
	}
	var apiErr *WitAPIError
	if errors.As(err, &apiErr) {
		t.Errorf("Apps() error = %v, want a parse error", err)
	}
}

func TestNewWitClientRequiresToken(t *testing.T) {
	if _, err := NewWitClient(WitOptions{}); err == nil {
		t.Error("NewWitClient() without token succeeded")
	}
}
