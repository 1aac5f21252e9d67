package fakebackend

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func getQueue(t *testing.T, url string) json.RawMessage {
	t.Helper()
	resp, err := http.Get(url + "/queue")
	if err != nil {
		t.Fatalf("GET /queue: %v", err)
	}
	defer resp.Body.Close()
	var body struct {
		Running json.RawMessage `json:"queue_running"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return body.Running
}

func TestQueueFormats(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name       string
		opts       []Option
		busy       bool
		wantSubstr string
	}{
		{"bool idle", nil, false, "false"},
		{"bool busy", nil, true, "true"},
		{"list idle", []Option{WithComfyQueue()}, false, "[]"},
		{"list busy", []Option{WithComfyQueue()}, true, "[[0,"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			fb := New(tt.opts...)
			fb.SetBusy(tt.busy)
			srv := httptest.NewServer(fb.Handler())
			defer srv.Close()

			if got := string(getQueue(t, srv.URL)); !strings.HasPrefix(got, tt.wantSubstr) {
				t.Errorf("queue_running = %s, want prefix %s", got, tt.wantSubstr)
			}
		})
	}
}

func TestQueueFault(t *testing.T) {
	t.Parallel()
	fb := New()
	fb.Fail(FaultQueue)
	srv := httptest.NewServer(fb.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/queue")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", resp.StatusCode)
	}
}

func TestPromptRequiresUpload(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(New().Handler())
	defer srv.Close()

	body := `{"prompt": {"10": {"inputs": {"image": "never-uploaded.png"}}}, "client_id": "c1"}`
	resp, err := http.Post(srv.URL+"/prompt", "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
}

func TestWSRequiresClientID(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(New().Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/ws")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
}
