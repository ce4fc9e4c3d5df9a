package health

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestChecker(t *testing.T) {
	dir := t.TempDir()
	index := filepath.Join(dir, "index.html")
	if err := os.WriteFile(index, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	c := NewChecker([]Target{
		{Name: "folder", Path: dir, Dir: true},
		{Name: "history", Path: index},
	}, time.Hour, nil)
	c.Start()
	defer c.Stop()

	if !c.Healthy() {
		t.Fatal("expected healthy")
	}
	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/health", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}

	if err := os.Remove(index); err != nil {
		t.Fatal(err)
	}
	c.checkAll()

	if c.Healthy() {
		t.Fatal("expected unhealthy after removing the history file")
	}
	rec = httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/health", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("expected 503, got %d", rec.Code)
	}

	var got struct {
		Status   string   `json:"status"`
		Problems []string `json:"problems"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	if got.Status != "unhealthy" || len(got.Problems) != 1 {
		t.Errorf("unexpected body %+v", got)
	}
}

func TestCheckTarget_Kinds(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "f.txt")
	if err := os.WriteFile(file, nil, 0o644); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name    string
		target  Target
		wantErr bool
	}{
		{"directory", Target{Path: dir, Dir: true}, false},
		{"file", Target{Path: file}, false},
		{"file as directory", Target{Path: file, Dir: true}, true},
		{"directory as file", Target{Path: dir}, true},
		{"missing", Target{Path: filepath.Join(dir, "nope")}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := checkTarget(tt.target); (err != nil) != tt.wantErr {
				t.Errorf("unexpected error state %v", err)
			}
		})
	}
}

func TestChecker_StopTwice(t *testing.T) {
	c := NewChecker(nil, time.Millisecond, nil)
	c.Start()
	c.Stop()
	c.Stop()
}
