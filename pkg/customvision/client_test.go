package customvision

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

const sample = `{
  "id": "0d7d5b5a",
  "project": "proj",
  "iteration": "it",
  "created": "2024-05-01T10:00:00Z",
  "predictions": [
    {"probability": 0.93, "tagId": "a", "tagName": "door", "boundingBox": {"left": 0.1, "top": 0.2, "width": 0.05, "height": 0.04}},
    {"probability": 0.41, "tagId": "b", "tagName": "window", "boundingBox": {"left": 0.5, "top": 0.5, "width": 0.1, "height": 0.02}}
  ]
}`

func testConfig(endpoint string) Config {
	return Config{Endpoint: endpoint, PredictionKey: "pk", ProjectID: "proj-1", PublishedName: "Iteration3"}
}

func TestDetect(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method = %s", r.Method)
		}
		if r.URL.Path != "/customvision/v3.0/Prediction/proj-1/detect/iterations/Iteration3/image" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if r.Header.Get("Prediction-Key") != "pk" {
			t.Errorf("prediction key = %q", r.Header.Get("Prediction-Key"))
		}
		if r.Header.Get("Content-Type") != "application/octet-stream" {
			t.Errorf("content type = %q", r.Header.Get("Content-Type"))
		}
		body, _ := io.ReadAll(r.Body)
		if string(body) != "png-bytes" {
			t.Errorf("body = %q", body)
		}
		io.WriteString(w, sample)
	}))
	defer srv.Close()

	c, err := NewClient(testConfig(srv.URL + "/"))
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	dets, err := c.Detect(context.Background(), []byte("png-bytes"))
	if err != nil {
		t.Fatalf("Detect: %v", err)
	}
	if len(dets) != 2 {
		t.Fatalf("detections = %d", len(dets))
	}
	if dets[0].Tag != "door" || dets[0].Probability != 0.93 || dets[0].BoundingBox.Left != 0.1 || dets[0].BoundingBox.Height != 0.04 {
		t.Errorf("first = %+v", dets[0])
	}
	if dets[1].Tag != "window" {
		t.Errorf("order not preserved: %+v", dets)
	}
}

func TestDetectEmptyPredictions(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"predictions":[]}`)
	}))
	defer srv.Close()

	c, _ := NewClient(testConfig(srv.URL))
	dets, err := c.Detect(context.Background(), []byte("x"))
	if err != nil {
		t.Fatalf("Detect: %v", err)
	}
	if dets == nil || len(dets) != 0 {
		t.Errorf("want empty non-nil slice, got %#v", dets)
	}
}

func TestDetectErrors(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		reply     string
		malformed bool
		want      string
	}{
		{"api error", http.StatusUnauthorized, `{"code":"Unauthorized","message":"Access denied"}`, false, "Access denied"},
		{"not json", http.StatusOK, `<html>`, true, ""},
		{"missing box", http.StatusOK, `{"predictions":[{"probability":0.9,"tagName":"door"}]}`, true, ""},
		{"bad probability", http.StatusOK, `{"predictions":[{"probability":1.7,"tagName":"door","boundingBox":{"left":0,"top":0,"width":0.1,"height":0.1}}]}`, true, ""},
		{"empty tag", http.StatusOK, `{"predictions":[{"probability":0.7,"tagName":"","boundingBox":{"left":0,"top":0,"width":0.1,"height":0.1}}]}`, true, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				io.WriteString(w, tt.reply)
			}))
			defer srv.Close()

			c, _ := NewClient(testConfig(srv.URL))
			_, err := c.Detect(context.Background(), []byte("x"))
			if err == nil {
				t.Fatal("expected error")
			}
			if tt.malformed != errors.Is(err, ErrMalformedResponse) {
				t.Errorf("malformed = %v, err = %v", tt.malformed, err)
			}
			if tt.want != "" && !strings.Contains(err.Error(), tt.want) {
				t.Errorf("err = %v, want %q", err, tt.want)
			}
		})
	}
}

func TestConfigValidate(t *testing.T) {
	err := Config{Endpoint: "https://x"}.Validate()
	if err == nil || !strings.Contains(err.Error(), "prediction key, project id, published name") {
		t.Errorf("err = %v", err)
	}
	if _, err := NewClient(Config{}); err == nil {
		t.Error("empty config should fail")
	}
}

func TestDetectEmptyImage(t *testing.T) {
	c, _ := NewClient(testConfig("http://localhost:1"))
	if _, err := c.Detect(context.Background(), nil); err == nil {
		t.Error("empty image should fail")
	}
}
