package client

import (
	"context"
	"strings"
	"testing"

	"github.com/menta2k/floorplan-analyzer/pkg/types"
)

func TestCleanText(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"DOOR", "DOOR"},
		{"  DOOR \n", "DOOR"},
		{"```\nDOOR\n```", "DOOR"},
		{"```text\nSINGLE DOOR\n```", "SINGLE DOOR"},
		{"`OUTLET`", "OUTLET"},
		{"", ""},
	}
	for _, tt := range tests {
		if got := CleanText(tt.in); got != tt.want {
			t.Errorf("CleanText(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestImageDataURL(t *testing.T) {
	img := Image{Data: []byte("abc"), MIMEType: "image/png"}
	if got := img.DataURL(); got != "data:image/png;base64,YWJj" {
		t.Errorf("DataURL = %s", got)
	}
	if got := (Image{Data: []byte("abc")}).DataURL(); !strings.HasPrefix(got, "data:image/jpeg;base64,") {
		t.Errorf("default mime not jpeg: %s", got)
	}
}

func TestFuncAdapters(t *testing.T) {
	var d Detector = DetectorFunc(func(context.Context, []byte) ([]types.Detection, error) {
		return []types.Detection{{Tag: "door"}}, nil
	})
	dets, _ := d.Detect(context.Background(), nil)
	if len(dets) != 1 {
		t.Errorf("DetectorFunc not forwarded")
	}

	var a Annotator = AnnotatorFunc(func(_ context.Context, req AnnotationRequest) (string, error) {
		return req.Turns[0].Blocks[0].Text, nil
	})
	if s, _ := a.Annotate(context.Background(), AnnotationRequest{Turns: []Turn{{Blocks: []Block{TextBlock("hi")}}}}); s != "hi" {
		t.Errorf("AnnotatorFunc = %q", s)
	}

	var s Summarizer = SummarizerFunc(func(_ context.Context, p string) (string, error) { return p + "!", nil })
	if out, _ := s.Summarize(context.Background(), "ok"); out != "ok!" {
		t.Errorf("SummarizerFunc = %q", out)
	}
}
