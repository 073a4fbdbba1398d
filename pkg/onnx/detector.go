// Package onnx runs a local YOLO-style ONNX model as the symbol detector.
package onnx

import (
	"bytes"
	"context"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"sync"

	ort "github.com/yalue/onnxruntime_go"

	"github.com/menta2k/floorplan-analyzer/pkg/types"
)

// Config locates the model and its metadata
type Config struct {
	ModelPath    string
	MetadataPath string
	// LibraryPath overrides the onnxruntime shared library location
	LibraryPath  string
	MinScore     float64
	IoUThreshold float64
}

// Detector implements client.Detector; one inference runs at a time
type Detector struct {
	mu           sync.Mutex
	session      *ort.AdvancedSession
	Metadata     Metadata
	inputTensor  *ort.Tensor[float32]
	outputTensor *ort.Tensor[float32]
	minScore     float64
	iou          float64
}

func NewDetector(cfg Config) (*Detector, error) {
	metadata, err := LoadMetadata(cfg.MetadataPath)
	if err != nil {
		return nil, err
	}

	if cfg.LibraryPath != "" {
		ort.SetSharedLibraryPath(cfg.LibraryPath)
	}
	if err := ort.InitializeEnvironment(); err != nil {
		return nil, fmt.Errorf("failed to initialize ONNX environment: %w", err)
	}

	inputTensor, err := ort.NewEmptyTensor[float32](ort.NewShape(metadata.InputShape...))
	if err != nil {
		ort.DestroyEnvironment()
		return nil, fmt.Errorf("failed to create input tensor: %w", err)
	}

	outputTensor, err := ort.NewEmptyTensor[float32](ort.NewShape(metadata.OutputShape...))
	if err != nil {
		inputTensor.Destroy()
		ort.DestroyEnvironment()
		return nil, fmt.Errorf("failed to create output tensor: %w", err)
	}

	session, err := ort.NewAdvancedSession(cfg.ModelPath,
		[]string{metadata.inputName()}, []string{metadata.outputName()},
		[]ort.ArbitraryTensor{inputTensor}, []ort.ArbitraryTensor{outputTensor},
		nil)
	if err != nil {
		inputTensor.Destroy()
		outputTensor.Destroy()
		ort.DestroyEnvironment()
		return nil, fmt.Errorf("failed to create ONNX session: %w", err)
	}

	d := &Detector{
		session:      session,
		Metadata:     metadata,
		inputTensor:  inputTensor,
		outputTensor: outputTensor,
		minScore:     cfg.MinScore,
		iou:          cfg.IoUThreshold,
	}
	if d.minScore <= 0 {
		d.minScore = 0.25
	}
	if d.iou <= 0 {
		d.iou = DefaultIoUThreshold
	}
	return d, nil
}

// Detect decodes the image, runs the model and returns suppressed detections
func (d *Detector) Detect(ctx context.Context, data []byte) ([]types.Detection, error) {
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to decode image: %w", err)
	}
	input := ToTensor(img, d.Metadata.ImageSize)

	d.mu.Lock()
	defer d.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	copy(d.inputTensor.GetData(), input)
	if err := d.session.Run(); err != nil {
		return nil, fmt.Errorf("inference failed: %w", err)
	}

	dets := Decode(d.outputTensor.GetData(), d.Metadata.Classes, d.Metadata.Anchors(), d.Metadata.ImageSize, d.minScore)
	return Suppress(dets, d.iou), nil
}

func (d *Detector) Close() {
	if d.inputTensor != nil {
		d.inputTensor.Destroy()
	}
	if d.outputTensor != nil {
		d.outputTensor.Destroy()
	}
	if d.session != nil {
		d.session.Destroy()
	}
	ort.DestroyEnvironment()
}
