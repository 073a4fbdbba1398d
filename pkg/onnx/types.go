package onnx

import (
	"encoding/json"
	"fmt"
	"os"
)

// Metadata describes an exported YOLO-style detection model
type Metadata struct {
	InputShape  []int64  `json:"input_shape"`
	OutputShape []int64  `json:"output_shape"`
	Classes     []string `json:"classes"`
	ImageSize   int      `json:"image_size"`
	InputName   string   `json:"input_name,omitempty"`
	OutputName  string   `json:"output_name,omitempty"`
}

// LoadMetadata reads and checks a metadata JSON file
func LoadMetadata(path string) (Metadata, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Metadata{}, fmt.Errorf("failed to read metadata: %w", err)
	}
	var m Metadata
	if err := json.Unmarshal(raw, &m); err != nil {
		return Metadata{}, fmt.Errorf("failed to parse metadata: %w", err)
	}
	if err := m.Validate(); err != nil {
		return Metadata{}, err
	}
	return m, nil
}

// Validate checks the shapes agree with the class list: input [1,3,S,S], output [1,4+C,N]
func (m Metadata) Validate() error {
	if len(m.Classes) == 0 {
		return fmt.Errorf("metadata has no classes")
	}
	if len(m.InputShape) != 4 || m.InputShape[1] != 3 {
		return fmt.Errorf("input shape %v is not [1,3,H,W]", m.InputShape)
	}
	if m.ImageSize <= 0 {
		return fmt.Errorf("image size must be positive")
	}
	if m.InputShape[2] != int64(m.ImageSize) || m.InputShape[3] != int64(m.ImageSize) {
		return fmt.Errorf("input shape %v does not match image size %d", m.InputShape, m.ImageSize)
	}
	if len(m.OutputShape) != 3 || m.OutputShape[1] != int64(4+len(m.Classes)) {
		return fmt.Errorf("output shape %v does not match %d classes", m.OutputShape, len(m.Classes))
	}
	return nil
}

// Anchors is the number of candidate boxes per output
func (m Metadata) Anchors() int { return int(m.OutputShape[2]) }

func (m Metadata) inputName() string {
	if m.InputName != "" {
		return m.InputName
	}
	return "images"
}

func (m Metadata) outputName() string {
	if m.OutputName != "" {
		return m.OutputName
	}
	return "output0"
}
