package config

import (
	"context"
	"fmt"
	"io"

	"github.com/menta2k/floorplan-analyzer/internal/logger"
	"github.com/menta2k/floorplan-analyzer/pkg/client"
	"github.com/menta2k/floorplan-analyzer/pkg/customvision"
	"github.com/menta2k/floorplan-analyzer/pkg/gemini"
	"github.com/menta2k/floorplan-analyzer/pkg/ollama"
	"github.com/menta2k/floorplan-analyzer/pkg/onnx"
	"github.com/menta2k/floorplan-analyzer/pkg/openai"
	"github.com/menta2k/floorplan-analyzer/pkg/processing"
	"github.com/menta2k/floorplan-analyzer/pkg/storage"
)

const (
	DefaultOllamaURL   = "http://localhost:11434"
	DefaultOllamaModel = "openbmb/minicpm-v4.5"
	DefaultGeminiModel = "gemini-2.5-flash"
)

// LanguageModel annotates crops and writes the summary
type LanguageModel interface {
	client.Annotator
	client.Summarizer
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

type closerFunc func()

func (f closerFunc) Close() error { f(); return nil }

// NewDetector builds the configured detector. The closer releases
// native resources and must be called when the detector is done.
func (c *Config) NewDetector() (client.Detector, io.Closer, error) {
	d := c.Detector
	switch d.Provider {
	case "customvision":
		cv, err := customvision.NewClient(customvision.Config{
			Endpoint:      d.Endpoint,
			PredictionKey: d.PredictionKey,
			ProjectID:     d.ProjectID,
			PublishedName: d.PublishedName,
		})
		if err != nil {
			return nil, nil, err
		}
		return cv, nopCloser{}, nil
	case "onnx":
		det, err := onnx.NewDetector(onnx.Config{
			ModelPath:    d.ModelPath,
			MetadataPath: d.MetadataPath,
			LibraryPath:  d.LibraryPath,
			MinScore:     d.MinScore,
			IoUThreshold: d.IoUThreshold,
		})
		if err != nil {
			return nil, nil, err
		}
		return det, closerFunc(det.Close), nil
	}
	return nil, nil, fmt.Errorf("unknown detector provider %q", d.Provider)
}

// NewLanguageModel builds the configured annotator
func (c *Config) NewLanguageModel() (LanguageModel, error) {
	a := c.Annotator
	switch a.Provider {
	case "openai":
		oa, err := openai.NewClient(openai.Config{
			Endpoint:   a.Endpoint,
			APIKey:     a.APIKey,
			Model:      a.Model,
			APIVersion: a.APIVersion,
			Summary:    c.summaryOptions(),
		})
		if err != nil {
			return nil, err
		}
		return oa, nil
	case "ollama":
		endpoint, model := a.Endpoint, a.Model
		if endpoint == "" {
			endpoint = DefaultOllamaURL
		}
		if model == "" {
			model = DefaultOllamaModel
		}
		ol, err := ollama.NewClient(endpoint, model)
		if err != nil {
			return nil, err
		}
		return ol.WithSummaryOptions(c.summaryOptions()), nil
	case "gemini":
		model := a.Model
		if model == "" {
			model = DefaultGeminiModel
		}
		g := gemini.New(a.APIKey, model)
		g.Summary = c.summaryOptions()
		return g, nil
	}
	return nil, fmt.Errorf("unknown annotator provider %q", a.Provider)
}

func (c *Config) summaryOptions() client.SummaryOptions {
	return client.SummaryOptions{Temperature: c.Annotator.Temperature, MaxTokens: c.Annotator.SummaryMaxTokens}
}

// NewBlobStore builds the configured blob store; azure containers are created when missing
func (c *Config) NewBlobStore(ctx context.Context) (client.BlobStore, error) {
	s := c.Storage
	switch s.Provider {
	case "fs":
		fs, err := storage.NewFSStore(s.Root)
		if err != nil {
			return nil, err
		}
		return fs, nil
	case "azure":
		az, err := storage.NewAzureStore(s.ConnectionString, s.Container)
		if err != nil {
			return nil, err
		}
		if err := az.EnsureContainer(ctx); err != nil {
			return nil, err
		}
		return az, nil
	}
	return nil, fmt.Errorf("unknown storage provider %q", s.Provider)
}

// NewLogger builds the process logger, writing files when LogDir is set
func (c *Config) NewLogger() (*logger.Logger, error) {
	level, err := logger.ParseLevel(c.LogLevel)
	if err != nil {
		return nil, err
	}
	if c.LogDir != "" {
		return logger.NewWithDir(c.LogDir, level)
	}
	return logger.NewStd(level), nil
}

// NewProcessor builds the crop encoder
func (c *Config) NewProcessor() *processing.Processor {
	return processing.NewProcessorWithOptions(processing.Options{
		Format:   c.Pipeline.CropFormat,
		Quality:  c.Pipeline.CropQuality,
		Contrast: c.Pipeline.CropContrast,
		MaxDim:   c.Pipeline.CropMaxDim,
	})
}
