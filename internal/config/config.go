package config

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/menta2k/floorplan-analyzer/internal/logger"
	"github.com/menta2k/floorplan-analyzer/pkg/pipeline"
)

// Config holds the application configuration
type Config struct {
	Pipeline  PipelineConfig  `json:"pipeline"`
	Detector  DetectorConfig  `json:"detector"`
	Annotator AnnotatorConfig `json:"annotator"`
	Storage   StorageConfig   `json:"storage"`
	Store     StoreConfig     `json:"store"`
	Server    ServerConfig    `json:"server"`
	Output    OutputConfig    `json:"output"`
	LogLevel  string          `json:"log_level"`
	LogDir    string          `json:"log_dir,omitempty"`
}

// PipelineConfig holds the coordinator tuning
type PipelineConfig struct {
	Threshold   float64 `json:"threshold"`
	Margin      int     `json:"margin"`
	Concurrency int     `json:"concurrency"`
	Policy      string  `json:"policy"`
	RunTimeout  string  `json:"run_timeout"`
	CallTimeout string  `json:"call_timeout"`
	PromptFile  string  `json:"prompt_file,omitempty"`
	// CropFormat and CropContrast control how crops are sent to the language model
	CropFormat   string  `json:"crop_format"`
	CropQuality  int     `json:"crop_quality"`
	CropContrast float64 `json:"crop_contrast"`
	// CropMaxDim downscales larger crops; 0 sends them at detector resolution
	CropMaxDim int `json:"crop_max_dim,omitempty"`
}

// DetectorConfig selects the object detector
type DetectorConfig struct {
	// Provider is customvision or onnx
	Provider string `json:"provider"`

	Endpoint      string `json:"endpoint,omitempty"`
	PredictionKey string `json:"prediction_key,omitempty"`
	ProjectID     string `json:"project_id,omitempty"`
	PublishedName string `json:"published_name,omitempty"`

	ModelPath    string  `json:"model_path,omitempty"`
	MetadataPath string  `json:"metadata_path,omitempty"`
	LibraryPath  string  `json:"library_path,omitempty"`
	MinScore     float64 `json:"min_score,omitempty"`
	IoUThreshold float64 `json:"iou_threshold,omitempty"`
}

// AnnotatorConfig selects the vision language model used for annotation and summaries
type AnnotatorConfig struct {
	// Provider is openai, ollama or gemini
	Provider   string `json:"provider"`
	Endpoint   string `json:"endpoint,omitempty"`
	APIKey     string `json:"api_key,omitempty"`
	Model      string `json:"model,omitempty"`
	APIVersion string `json:"api_version,omitempty"`
	// Temperature and SummaryMaxTokens apply to the summary request
	Temperature      float64 `json:"temperature"`
	SummaryMaxTokens int     `json:"summary_max_tokens"`
}

// StorageConfig selects where uploaded images live
type StorageConfig struct {
	// Provider is fs or azure
	Provider         string `json:"provider"`
	Root             string `json:"root,omitempty"`
	ConnectionString string `json:"connection_string,omitempty"`
	Container        string `json:"container"`
}

// StoreConfig points at the run and prompt database
type StoreConfig struct {
	// Driver is sqlite3 or pgx
	Driver string `json:"driver"`
	DSN    string `json:"dsn"`
}

// ServerConfig holds the HTTP API settings
type ServerConfig struct {
	Addr         string `json:"addr"`
	Orchestrator string `json:"orchestrator"`
	// WorkflowURL is the base URL used by remote clients
	WorkflowURL string `json:"workflow_url,omitempty"`
}

// OutputConfig holds configuration for output generation
type OutputConfig struct {
	DefaultFormat string `json:"default_format"`
	OutputDir     string `json:"output_dir"`
	Quality       int    `json:"quality"`
	SaveCrops     bool   `json:"save_crops"`
}

// Default returns a configuration with default values
func Default() *Config {
	return &Config{
		Pipeline: PipelineConfig{
			Threshold:   0.5,
			Margin:      10,
			Concurrency: 4,
			Policy:      string(pipeline.PolicyAbort),
			RunTimeout:  "10m",
			CallTimeout: "2m",
			CropFormat:  "jpeg",
			CropQuality: 90,
		},
		Detector: DetectorConfig{
			Provider:     "customvision",
			MinScore:     0.25,
			IoUThreshold: 0.7,
		},
		Annotator: AnnotatorConfig{
			Provider:         "openai",
			Temperature:      0.7,
			SummaryMaxTokens: 500,
		},
		Storage: StorageConfig{
			Provider:  "fs",
			Root:      "./blobs",
			Container: "floorplans",
		},
		Store: StoreConfig{
			Driver: "sqlite3",
			DSN:    "floorplan.db",
		},
		Server: ServerConfig{
			Addr:         ":7071",
			Orchestrator: "floorplan_orchestrator",
		},
		Output: OutputConfig{
			DefaultFormat: "png",
			OutputDir:     "./output",
			Quality:       90,
			SaveCrops:     true,
		},
		LogLevel: "info",
	}
}

// LoadFromFile loads configuration from a JSON file on top of the defaults
func LoadFromFile(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := Default()
	if err := json.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return config, nil
}

// Load reads the file when it exists, then the .env files, then the environment
func Load(filename string, envFiles ...string) (*Config, error) {
	config := Default()
	if filename != "" {
		if _, err := os.Stat(filename); err == nil {
			if config, err = LoadFromFile(filename); err != nil {
				return nil, err
			}
		}
	}
	if err := LoadEnvFiles(envFiles...); err != nil {
		return nil, err
	}
	config.ApplyEnv()
	return config, nil
}

// LoadEnvFiles loads .env style files into the process environment.
// Missing files are ignored; variables already set win.
func LoadEnvFiles(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if _, err := os.Stat(f); err != nil {
			continue
		}
		if err := godotenv.Load(f); err != nil {
			return fmt.Errorf("failed to load %s: %w", f, err)
		}
	}
	return nil
}

// ApplyEnv overrides fields from the variables used by the hosted deployment
func (c *Config) ApplyEnv() {
	c.Storage.ConnectionString = getEnv("BLOB_CONNECTION_STRING", c.Storage.ConnectionString)
	c.Storage.Container = getEnv("CONTAINER_NAME", c.Storage.Container)
	if c.Storage.ConnectionString != "" && os.Getenv("STORAGE_PROVIDER") == "" {
		c.Storage.Provider = "azure"
	}
	c.Storage.Provider = getEnv("STORAGE_PROVIDER", c.Storage.Provider)

	c.Detector.Endpoint = getEnv("CUSTOM_VISION_PREDICTION_URL", c.Detector.Endpoint)
	c.Detector.PredictionKey = getEnv("CUSTOM_VISION_PREDICTION_KEY", c.Detector.PredictionKey)
	c.Detector.ProjectID = getEnv("CUSTOM_VISION_PROJECT_ID", c.Detector.ProjectID)
	c.Detector.PublishedName = getEnv("CUSTOM_VISION_ITERATION_PUBLISHED_NAME", c.Detector.PublishedName)
	c.Detector.ModelPath = getEnv("ONNX_MODEL_PATH", c.Detector.ModelPath)
	c.Detector.MetadataPath = getEnv("ONNX_METADATA_PATH", c.Detector.MetadataPath)
	c.Detector.LibraryPath = getEnv("ONNXRUNTIME_LIB", c.Detector.LibraryPath)
	c.Detector.Provider = getEnv("DETECTOR_PROVIDER", c.Detector.Provider)

	c.Annotator.Provider = getEnv("ANNOTATOR_PROVIDER", c.Annotator.Provider)
	switch c.Annotator.Provider {
	case "openai":
		c.Annotator.Endpoint = getEnv("OPENAI_ENDPOINT", c.Annotator.Endpoint)
		c.Annotator.APIKey = getEnv("OPENAI_KEY", c.Annotator.APIKey)
		c.Annotator.Model = getEnv("OPENAI_MODEL", c.Annotator.Model)
		c.Annotator.APIVersion = getEnv("OPENAI_API_VERSION", c.Annotator.APIVersion)
	case "ollama":
		c.Annotator.Endpoint = getEnv("OLLAMA_URL", c.Annotator.Endpoint)
		c.Annotator.Model = getEnv("OLLAMA_MODEL", c.Annotator.Model)
	case "gemini":
		c.Annotator.APIKey = getEnv("GEMINI_API_KEY", c.Annotator.APIKey)
		c.Annotator.Model = getEnv("GEMINI_MODEL", c.Annotator.Model)
	}

	c.Store.DSN = getEnv("DATABASE_URL", c.Store.DSN)
	if strings.HasPrefix(c.Store.DSN, "postgres://") || strings.HasPrefix(c.Store.DSN, "postgresql://") {
		c.Store.Driver = "pgx"
	}

	c.Server.Addr = getEnv("SERVER_ADDR", c.Server.Addr)
	if p := os.Getenv("PORT"); p != "" {
		c.Server.Addr = ":" + p
	}
	c.Server.WorkflowURL = getEnv("FUNCTION_START_URL", c.Server.WorkflowURL)

	c.Pipeline.Threshold = getEnvAsFloat("PREDICTION_THRESHOLD", c.Pipeline.Threshold)
	c.Pipeline.Concurrency = getEnvAsInt("ANNOTATION_CONCURRENCY", c.Pipeline.Concurrency)
	c.Annotator.Temperature = getEnvAsFloat("SUMMARY_TEMPERATURE", c.Annotator.Temperature)
	c.Annotator.SummaryMaxTokens = getEnvAsInt("SUMMARY_MAX_TOKENS", c.Annotator.SummaryMaxTokens)
	c.Pipeline.Policy = getEnv("FAILURE_POLICY", c.Pipeline.Policy)
	c.LogLevel = getEnv("LOG_LEVEL", c.LogLevel)
	c.LogDir = getEnv("LOG_DIR", c.LogDir)
}

func getEnv(key, defaultValue string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

// SaveToFile saves configuration to a JSON file
func (c *Config) SaveToFile(filename string) error {
	dir := filepath.Dir(filename)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(filename, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// PipelineConfig converts the file settings into coordinator settings
func (c *Config) PipelineConfig() (pipeline.Config, error) {
	pc := pipeline.DefaultConfig()
	pc.Threshold = c.Pipeline.Threshold
	pc.Margin = c.Pipeline.Margin
	pc.Concurrency = c.Pipeline.Concurrency

	policy, err := pipeline.ParsePolicy(c.Pipeline.Policy)
	if err != nil {
		return pc, err
	}
	pc.Policy = policy

	if pc.RunTimeout, err = parseDuration(c.Pipeline.RunTimeout); err != nil {
		return pc, fmt.Errorf("pipeline.run_timeout: %w", err)
	}
	if pc.CallTimeout, err = parseDuration(c.Pipeline.CallTimeout); err != nil {
		return pc, fmt.Errorf("pipeline.call_timeout: %w", err)
	}

	if c.Pipeline.PromptFile != "" {
		data, err := os.ReadFile(c.Pipeline.PromptFile)
		if err != nil {
			return pc, fmt.Errorf("failed to read prompt file: %w", err)
		}
		if p := strings.TrimSpace(string(data)); p != "" {
			pc.Prompt = p
		}
	}
	return pc, nil
}

func parseDuration(s string) (time.Duration, error) {
	if s == "" || s == "0" {
		return 0, nil
	}
	return time.ParseDuration(s)
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if math.IsNaN(c.Pipeline.Threshold) || c.Pipeline.Threshold < 0 || c.Pipeline.Threshold > 1 {
		return fmt.Errorf("pipeline.threshold must be between 0 and 1")
	}

	if c.Pipeline.Margin < 0 {
		return fmt.Errorf("pipeline.margin must not be negative")
	}

	if c.Pipeline.Concurrency < 1 {
		return fmt.Errorf("pipeline.concurrency must be positive")
	}

	if _, err := c.PipelineConfig(); err != nil {
		return err
	}

	switch c.Detector.Provider {
	case "customvision", "onnx":
	default:
		return fmt.Errorf("detector.provider must be customvision or onnx, got %q", c.Detector.Provider)
	}

	switch c.Annotator.Provider {
	case "openai", "ollama", "gemini":
	default:
		return fmt.Errorf("annotator.provider must be openai, ollama or gemini, got %q", c.Annotator.Provider)
	}
	if t := c.Annotator.Temperature; math.IsNaN(t) || t < 0 || t > 2 {
		return fmt.Errorf("annotator.temperature must be between 0 and 2")
	}
	if c.Annotator.SummaryMaxTokens < 1 {
		return fmt.Errorf("annotator.summary_max_tokens must be positive")
	}

	switch c.Storage.Provider {
	case "fs", "azure":
	default:
		return fmt.Errorf("storage.provider must be fs or azure, got %q", c.Storage.Provider)
	}

	switch c.Store.Driver {
	case "sqlite3", "pgx":
	default:
		return fmt.Errorf("store.driver must be sqlite3 or pgx, got %q", c.Store.Driver)
	}

	switch c.Pipeline.CropFormat {
	case "jpeg", "png", "webp":
	default:
		return fmt.Errorf("pipeline.crop_format must be jpeg, png or webp, got %q", c.Pipeline.CropFormat)
	}

	if c.Pipeline.CropContrast < -1 || c.Pipeline.CropContrast > 1 {
		return fmt.Errorf("pipeline.crop_contrast must be between -1 and 1")
	}
	if c.Pipeline.CropMaxDim < 0 {
		return fmt.Errorf("pipeline.crop_max_dim must not be negative")
	}

	if c.Output.Quality < 1 || c.Output.Quality > 100 {
		return fmt.Errorf("output.quality must be between 1 and 100")
	}

	if _, err := logger.ParseLevel(c.LogLevel); err != nil {
		return err
	}

	return nil
}

// GetConfigPath returns the default configuration file path
func GetConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "./config.json"
	}
	return filepath.Join(home, ".config", "floorplan-analyzer", "config.json")
}
