package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"math"
	"os"
	"os/signal"
	"path/filepath"
	"strings"

	floorplananalyzer "github.com/menta2k/floorplan-analyzer"
	"github.com/menta2k/floorplan-analyzer/internal/config"
	"github.com/menta2k/floorplan-analyzer/internal/logger"
	"github.com/menta2k/floorplan-analyzer/internal/store"
	"github.com/menta2k/floorplan-analyzer/internal/utils"
	"github.com/menta2k/floorplan-analyzer/pkg/analyzer"
	"github.com/menta2k/floorplan-analyzer/pkg/pipeline"
	"github.com/menta2k/floorplan-analyzer/pkg/processing"
	"github.com/menta2k/floorplan-analyzer/pkg/report"
	"github.com/menta2k/floorplan-analyzer/pkg/storage"
	"github.com/menta2k/floorplan-analyzer/pkg/types"
	"github.com/menta2k/floorplan-analyzer/pkg/workflow"
)

const defaultPromptFile = "default_aoai_prompt.txt"

func main() {
	var plan, legend, outDir, configPath, envFile string
	var prompt, promptFile string
	var threshold float64
	var policy string
	var concurrency int
	var ext string
	var quality int
	var noCrops bool
	var remote bool
	var savePrompt bool
	var showVersion bool

	flag.StringVar(&plan, "plan", "", "floor plan image path or URL (jpg/png/gif/webp)")
	flag.StringVar(&legend, "legend", "", "legend image path or URL")
	flag.StringVar(&outDir, "out", "", "output directory (default from config)")
	flag.StringVar(&configPath, "config", config.GetConfigPath(), "configuration file")
	flag.StringVar(&envFile, "env", ".env", "dotenv file with service credentials")

	flag.StringVar(&prompt, "prompt", "", "annotation prompt")
	flag.StringVar(&promptFile, "prompt-file", "", "file holding the annotation prompt (default "+defaultPromptFile+" when present)")
	flag.Float64Var(&threshold, "threshold", -1, "prediction threshold 0..1 (default from config)")
	flag.StringVar(&policy, "policy", "", "annotation failure policy: abort|skip")
	flag.IntVar(&concurrency, "concurrency", 0, "parallel annotation calls")

	flag.StringVar(&ext, "ext", "", "overlay format: png|jpg|webp")
	flag.IntVar(&quality, "quality", 0, "JPEG/WebP overlay quality (1-100)")
	flag.BoolVar(&noCrops, "no-crops", false, "do not write the per-detection crops")

	flag.BoolVar(&remote, "remote", false, "upload the images and run on the workflow host instead of locally")
	flag.BoolVar(&savePrompt, "save-prompt", false, "record the prompt in the prompt log")
	flag.BoolVar(&showVersion, "version", false, "print the version and exit")

	flag.Parse()
	if showVersion {
		fmt.Println(floorplananalyzer.GetVersion())
		return
	}
	if plan == "" || legend == "" {
		log.Fatalf("usage: %s -plan plan.png -legend legend.png [-prompt text|-prompt-file f] [-threshold 0.5] [-policy abort|skip] [-out dir] [-remote]", filepath.Base(os.Args[0]))
	}

	for _, src := range []string{plan, legend} {
		if !utils.IsURL(src) && !utils.IsImageFile(src) {
			log.Fatalf("%s: not a supported image (jpg, png, gif, webp)", src)
		}
	}

	cfg, err := config.Load(configPath, envFile)
	if err != nil {
		log.Fatal(err)
	}
	if threshold >= 0 || math.IsNaN(threshold) {
		cfg.Pipeline.Threshold = threshold
	}
	if policy != "" {
		cfg.Pipeline.Policy = policy
	}
	if concurrency > 0 {
		cfg.Pipeline.Concurrency = concurrency
	}
	if outDir != "" {
		cfg.Output.OutputDir = outDir
	}
	if ext != "" {
		cfg.Output.DefaultFormat = ext
	}
	if quality > 0 {
		cfg.Output.Quality = quality
	}
	if noCrops {
		cfg.Output.SaveCrops = false
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("invalid configuration: %v", err)
	}

	prompt, err = resolvePrompt(prompt, promptFile)
	if err != nil {
		log.Fatal(err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	lg, err := cfg.NewLogger()
	if err != nil {
		log.Fatal(err)
	}
	defer lg.Close()

	if prompt == "" {
		if prompt, err = latestSavedPrompt(ctx, cfg); err != nil {
			log.Printf("prompt log unavailable: %v", err)
		} else if prompt != "" {
			log.Printf("using the most recently saved prompt")
		}
	}

	if savePrompt && prompt != "" {
		db, err := store.Open(ctx, cfg.Store.Driver, cfg.Store.DSN)
		if err != nil {
			log.Fatalf("Failed to open prompt log: %v", err)
		}
		p, err := db.AppendPrompt(ctx, prompt)
		db.Close()
		if err != nil {
			log.Fatalf("Failed to save prompt: %v", err)
		}
		log.Printf("saved prompt %d", p.ID)
	}

	progress := func(ev pipeline.Event) {
		if ev.Total > 0 {
			log.Printf("%s %d/%d", ev.State, ev.Completed, ev.Total)
			return
		}
		log.Printf("%s", ev.State)
	}

	opts := report.Options{
		Base:          filepath.Base(plan),
		OverlayFormat: cfg.Output.DefaultFormat,
		Quality:       cfg.Output.Quality,
		SaveCrops:     cfg.Output.SaveCrops,
	}

	var paths *report.Paths
	var result *types.AnalysisResult
	if remote {
		result, paths, err = runRemote(ctx, cfg, plan, legend, prompt, threshold, opts)
	} else {
		result, paths, err = runLocal(ctx, cfg, lg, plan, legend, prompt, progress, opts)
	}
	if err != nil {
		log.Fatal(err)
	}

	for _, line := range report.TagLines(result.Aggregated) {
		fmt.Println(line)
	}
	fmt.Println()
	fmt.Println(result.Summary)
	for _, f := range result.Failures {
		log.Printf("skipped detection %d (%s): %s", f.Index, f.Detection.Tag, f.Error)
	}

	log.Printf("wrote %s", paths.JSON)
	log.Printf("wrote %s", paths.Markdown)
	if paths.Overlay != "" {
		log.Printf("wrote %s", paths.Overlay)
	}
	if len(paths.Crops) > 0 {
		log.Printf("wrote %d crops", len(paths.Crops))
	}
}

// resolvePrompt prefers the flag, then the prompt file, then the default prompt file
func resolvePrompt(prompt, promptFile string) (string, error) {
	if strings.TrimSpace(prompt) != "" {
		return strings.TrimSpace(prompt), nil
	}
	if promptFile == "" {
		if !utils.FileExists(defaultPromptFile) {
			return "", nil
		}
		promptFile = defaultPromptFile
	}
	data, err := os.ReadFile(promptFile)
	if err != nil {
		return "", fmt.Errorf("failed to read prompt file: %w", err)
	}
	return strings.TrimSpace(string(data)), nil
}

// latestSavedPrompt reads the newest entry of the prompt log. A missing sqlite
// file or an empty log yields "" so the built-in prompt applies.
func latestSavedPrompt(ctx context.Context, cfg *config.Config) (string, error) {
	if cfg.Store.Driver == store.DriverSQLite && !utils.FileExists(cfg.Store.DSN) {
		return "", nil
	}
	db, err := store.Open(ctx, cfg.Store.Driver, cfg.Store.DSN)
	if err != nil {
		return "", err
	}
	defer db.Close()

	p, err := db.LatestPrompt(ctx)
	if errors.Is(err, store.ErrNotFound) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return p.Text, nil
}

func runLocal(ctx context.Context, cfg *config.Config, lg *logger.Logger, plan, legend, prompt string, progress pipeline.Observer, opts report.Options) (*types.AnalysisResult, *report.Paths, error) {
	fa, err := floorplananalyzer.NewFromConfig(ctx, cfg, lg)
	if err != nil {
		return nil, nil, err
	}
	defer fa.Close()

	a, err := fa.AnalyzeFiles(ctx, plan, legend, prompt, progress)
	if err != nil {
		return nil, nil, err
	}
	paths, err := fa.WriteReport(cfg.Output.OutputDir, a, opts)
	if err != nil {
		return nil, nil, err
	}
	return a.Result, paths, nil
}

// runRemote uploads both images, starts the orchestration and waits for it
func runRemote(ctx context.Context, cfg *config.Config, plan, legend, prompt string, threshold float64, opts report.Options) (*types.AnalysisResult, *report.Paths, error) {
	if cfg.Server.WorkflowURL == "" {
		return nil, nil, fmt.Errorf("remote mode needs server.workflow_url or FUNCTION_START_URL")
	}
	if prompt == "" {
		prompt = pipeline.DefaultConfig().Prompt
	}

	blobs, err := cfg.NewBlobStore(ctx)
	if err != nil {
		return nil, nil, err
	}

	planData, err := utils.ReadSource(ctx, plan)
	if err != nil {
		return nil, nil, err
	}
	legendData, err := utils.ReadSource(ctx, legend)
	if err != nil {
		return nil, nil, err
	}
	img, _, err := analyzer.New().Decode(planData)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to decode floor plan: %w", err)
	}

	req := types.AnalysisRequest{
		Container:         cfg.Storage.Container,
		Filename:          storage.NewKey("floorplan", plan),
		ReferenceFilename: storage.NewKey("reference", legend),
		AnalyzePrompt:     prompt,
	}
	if threshold >= 0 {
		req.PredictionThreshold = &threshold
	}
	if _, err := blobs.Upload(ctx, req.Filename, planData); err != nil {
		return nil, nil, fmt.Errorf("failed to upload floor plan: %w", err)
	}
	if _, err := blobs.Upload(ctx, req.ReferenceFilename, legendData); err != nil {
		return nil, nil, fmt.Errorf("failed to upload legend: %w", err)
	}
	log.Printf("uploaded %s and %s (%s)", req.Filename, req.ReferenceFilename, utils.FormatFileSize(int64(len(planData)+len(legendData))))

	wf := workflow.NewClient(cfg.Server.WorkflowURL, workflow.DefaultBackoff())
	result, err := wf.Analyze(ctx, cfg.Server.Orchestrator, req, func(s *workflow.Status) {
		if len(s.CustomStatus) > 0 {
			log.Printf("%s %s", s.RuntimeStatus, s.CustomStatus)
			return
		}
		log.Printf("%s", s.RuntimeStatus)
	})
	if err != nil {
		return nil, nil, err
	}

	paths, err := report.Write(cfg.Output.OutputDir, result, img, processing.NewProcessor(), opts)
	if err != nil {
		return nil, nil, err
	}
	return result, paths, nil
}
