package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/joelkehle/ratio-decidendi/internal/config"
	"github.com/joelkehle/ratio-decidendi/internal/judgment"
	"github.com/joelkehle/ratio-decidendi/internal/logging"
	"github.com/joelkehle/ratio-decidendi/internal/ratio"
	"github.com/joelkehle/ratio-decidendi/internal/render"
	"github.com/joelkehle/ratio-decidendi/internal/runstore"
	"github.com/joelkehle/ratio-decidendi/internal/telemetry"
)

var (
	configPath string
	inputPath  string
	caseID     string
	variant    string
	format     string
	outputPath string
	storePath  string
	verbose    bool
)

var rootCmd = &cobra.Command{
	Use:   "ratio-run",
	Short: "Analyze one judgment and print its ratio decidendi report",
	Long: `Reads judgment text from --input (or stdin), runs the staged analysis
with the selected variant and writes the report.

Example:
  ratio-run --input doe-v-roe.txt --case-id DOE-1 --variant condensed --format html --output out/doe.html`,
	SilenceUsage: true,
	RunE:         run,
}

func init() {
	f := rootCmd.Flags()
	f.StringVar(&configPath, "config", "", "Path to YAML config")
	f.StringVar(&inputPath, "input", "", "Judgment text or PDF file (defaults to stdin)")
	f.StringVar(&caseID, "case-id", "", "Case identifier (defaults to a detected citation, then the input file name)")
	f.StringVar(&variant, "variant", "", "Pipeline variant (full, reply-only, condensed or a configured one)")
	f.StringVar(&format, "format", "markdown", "Output format: markdown, json, html or pdf")
	f.StringVar(&outputPath, "output", "", "Output path (defaults to stdout)")
	f.StringVar(&storePath, "store", "", "SQLite database to record the run in")
	f.BoolVarP(&verbose, "verbose", "v", false, "Debug logging")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, _ []string) error {
	logger, err := logging.New(verbose)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if variant != "" {
		cfg.Variant = variant
	}
	if storePath != "" {
		cfg.StoreDB = storePath
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	extracted, err := readInput(ctx, inputPath, cmd.InOrStdin())
	if err != nil {
		return err
	}
	req := ratio.RequestEnvelope{
		CaseID:       defaultCaseID(caseID, inputPath, extracted.Text),
		JudgmentText: extracted.Text,
		Variant:      cfg.Variant,
		Metadata:     ratio.RequestMetadata{ExtractionMethod: extracted.Method},
	}
	if inputPath != "" && inputPath != "-" {
		req.Metadata.SourceFilename = filepath.Base(inputPath)
	}
	logger.Debug("judgment loaded", zap.String("method", extracted.Method), zap.Int("chars", len(extracted.Text)))

	shutdown, err := telemetry.Init(ctx, telemetry.ConfigFromEnv("ratio-run"))
	if err != nil {
		return err
	}
	defer func() { _ = shutdown(context.Background()) }()

	custom, err := cfg.CustomVariants()
	if err != nil {
		return err
	}
	v, err := ratio.LookupVariant(cfg.Variant, custom)
	if err != nil {
		return err
	}
	invoker, err := cfg.NewInvoker()
	if err != nil {
		return err
	}
	pipeline, err := ratio.NewPipeline(invoker, v)
	if err != nil {
		return err
	}

	var store *runstore.SQLiteStore
	if cfg.StoreDB != "" {
		store, err = runstore.NewSQLiteStore(cfg.StoreDB)
		if err != nil {
			return err
		}
		defer store.Close()
	}

	log := logger.With(zap.String("case_id", req.CaseID), zap.String("variant", v.Name))
	result, err := pipeline.RunWithProgress(ctx, req, func(stage, message string) {
		log.Info(message, zap.String("stage", stage))
	})
	if err != nil {
		log.Error("analysis failed", zap.String("stage", ratio.StageNameFromError(err)), zap.Int("completed", ratio.CompletedStages(err)), zap.Error(err))
		if store != nil {
			if serr := store.SaveFailure(ctx, req, v.Name, err); serr != nil {
				log.Warn("save failed run", zap.Error(serr))
			}
		}
		return err
	}
	if store != nil {
		if err := store.SaveResult(ctx, result); err != nil {
			return fmt.Errorf("save run: %w", err)
		}
		log.Info("run saved", zap.String("run_id", result.Metadata.RunID), zap.String("db", cfg.StoreDB))
	}

	env := ratio.BuildResponse(result)
	out, err := encode(ctx, env, format)
	if err != nil {
		return err
	}
	return writeOutput(outputPath, out)
}

func readInput(ctx context.Context, path string, stdin io.Reader) (judgment.Extraction, error) {
	if path == "" || path == "-" {
		b, err := io.ReadAll(stdin)
		if err != nil {
			return judgment.Extraction{}, fmt.Errorf("read judgment: %w", err)
		}
		return judgment.Extraction{Text: strings.TrimSpace(string(b)), Method: judgment.MethodPlainText}, nil
	}
	out, err := judgment.ExtractText(ctx, path)
	if err != nil {
		return judgment.Extraction{}, fmt.Errorf("read judgment: %w", err)
	}
	return out, nil
}

// defaultCaseID prefers the flag, then a citation found in the text, then
// the input file name.
func defaultCaseID(id, path, text string) string {
	if id = strings.TrimSpace(id); id != "" {
		return id
	}
	if detected := judgment.CaseIDFromText(text); detected != "" {
		return detected
	}
	if path == "" || path == "-" {
		return "stdin"
	}
	return strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
}

func encode(ctx context.Context, env ratio.ResponseEnvelope, format string) ([]byte, error) {
	switch strings.ToLower(format) {
	case "", "markdown", "md":
		return []byte(env.ReportMarkdown), nil
	case "json":
		return json.MarshalIndent(env, "", "  ")
	case "html":
		doc, err := render.HTMLDocument(env)
		return []byte(doc), err
	case "pdf":
		return render.NewPDFRenderer().Render(ctx, env)
	default:
		return nil, fmt.Errorf("unknown format %q", format)
	}
}

func writeOutput(path string, b []byte) error {
	if path == "" {
		_, err := os.Stdout.Write(b)
		return err
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	return os.WriteFile(path, b, 0o644)
}
