package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/joelkehle/ratio-decidendi/internal/ratio"
	"github.com/joelkehle/ratio-decidendi/internal/render"
)

var (
	inputPath      string
	outputPath     string
	jsonOutputPath string
	format         string
)

var rootCmd = &cobra.Command{
	Use:          "render-ratio-report",
	Short:        "Rebuild a report from a saved response envelope without calling the model",
	SilenceUsage: true,
	RunE:         run,
}

func init() {
	rootCmd.Flags().StringVar(&inputPath, "input", "", "Path to saved response envelope JSON")
	rootCmd.Flags().StringVar(&outputPath, "output", "", "Path to write the rebuilt report (defaults to stdout)")
	rootCmd.Flags().StringVar(&jsonOutputPath, "json-output", "", "Optional path to write the rebuilt envelope JSON")
	rootCmd.Flags().StringVar(&format, "format", "markdown", "Report format: markdown, html or pdf")
	_ = rootCmd.MarkFlagRequired("input")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, _ []string) error {
	in, err := os.ReadFile(inputPath)
	if err != nil {
		return fmt.Errorf("read input: %w", err)
	}
	var env ratio.ResponseEnvelope
	if err := json.Unmarshal(in, &env); err != nil {
		return fmt.Errorf("decode input JSON: %w", err)
	}
	rebuilt, err := ratio.RebuildResponseFromEnvelope(env)
	if err != nil {
		return fmt.Errorf("rebuild report: %w", err)
	}

	out, err := renderEnvelope(cmd.Context(), rebuilt, format)
	if err != nil {
		return err
	}
	if err := writeOutput(outputPath, out); err != nil {
		return fmt.Errorf("write report: %w", err)
	}
	if jsonOutputPath != "" {
		b, err := json.MarshalIndent(rebuilt, "", "  ")
		if err != nil {
			return err
		}
		if err := os.WriteFile(jsonOutputPath, b, 0o644); err != nil {
			return fmt.Errorf("write json output: %w", err)
		}
	}
	return nil
}

func renderEnvelope(ctx context.Context, env ratio.ResponseEnvelope, format string) ([]byte, error) {
	switch strings.ToLower(format) {
	case "", "markdown", "md":
		return []byte(env.ReportMarkdown), nil
	case "html":
		doc, err := render.HTMLDocument(env)
		return []byte(doc), err
	case "pdf":
		if ctx == nil {
			ctx = context.Background()
		}
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
