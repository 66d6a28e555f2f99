package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/mikeboe/report-helper/pkg/app"
	"github.com/mikeboe/report-helper/pkg/config"
	"github.com/mikeboe/report-helper/pkg/knowledge"
	"github.com/mikeboe/report-helper/pkg/report"
	"github.com/mikeboe/report-helper/pkg/search"
)

var (
	userID    string
	projectID string
	statePath string
	outPath   string
)

func main() {
	cfg := config.Load()
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.LogLevel})))

	rootCmd := &cobra.Command{
		Use:   "report-helper",
		Short: "Build and update research reports from the terminal",
	}
	rootCmd.PersistentFlags().StringVarP(&userID, "user", "u", "cli", "Tenant user id")
	rootCmd.PersistentFlags().StringVarP(&projectID, "project", "p", "default", "Tenant project id")

	rootCmd.AddCommand(generateCmd(cfg), updateCmd(cfg), ingestCmd(cfg))

	if err := rootCmd.Execute(); err != nil {
		slog.Error("Command execution failed", "error", err)
		os.Exit(1)
	}
}

func generateCmd(cfg *config.Config) *cobra.Command {
	var (
		topic      string
		reportType string
		strategy   string
		headings   []string
		noWeb      bool
		noKB       bool
		noSheets   bool
	)
	cmd := &cobra.Command{
		Use:   "generate",
		Short: "Build a new report",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := report.ParseReportType(reportType)
			if err != nil {
				return err
			}
			a, err := app.New(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			defaults := a.Defaults
			defaults.OutlineStrategy = report.OutlineStrategy(strategy)
			caps := report.Capabilities{WebResearch: !noWeb, KnowledgeBaseSearch: !noKB, SpreadsheetSearch: !noSheets}
			state, err := report.NewReportState(topic, userID, projectID, rt, caps, defaults)
			if err != nil {
				return err
			}
			state.Headings = headings

			out, err := a.Engine.Generate(cmd.Context(), state)
			if err != nil {
				return err
			}
			return writeOutputs(out)
		},
	}
	cmd.Flags().StringVarP(&topic, "topic", "t", "", "Report topic")
	cmd.Flags().StringVar(&reportType, "type", report.CompanyProfile.String(), "Report type: company_profile, financial_statement or market_sizing")
	cmd.Flags().StringVar(&strategy, "outline", string(report.OutlineFixed), "Outline strategy: fixed or generated")
	cmd.Flags().StringSliceVar(&headings, "heading", nil, "Seed section heading (repeatable)")
	cmd.Flags().BoolVar(&noWeb, "no-web", false, "Disable web research")
	cmd.Flags().BoolVar(&noKB, "no-kb", false, "Disable knowledge base search")
	cmd.Flags().BoolVar(&noSheets, "no-sheets", false, "Disable spreadsheet search")
	cmd.Flags().StringVarP(&statePath, "state", "s", "report.json", "Where to write the report state")
	cmd.Flags().StringVarP(&outPath, "out", "o", "", "Where to write the Markdown report (stdout when empty)")
	_ = cmd.MarkFlagRequired("topic")
	return cmd
}

func updateCmd(cfg *config.Config) *cobra.Command {
	var (
		query string
		mode  string
	)
	cmd := &cobra.Command{
		Use:   "update",
		Short: "Apply a change request to a saved report",
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(statePath)
			if err != nil {
				return fmt.Errorf("failed to read state: %w", err)
			}
			var state report.ReportState
			if err := json.Unmarshal(data, &state); err != nil {
				return fmt.Errorf("failed to decode state: %w", err)
			}

			a, err := app.New(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			var out report.ReportState
			switch mode {
			case "section":
				out, err = a.Engine.UpdateSection(cmd.Context(), state, query)
			case "fragments":
				out, err = a.Planner.Apply(cmd.Context(), state, query)
			default:
				return fmt.Errorf("unknown mode %q", mode)
			}
			if err != nil {
				return err
			}
			return writeOutputs(out)
		},
	}
	cmd.Flags().StringVarP(&query, "query", "q", "", "Change request")
	cmd.Flags().StringVarP(&mode, "mode", "m", "section", "Update mode: section or fragments")
	cmd.Flags().StringVarP(&statePath, "state", "s", "report.json", "Report state to update in place")
	cmd.Flags().StringVarP(&outPath, "out", "o", "", "Where to write the Markdown report (stdout when empty)")
	_ = cmd.MarkFlagRequired("query")
	return cmd
}

func ingestCmd(cfg *config.Config) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ingest",
		Short: "Add documents or spreadsheets to the project",
	}

	var url string
	docCmd := &cobra.Command{
		Use:   "document [file]",
		Short: "Ingest a text or Markdown file, or a PDF by URL",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if url == "" && len(args) == 0 {
				return fmt.Errorf("a file or --url is required")
			}
			a, err := app.New(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			scope := search.Scope{UserID: userID, ProjectID: projectID}
			var n int
			if url != "" {
				n, err = a.Ingestor.IngestPDF(cmd.Context(), scope, filepath.Base(url), url)
			} else {
				n, err = ingestFile(cmd.Context(), a.Ingestor, scope, args[0])
			}
			if err != nil {
				return err
			}
			fmt.Printf("Stored %d chunks\n", n)
			return nil
		},
	}
	docCmd.Flags().StringVar(&url, "url", "", "URL of a PDF to OCR")

	sheetCmd := &cobra.Command{
		Use:   "sheet <file>",
		Short: "Index an .xlsx or .csv workbook",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer f.Close()

			a, err := app.New(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			n, err := a.Sheets.IndexWorkbook(cmd.Context(), search.Scope{UserID: userID, ProjectID: projectID}, filepath.Base(args[0]), f)
			if err != nil {
				return err
			}
			fmt.Printf("Indexed %d cells\n", n)
			return nil
		},
	}

	cmd.AddCommand(docCmd, sheetCmd)
	return cmd
}

func ingestFile(ctx context.Context, in *knowledge.Ingestor, scope search.Scope, path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	return in.IngestText(ctx, scope, knowledge.Document{
		FileName:  filepath.Base(path),
		SourceURI: "file://" + path,
		Text:      string(data),
	})
}

func writeOutputs(state report.ReportState) error {
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(statePath, data, 0o644); err != nil {
		return fmt.Errorf("failed to write state: %w", err)
	}
	for _, w := range state.Warnings {
		slog.Warn(w)
	}

	if outPath == "" {
		fmt.Println(strings.TrimSpace(state.FinalReport))
		return nil
	}
	return os.WriteFile(outPath, []byte(state.FinalReport), 0o644)
}
