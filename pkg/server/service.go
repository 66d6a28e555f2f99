package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/mikeboe/report-helper/pkg/database"
	"github.com/mikeboe/report-helper/pkg/report"
	"github.com/mikeboe/report-helper/pkg/search"
)

var (
	// ErrInvalidRequest marks client input errors.
	ErrInvalidRequest = errors.New("invalid request")
	// ErrReportBusy is returned when a report is being built or updated.
	ErrReportBusy = database.ErrReportBusy
)

// Store is the report persistence the service needs.
type Store interface {
	LogWriter
	CreateReport(ctx context.Context, userID, projectID, topic, reportType string, state json.RawMessage) (*database.Report, error)
	GetReport(ctx context.Context, id uuid.UUID, userID, projectID string) (*database.Report, error)
	ClaimReport(ctx context.Context, id uuid.UUID, userID, projectID string) (*database.Report, error)
	ListReports(ctx context.Context, userID, projectID string) ([]database.Report, error)
	SetStatus(ctx context.Context, id uuid.UUID, status, reason string) error
	SaveState(ctx context.Context, id uuid.UUID, state json.RawMessage, finalReport string) error
	GetReportLogs(ctx context.Context, reportID uuid.UUID) ([]database.LogEntry, error)
}

type Service struct {
	Store    Store
	Engine   *report.Engine
	Planner  *report.Planner
	Defaults report.Config
	Logger   *slog.Logger

	jobs sync.WaitGroup
}

func NewService(store Store, engine *report.Engine, planner *report.Planner, defaults report.Config) *Service {
	return &Service{
		Store:    store,
		Engine:   engine,
		Planner:  planner,
		Defaults: defaults,
		Logger:   slog.Default(),
	}
}

type CreateReportRequest struct {
	Topic           string               `json:"topic"`
	ReportType      string               `json:"report_type"`
	Headings        []string             `json:"headings"`
	OutlineStrategy string               `json:"outline_strategy"`
	Capabilities    *report.Capabilities `json:"capabilities"`
	Iterations      int                  `json:"section_iterations"`
}

// Update modes.
const (
	ModeSection   = "section"
	ModeFragments = "fragments"
)

type UpdateReportRequest struct {
	Query string `json:"query"`
	Mode  string `json:"mode"`
}

// CreateReport stores a pending report and builds it in the background.
func (s *Service) CreateReport(ctx context.Context, scope search.Scope, req CreateReportRequest) (*database.Report, error) {
	state, err := s.newState(scope, req)
	if err != nil {
		return nil, err
	}
	stateJSON, err := json.Marshal(state)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal state: %w", err)
	}

	rec, err := s.Store.CreateReport(ctx, scope.UserID, scope.ProjectID, state.Topic, state.ReportType.String(), stateJSON)
	if err != nil {
		return nil, err
	}

	s.jobs.Add(1)
	go s.runReport(rec.ID, state)

	return rec, nil
}

func (s *Service) newState(scope search.Scope, req CreateReportRequest) (report.ReportState, error) {
	rt := report.CompanyProfile
	if strings.TrimSpace(req.ReportType) != "" {
		var err error
		if rt, err = report.ParseReportType(req.ReportType); err != nil {
			return report.ReportState{}, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
		}
	}

	cfg := s.Defaults
	switch report.OutlineStrategy(req.OutlineStrategy) {
	case "":
	case report.OutlineFixed, report.OutlineGenerated:
		cfg.OutlineStrategy = report.OutlineStrategy(req.OutlineStrategy)
	default:
		return report.ReportState{}, fmt.Errorf("%w: unknown outline strategy %q", ErrInvalidRequest, req.OutlineStrategy)
	}
	if req.Iterations > 0 {
		cfg.SectionIterations = req.Iterations
	}

	caps := report.AllSources()
	if req.Capabilities != nil {
		caps = *req.Capabilities
	}

	state, err := report.NewReportState(req.Topic, scope.UserID, scope.ProjectID, rt, caps, cfg)
	if err != nil {
		return report.ReportState{}, err
	}
	state.Headings = req.Headings
	return state, nil
}

// Wait blocks until every background build has finished.
func (s *Service) Wait() {
	s.jobs.Wait()
}

func (s *Service) runReport(id uuid.UUID, state report.ReportState) {
	defer s.jobs.Done()
	ctx := context.Background()

	if err := s.Store.SetStatus(ctx, id, database.StatusRunning, ""); err != nil {
		s.Logger.Error("Failed to mark report running", "report_id", id, "error", err)
	}

	jobLogger := s.jobLogger(id)
	jobLogger.Info("Report build started", "topic", state.Topic, "report_type", state.ReportType.String())

	out, err := s.Engine.WithLogger(jobLogger).Generate(ctx, state)
	if err != nil {
		s.failReport(ctx, id, jobLogger, fmt.Sprintf("Report generation failed: %v", err))
		return
	}
	if err := s.saveState(ctx, id, out); err != nil {
		s.failReport(ctx, id, jobLogger, err.Error())
		return
	}
	if err := s.Store.SetStatus(ctx, id, database.StatusCompleted, ""); err != nil {
		jobLogger.Error("Failed to mark report completed", "error", err)
		return
	}
	jobLogger.Info("Report build completed", "sections", len(out.Outline), "warnings", len(out.Warnings))
}

// UpdateReport applies a change request to a completed report. Section mode runs the
// incremental single-section path; fragments mode runs the update planner.
func (s *Service) UpdateReport(ctx context.Context, id uuid.UUID, scope search.Scope, req UpdateReportRequest) (*database.Report, error) {
	query := strings.TrimSpace(req.Query)
	if query == "" {
		return nil, fmt.Errorf("%w: query is required", ErrInvalidRequest)
	}
	mode := req.Mode
	if mode == "" {
		mode = ModeSection
	}
	if mode != ModeSection && mode != ModeFragments {
		return nil, fmt.Errorf("%w: unknown mode %q", ErrInvalidRequest, req.Mode)
	}

	// only one update holds the claim at a time
	rec, err := s.Store.ClaimReport(ctx, id, scope.UserID, scope.ProjectID)
	if err != nil {
		return nil, err
	}

	jobLogger := s.jobLogger(id)
	out, err := s.applyUpdate(ctx, rec, mode, query, jobLogger)
	if err == nil {
		err = s.saveState(ctx, id, out)
	}
	release := context.WithoutCancel(ctx)
	if err != nil {
		reason := ""
		if rec.Error != nil {
			reason = *rec.Error
		}
		if serr := s.Store.SetStatus(release, id, rec.Status, reason); serr != nil {
			jobLogger.Error("Failed to release report", "error", serr)
		}
		return nil, err
	}
	if err := s.Store.SetStatus(release, id, database.StatusCompleted, ""); err != nil {
		return nil, err
	}
	jobLogger.Info("Report update completed", "mode", mode, "warnings", len(out.Warnings))
	return s.Store.GetReport(ctx, id, scope.UserID, scope.ProjectID)
}

func (s *Service) applyUpdate(ctx context.Context, rec *database.Report, mode, query string, jobLogger *slog.Logger) (report.ReportState, error) {
	var state report.ReportState
	if len(rec.State) > 0 {
		if err := json.Unmarshal(rec.State, &state); err != nil {
			return state, fmt.Errorf("failed to decode report state: %w", err)
		}
	}
	if len(state.Outline) == 0 {
		return state, report.ErrNoReport
	}

	jobLogger.Info("Report update started", "mode", mode, "query", query)

	var (
		out report.ReportState
		err error
	)
	switch mode {
	case ModeFragments:
		planner := *s.Planner
		planner.Engine = s.Planner.Engine.WithLogger(jobLogger)
		planner.Logger = jobLogger
		out, err = planner.Apply(ctx, state, query)
	default:
		out, err = s.Engine.WithLogger(jobLogger).UpdateSection(ctx, state, query)
	}
	if err != nil {
		jobLogger.Warn("Report update failed", "error", err)
	}
	return out, err
}

func (s *Service) GetReport(ctx context.Context, id uuid.UUID, scope search.Scope) (*database.Report, error) {
	return s.Store.GetReport(ctx, id, scope.UserID, scope.ProjectID)
}

func (s *Service) ListReports(ctx context.Context, scope search.Scope) ([]database.Report, error) {
	return s.Store.ListReports(ctx, scope.UserID, scope.ProjectID)
}

// GetReportLogs returns the logs of a report the tenant owns.
func (s *Service) GetReportLogs(ctx context.Context, id uuid.UUID, scope search.Scope) ([]database.LogEntry, error) {
	if _, err := s.Store.GetReport(ctx, id, scope.UserID, scope.ProjectID); err != nil {
		return nil, err
	}
	return s.Store.GetReportLogs(ctx, id)
}

func (s *Service) saveState(ctx context.Context, id uuid.UUID, state report.ReportState) error {
	stateJSON, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("failed to marshal state: %w", err)
	}
	return s.Store.SaveState(ctx, id, stateJSON, state.FinalReport)
}

func (s *Service) jobLogger(id uuid.UUID) *slog.Logger {
	return slog.New(NewDBLogHandler(s.Store, id, s.Logger.Handler())).With("report_id", id.String())
}

func (s *Service) failReport(ctx context.Context, id uuid.UUID, logger *slog.Logger, reason string) {
	logger.Error(reason)
	if err := s.Store.SetStatus(ctx, id, database.StatusFailed, reason); err != nil {
		s.Logger.Error("Failed to mark report failed", "report_id", id, "error", err)
	}
}
