// Package project provides project file handling and persistence.
package project

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"autogeoref/internal/params"
)

// Ext is the project file extension.
const Ext = ".agproj"

// CurrentVersion is written by Save.
const CurrentVersion = 1

// File represents a georeferencing project. Paths are stored relative to
// the project file.
type File struct {
	Version     int       `json:"version"`
	Name        string    `json:"name"`
	Created     time.Time `json:"created"`
	Modified    time.Time `json:"modified"`
	Description string    `json:"description,omitempty"`

	PairsPath  string `json:"pairs,omitempty"`
	GridPath   string `json:"grid,omitempty"`
	ReportPath string `json:"report,omitempty"`
	ExportPath string `json:"export,omitempty"`

	// Result of the last search
	BestParams *params.ParameterSet `json:"best_params,omitempty"`
	Alpha      float64              `json:"alpha_rmse"`
	BestCost   *float64             `json:"best_cost,omitempty"`
	LastRunID  string               `json:"last_run_id,omitempty"`
}

// New creates a new project file.
func New(name string, alpha float64) *File {
	now := time.Now()
	return &File{
		Version:  CurrentVersion,
		Name:     name,
		Created:  now,
		Modified: now,
		Alpha:    alpha,
	}
}

// Load loads a project from a project file.
func Load(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var proj File
	if err := json.Unmarshal(data, &proj); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if proj.Version > CurrentVersion {
		return nil, fmt.Errorf("%s: project version %d is newer than supported %d", path, proj.Version, CurrentVersion)
	}

	return &proj, nil
}

// Save saves the project to a file.
func (p *File) Save(path string) error {
	p.Modified = time.Now()
	p.Version = CurrentVersion

	data, err := json.MarshalIndent(p, "", "  ")
	if err != nil {
		return err
	}

	return os.WriteFile(path, append(data, '\n'), 0644)
}

// SetResult stores the outcome of a search.
func (p *File) SetResult(best params.ParameterSet, alpha float64, cost *float64, runID string) {
	p.BestParams = &best
	p.Alpha = alpha
	p.BestCost = cost
	p.LastRunID = runID
	p.Modified = time.Now()
}

// SetPairs sets the pairs file path (relative to project).
func (p *File) SetPairs(projectPath, pairsPath string) {
	p.PairsPath = relTo(projectPath, pairsPath)
	p.Modified = time.Now()
}

// SetReport sets the report path (relative to project).
func (p *File) SetReport(projectPath, reportPath string) {
	p.ReportPath = relTo(projectPath, reportPath)
	p.Modified = time.Now()
}

// SetExport sets the export path (relative to project).
func (p *File) SetExport(projectPath, exportPath string) {
	p.ExportPath = relTo(projectPath, exportPath)
	p.Modified = time.Now()
}

// GetPairsPath returns the absolute path to the pairs file.
func (p *File) GetPairsPath(projectPath string) string {
	return absFrom(projectPath, p.PairsPath)
}

// GetGridPath returns the absolute path to the grid file.
func (p *File) GetGridPath(projectPath string) string {
	return absFrom(projectPath, p.GridPath)
}

// GetReportPath returns the absolute path to the report file.
func (p *File) GetReportPath(projectPath string) string {
	if p.ReportPath == "" {
		// Default: project_name_report.json
		return sibling(projectPath, "_report.json")
	}
	return absFrom(projectPath, p.ReportPath)
}

// GetExportPath returns the absolute path to the homography export.
func (p *File) GetExportPath(projectPath string) string {
	if p.ExportPath == "" {
		// Default: project_name_homographies.json
		return sibling(projectPath, "_homographies.json")
	}
	return absFrom(projectPath, p.ExportPath)
}

func relTo(projectPath, path string) string {
	abs, err := filepath.Abs(path)
	if err != nil {
		return path
	}
	projDir, err := filepath.Abs(filepath.Dir(projectPath))
	if err != nil {
		return path
	}
	rel, err := filepath.Rel(projDir, abs)
	if err != nil {
		return path
	}
	return rel
}

func absFrom(projectPath, path string) string {
	if path == "" {
		return ""
	}
	if filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(filepath.Dir(projectPath), path)
}

func sibling(projectPath, suffix string) string {
	base := projectPath[:len(projectPath)-len(filepath.Ext(projectPath))]
	return base + suffix
}
