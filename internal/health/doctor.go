// Package health runs preflight checks: restic availability, data
// directory writability, and disk usage for each repository path.
package health

import (
	"context"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/disk"

	"github.com/mpy-dev-ml/rbum/internal/models"
)

// RepositoryDisk reports disk usage for one repository's volume.
type RepositoryDisk struct {
	Repository  *models.Repository
	UsedPercent float64
	FreeBytes   uint64
	TotalBytes  uint64
	Err         string
}

// Report is the outcome of a full doctor pass.
type Report struct {
	ResticAvailable bool
	ResticVersion   string
	ResticError     string
	DataDir         string
	DataDirWritable bool
	Disks           []RepositoryDisk
}

// OK reports whether every check passed.
func (r *Report) OK() bool {
	if !r.ResticAvailable || !r.DataDirWritable {
		return false
	}
	for _, d := range r.Disks {
		if d.Err != "" {
			return false
		}
	}
	return true
}

// VersionProber reports the installed restic version. The backup
// command service satisfies it.
type VersionProber interface {
	Version(ctx context.Context) (string, error)
}

// Doctor gathers a Report. The restic probe goes through the injected
// prober so tests can script it.
type Doctor struct {
	restic  VersionProber
	dataDir string
	logger  zerolog.Logger
}

// NewDoctor creates a doctor probing restic and the data directory.
func NewDoctor(restic VersionProber, dataDir string, logger zerolog.Logger) *Doctor {
	return &Doctor{
		restic:  restic,
		dataDir: dataDir,
		logger:  logger.With().Str("component", "health").Logger(),
	}
}

// Run executes every check against the given repositories.
func (d *Doctor) Run(ctx context.Context, repos []*models.Repository) *Report {
	report := &Report{DataDir: d.dataDir}

	report.ResticVersion, report.ResticAvailable, report.ResticError = d.resticVersion(ctx)
	report.DataDirWritable = d.dataDirWritable()

	for _, repo := range repos {
		report.Disks = append(report.Disks, d.diskUsage(ctx, repo))
	}

	d.logger.Debug().
		Bool("restic_available", report.ResticAvailable).
		Bool("data_dir_writable", report.DataDirWritable).
		Int("repositories", len(repos)).
		Msg("doctor pass finished")

	return report
}

func (d *Doctor) resticVersion(ctx context.Context) (version string, available bool, errText string) {
	v, err := d.restic.Version(ctx)
	if err != nil {
		return "", false, err.Error()
	}
	return v, true, ""
}

func (d *Doctor) dataDirWritable() bool {
	if err := os.MkdirAll(d.dataDir, 0700); err != nil {
		return false
	}
	probe := filepath.Join(d.dataDir, ".doctor-probe")
	if err := os.WriteFile(probe, []byte("ok"), 0600); err != nil {
		return false
	}
	os.Remove(probe)
	return true
}

func (d *Doctor) diskUsage(ctx context.Context, repo *models.Repository) RepositoryDisk {
	rd := RepositoryDisk{Repository: repo}

	usage, err := disk.UsageWithContext(ctx, repo.Path)
	if err != nil {
		// The volume may be unmounted or the path gone; report, don't fail.
		rd.Err = err.Error()
		d.logger.Warn().Err(err).Str("path", repo.Path).Msg("disk usage probe failed")
		return rd
	}

	rd.UsedPercent = usage.UsedPercent
	rd.FreeBytes = usage.Free
	rd.TotalBytes = usage.Total
	return rd
}
