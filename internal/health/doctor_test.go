package health

import (
	"context"
	"errors"
	"testing"

	"github.com/rs/zerolog"

	"github.com/mpy-dev-ml/rbum/internal/models"
)

type scriptedProber struct {
	version string
	err     error
}

func (s *scriptedProber) Version(context.Context) (string, error) {
	return s.version, s.err
}

func TestDoctor_HealthyReport(t *testing.T) {
	repoDir := t.TempDir()
	d := NewDoctor(&scriptedProber{version: "0.16.4"}, t.TempDir(), zerolog.Nop())

	report := d.Run(context.Background(), []*models.Repository{
		models.NewRepository("local", repoDir),
	})

	if !report.ResticAvailable || report.ResticVersion != "0.16.4" {
		t.Errorf("restic probe = %q available=%v", report.ResticVersion, report.ResticAvailable)
	}
	if !report.DataDirWritable {
		t.Error("data dir should be writable")
	}
	if len(report.Disks) != 1 {
		t.Fatalf("disks = %+v", report.Disks)
	}
	if report.Disks[0].Err != "" || report.Disks[0].TotalBytes == 0 {
		t.Errorf("disk probe = %+v", report.Disks[0])
	}
	if !report.OK() {
		t.Error("report should be OK")
	}
}

func TestDoctor_ResticMissing(t *testing.T) {
	d := NewDoctor(&scriptedProber{err: errors.New("command not found: restic")}, t.TempDir(), zerolog.Nop())

	report := d.Run(context.Background(), nil)
	if report.ResticAvailable {
		t.Error("restic should be unavailable")
	}
	if report.ResticError == "" {
		t.Error("expected error detail")
	}
	if report.OK() {
		t.Error("report should not be OK")
	}
}

func TestDoctor_MissingRepositoryPath(t *testing.T) {
	d := NewDoctor(&scriptedProber{version: "0.16.4"}, t.TempDir(), zerolog.Nop())

	report := d.Run(context.Background(), []*models.Repository{
		models.NewRepository("gone", "/no/such/volume/repo"),
	})

	if len(report.Disks) != 1 || report.Disks[0].Err == "" {
		t.Errorf("expected disk probe error, got %+v", report.Disks)
	}
	if report.OK() {
		t.Error("report should not be OK with a failing disk probe")
	}
}
