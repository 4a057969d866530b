package backup

import (
	"encoding/json"
	"time"

	"github.com/rs/zerolog"
)

// Progress is a point-in-time view of a running backup, rebuilt from
// each restic status line.
type Progress struct {
	TotalFiles     int       `json:"total_files"`
	ProcessedFiles int       `json:"processed_files"`
	TotalBytes     int64     `json:"total_bytes"`
	ProcessedBytes int64     `json:"processed_bytes"`
	CurrentFile    string    `json:"current_file,omitempty"`
	StartTime      time.Time `json:"start_time"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// Percent returns the completed fraction as a percentage. A backup with
// no known total reports 0 rather than dividing by zero.
func (p Progress) Percent() float64 {
	if p.TotalBytes == 0 {
		return 0
	}
	return float64(p.ProcessedBytes) / float64(p.TotalBytes) * 100
}

// Summary holds the final counters restic reports when a backup ends.
type Summary struct {
	MessageType         string  `json:"message_type"`
	SnapshotID          string  `json:"snapshot_id"`
	FilesNew            int     `json:"files_new"`
	FilesChanged        int     `json:"files_changed"`
	FilesUnmodified     int     `json:"files_unmodified"`
	DirsNew             int     `json:"dirs_new"`
	DirsChanged         int     `json:"dirs_changed"`
	DirsUnmodified      int     `json:"dirs_unmodified"`
	DataAdded           int64   `json:"data_added"`
	TotalFilesProcessed int     `json:"total_files_processed"`
	TotalBytesProcessed int64   `json:"total_bytes_processed"`
	TotalDuration       float64 `json:"total_duration"`
}

// statusMessage is restic's per-line progress report in --json mode.
type statusMessage struct {
	MessageType      string   `json:"message_type"`
	SecondsElapsed   float64  `json:"seconds_elapsed"`
	SecondsRemaining float64  `json:"seconds_remaining"`
	PercentDone      float64  `json:"percent_done"`
	TotalFiles       int      `json:"total_files"`
	FilesDone        int      `json:"files_done"`
	TotalBytes       int64    `json:"total_bytes"`
	BytesDone        int64    `json:"bytes_done"`
	CurrentFiles     []string `json:"current_files"`
}

// ProgressFunc receives a fresh Progress for every parsed status line.
type ProgressFunc func(Progress)

// StatusFunc receives backup phase transitions.
type StatusFunc func(Status)

// ProgressParser classifies restic's JSON-lines output. Each line is
// probed for a message_type discriminator: status lines become Progress
// updates, the summary line becomes a finalising transition with the
// final counters retained, and everything else is ignored. restic
// interleaves structured and unstructured output, so an unparseable
// line is expected and never an error.
type ProgressParser struct {
	onProgress ProgressFunc
	onStatus   StatusFunc
	logger     zerolog.Logger

	startTime time.Time
	summary   *Summary
}

// NewProgressParser creates a parser delivering updates to the given
// callbacks. Either callback may be nil.
func NewProgressParser(onProgress ProgressFunc, onStatus StatusFunc, logger zerolog.Logger) *ProgressParser {
	return &ProgressParser{
		onProgress: onProgress,
		onStatus:   onStatus,
		logger:     logger.With().Str("component", "progress_parser").Logger(),
		startTime:  time.Now(),
	}
}

// Parse consumes one output line. It never fails.
func (p *ProgressParser) Parse(line string) {
	if line == "" {
		return
	}

	var probe struct {
		MessageType string `json:"message_type"`
	}
	if err := json.Unmarshal([]byte(line), &probe); err != nil {
		p.logger.Debug().Str("line", line).Msg("ignoring unstructured output line")
		return
	}

	switch probe.MessageType {
	case "status":
		var msg statusMessage
		if err := json.Unmarshal([]byte(line), &msg); err != nil {
			p.logger.Debug().Err(err).Msg("ignoring malformed status line")
			return
		}
		progress := Progress{
			TotalFiles:     msg.TotalFiles,
			ProcessedFiles: msg.FilesDone,
			TotalBytes:     msg.TotalBytes,
			ProcessedBytes: msg.BytesDone,
			StartTime:      p.startTime,
			UpdatedAt:      time.Now(),
		}
		if len(msg.CurrentFiles) > 0 {
			progress.CurrentFile = msg.CurrentFiles[0]
		}
		if p.onProgress != nil {
			p.onProgress(progress)
		}
		if p.onStatus != nil {
			p.onStatus(Status{Phase: PhaseBacking, Progress: &progress})
		}

	case "summary":
		var summary Summary
		if err := json.Unmarshal([]byte(line), &summary); err != nil {
			p.logger.Debug().Err(err).Msg("ignoring malformed summary line")
			return
		}
		p.summary = &summary
		if p.onStatus != nil {
			p.onStatus(Status{Phase: PhaseFinalising})
		}

	default:
		p.logger.Debug().Str("message_type", probe.MessageType).Msg("ignoring message")
	}
}

// Summary returns the retained summary, or nil if none was seen.
func (p *ProgressParser) Summary() *Summary {
	return p.summary
}
