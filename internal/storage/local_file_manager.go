package storage

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"unicode"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/opus/internal/common"
	"github.com/ternarybob/opus/internal/uws"
)

const errorDetailsFile = "error_details.txt"

// LocalFileManager stores job files under a root directory, one directory
// per job, optionally nested in per-owner directories with an alphabetic
// grouping level above them:
//
//	<root>/<g>/<owner>/<jobID>/<file>
type LocalFileManager struct {
	root    string
	perUser bool
	grouped bool
	logger  arbor.ILogger
}

// NewLocalFileManager creates the root directory and returns the manager.
func NewLocalFileManager(config *common.FilesConfig, logger arbor.ILogger) (*LocalFileManager, error) {
	if logger == nil {
		logger = common.GetLogger()
	}
	root := config.RootPath
	if root == "" {
		root = "./data/files"
	}
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, fmt.Errorf("failed to create file root %s: %w", root, err)
	}
	return &LocalFileManager{
		root:    root,
		perUser: config.DirectoryPerUser,
		grouped: config.GroupUserDirectories,
		logger:  logger,
	}, nil
}

// sanitizeName keeps directory names shell- and filesystem-safe.
func sanitizeName(name string) string {
	if name == "" {
		return "anonymous"
	}
	var b strings.Builder
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	return b.String()
}

func (m *LocalFileManager) ownerDir(owner uws.JobOwner) string {
	if !m.perUser {
		return m.root
	}
	name := sanitizeName(uws.OwnerID(owner))
	if !m.grouped {
		return filepath.Join(m.root, name)
	}
	group := string(unicode.ToLower(rune(name[0])))
	return filepath.Join(m.root, group, name)
}

func (m *LocalFileManager) jobDir(job *uws.Job) string {
	return filepath.Join(m.ownerDir(job.Owner()), sanitizeName(job.ID()))
}

// ResultWriter implements uws.FileManager.
func (m *LocalFileManager) ResultWriter(job *uws.Job, result uws.Result) (io.WriteCloser, error) {
	dir := m.jobDir(job)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create job directory: %w", err)
	}
	path := filepath.Join(dir, resultFileName(result.ID))
	file, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("failed to create result file: %w", err)
	}
	m.logger.Debug().
		Str("job_id", job.ID()).
		Str("result_id", result.ID).
		Str("path", path).
		Msg("Opened result file for writing")
	return file, nil
}

// ResultReader implements uws.FileManager.
func (m *LocalFileManager) ResultReader(job *uws.Job, resultID string) (io.ReadCloser, error) {
	file, err := os.Open(filepath.Join(m.jobDir(job), resultFileName(resultID)))
	if err != nil {
		return nil, fmt.Errorf("failed to open result file: %w", err)
	}
	return file, nil
}

// ResultSize implements uws.FileManager.
func (m *LocalFileManager) ResultSize(job *uws.Job, resultID string) int64 {
	info, err := os.Stat(filepath.Join(m.jobDir(job), resultFileName(resultID)))
	if err != nil {
		return -1
	}
	return info.Size()
}

// ErrorWriter implements uws.FileManager. The returned reference is the
// file name recorded in the job's error summary.
func (m *LocalFileManager) ErrorWriter(job *uws.Job, summary uws.ErrorSummary) (io.WriteCloser, string, error) {
	dir := m.jobDir(job)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, "", fmt.Errorf("failed to create job directory: %w", err)
	}
	file, err := os.Create(filepath.Join(dir, errorDetailsFile))
	if err != nil {
		return nil, "", fmt.Errorf("failed to create error details file: %w", err)
	}
	return file, errorDetailsFile, nil
}

// ErrorReader implements uws.FileManager.
func (m *LocalFileManager) ErrorReader(job *uws.Job) (io.ReadCloser, error) {
	file, err := os.Open(filepath.Join(m.jobDir(job), errorDetailsFile))
	if err != nil {
		return nil, fmt.Errorf("failed to open error details file: %w", err)
	}
	return file, nil
}

// DeleteJobFiles implements uws.FileManager.
func (m *LocalFileManager) DeleteJobFiles(job *uws.Job) error {
	dir := m.jobDir(job)
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("failed to delete job files: %w", err)
	}
	m.logger.Debug().
		Str("job_id", job.ID()).
		Str("path", dir).
		Msg("Deleted job files")
	return nil
}

// LogWriter implements uws.FileManager, appending to <root>/logs/<channel>.log.
func (m *LocalFileManager) LogWriter(channel string) (io.WriteCloser, error) {
	dir := filepath.Join(m.root, "logs")
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create logs directory: %w", err)
	}
	path := filepath.Join(dir, sanitizeName(channel)+".log")
	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file: %w", err)
	}
	return file, nil
}

func resultFileName(resultID string) string {
	return "result_" + sanitizeName(resultID)
}
