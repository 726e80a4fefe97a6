package storage

import (
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/opus/internal/common"
	"github.com/ternarybob/opus/internal/uws"
)

const globalBackupFile = "jobs.json"

// backupDocument is the on-disk shape of one backup file.
type backupDocument struct {
	SavedAt time.Time              `json:"savedAt"`
	Jobs    []*uws.JobDescription  `json:"jobs"`
}

// FileBackup persists job descriptions as JSON, either one global file or
// one file per owner.
type FileBackup struct {
	service *uws.Service
	path    string
	byUser  bool
	logger  arbor.ILogger
}

// NewFileBackup creates the backup directory and returns the manager.
func NewFileBackup(service *uws.Service, config *common.BackupConfig, logger arbor.ILogger) (*FileBackup, error) {
	if logger == nil {
		logger = common.GetLogger()
	}
	path := config.Path
	if path == "" {
		path = "./data/backup"
	}
	if err := os.MkdirAll(path, 0755); err != nil {
		return nil, fmt.Errorf("failed to create backup directory %s: %w", path, err)
	}
	return &FileBackup{
		service: service,
		path:    path,
		byUser:  config.ByUser,
		logger:  logger,
	}, nil
}

// SaveAll implements uws.BackupManager.
func (b *FileBackup) SaveAll() (int, int, error) {
	descriptions := b.describeAll()

	if !b.byUser {
		if err := b.writeFile(globalBackupFile, descriptions); err != nil {
			return 0, len(descriptions), err
		}
		b.logger.Info().
			Int("jobs", len(descriptions)).
			Str("path", b.path).
			Msg("Saved job backup")
		return len(descriptions), 0, nil
	}

	byOwner := make(map[string][]*uws.JobDescription)
	for _, desc := range descriptions {
		byOwner[desc.OwnerID] = append(byOwner[desc.OwnerID], desc)
	}

	saved, failed := 0, 0
	var firstErr error
	for ownerID, descs := range byOwner {
		if err := b.writeFile(ownerFileName(ownerID), descs); err != nil {
			failed += len(descs)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		saved += len(descs)
	}
	b.logger.Info().
		Int("jobs", saved).
		Int("failed", failed).
		Int("owners", len(byOwner)).
		Str("path", b.path).
		Msg("Saved per-owner job backup")
	return saved, failed, firstErr
}

// SaveOwner implements uws.BackupManager.
func (b *FileBackup) SaveOwner(ownerID string) error {
	if !b.byUser {
		_, _, err := b.SaveAll()
		return err
	}
	var descriptions []*uws.JobDescription
	for _, list := range b.service.JobLists() {
		for _, job := range list.JobsOf(ownerID) {
			descriptions = append(descriptions, job.Describe())
		}
	}
	return b.writeFile(ownerFileName(ownerID), descriptions)
}

// RestoreAll implements uws.BackupManager. Both the global file and the
// hashed per-owner subdirectories are read; jobs whose list no longer
// exists are skipped, not treated as errors.
func (b *FileBackup) RestoreAll() (int, error) {
	restored := 0
	walkErr := filepath.WalkDir(b.path, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			return nil
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("failed to read backup file %s: %w", entry.Name(), err)
		}
		var doc backupDocument
		if err := json.Unmarshal(data, &doc); err != nil {
			return fmt.Errorf("failed to parse backup file %s: %w", entry.Name(), err)
		}
		for _, desc := range doc.Jobs {
			list := b.service.GetJobList(desc.ListName)
			if list == nil {
				b.logger.Warn().
					Str("job_id", desc.JobID).
					Str("list_name", desc.ListName).
					Msg("Skipping backed up job of unknown list")
				continue
			}
			if err := list.RestoreJob(uws.RestoreJob(desc)); err != nil {
				b.logger.Warn().
					Err(err).
					Str("job_id", desc.JobID).
					Msg("Failed to restore job")
				continue
			}
			restored++
		}
		return nil
	})
	if walkErr != nil {
		return restored, fmt.Errorf("failed to read backup directory: %w", walkErr)
	}
	b.logger.Info().
		Int("jobs", restored).
		Str("path", b.path).
		Msg("Restored job backup")
	return restored, nil
}

// Close implements uws.BackupManager. File backups hold no open handles.
func (b *FileBackup) Close() error {
	return nil
}

// writeFile writes atomically via a temp file and rename.
func (b *FileBackup) writeFile(name string, descriptions []*uws.JobDescription) error {
	data, err := json.MarshalIndent(backupDocument{
		SavedAt: time.Now(),
		Jobs:    descriptions,
	}, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to serialize backup: %w", err)
	}

	target := filepath.Join(b.path, name)
	if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
		return fmt.Errorf("failed to create backup directory: %w", err)
	}
	tmp := target + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("failed to write backup file: %w", err)
	}
	if err := os.Rename(tmp, target); err != nil {
		return fmt.Errorf("failed to replace backup file: %w", err)
	}
	return nil
}

func (b *FileBackup) describeAll() []*uws.JobDescription {
	var descriptions []*uws.JobDescription
	for _, list := range b.service.JobLists() {
		for _, job := range list.Jobs() {
			descriptions = append(descriptions, job.Describe())
		}
	}
	return descriptions
}

// ownerHash names the per-owner backup directory: the md5 hex of the
// owner id, stable and filesystem-safe regardless of the id's content.
func ownerHash(ownerID string) string {
	if ownerID == "" {
		ownerID = "anonymous"
	}
	sum := md5.Sum([]byte(ownerID))
	return hex.EncodeToString(sum[:])
}

// ownerFileName is the per-owner backup path relative to the backup root:
// <hash>/<hash>.backup.json.
func ownerFileName(ownerID string) string {
	hash := ownerHash(ownerID)
	return filepath.Join(hash, hash+".backup.json")
}
