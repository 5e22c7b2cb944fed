package backup

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	gocron "github.com/go-co-op/gocron/v2"

	"github.com/AvaProtocol/ap-gasless/pkg/logger"
	"github.com/AvaProtocol/ap-gasless/storage"
)

const backupFileName = "full-backup.db"

// Service snapshots the account and transaction store into timestamped
// directories under dir.
type Service struct {
	logger    logger.Logger
	db        storage.Storage
	backupDir string

	mu        sync.Mutex
	scheduler gocron.Scheduler
	now       func() time.Time
}

func NewService(log logger.Logger, db storage.Storage, backupDir string) *Service {
	return &Service{
		logger:    logger.EnsureLogger(log),
		db:        db,
		backupDir: backupDir,
		now:       time.Now,
	}
}

func (s *Service) StartPeriodicBackup(interval time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.scheduler != nil {
		return fmt.Errorf("backup service already running")
	}
	if err := os.MkdirAll(s.backupDir, 0755); err != nil {
		return fmt.Errorf("failed to create backup directory: %w", err)
	}

	scheduler, err := gocron.NewScheduler()
	if err != nil {
		return fmt.Errorf("failed to initialize scheduler: %w", err)
	}
	_, err = scheduler.NewJob(
		gocron.DurationJob(interval),
		gocron.NewTask(func() {
			if backupFile, err := s.PerformBackup(context.Background()); err != nil {
				s.logger.Error("periodic backup failed", "error", err)
			} else {
				s.logger.Info("periodic backup completed", "file", backupFile)
			}
		}),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return fmt.Errorf("failed to schedule backup job: %w", err)
	}
	s.scheduler = scheduler
	scheduler.Start()

	s.logger.Info("started periodic backup", "interval", interval.String(), "dir", s.backupDir)
	return nil
}

func (s *Service) StopPeriodicBackup() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.scheduler == nil {
		return
	}
	if err := s.scheduler.Shutdown(); err != nil {
		s.logger.Warn("backup scheduler shutdown", "error", err)
	}
	s.scheduler = nil
	s.logger.Info("stopped periodic backup")
}

func (s *Service) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.scheduler != nil
}

// PerformBackup writes a full backup and returns the file path.
func (s *Service) PerformBackup(ctx context.Context) (string, error) {
	backupPath := filepath.Join(s.backupDir, s.now().UTC().Format("06-01-02-15-04-05"))
	if err := os.MkdirAll(backupPath, 0755); err != nil {
		return "", fmt.Errorf("failed to create backup timestamp directory: %w", err)
	}

	backupFile := filepath.Join(backupPath, backupFileName)
	f, err := os.Create(backupFile)
	if err != nil {
		return "", fmt.Errorf("failed to create backup file: %w", err)
	}
	defer f.Close()

	if _, err := s.db.Backup(ctx, f, 0); err != nil {
		return "", fmt.Errorf("backup operation failed: %w", err)
	}
	return backupFile, nil
}

// Restore loads a backup file produced by PerformBackup into db.
func Restore(ctx context.Context, db storage.Storage, backupFile string) error {
	f, err := os.Open(backupFile)
	if err != nil {
		return fmt.Errorf("failed to open backup file: %w", err)
	}
	defer f.Close()
	return db.Load(ctx, f)
}
