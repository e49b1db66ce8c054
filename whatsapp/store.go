package whatsapp

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"whatsapp-karl-bot/utils"

	"github.com/rs/zerolog"
	"go.mau.fi/whatsmeow/store/sqlstore"
	waLog "go.mau.fi/whatsmeow/util/log"
	_ "modernc.org/sqlite"
)

// Store owns the whatsmeow credential store and dials new transport handles from it
type Store struct {
	container *sqlstore.Container
	logger    zerolog.Logger
}

// OpenStore opens (or creates) the session database inside dir.
// Opening is retried because a previous process may still hold the WAL lock.
func OpenStore(ctx context.Context, dir string, logger zerolog.Logger) (*Store, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("create session dir: %w", err)
	}
	dsn := fmt.Sprintf("file:%s?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(10000)",
		filepath.Join(dir, "session.db"))
	dbLog := waLog.Zerolog(logger.With().Str("component", "sqlstore").Logger())

	var container *sqlstore.Container
	err := utils.WithRetry(ctx, func() error {
		var err error
		container, err = sqlstore.New(ctx, "sqlite", dsn, dbLog)
		if err != nil {
			logger.Warn().Err(err).Msg("session store open attempt failed")
		}
		return err
	}, &utils.RetryConfig{
		InitialInterval: time.Second,
		MaxInterval:     5 * time.Second,
		MaxElapsedTime:  25 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("open session store: %w", err)
	}

	return &Store{container: container, logger: logger}, nil
}

// Dial loads the stored device, or a fresh unpaired one, and wraps it in a new Client
func (s *Store) Dial(ctx context.Context, handler EventHandler) (Session, error) {
	device, err := s.container.GetFirstDevice(ctx)
	if err != nil {
		return nil, fmt.Errorf("load device: %w", err)
	}
	return newClient(device, handler, s.logger), nil
}

// Close closes the session database
func (s *Store) Close() error {
	return s.container.Close()
}

var _ Dialer = (*Store)(nil)
