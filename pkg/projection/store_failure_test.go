package projection

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/require"

	"github.com/choiros/director/pkg/database"
	"github.com/choiros/director/pkg/eventlog"
)

// A storage-level failure (as opposed to a bad event) must surface to the
// caller instead of being swallowed as a poison marker.
func TestApplySurfacesStorageFailure(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	s := &Store{
		db:      db,
		dialect: database.DialectSQLite,
		logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
		clock:   time.Now,
	}

	mock.ExpectQuery(`SELECT value FROM sync_state`).
		WillReturnError(context.DeadlineExceeded)

	env := eventlog.Envelope{
		Sequence: 1,
		Event:    eventlog.New("local", eventlog.SourceSystem, eventlog.TypeMessage, map[string]any{"content": "x"}),
	}
	err = s.Apply(context.Background(), env)
	require.Error(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}
