//go:build property
// +build property

package projection

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	_ "modernc.org/sqlite"

	"github.com/choiros/director/pkg/database"
	"github.com/choiros/director/pkg/eventlog"
)

// Replaying any generated event sequence from genesis must reproduce the
// incrementally-built projection, hash for hash.
func TestRebuildIsDeterministic(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50
	properties := gopter.NewProperties(parameters)

	fixedClock := func() time.Time { return time.UnixMilli(1_700_000_000_000) }

	newStore := func(dir string, name string) (*Store, error) {
		db, err := sql.Open("sqlite", filepath.Join(dir, name))
		if err != nil {
			return nil, err
		}
		db.SetMaxOpenConns(1)
		return New(context.Background(), db, database.DialectSQLite, WithClock(fixedClock))
	}

	properties.Property("rebuild reproduces the live projection", prop.ForAll(
		func(paths []string, items []string) bool {
			ctx := context.Background()
			dir := t.TempDir()
			log := eventlog.NewMemoryLog()

			live, err := newStore(dir, "live.db")
			if err != nil {
				return false
			}

			seq := 0
			emit := func(eventType string, payload map[string]any) bool {
				ev := eventlog.New("local", eventlog.SourceSystem, eventType, payload)
				ev.TimestampMS = 1_700_000_000_000 + int64(seq)
				seq++
				n, err := log.Append(ctx, ev)
				if err != nil {
					return false
				}
				env, err := log.Get(ctx, n)
				if err != nil {
					return false
				}
				return live.Apply(ctx, env) == nil
			}

			for i, item := range items {
				id := fmt.Sprintf("W-%d-%s", i, item)
				if !emit(eventlog.TypeWorkItemCreate, map[string]any{
					"work_item_id": id, "description": item,
				}) {
					return false
				}
				if !emit(eventlog.TypeRunStart, map[string]any{
					"run_id": id + "-r1", "work_item_id": id,
				}) {
					return false
				}
			}
			for _, p := range paths {
				if p == "" {
					continue
				}
				if !emit(eventlog.TypeFileWrite, map[string]any{
					"path": p, "content_hash": "sha256:" + p,
				}) {
					return false
				}
			}

			liveHash, err := live.StateHash(ctx)
			if err != nil {
				return false
			}

			rebuilt, err := newStore(dir, "rebuilt.db")
			if err != nil {
				return false
			}
			rebuiltHash, err := rebuilt.Rebuild(ctx, log)
			if err != nil {
				return false
			}
			return liveHash == rebuiltHash
		},
		gen.SliceOf(gen.AlphaString()),
		gen.SliceOf(gen.Identifier()),
	))

	properties.TestingRun(t)
}
