// Copyright 2019 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package persist

import (
	"context"
	"time"

	"github.com/matta/gotriage/internal/message"

	"go.uber.org/zap"
)

const (
	// RecordAttempts is the total number of insert attempts per record.
	RecordAttempts = 3

	// RecordPause is the fixed pause between insert attempts.
	RecordPause = time.Second
)

// Store is the subset of DB used by Tracker.
type Store interface {
	Lookup(ctx context.Context, id string) (message.Status, bool, error)
	Insert(ctx context.Context, id string, status message.Status) (bool, error)
}

// Tracker records the outcome of each processed message and answers
// whether a message has been processed already.  Its methods never
// return errors; store failures are logged.
type Tracker struct {
	store Store
	log   *zap.SugaredLogger

	// Sleep pauses between insert attempts.  Replaced in tests.
	Sleep func(time.Duration)
}

func NewTracker(store Store, log *zap.SugaredLogger) *Tracker {
	return &Tracker{store: store, log: log, Sleep: time.Sleep}
}

// IsProcessed reports whether a record exists for id.  A store error
// is logged and reported as false, so the message is processed again
// rather than silently skipped.
func (t *Tracker) IsProcessed(ctx context.Context, id string) bool {
	_, ok, err := t.store.Lookup(ctx, id)
	if err != nil {
		t.log.Errorw("unable to check message status", "message_id", id, "error", err)
		return false
	}
	return ok
}

// Record inserts the record for id, trying up to RecordAttempts times.
// It reports whether the record is now in the store.
func (t *Tracker) Record(ctx context.Context, id string, status message.Status) bool {
	var err error
	for attempt := 1; attempt <= RecordAttempts; attempt++ {
		var inserted bool
		inserted, err = t.store.Insert(ctx, id, status)
		if err == nil {
			if inserted {
				t.log.Debugw("tracked message status", "message_id", id, "status", status)
			} else {
				t.log.Debugw("message status already tracked", "message_id", id, "status", status)
			}
			return true
		}
		if attempt < RecordAttempts {
			t.log.Debugw("retrying status insert", "message_id", id,
				"attempt", attempt, "attempts", RecordAttempts, "error", err)
			t.Sleep(RecordPause)
		}
	}
	t.log.Errorw("unable to track message status", "message_id", id, "status", status, "error", err)
	return false
}
