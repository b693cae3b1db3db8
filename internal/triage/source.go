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

package triage

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Mode selects which messages a pass considers and whether the run
// repeats.
type Mode int

const (
	// Batch is a single pass over the most recent messages.
	Batch Mode = iota
	// Live polls unread inbox messages forever.
	Live
)

func (m Mode) String() string {
	if m == Live {
		return "live"
	}
	return "one-time"
}

// MessageLister lists message identifiers from a mail service.
type MessageLister interface {
	ListRecent(ctx context.Context, max int64) ([]string, error)
	ListUnreadSince(ctx context.Context, since time.Time) ([]string, error)
}

// GmailSource selects the candidate messages for a pass.
type GmailSource struct {
	lister   MessageLister
	max      int64
	lookback time.Duration
	log      *zap.SugaredLogger

	// Now returns the current time.  Replaced in tests.
	Now func() time.Time
}

// NewGmailSource returns a Source that considers up to max recent
// messages in batch mode, and the unread inbox messages received within
// lookback in live mode.
func NewGmailSource(lister MessageLister, max int64, lookback time.Duration, log *zap.SugaredLogger) *GmailSource {
	return &GmailSource{lister: lister, max: max, lookback: lookback, log: log, Now: time.Now}
}

// Candidates returns the message IDs to process, in the service's
// order.  A listing failure is logged and yields no candidates.
func (s *GmailSource) Candidates(ctx context.Context, mode Mode) []string {
	var ids []string
	var err error
	switch mode {
	case Live:
		ids, err = s.lister.ListUnreadSince(ctx, s.Now().Add(-s.lookback))
	default:
		ids, err = s.lister.ListRecent(ctx, s.max)
	}
	if err != nil {
		s.log.Errorw("unable to fetch messages", "mode", mode, "error", err)
		return nil
	}
	return ids
}
