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

// Package triage drives each candidate message through content
// extraction, classification, archiving and outcome tracking.
package triage

import (
	"context"
	"fmt"
	"time"

	"github.com/matta/gotriage/internal/classify"
	"github.com/matta/gotriage/internal/message"
	"github.com/matta/gotriage/internal/normalize"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// Source selects the candidate message IDs for a pass.
type Source interface {
	Candidates(ctx context.Context, mode Mode) []string
}

// Fetcher gets the full content of a message.
type Fetcher interface {
	GetMessageFull(ctx context.Context, id string) (*message.Message, error)
}

// Archiver takes a message out of the inbox and marks it read.
type Archiver interface {
	Archive(ctx context.Context, id string) error
}

// Classifier decides whether a message should be archived.  ok is
// false when no decision could be made.
type Classifier interface {
	Classify(ctx context.Context, c message.Content) (d classify.Decision, ok bool)
}

// Tracker remembers which messages have been processed.
type Tracker interface {
	IsProcessed(ctx context.Context, id string) bool
	Record(ctx context.Context, id string, status message.Status) bool
}

// Stats counts the outcomes of one pass.
type Stats struct {
	Candidates int
	Skipped    int
	Statuses   map[message.Status]int
}

// Processor runs passes over candidate messages, one message at a time.
type Processor struct {
	source     Source
	fetcher    Fetcher
	archiver   Archiver
	classifier Classifier
	tracker    Tracker
	interval   time.Duration
	log        *zap.SugaredLogger

	// Sleep waits between live passes.  It returns early with an
	// error when ctx is done.  Replaced in tests.
	Sleep func(ctx context.Context, d time.Duration) error

	passes int
}

func New(source Source, fetcher Fetcher, archiver Archiver, classifier Classifier,
	tracker Tracker, interval time.Duration, log *zap.SugaredLogger) *Processor {
	return &Processor{
		source:     source,
		fetcher:    fetcher,
		archiver:   archiver,
		classifier: classifier,
		tracker:    tracker,
		interval:   interval,
		log:        log,
		Sleep:      sleep,
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Passes returns the number of passes started so far.
func (p *Processor) Passes() int {
	return p.passes
}

// Run processes candidates in the given mode.  Batch mode makes one
// pass.  Live mode repeats passes every interval until ctx is done.
// Cancelling ctx never interrupts a message in flight; it is observed
// between messages and while sleeping.
func (p *Processor) Run(ctx context.Context, mode Mode) error {
	p.log.Infow("starting email processor", "mode", mode)
	for {
		stats, err := p.Pass(ctx, mode)
		if err != nil {
			p.log.Errorw("error in main loop", "error", err)
			if mode != Live {
				return nil
			}
		} else {
			p.log.Infow("pass complete", "pass", p.passes, "candidates", stats.Candidates,
				"skipped", stats.Skipped, "statuses", stats.Statuses)
		}

		if mode != Live {
			p.log.Info("one-time scan completed")
			return nil
		}
		if ctx.Err() != nil {
			p.log.Info("stopping email processor")
			return nil
		}
		p.log.Debugw("waiting before next check", "interval", p.interval)
		if err := p.Sleep(ctx, p.interval); err != nil {
			p.log.Info("stopping email processor")
			return nil
		}
	}
}

// Pass fetches the candidates once and processes each in order.  A
// panic escaping a message is reported as an error for the pass.
func (p *Processor) Pass(ctx context.Context, mode Mode) (stats Stats, err error) {
	p.passes++
	log := p.log.With("pass", p.passes, "run_id", uuid.NewString())
	defer func() {
		if r := recover(); r != nil {
			err = errors.Errorf("pass %d: %v", p.passes, r)
		}
	}()

	work := context.WithoutCancel(ctx)
	ids := p.source.Candidates(work, mode)
	stats = Stats{Candidates: len(ids), Statuses: map[message.Status]int{}}
	log.Infow("found emails to process", "count", len(ids))

	for i, id := range ids {
		if ctx.Err() != nil {
			log.Infow("stopping pass early", "remaining", len(ids)-i)
			break
		}
		log.Infow("processing next email", "progress", fmt.Sprintf("%d/%d", i+1, len(ids)), "message_id", id)
		status, processed := p.process(work, log.With("message_id", id), id)
		if !processed {
			stats.Skipped++
			continue
		}
		stats.Statuses[status]++
	}
	return stats, nil
}

// Process handles one message and reports its terminal status.
// processed is false when the message had already been recorded and
// nothing was done.
func (p *Processor) Process(ctx context.Context, id string) (status message.Status, processed bool) {
	return p.process(ctx, p.log.With("message_id", id), id)
}

func (p *Processor) process(ctx context.Context, log *zap.SugaredLogger, id string) (status message.Status, processed bool) {
	if p.tracker.IsProcessed(ctx, id) {
		log.Info("skipping message; already processed")
		return "", false
	}

	defer func() {
		if r := recover(); r != nil {
			log.Errorw("error processing message", "error", fmt.Sprint(r))
			status, processed = message.StatusError, true
			p.tracker.Record(ctx, id, status)
		}
	}()

	status, err := p.decide(ctx, log, id)
	if err != nil {
		log.Errorw("error processing message", "error", err)
		status = message.StatusError
	}
	p.tracker.Record(ctx, id, status)
	return status, true
}

// decide runs the pipeline for a message that has not been seen
// before and returns the status to record.
func (p *Processor) decide(ctx context.Context, log *zap.SugaredLogger, id string) (message.Status, error) {
	msg, err := p.fetcher.GetMessageFull(ctx, id)
	if err != nil {
		return "", err
	}

	c := normalize.Normalize(log, msg)
	log.Infow("email details",
		"from", fmt.Sprintf("%s <%s>", c.SenderName, c.SenderEmail),
		"subject", c.Subject,
		"date", c.Date)
	log.Debugw("email content", "length", len(c.Body))

	log.Info("analyzing email")
	d, ok := p.classifier.Classify(ctx, c)
	if !ok || !d.ShouldArchive {
		log.Info("decision: keep")
		return message.StatusKept, nil
	}

	log.Info("decision: archive")
	if !p.archive(ctx, log, id) {
		log.Info("archive failed")
		return message.StatusArchiveFailed, nil
	}
	log.Info("archived successfully")
	return message.StatusArchived, nil
}

// archive applies the archive action and reports whether it succeeded.
func (p *Processor) archive(ctx context.Context, log *zap.SugaredLogger, id string) bool {
	if err := p.archiver.Archive(ctx, id); err != nil {
		log.Errorw("error archiving message", "error", err)
		return false
	}
	return true
}
