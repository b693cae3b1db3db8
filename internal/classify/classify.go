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

// Package classify decides whether a message should be archived by
// asking a chat completion service.
package classify

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/matta/gotriage/internal/message"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

var (
	ErrNotConfigured   = errors.New("completion service API key is not set")
	ErrNoJSON          = errors.New("response contains no JSON object")
	ErrMissingDecision = errors.New(`response has no boolean "should_archive" field`)
)

// Decision is the only part of a completion that is trusted.
type Decision struct {
	ShouldArchive bool
}

// Completer sends a single turn request to a completion service and
// returns the raw response text.
type Completer interface {
	Complete(ctx context.Context, system, prompt string, temperature float32) (string, error)
}

type Classifier struct {
	completer Completer
	persona   string
	log       *zap.SugaredLogger
}

func New(completer Completer, persona string, log *zap.SugaredLogger) *Classifier {
	return &Classifier{completer: completer, persona: persona, log: log}
}

// Classify returns a decision for c.  The second result is false when
// no decision could be obtained; the cause has already been logged.
func (c *Classifier) Classify(ctx context.Context, content message.Content) (Decision, bool) {
	prompt, err := Prompt(c.persona, content)
	if err != nil {
		c.log.Errorw("unable to analyze message", "error", err)
		return Decision{}, false
	}
	text, err := c.completer.Complete(ctx, SystemInstruction, prompt, Temperature)
	if err != nil {
		c.log.Errorw("unable to analyze message", "error", err)
		return Decision{}, false
	}
	d, err := ParseDecision(text)
	if err != nil {
		c.log.Errorw("invalid classification response", "error", err, "response", text)
		return Decision{}, false
	}
	return d, true
}

// ParseDecision reads the JSON object spanning the first '{' to the last
// '}' of text.  Fields other than should_archive are ignored.
func ParseDecision(text string) (Decision, error) {
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end < start {
		return Decision{}, ErrNoJSON
	}
	var resp struct {
		ShouldArchive *bool `json:"should_archive"`
	}
	if err := json.Unmarshal([]byte(text[start:end+1]), &resp); err != nil {
		return Decision{}, errors.Wrap(err, "decoding response")
	}
	if resp.ShouldArchive == nil {
		return Decision{}, ErrMissingDecision
	}
	return Decision{ShouldArchive: *resp.ShouldArchive}, nil
}
