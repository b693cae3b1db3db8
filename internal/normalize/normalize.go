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

// Package normalize flattens a fetched message into the record the
// classifier reads.
package normalize

import (
	"encoding/base64"
	"strings"

	"github.com/matta/gotriage/internal/message"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

const (
	// MaxWords bounds the body handed to the classifier.
	MaxWords = 1000

	// DefaultSubject is used when a message has no Subject header.
	DefaultSubject = "No Subject"

	textPlain = "text/plain"
)

// Normalize extracts the subject, sender, date and a bounded plain text
// body from msg.  It never fails: a message whose structure cannot be
// read yields the zero Content.
func Normalize(log *zap.SugaredLogger, msg *message.Message) message.Content {
	c, err := normalize(log, msg)
	if err != nil {
		log.Errorw("unable to extract message content", "error", err)
		return message.Content{}
	}
	return c
}

func normalize(log *zap.SugaredLogger, msg *message.Message) (message.Content, error) {
	if msg == nil {
		return message.Content{}, errors.New("no message")
	}
	if msg.Payload == nil {
		return message.Content{}, errors.Errorf("message %v has no payload", msg.ID)
	}

	var c message.Content
	var ok bool
	if c.Subject, ok = msg.Header("subject"); !ok {
		c.Subject = DefaultSubject
	}
	from, _ := msg.Header("from")
	c.SenderName, c.SenderEmail = ParseSender(from)
	c.Date, _ = msg.Header("date")

	text, err := plainText(msg)
	if err != nil {
		return message.Content{}, errors.Wrapf(err, "message %v", msg.ID)
	}

	var n int
	c.Body, n = Truncate(text, MaxWords)
	if n > MaxWords {
		log.Debugw("truncated message content",
			"message_id", msg.ID, "words", n, "limit", MaxWords)
	}
	return c, nil
}

// ParseSender splits a From header into display name and address.  The
// text before the first '<' is the name and the text up to the next
// '>' is the address.  A header without angle brackets is taken to be
// a bare address.
func ParseSender(from string) (name, email string) {
	if !strings.Contains(from, "<") || !strings.Contains(from, ">") {
		return "", strings.TrimSpace(from)
	}
	name, rest, _ := strings.Cut(from, "<")
	email, _, _ = strings.Cut(rest, ">")
	return strings.TrimSpace(name), strings.TrimSpace(email)
}

// Truncate collapses whitespace runs in s to single spaces and keeps at
// most max words.  It also returns the number of words in s.
func Truncate(s string, max int) (string, int) {
	words := strings.Fields(s)
	n := len(words)
	if n > max {
		words = words[:max]
	}
	return strings.Join(words, " "), n
}

// plainText returns the first inline text/plain part among the top
// level parts, falling back to the top level body.
func plainText(msg *message.Message) (string, error) {
	for _, part := range msg.Payload.Parts {
		if part.MimeType != textPlain || part.Data == "" {
			continue
		}
		text, err := decode(part.Data)
		if err != nil {
			return "", errors.Wrap(err, "decoding text/plain part")
		}
		if text != "" {
			return text, nil
		}
		break
	}
	if msg.Payload.Body.Data == "" {
		return "", nil
	}
	text, err := decode(msg.Payload.Body.Data)
	if err != nil {
		return "", errors.Wrap(err, "decoding message body")
	}
	return text, nil
}

// decode turns GMail's base64url payload into text.  Bytes that are not
// valid UTF-8 are dropped.
func decode(data string) (string, error) {
	raw, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(data, "="))
	if err != nil {
		return "", err
	}
	return strings.ToValidUTF8(string(raw), ""), nil
}
