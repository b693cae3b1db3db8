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

package message

// This file provides the common data objects used by the rest of the
// program.

import "strings"

// Header is a single RFC 2822 header as reported by the mail service.
type Header struct {
	Name  string
	Value string
}

// Part is one MIME part of a message body.
type Part struct {
	MimeType string

	// The inline payload, base64url encoded exactly as delivered by
	// the GMail API.  Empty when the service reported no inline data
	// (e.g. attachments, or containers of nested parts).
	Data string
}

// Payload is the parsed MIME structure of a message.
type Payload struct {
	// Top level headers, in the order the service returned them.
	Headers []Header

	// Top level body.  Data is set for single part messages.
	Body Part

	// Top level parts for multipart messages.  Nested parts are
	// not flattened.
	Parts []Part
}

// Message is a read-only view of a message fetched in full from the
// mail service.  Messages are owned by the service; nothing in this
// program creates or destroys them.
type Message struct {
	// The permanent and unique ID of the message.  Stable across
	// fetches.
	ID string

	// The permanent and unique ID of the thread associated with
	// the message.
	ThreadID string

	// The label identifiers currently associated with the
	// message.  These identifiers are not the user visible label
	// names!
	LabelIDs []string

	// Nil when the service returned no payload.
	Payload *Payload
}

// Header returns the value of the first top level header named name,
// compared case-insensitively, and whether it was present.
func (m *Message) Header(name string) (string, bool) {
	if m.Payload == nil {
		return "", false
	}
	for _, h := range m.Payload.Headers {
		if strings.EqualFold(h.Name, name) {
			return h.Value, true
		}
	}
	return "", false
}

// Content is the flat record derived from a Message that is handed to
// the classifier.  The zero value is the degraded form produced when a
// message cannot be read.
type Content struct {
	Subject     string
	SenderName  string
	SenderEmail string
	Date        string
	Body        string
}

// Status is the terminal processing outcome recorded for a message.
type Status string

const (
	StatusKept          Status = "kept"
	StatusArchived      Status = "archived"
	StatusArchiveFailed Status = "archive_failed"
	StatusError         Status = "error"
)

// Statuses lists every valid Status.
var Statuses = []Status{StatusKept, StatusArchived, StatusArchiveFailed, StatusError}

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	for _, v := range Statuses {
		if s == v {
			return true
		}
	}
	return false
}

func (s Status) String() string {
	return string(s)
}
