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

package gmail

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/matta/gotriage/internal/message"

	"github.com/google/go-cmp/cmp"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"google.golang.org/api/option"
)

// fakeGmail serves the subset of the GMail REST API used by
// GmailService.
type fakeGmail struct {
	mu       sync.Mutex
	requests []*http.Request
	bodies   []string

	// Number of leading requests answered with 429.
	throttle int

	handler http.HandlerFunc
}

func (f *fakeGmail) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	f.mu.Lock()
	f.requests = append(f.requests, r)
	f.bodies = append(f.bodies, string(body))
	throttled := f.throttle > 0
	if throttled {
		f.throttle--
	}
	f.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	if throttled {
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write([]byte(`{"error":{"code":429,"message":"slow down"}}`))
		return
	}
	f.handler(w, r)
}

func newTestService(t *testing.T, f *fakeGmail) *GmailService {
	t.Helper()
	srv := httptest.NewServer(f)
	t.Cleanup(srv.Close)
	s, err := New(context.Background(), srv.Client(), zap.NewNop().Sugar(),
		option.WithEndpoint(srv.URL+"/"))
	if err != nil {
		t.Fatalf("New() = %v", err)
	}
	return s
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	json.NewEncoder(w).Encode(v)
}

func TestListRecent(t *testing.T) {
	f := &fakeGmail{throttle: 1, handler: func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]interface{}{
			"messages": []map[string]string{{"id": "c"}, {"id": "b"}, {"id": "a"}},
		})
	}}
	s := newTestService(t, f)
	ids, err := s.ListRecent(context.Background(), 3)
	if err != nil {
		t.Fatalf("ListRecent() = %v", err)
	}
	if diff := cmp.Diff([]string{"c", "b", "a"}, ids); diff != "" {
		t.Errorf("ListRecent() mismatch (-want +got):\n%s", diff)
	}
	if len(f.requests) != 2 {
		t.Fatalf("got %d requests, want 2 (one throttled)", len(f.requests))
	}
	r := f.requests[1]
	if got, want := r.URL.Path, "/gmail/v1/users/me/messages"; got != want {
		t.Errorf("path = %q, want %q", got, want)
	}
	if got := r.URL.Query().Get("maxResults"); got != "3" {
		t.Errorf("maxResults = %q, want 3", got)
	}
}

func TestListUnreadSince(t *testing.T) {
	f := &fakeGmail{handler: func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("pageToken") == "" {
			writeJSON(w, map[string]interface{}{
				"messages":      []map[string]string{{"id": "m1"}, {"id": "m2"}},
				"nextPageToken": "p2",
			})
			return
		}
		writeJSON(w, map[string]interface{}{
			"messages": []map[string]string{{"id": "m3"}},
		})
	}}
	s := newTestService(t, f)
	since := time.Date(2024, 3, 9, 23, 0, 0, 0, time.UTC)
	ids, err := s.ListUnreadSince(context.Background(), since)
	if err != nil {
		t.Fatalf("ListUnreadSince() = %v", err)
	}
	if diff := cmp.Diff([]string{"m1", "m2", "m3"}, ids); diff != "" {
		t.Errorf("ListUnreadSince() mismatch (-want +got):\n%s", diff)
	}
	q := f.requests[0].URL.Query()
	if diff := cmp.Diff([]string{LabelInbox, LabelUnread}, q["labelIds"]); diff != "" {
		t.Errorf("labelIds mismatch (-want +got):\n%s", diff)
	}
	if got, want := q.Get("q"), "after:2024/03/09"; got != want {
		t.Errorf("q = %q, want %q", got, want)
	}
}

func TestGetMessageFull(t *testing.T) {
	f := &fakeGmail{handler: func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/messages/m1") {
			w.WriteHeader(http.StatusNotFound)
			w.Write([]byte(`{"error":{"code":404,"message":"Requested entity was not found.","errors":[{"reason":"notFound"}]}}`))
			return
		}
		w.Write([]byte(`{
			"id": "m1",
			"threadId": "t1",
			"labelIds": ["INBOX", "UNREAD"],
			"payload": {
				"mimeType": "multipart/alternative",
				"headers": [
					{"name": "Subject", "value": "Hi"},
					{"name": "From", "value": "Jane Doe <jane@x.com>"}
				],
				"body": {"size": 0},
				"parts": [
					{"mimeType": "text/plain", "body": {"size": 5, "data": "aGVsbG8="}},
					{"mimeType": "text/html", "body": {"size": 12, "data": "PGI-aGk8L2I-"}}
				]
			}
		}`))
	}}
	s := newTestService(t, f)

	got, err := s.GetMessageFull(context.Background(), "m1")
	if err != nil {
		t.Fatalf("GetMessageFull(m1) = %v", err)
	}
	want := &message.Message{
		ID:       "m1",
		ThreadID: "t1",
		LabelIDs: []string{"INBOX", "UNREAD"},
		Payload: &message.Payload{
			Headers: []message.Header{
				{Name: "Subject", Value: "Hi"},
				{Name: "From", Value: "Jane Doe <jane@x.com>"},
			},
			Body: message.Part{MimeType: "multipart/alternative"},
			Parts: []message.Part{
				{MimeType: "text/plain", Data: "aGVsbG8="},
				{MimeType: "text/html", Data: "PGI-aGk8L2I-"},
			},
		},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("GetMessageFull(m1) mismatch (-want +got):\n%s", diff)
	}
	if got := f.requests[0].URL.Query().Get("format"); got != "full" {
		t.Errorf("format = %q, want full", got)
	}

	_, err = s.GetMessageFull(context.Background(), "gone")
	if errors.Cause(err) != ErrMessageNotFound {
		t.Errorf("GetMessageFull(gone) = %v, want %v", err, ErrMessageNotFound)
	}
}

func TestArchive(t *testing.T) {
	var fail atomic.Bool
	f := &fakeGmail{handler: func(w http.ResponseWriter, r *http.Request) {
		if fail.Load() {
			w.WriteHeader(http.StatusInternalServerError)
			w.Write([]byte(`{"error":{"code":500,"message":"backend error"}}`))
			return
		}
		w.Write([]byte(`{"id": "m1"}`))
	}}
	s := newTestService(t, f)
	if err := s.Archive(context.Background(), "m1"); err != nil {
		t.Fatalf("Archive(m1) = %v", err)
	}
	r := f.requests[0]
	if r.Method != http.MethodPost || r.URL.Path != "/gmail/v1/users/me/messages/m1/modify" {
		t.Errorf("request = %s %s, want POST .../messages/m1/modify", r.Method, r.URL.Path)
	}
	var body struct {
		AddLabelIds    []string `json:"addLabelIds"`
		RemoveLabelIds []string `json:"removeLabelIds"`
	}
	if err := json.Unmarshal([]byte(f.bodies[0]), &body); err != nil {
		t.Fatalf("modify body %q: %v", f.bodies[0], err)
	}
	if len(body.AddLabelIds) != 0 {
		t.Errorf("addLabelIds = %v, want none", body.AddLabelIds)
	}
	if diff := cmp.Diff([]string{LabelInbox, LabelUnread}, body.RemoveLabelIds); diff != "" {
		t.Errorf("removeLabelIds mismatch (-want +got):\n%s", diff)
	}

	fail.Store(true)
	if err := s.Archive(context.Background(), "m1"); err == nil {
		t.Errorf("Archive(m1) against a failing service = nil, want error")
	}
}

func TestGetProfile(t *testing.T) {
	f := &fakeGmail{handler: func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"emailAddress": "owner@example.com", "messagesTotal": 42}`))
	}}
	s := newTestService(t, f)
	p, err := s.GetProfile(context.Background())
	if err != nil {
		t.Fatalf("GetProfile() = %v", err)
	}
	if diff := cmp.Diff(&Profile{EmailAddress: "owner@example.com", MessagesTotal: 42}, p); diff != "" {
		t.Errorf("GetProfile() mismatch (-want +got):\n%s", diff)
	}
}
