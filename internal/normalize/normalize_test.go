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

package normalize

import (
	"encoding/base64"
	"fmt"
	"strings"
	"testing"

	"github.com/matta/gotriage/internal/message"

	"github.com/google/go-cmp/cmp"
	"go.uber.org/zap"
)

func enc(s string) string {
	return base64.URLEncoding.EncodeToString([]byte(s))
}

func words(n int) string {
	w := make([]string, n)
	for i := range w {
		w[i] = fmt.Sprintf("w%d", i)
	}
	return strings.Join(w, " \n\t ")
}

func TestParseSender(t *testing.T) {
	cases := []struct {
		from      string
		wantName  string
		wantEmail string
	}{
		{"Jane Doe <jane@x.com>", "Jane Doe", "jane@x.com"},
		{"jane@x.com", "", "jane@x.com"},
		{"  jane@x.com  ", "", "jane@x.com"},
		{"<jane@x.com>", "", "jane@x.com"},
		{`"Doe, Jane" < jane@x.com >`, `"Doe, Jane"`, "jane@x.com"},
		{"Jane <jane@x.com", "", "Jane <jane@x.com"},
		{"", "", ""},
	}
	for _, tc := range cases {
		name, email := ParseSender(tc.from)
		if name != tc.wantName || email != tc.wantEmail {
			t.Errorf("ParseSender(%q) = (%q, %q), want (%q, %q)",
				tc.from, name, email, tc.wantName, tc.wantEmail)
		}
	}
}

func TestTruncate(t *testing.T) {
	for _, n := range []int{0, 1, 999, 1000, 1001, 2500} {
		in := words(n)
		got, count := Truncate(in, MaxWords)
		if count != n {
			t.Errorf("Truncate(<%d words>) count = %d, want %d", n, count, n)
		}
		want := n
		if want > MaxWords {
			want = MaxWords
		}
		gotWords := strings.Fields(got)
		if len(gotWords) != want {
			t.Errorf("Truncate(<%d words>) kept %d words, want %d", n, len(gotWords), want)
		}
		if diff := cmp.Diff(strings.Fields(in)[:want], gotWords); diff != "" {
			t.Errorf("Truncate(<%d words>) is not a prefix (-want +got):\n%s", n, diff)
		}
		again, _ := Truncate(in, MaxWords)
		if again != got {
			t.Errorf("Truncate(<%d words>) is not deterministic", n)
		}
	}
}

func TestNormalize(t *testing.T) {
	log := zap.NewNop().Sugar()
	cases := []struct {
		name string
		msg  *message.Message
		want message.Content
	}{
		{
			name: "nil message",
			msg:  nil,
			want: message.Content{},
		},
		{
			name: "no payload",
			msg:  &message.Message{ID: "0"},
			want: message.Content{},
		},
		{
			name: "headers are case insensitive",
			msg: &message.Message{
				ID: "1",
				Payload: &message.Payload{
					Headers: []message.Header{
						{Name: "SUBJECT", Value: "Hello"},
						{Name: "from", Value: "Jane Doe <jane@x.com>"},
						{Name: "Date", Value: "Mon, 1 Jan 2024 10:00:00 +0000"},
					},
					Body: message.Part{MimeType: "text/plain", Data: enc("  hi\r\n\r\nthere  ")},
				},
			},
			want: message.Content{
				Subject:     "Hello",
				SenderName:  "Jane Doe",
				SenderEmail: "jane@x.com",
				Date:        "Mon, 1 Jan 2024 10:00:00 +0000",
				Body:        "hi there",
			},
		},
		{
			name: "missing headers",
			msg:  &message.Message{ID: "2", Payload: &message.Payload{}},
			want: message.Content{Subject: DefaultSubject},
		},
		{
			name: "first text/plain part wins",
			msg: &message.Message{
				ID: "3",
				Payload: &message.Payload{
					Headers: []message.Header{{Name: "From", Value: "bob@y.com"}},
					Body:    message.Part{MimeType: "multipart/alternative", Data: enc("top level")},
					Parts: []message.Part{
						{MimeType: "text/html", Data: enc("<p>html</p>")},
						{MimeType: "text/plain"},
						{MimeType: "text/plain", Data: enc("plain one")},
						{MimeType: "text/plain", Data: enc("plain two")},
					},
				},
			},
			want: message.Content{
				Subject:     DefaultSubject,
				SenderEmail: "bob@y.com",
				Body:        "plain one",
			},
		},
		{
			name: "falls back to top level body",
			msg: &message.Message{
				ID: "4",
				Payload: &message.Payload{
					Body:  message.Part{MimeType: "multipart/mixed", Data: enc("fallback\tbody")},
					Parts: []message.Part{{MimeType: "text/html", Data: enc("<b>x</b>")}},
				},
			},
			want: message.Content{Subject: DefaultSubject, Body: "fallback body"},
		},
		{
			name: "text/plain part with no valid text falls back to top level body",
			msg: &message.Message{
				ID: "5",
				Payload: &message.Payload{
					Body:  message.Part{Data: enc("from body")},
					Parts: []message.Part{{MimeType: "text/plain", Data: enc("\xff\xfe")}, {MimeType: "text/plain", Data: enc("later")}},
				},
			},
			want: message.Content{Subject: DefaultSubject, Body: "from body"},
		},
		{
			name: "invalid utf-8 is dropped",
			msg: &message.Message{
				ID:      "6",
				Payload: &message.Payload{Body: message.Part{Data: base64.URLEncoding.EncodeToString([]byte("caf\xffe ok"))}},
			},
			want: message.Content{Subject: DefaultSubject, Body: "cafe ok"},
		},
		{
			name: "undecodable body degrades to empty",
			msg: &message.Message{
				ID: "7",
				Payload: &message.Payload{
					Headers: []message.Header{{Name: "Subject", Value: "x"}},
					Body:    message.Part{Data: "!!not base64!!"},
				},
			},
			want: message.Content{},
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := Normalize(log, tc.msg)
			if diff := cmp.Diff(tc.want, got); diff != "" {
				t.Errorf("Normalize() mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestNormalizeTruncatesBody(t *testing.T) {
	msg := &message.Message{ID: "1", Payload: &message.Payload{Body: message.Part{Data: enc(words(1001))}}}
	got := Normalize(zap.NewNop().Sugar(), msg)
	if n := len(strings.Fields(got.Body)); n != MaxWords {
		t.Errorf("Normalize(<1001 words>) body has %d words, want %d", n, MaxWords)
	}
	if strings.Contains(got.Body, "w1000") {
		t.Errorf("Normalize(<1001 words>) kept the word past the limit")
	}
}
