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
	"net/http"
	"time"

	"github.com/matta/gotriage/internal/message"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
	gmail_api "google.golang.org/api/gmail/v1"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
)

const (
	ModifyScope = gmail_api.GmailModifyScope

	LabelInbox  = "INBOX"
	LabelUnread = "UNREAD"

	// See https://developers.google.com/gmail/api/reference/quota
	quotaUnitsPerMessagesGet    = 5
	quotaUnitsPerMessagesList   = 5
	quotaUnitsPerMessagesModify = 5
	quotaUnitsPerGetProfile     = 1

	quotaUnitsPerSecond = 250
	rateLimitPerSecond  = quotaUnitsPerSecond * 0.8
	rateLimitBurst      = quotaUnitsPerSecond

	// Calls rejected with 429 are retried this many times in total.
	maxTries = 5

	afterDateFormat = "2006/01/02"
)

var (
	ErrMessageNotFound = errors.New("gmail message not found")
)

// GmailService provides access to messages stored in Google's GMail
// system.
type GmailService struct {
	service *gmail_api.Service
	limiter *rate.Limiter
	log     *zap.SugaredLogger
}

// Profile defines per-account information in a message mailbox.
type Profile struct {
	EmailAddress  string
	MessagesTotal int64
}

// New returns a GmailService that authenticates with client.
func New(ctx context.Context, client *http.Client, log *zap.SugaredLogger, opts ...option.ClientOption) (*GmailService, error) {
	opts = append([]option.ClientOption{option.WithHTTPClient(client)}, opts...)
	s, err := gmail_api.NewService(ctx, opts...)
	if err != nil {
		return nil, errors.Wrap(err, "creating gmail service")
	}
	l := rate.NewLimiter(rateLimitPerSecond, rateLimitBurst)
	return &GmailService{service: s, limiter: l, log: log}, nil
}

// call runs do after reserving units of quota, retrying while the
// service answers 429.
func (s *GmailService) call(ctx context.Context, units int, do func() error) error {
	var err error
	for try := 1; try <= maxTries; try++ {
		if err := s.limiter.WaitN(ctx, units); err != nil {
			return err
		}
		err = do()
		if err == nil {
			return nil
		}
		if cause, ok := errors.Cause(err).(*googleapi.Error); ok && cause.Code == http.StatusTooManyRequests {
			s.log.Debugw("gmail rate limited; retrying", "try", try)
			continue
		}
		return err
	}
	return err
}

// ListRecent returns the IDs of up to max messages in the service's
// default order (most recent first).
func (s *GmailService) ListRecent(ctx context.Context, max int64) ([]string, error) {
	var ids []string
	err := s.call(ctx, quotaUnitsPerMessagesList, func() error {
		page, err := s.service.Users.Messages.List("me").MaxResults(max).Context(ctx).Do()
		if err != nil {
			return err
		}
		ids = ids[:0]
		for _, msg := range page.Messages {
			ids = append(ids, msg.Id)
		}
		return nil
	})
	if err != nil {
		return nil, errors.Wrap(err, "unable to list recent messages")
	}
	return ids, nil
}

// ListUnreadSince returns the IDs of all unread inbox messages that
// arrived on or after the calendar day of since.
func (s *GmailService) ListUnreadSince(ctx context.Context, since time.Time) ([]string, error) {
	if err := s.limiter.WaitN(ctx, quotaUnitsPerMessagesList); err != nil {
		return nil, err
	}
	req := s.service.Users.Messages.List("me").
		LabelIds(LabelInbox, LabelUnread).
		Q("after:" + since.Format(afterDateFormat))
	var ids []string
	err := req.Pages(ctx, func(page *gmail_api.ListMessagesResponse) (err error) {
		for _, msg := range page.Messages {
			ids = append(ids, msg.Id)
		}
		if page.NextPageToken != "" {
			err = s.limiter.WaitN(ctx, quotaUnitsPerMessagesList)
		}
		return
	})
	if err != nil {
		return nil, errors.Wrap(err, "unable to list unread messages")
	}
	s.log.Debugw("listed unread gmail messages", "count", len(ids))
	return ids, nil
}

// GetMessageFull fetches the parsed MIME structure of a message.
func (s *GmailService) GetMessageFull(ctx context.Context, id string) (*message.Message, error) {
	var msg *gmail_api.Message
	err := s.call(ctx, quotaUnitsPerMessagesGet, func() (err error) {
		msg, err = s.service.Users.Messages.Get("me", id).Format("full").Context(ctx).Do()
		return
	})
	if err != nil {
		if cause, ok := errors.Cause(err).(*googleapi.Error); ok && cause.Code == http.StatusNotFound {
			err = ErrMessageNotFound
		}
		return nil, errors.Wrapf(err, "getting message %v from gmail", id)
	}
	return fromAPI(msg), nil
}

// Archive removes a message from the inbox and marks it read.
func (s *GmailService) Archive(ctx context.Context, id string) error {
	req := &gmail_api.ModifyMessageRequest{
		RemoveLabelIds: []string{LabelInbox, LabelUnread},
	}
	err := s.call(ctx, quotaUnitsPerMessagesModify, func() error {
		_, err := s.service.Users.Messages.Modify("me", id, req).Context(ctx).Do()
		return err
	})
	if err != nil {
		return errors.Wrapf(err, "archiving message %v", id)
	}
	return nil
}

func (s *GmailService) GetProfile(ctx context.Context) (*Profile, error) {
	var u *gmail_api.Profile
	err := s.call(ctx, quotaUnitsPerGetProfile, func() (err error) {
		u, err = s.service.Users.GetProfile("me").Context(ctx).Do()
		return
	})
	if err != nil {
		return nil, errors.Wrap(err, "getting gmail profile")
	}
	return &Profile{
		EmailAddress:  u.EmailAddress,
		MessagesTotal: u.MessagesTotal,
	}, nil
}

func fromAPI(msg *gmail_api.Message) *message.Message {
	m := &message.Message{
		ID:       msg.Id,
		ThreadID: msg.ThreadId,
		LabelIDs: msg.LabelIds,
	}
	if msg.Payload == nil {
		return m
	}
	p := &message.Payload{Body: fromAPIPart(msg.Payload)}
	for _, h := range msg.Payload.Headers {
		if h == nil {
			continue
		}
		p.Headers = append(p.Headers, message.Header{Name: h.Name, Value: h.Value})
	}
	for _, part := range msg.Payload.Parts {
		if part == nil {
			continue
		}
		p.Parts = append(p.Parts, fromAPIPart(part))
	}
	m.Payload = p
	return m
}

func fromAPIPart(part *gmail_api.MessagePart) message.Part {
	p := message.Part{MimeType: part.MimeType}
	if part.Body != nil {
		p.Data = part.Body.Data
	}
	return p
}
