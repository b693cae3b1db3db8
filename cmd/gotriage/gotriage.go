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

// The gotriage command archives the messages in a GMail inbox that a
// language model judges not worth the owner's attention.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/matta/gotriage/internal/classify"
	"github.com/matta/gotriage/internal/config"
	"github.com/matta/gotriage/internal/gmail"
	"github.com/matta/gotriage/internal/gmailhttp"
	"github.com/matta/gotriage/internal/logger"
	"github.com/matta/gotriage/internal/persist"
	"github.com/matta/gotriage/internal/tracehttp"
	"github.com/matta/gotriage/internal/triage"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

type options struct {
	live     bool
	trace    bool
	envFiles []string
}

func run(ctx context.Context, opts options) error {
	cfg, err := config.Load(opts.envFiles...)
	if err != nil {
		return err
	}

	if opts.trace {
		cfg.Logger.LogLevel = "debug"
	}
	zl, err := logger.New(cfg.Logger)
	if err != nil {
		return errors.Wrap(err, "unable to initialize logger")
	}
	defer zl.Sync()
	log := zl.Sugar()

	var base http.RoundTripper
	if opts.trace {
		base = tracehttp.Wrap(nil, log.Named("http"))
	}
	client, err := gmailhttp.New(ctx, cfg.Gmail.CredentialsFile, cfg.Gmail.TokenFile, base, log)
	if err != nil {
		return errors.Wrap(err, "unable to initialize GMail HTTP client")
	}

	s, err := gmail.New(ctx, client, log)
	if err != nil {
		return errors.Wrap(err, "unable to initialize GMail")
	}
	if profile, err := s.GetProfile(ctx); err != nil {
		log.Warnw("unable to read mailbox profile", "error", err)
	} else {
		log.Infow("connected to mailbox", "email", profile.EmailAddress, "messages", profile.MessagesTotal)
		if cfg.Owner.Email != "" && cfg.Owner.Email != profile.EmailAddress {
			log.Warnw("mailbox does not belong to the configured owner",
				"owner", cfg.Owner.Email, "mailbox", profile.EmailAddress)
		}
	}

	db, err := persist.Open(ctx, cfg.Store.Driver, cfg.Store.DSN, cfg.Store.Table)
	if err != nil {
		return errors.Wrap(err, "unable to initialize database")
	}
	defer db.Close()

	mode := triage.Batch
	if opts.live {
		mode = triage.Live
	}
	p := triage.New(
		triage.NewGmailSource(s, cfg.Triage.MaxMessages, cfg.Triage.Lookback, log),
		s,
		s,
		classify.New(classify.NewOpenAI(cfg.OpenAI.APIKey, cfg.OpenAI.BaseURL, cfg.OpenAI.Model), cfg.Owner.Persona, log),
		persist.NewTracker(db, log),
		cfg.Triage.PollInterval,
		log)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sig)
	if err := serve(ctx, sig, log, func(ctx context.Context) error {
		return p.Run(ctx, mode)
	}); err != nil {
		return err
	}

	counts, err := db.Counts(ctx)
	if err != nil {
		log.Warnw("unable to summarize processed messages", "error", err)
		return nil
	}
	log.Infow("processed message totals", "statuses", counts)
	return nil
}

var errStopped = errors.New("stop signal received")

// serve runs fn until it returns.  A value arriving on sig cancels the
// context fn sees; fn is expected to wind down and return.
func serve(ctx context.Context, sig <-chan os.Signal, log *zap.SugaredLogger, fn func(context.Context) error) error {
	grp, ctx := errgroup.WithContext(ctx)
	done := make(chan struct{})
	grp.Go(func() error {
		defer close(done)
		return fn(ctx)
	})
	grp.Go(func() error {
		select {
		case s := <-sig:
			log.Infow("received stop signal; finishing the current message", "signal", s.String())
			return errStopped
		case <-done:
			return nil
		}
	})
	if err := grp.Wait(); err != nil && !errors.Is(err, errStopped) {
		return err
	}
	return nil
}

func main() {
	var opts options
	cmd := &cobra.Command{
		Use:   "gotriage",
		Short: "Archive the GMail inbox messages not worth reading",
		Long: `gotriage asks a language model whether each recent inbox message is
worth the owner's attention, archives the ones that are not, and
remembers every message it has handled.

By default it makes one pass over the most recent messages.  With
--live it keeps polling for new unread messages until interrupted.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), opts)
		},
	}
	cmd.Flags().BoolVar(&opts.live, "live", false, "keep polling for new unread messages")
	cmd.Flags().BoolVarP(&opts.trace, "trace", "T", false, "request debug tracing")
	cmd.Flags().StringSliceVar(&opts.envFiles, "env-file", nil, "read environment from these files instead of .env")

	if err := cmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "Failed: %v\n", err)
		os.Exit(1)
	}
}
