/*
Package gmailhttp implements an HTTP client for gmail.

Credentials are those of an OAuth 2.0 "Desktop app" client, downloaded
from the Google Cloud console as credentials.json.  The user's token is
cached in a token file next to it.  When no token file exists the
installed-app flow is run once: the consent URL is printed, the browser
redirects back to a loopback listener, and the resulting token is
written to the token file.  Tokens refreshed later are written back so
the file always holds the newest refresh token.
*/
package gmailhttp

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"sync"

	"github.com/matta/gotriage/internal/gmail"
	"github.com/matta/gotriage/internal/homedir"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
)

const tokenFileMode = 0600

// savingTokenSource delegates to another oauth2.TokenSource and writes
// every new token it hands out to a file.  Satisfies
// oauth2.TokenSource.
type savingTokenSource struct {
	src  oauth2.TokenSource
	path string
	log  *zap.SugaredLogger

	mu   sync.Mutex
	last string
}

func (s *savingTokenSource) Token() (*oauth2.Token, error) {
	tok, err := s.src.Token()
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if tok.AccessToken != s.last {
		if err := saveToken(s.path, tok); err != nil {
			// The token is still good for this process.
			s.log.Warnw("unable to save refreshed token", "path", s.path, "error", err)
		}
		s.last = tok.AccessToken
	}
	return tok, nil
}

func loadToken(path string) (*oauth2.Token, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	tok := &oauth2.Token{}
	if err := json.NewDecoder(f).Decode(tok); err != nil {
		return nil, errors.Wrapf(err, "decoding token file %q", path)
	}
	return tok, nil
}

func saveToken(path string, tok *oauth2.Token) error {
	data, err := json.Marshal(tok)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, tokenFileMode)
}

// New returns a new HTTP client capable of using the GMail API with
// permission to modify labels.  base carries the requests; nil means
// http.DefaultTransport.
func New(ctx context.Context, credentialsFile, tokenFile string, base http.RoundTripper, log *zap.SugaredLogger) (*http.Client, error) {
	credentialsFile = homedir.Expand(credentialsFile)
	tokenFile = homedir.Expand(tokenFile)

	b, err := os.ReadFile(credentialsFile)
	if err != nil {
		return nil, errors.Wrapf(err, "reading client credentials %q", credentialsFile)
	}
	cfg, err := google.ConfigFromJSON(b, gmail.ModifyScope)
	if err != nil {
		return nil, errors.Wrapf(err, "parsing client credentials %q", credentialsFile)
	}

	tok, err := loadToken(tokenFile)
	if err != nil {
		if !os.IsNotExist(errors.Cause(err)) {
			log.Warnw("ignoring unreadable token file", "path", tokenFile, "error", err)
		}
		if tok, err = authorize(ctx, cfg, os.Stdout); err != nil {
			return nil, errors.Wrap(err, "authorizing gmail access")
		}
		if err := saveToken(tokenFile, tok); err != nil {
			return nil, errors.Wrapf(err, "saving token to %q", tokenFile)
		}
	}

	src := &savingTokenSource{
		src:  cfg.TokenSource(ctx, tok),
		path: tokenFile,
		log:  log,
		last: tok.AccessToken,
	}
	trans := &oauth2.Transport{
		Source: oauth2.ReuseTokenSource(nil, src),
		Base:   base,
	}
	return &http.Client{Transport: trans}, nil
}

// authorize runs the installed-app flow against a loopback redirect.
func authorize(ctx context.Context, cfg *oauth2.Config, out io.Writer) (*oauth2.Token, error) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, err
	}
	defer l.Close()

	cfg.RedirectURL = fmt.Sprintf("http://%s/", l.Addr())
	state := uuid.NewString()

	codes := make(chan string, 1)
	errs := make(chan error, 1)
	srv := &http.Server{Handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if q.Get("state") != state {
			http.Error(w, "state mismatch", http.StatusBadRequest)
			return
		}
		if e := q.Get("error"); e != "" {
			fmt.Fprintln(w, "Authorization failed; you may close this window.")
			select {
			case errs <- errors.Errorf("authorization denied: %s", e):
			default:
			}
			return
		}
		fmt.Fprintln(w, "Authorization complete; you may close this window.")
		select {
		case codes <- q.Get("code"):
		default:
		}
	})}
	go srv.Serve(l)
	defer srv.Close()

	fmt.Fprintf(out, "Open this URL in a browser to authorize gmail access:\n\n%s\n\n",
		cfg.AuthCodeURL(state, oauth2.AccessTypeOffline, oauth2.ApprovalForce))

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case err := <-errs:
		return nil, err
	case code := <-codes:
		tok, err := cfg.Exchange(ctx, code)
		if err != nil {
			return nil, errors.Wrap(err, "exchanging authorization code")
		}
		return tok, nil
	}
}
