package gmailx

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	gmail "google.golang.org/api/gmail/v1"

	"github.com/dmitrijs2005/mailvault/internal/common"
	"github.com/dmitrijs2005/mailvault/internal/filex"
)

// OAuth scopes used by the tool. Backups only read; restores insert new
// copies and re-apply labels.
const (
	ScopeReadonly = gmail.GmailReadonlyScope
	ScopeInsert   = gmail.GmailInsertScope
	ScopeModify   = gmail.GmailModifyScope
)

// ReadScopes returns the scopes a backup needs.
func ReadScopes() []string { return []string{ScopeReadonly} }

// WriteScopes returns the scopes a restore needs.
func WriteScopes() []string { return []string{ScopeInsert, ScopeModify} }

// StoredToken is the on-disk token document. It is self-contained: the OAuth
// client credentials travel with the token so later runs can refresh without
// the original secrets file, and the granted scopes are recorded for
// capability checks before any remote call is made.
type StoredToken struct {
	AccessToken  string    `json:"access_token,omitempty"`
	ClientID     string    `json:"client_id,omitempty"`
	ClientSecret string    `json:"client_secret,omitempty"`
	Expiry       time.Time `json:"expiry,omitempty"`
	RefreshToken string    `json:"refresh_token,omitempty"`
	Scopes       []string  `json:"scopes,omitempty"`
	TokenType    string    `json:"token_type,omitempty"`
	TokenURI     string    `json:"token_uri,omitempty"`
}

// TokenPath returns the token file location inside a state directory.
func TokenPath(stateDir string) string {
	return filepath.Join(stateDir, "token.json")
}

// WriteStoredToken persists doc atomically with owner-only permissions.
func WriteStoredToken(path string, doc StoredToken) error {
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal token: %w", err)
	}
	return filex.WriteFileAtomic(path, data, 0o600)
}

// ReadStoredToken loads the token document. A missing file is reported as
// common.ErrNoToken.
func ReadStoredToken(path string) (StoredToken, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return StoredToken{}, common.ErrNoToken
		}
		return StoredToken{}, fmt.Errorf("read token: %w", err)
	}
	var doc StoredToken
	if err := json.Unmarshal(data, &doc); err != nil {
		return StoredToken{}, fmt.Errorf("decode token file: %w", err)
	}
	return doc, nil
}

// HasScopes reports whether every required scope was granted.
func HasScopes(granted []string, required ...string) bool {
	set := make(map[string]struct{}, len(granted))
	for _, s := range granted {
		set[s] = struct{}{}
	}
	for _, s := range required {
		if _, ok := set[s]; !ok {
			return false
		}
	}
	return true
}

// Connect loads the stored token for a state directory, verifies the granted
// scopes cover required, and returns a Gmail client whose token source
// refreshes automatically and persists rotated tokens back to disk. Scope
// gaps surface as common.ErrMissingScope before any remote call happens.
func Connect(ctx context.Context, stateDir string, required ...string) (*Client, error) {
	path := TokenPath(stateDir)
	doc, err := ReadStoredToken(path)
	if err != nil {
		return nil, err
	}
	if !HasScopes(doc.Scopes, required...) {
		return nil, fmt.Errorf("%w: token grants %v but the operation needs %v; run auth again",
			common.ErrMissingScope, doc.Scopes, required)
	}

	oc := &oauth2.Config{
		ClientID:     doc.ClientID,
		ClientSecret: doc.ClientSecret,
		Endpoint:     google.Endpoint,
	}
	tok := &oauth2.Token{
		AccessToken:  doc.AccessToken,
		TokenType:    doc.TokenType,
		RefreshToken: doc.RefreshToken,
		Expiry:       doc.Expiry,
	}
	ts := &persistingTokenSource{
		path: path,
		doc:  doc,
		base: oc.TokenSource(ctx, tok),
		last: tok.AccessToken,
	}
	return NewClient(ctx, ts)
}

// persistingTokenSource writes refreshed access tokens back to the token
// file so subsequent runs skip an extra refresh round-trip.
type persistingTokenSource struct {
	mu   sync.Mutex
	path string
	doc  StoredToken
	base oauth2.TokenSource
	last string
}

func (s *persistingTokenSource) Token() (*oauth2.Token, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tok, err := s.base.Token()
	if err != nil {
		return nil, err
	}
	if tok.AccessToken != s.last {
		doc := s.doc
		doc.AccessToken = tok.AccessToken
		doc.Expiry = tok.Expiry
		if tok.RefreshToken != "" {
			doc.RefreshToken = tok.RefreshToken
		}
		if err := WriteStoredToken(s.path, doc); err != nil {
			return nil, fmt.Errorf("persist refreshed token: %w", err)
		}
		s.doc = doc
		s.last = tok.AccessToken
	}
	return tok, nil
}

// OAuthConfig builds the OAuth client configuration either from a client
// secrets JSON file (Desktop app type) or from a bare client id and secret.
func OAuthConfig(credentialsFile, clientID, clientSecret string, scopes []string) (*oauth2.Config, error) {
	if credentialsFile != "" {
		data, err := os.ReadFile(credentialsFile)
		if err != nil {
			return nil, fmt.Errorf("read credentials file: %w", err)
		}
		oc, err := google.ConfigFromJSON(data, scopes...)
		if err != nil {
			return nil, fmt.Errorf("parse credentials file: %w", err)
		}
		return oc, nil
	}
	if clientID == "" || clientSecret == "" {
		return nil, errors.New("no oauth client configured: pass --credentials or set GOOGLE_CLIENT_ID and GOOGLE_CLIENT_SECRET")
	}
	return &oauth2.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		Endpoint:     google.Endpoint,
		Scopes:       scopes,
	}, nil
}

// Authorize runs the installed-app consent flow: it starts a loopback
// listener, prints the consent URL, exchanges the returned code, and writes
// the token document (including the granted scopes) to path.
func Authorize(ctx context.Context, oc *oauth2.Config, path string, out io.Writer) error {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return fmt.Errorf("listen for oauth callback: %w", err)
	}
	defer ln.Close()

	cfg := *oc
	cfg.RedirectURL = fmt.Sprintf("http://%s/", ln.Addr().String())

	stateToken := uuid.NewString()
	codeCh := make(chan string, 1)
	errCh := make(chan error, 1)
	srv := &http.Server{Handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("state") != stateToken {
			http.Error(w, "state mismatch", http.StatusBadRequest)
			errCh <- errors.New("oauth state mismatch")
			return
		}
		code := r.URL.Query().Get("code")
		if code == "" {
			http.Error(w, "missing code", http.StatusBadRequest)
			errCh <- errors.New("oauth response missing code")
			return
		}
		fmt.Fprintln(w, "Authorization complete. You can close this tab.")
		codeCh <- code
	})}
	go func() { _ = srv.Serve(ln) }()
	defer srv.Close()

	authURL := cfg.AuthCodeURL(stateToken,
		oauth2.AccessTypeOffline,
		oauth2.SetAuthURLParam("prompt", "consent"))
	fmt.Fprintf(out, "Open this URL in a browser to authorize:\n\n  %s\n\n", authURL)

	var code string
	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-errCh:
		return err
	case code = <-codeCh:
	}

	tok, err := cfg.Exchange(ctx, code)
	if err != nil {
		return fmt.Errorf("exchange authorization code: %w", err)
	}
	return WriteStoredToken(path, StoredToken{
		AccessToken:  tok.AccessToken,
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		Expiry:       tok.Expiry,
		RefreshToken: tok.RefreshToken,
		Scopes:       cfg.Scopes,
		TokenType:    tok.TokenType,
		TokenURI:     google.Endpoint.TokenURL,
	})
}
