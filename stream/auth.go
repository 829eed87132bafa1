package stream

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/nelsonaloysio/twython-kafka/errors"
)

// Credential authenticates one upstream application. Either BearerToken is
// set, or ClientID and ClientSecret are exchanged for an app-only bearer
// token at the configured token endpoint.
type Credential struct {
	BearerToken  string `yaml:"bearer_token" json:"bearer_token,omitempty"`
	ClientID     string `yaml:"client_id" json:"client_id,omitempty"`
	ClientSecret string `yaml:"client_secret" json:"client_secret,omitempty"`
}

// LogValue keeps secrets out of logs.
func (c Credential) LogValue() slog.Value {
	if c.BearerToken != "" {
		return slog.GroupValue(slog.String("kind", "bearer"))
	}
	return slog.GroupValue(slog.String("kind", "client"), slog.String("client_id", c.ClientID))
}

func (c Credential) exchangeable() bool {
	return c.BearerToken == "" && c.ClientID != "" && c.ClientSecret != ""
}

// CredentialSet is the ordered list of credentials. The client moves to the
// next one whenever the upstream answers with a rate limit.
type CredentialSet []Credential

// Validate requires at least one usable credential.
func (s CredentialSet) Validate() error {
	if len(s) == 0 {
		return errors.WrapInvalid(
			fmt.Errorf("%w: no credentials", errors.ErrMissingConfig),
			"CredentialSet", "Validate", "check credentials")
	}
	for i, c := range s {
		if c.BearerToken == "" && !c.exchangeable() {
			return errors.WrapInvalid(
				fmt.Errorf("%w: credential %d needs a bearer token or a client id and secret", errors.ErrInvalidConfig, i),
				"CredentialSet", "Validate", "check credentials")
		}
	}
	return nil
}

// credentialRing hands out bearer tokens, exchanging client credentials on
// first use and caching the result.
type credentialRing struct {
	set      CredentialSet
	idx      int
	tokens   map[int]string
	tokenURL string
	client   *http.Client
}

func newCredentialRing(set CredentialSet, tokenURL string, client *http.Client) *credentialRing {
	return &credentialRing{
		set:      set,
		tokens:   make(map[int]string),
		tokenURL: tokenURL,
		client:   client,
	}
}

func (r *credentialRing) current() Credential {
	return r.set[r.idx]
}

func (r *credentialRing) rotate() {
	r.idx = (r.idx + 1) % len(r.set)
}

func (r *credentialRing) token(ctx context.Context) (string, error) {
	cred := r.current()
	if cred.BearerToken != "" {
		return cred.BearerToken, nil
	}
	if tok, ok := r.tokens[r.idx]; ok {
		return tok, nil
	}

	tok, err := exchangeToken(ctx, r.client, r.tokenURL, cred)
	if err != nil {
		return "", err
	}
	r.tokens[r.idx] = tok
	return tok, nil
}

// exchangeToken performs the client-credentials grant and returns the
// app-only bearer token.
func exchangeToken(ctx context.Context, client *http.Client, tokenURL string, cred Credential) (string, error) {
	if tokenURL == "" {
		return "", errors.WrapFatal(
			fmt.Errorf("%w: token url not configured", errors.ErrInvalidConfig),
			"Client", "exchangeToken", "build request")
	}

	cc := clientcredentials.Config{
		ClientID:     cred.ClientID,
		ClientSecret: cred.ClientSecret,
		TokenURL:     tokenURL,
		AuthStyle:    oauth2.AuthStyleInHeader,
	}
	tok, err := cc.Token(context.WithValue(ctx, oauth2.HTTPClient, client))
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", classifyTokenError(err)
	}

	if !strings.EqualFold(tok.Type(), "bearer") {
		return "", errors.WrapFatal(fmt.Errorf("%w: unexpected token type %q", errors.ErrAuthRejected, tok.TokenType),
			"Client", "exchangeToken", "decode token")
	}
	return tok.AccessToken, nil
}

// classifyTokenError keeps rejected credentials fatal and lets the client
// retry an unreachable or throttled token endpoint.
func classifyTokenError(err error) error {
	var rerr *oauth2.RetrieveError
	if !stderrors.As(err, &rerr) {
		var uerr *url.Error
		if stderrors.As(err, &uerr) {
			return errors.WrapTransient(fmt.Errorf("%w: %v", errors.ErrConnectionLost, err),
				"Client", "exchangeToken", "request token")
		}
		// a 2xx the grant could not use, e.g. no access_token
		return errors.WrapFatal(fmt.Errorf("%w: %v", errors.ErrAuthRejected, err),
			"Client", "exchangeToken", "decode token")
	}

	status := 0
	if rerr.Response != nil {
		status = rerr.Response.StatusCode
	}
	switch {
	case status == http.StatusTooManyRequests || status == statusEnhanceYourCalm:
		return errors.WrapTransient(&rateLimitError{statusCode: status},
			"Client", "exchangeToken", "request token")
	case status >= 500:
		return errors.WrapTransient(fmt.Errorf("%w: token endpoint returned HTTP %d", errors.ErrConnectionLost, status),
			"Client", "exchangeToken", "request token")
	default:
		return errors.WrapFatal(fmt.Errorf("%w: token endpoint returned HTTP %d", errors.ErrAuthRejected, status),
			"Client", "exchangeToken", "request token")
	}
}
