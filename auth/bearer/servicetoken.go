package bearer

import (
	"context"
	"fmt"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
)

const serviceTokenKey = "service"

// ServiceToken returns an access token for this application's own identity,
// obtained with the client-credentials grant and reused for ServiceTokenTTL.
// It is meant for outbound calls only.
func (p *Provider) ServiceToken(ctx context.Context) (string, error) {
	return p.tokens.Get(ctx, serviceTokenKey, p.fetchServiceToken)
}

func (p *Provider) fetchServiceToken(ctx context.Context, _ string) (string, error) {
	cc := clientcredentials.Config{
		ClientID:     p.cfg.ApplicationID,
		ClientSecret: p.cfg.Secret,
		TokenURL:     p.cfg.TokenURL(),
		Scopes:       []string{p.cfg.ServiceTokenScope},
		AuthStyle:    oauth2.AuthStyleInParams,
	}
	ctx = context.WithValue(ctx, oauth2.HTTPClient, p.cfg.HTTPClient)

	tok, err := cc.Token(ctx)
	if err != nil {
		return "", fmt.Errorf("fetch service token: %w", err)
	}
	return tok.AccessToken, nil
}
