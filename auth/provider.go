package auth

import (
	"context"
	"time"

	x402http "github.com/btwiuse/x402-vara-next-demo/http"
)

// DefaultTokenTTL is the lifetime of tokens minted per facilitator call
const DefaultTokenTTL = time.Minute

// JWTAuthProvider mints a short lived bearer token for every facilitator
// request. It implements x402http.AuthProvider.
type JWTAuthProvider struct {
	signer  *JWTVerifier
	subject string
	ttl     time.Duration
}

// NewJWTAuthProvider signs tokens for subject with the shared secret
func NewJWTAuthProvider(secret []byte, subject string, ttl time.Duration) *JWTAuthProvider {
	if ttl <= 0 {
		ttl = DefaultTokenTTL
	}
	return &JWTAuthProvider{
		signer:  NewJWTVerifier(secret),
		subject: subject,
		ttl:     ttl,
	}
}

// GetAuthHeaders implements x402http.AuthProvider
func (p *JWTAuthProvider) GetAuthHeaders(ctx context.Context) (x402http.AuthHeaders, error) {
	token, err := p.signer.Generate(p.subject, p.ttl)
	if err != nil {
		return x402http.AuthHeaders{}, err
	}
	header := map[string]string{"Authorization": "Bearer " + token}
	return x402http.AuthHeaders{
		Verify:    header,
		Settle:    header,
		Supported: header,
	}, nil
}
