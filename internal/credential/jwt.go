package credential

import (
	"encoding/base64"
	"strings"

	"github.com/nghyane/llm-rotor/internal/json"
)

// JWT claim locations used by ChatGPT-issued tokens.
const (
	jwtAuthClaim      = "https://api.openai.com/auth"
	jwtAccountIDClaim = "https://api.openai.com/auth.chatgpt_account_id"
)

// DecodeJWTUnverified decodes a JWT payload without signature verification.
// The result is only used for non-authoritative metadata (account, email,
// expiry), never for auth decisions.
func DecodeJWTUnverified(token string) map[string]any {
	parts := strings.Split(token, ".")
	if len(parts) < 2 {
		return nil
	}
	payload, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		// Some issuers pad; retry with standard URL encoding.
		payload, err = base64.URLEncoding.DecodeString(parts[1])
		if err != nil {
			return nil
		}
	}
	var claims map[string]any
	if err := json.Unmarshal(payload, &claims); err != nil {
		return nil
	}
	return claims
}

// AccountIDFromClaims extracts the provider account id from the known claim
// locations: the dotted claim, the nested auth object, then organizations[0].
func AccountIDFromClaims(claims map[string]any) string {
	if claims == nil {
		return ""
	}
	if s := stringClaim(claims[jwtAccountIDClaim]); s != "" {
		return s
	}
	if auth, ok := claims[jwtAuthClaim].(map[string]any); ok {
		if s := stringClaim(auth["chatgpt_account_id"]); s != "" {
			return s
		}
	}
	if orgs, ok := claims["organizations"].([]any); ok && len(orgs) > 0 {
		if first, ok := orgs[0].(map[string]any); ok {
			if s := stringClaim(first["id"]); s != "" {
				return s
			}
		}
	}
	return ""
}

// EmailFromClaims extracts the email claim, falling back to the subject.
func EmailFromClaims(claims map[string]any) string {
	if claims == nil {
		return ""
	}
	if s := stringClaim(claims["email"]); s != "" {
		return s
	}
	return stringClaim(claims["sub"])
}

// ExpiryMillisFromClaims converts the exp claim to epoch milliseconds.
func ExpiryMillisFromClaims(claims map[string]any) int64 {
	if claims == nil {
		return 0
	}
	switch v := claims["exp"].(type) {
	case float64:
		return int64(v * 1000)
	case int64:
		return v * 1000
	}
	return 0
}

func stringClaim(v any) string {
	s, _ := v.(string)
	return strings.TrimSpace(s)
}

// backfillFromTokens fills missing metadata and expiry from JWT claims on the
// access token, then the id token.
func backfillFromTokens(token *TokenState, meta *Metadata) {
	access := DecodeJWTUnverified(token.AccessToken)
	id := DecodeJWTUnverified(token.IDToken)

	if meta.AccountID == "" {
		if s := AccountIDFromClaims(access); s != "" {
			meta.AccountID = s
		} else if s := AccountIDFromClaims(id); s != "" {
			meta.AccountID = s
		}
	}
	if meta.Email == "" {
		if s := EmailFromClaims(access); s != "" {
			meta.Email = s
		} else if s := EmailFromClaims(id); s != "" {
			meta.Email = s
		}
	}
	if token.ExpiryDate == 0 {
		if ms := ExpiryMillisFromClaims(access); ms != 0 {
			token.ExpiryDate = ms
		} else if ms := ExpiryMillisFromClaims(id); ms != 0 {
			token.ExpiryDate = ms
		}
	}
}
