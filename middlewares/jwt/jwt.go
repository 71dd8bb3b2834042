// Package jwt is a mizu middleware guarding routes with a bearer JWT,
// verified with golang-jwt/jwt/v5.
package jwt

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/Tembocs/entidb-sync-sub000"
	jwtlib "github.com/golang-jwt/jwt/v5"
)

type ctxKey struct{}

// Options configures token lookup and validation.
type Options struct {
	// Secret is the HMAC key. Required; WithOptions panics if empty.
	Secret []byte
	// Issuer, if set, is required to match the token's iss claim exactly.
	Issuer string
	// TokenLookup selects where the token is read from, as "source:name"
	// (source one of "header", "query", "cookie"). Defaults to
	// "header:Authorization".
	TokenLookup string
	// AuthScheme is the prefix stripped from a header-sourced token.
	// Defaults to "Bearer". Ignored for query/cookie lookups.
	AuthScheme string
}

type lookup struct {
	source string
	name   string
}

func parseLookup(spec string) lookup {
	parts := strings.SplitN(spec, ":", 2)
	if len(parts) != 2 {
		panic(fmt.Sprintf("jwt: invalid TokenLookup %q: want \"source:name\"", spec))
	}
	switch parts[0] {
	case "header", "query", "cookie":
	default:
		panic(fmt.Sprintf("jwt: invalid TokenLookup source %q: want header, query, or cookie", parts[0]))
	}
	return lookup{source: parts[0], name: parts[1]}
}

// New wraps routes with HS256 bearer-token verification using secret,
// read from the standard Authorization header.
func New(secret []byte) mizu.Middleware {
	return WithOptions(Options{Secret: secret})
}

// WithOptions is New with additional lookup/issuer validation. Panics on a
// malformed Options (missing secret, unparsable TokenLookup) — these are
// configuration errors, not request errors.
func WithOptions(opts Options) mizu.Middleware {
	if len(opts.Secret) == 0 {
		panic("jwt: Options.Secret is required")
	}
	lk := lookup{source: "header", name: "Authorization"}
	if opts.TokenLookup != "" {
		lk = parseLookup(opts.TokenLookup)
	}
	scheme := opts.AuthScheme
	if scheme == "" && lk.source == "header" {
		scheme = "Bearer"
	}

	return func(next mizu.Handler) mizu.Handler {
		return func(c *mizu.Ctx) error {
			token, err := extractToken(c.Request(), lk, scheme)
			if err != nil {
				return c.JSON(http.StatusUnauthorized, errBody(err.Error()))
			}

			claims := jwtlib.MapClaims{}
			parsed, err := jwtlib.ParseWithClaims(token, claims, func(t *jwtlib.Token) (any, error) {
				if _, ok := t.Method.(*jwtlib.SigningMethodHMAC); !ok {
					return nil, jwtlib.ErrTokenSignatureInvalid
				}
				return opts.Secret, nil
			})
			if err != nil || !parsed.Valid {
				return c.JSON(http.StatusForbidden, errBody("invalid token"))
			}
			if opts.Issuer != "" {
				iss, _ := claims["iss"].(string)
				if iss != opts.Issuer {
					return c.JSON(http.StatusForbidden, errBody("unexpected issuer"))
				}
			}

			ctx := context.WithValue(c.Request().Context(), ctxKey{}, map[string]any(claims))
			*c.Request() = *c.Request().WithContext(ctx)
			return next(c)
		}
	}
}

func extractToken(r *http.Request, lk lookup, scheme string) (string, error) {
	switch lk.source {
	case "header":
		header := r.Header.Get(lk.name)
		if header == "" {
			return "", fmt.Errorf("missing %s header", lk.name)
		}
		if scheme == "" {
			return header, nil
		}
		rest, ok := strings.CutPrefix(header, scheme+" ")
		if !ok {
			return "", fmt.Errorf("malformed %s header", lk.name)
		}
		return rest, nil
	case "query":
		token := r.URL.Query().Get(lk.name)
		if token == "" {
			return "", fmt.Errorf("missing %s query parameter", lk.name)
		}
		return token, nil
	case "cookie":
		ck, err := r.Cookie(lk.name)
		if err != nil || ck.Value == "" {
			return "", fmt.Errorf("missing %s cookie", lk.name)
		}
		return ck.Value, nil
	default:
		return "", fmt.Errorf("unsupported token source %q", lk.source)
	}
}

func errBody(msg string) map[string]string {
	return map[string]string{"error": msg}
}

// GetClaims returns the claim map a prior New/WithOptions attached to the
// request, or nil if none is present.
func GetClaims(c *mizu.Ctx) map[string]any {
	v, _ := c.Request().Context().Value(ctxKey{}).(map[string]any)
	return v
}

// Subject returns the "sub" claim, or "" if absent.
func Subject(c *mizu.Ctx) string {
	sub, _ := GetClaims(c)["sub"].(string)
	return sub
}
