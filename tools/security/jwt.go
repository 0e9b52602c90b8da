package security

import (
	"errors"
	"fmt"
	"strings"
	"time"

	jwtlib "github.com/golang-jwt/jwt/v5"
)

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrNoSubject    = errors.New("token has no subject")
)

// Options 控制签名与校验。Issuer/Audience 为空时不校验
type Options struct {
	Secret   []byte        // HMAC 密钥，从环境变量读取
	Alg      string        // HS256/HS384/HS512（默认 HS256）
	TTL      time.Duration // 仅 Issue 使用（默认 2h）
	Leeway   time.Duration // 允许的时钟偏差
	Issuer   string
	Audience string
}

// Claims is what the marketplace puts in a session token: the user id as
// subject and the side of the marketplace the user acts on.
type Claims struct {
	jwtlib.RegisteredClaims
	Role string `json:"role,omitempty"` // owner | worker | service
}

func DefaultOptions(secret []byte) Options {
	return Options{Secret: secret, Alg: "HS256", TTL: 2 * time.Hour}
}

// Issue signs a token for userID. The gateway never issues tokens in
// production; the marketplace auth service does. Tests and local tooling use it.
func Issue(opts Options, userID, role string) (string, error) {
	method, err := signingMethod(opts.Alg)
	if err != nil {
		return "", err
	}
	if opts.TTL <= 0 {
		opts.TTL = 2 * time.Hour
	}
	now := time.Now()
	claims := Claims{
		RegisteredClaims: jwtlib.RegisteredClaims{
			Subject:   userID,
			Issuer:    opts.Issuer,
			IssuedAt:  jwtlib.NewNumericDate(now),
			NotBefore: jwtlib.NewNumericDate(now),
			ExpiresAt: jwtlib.NewNumericDate(now.Add(opts.TTL)),
		},
		Role: role,
	}
	if opts.Audience != "" {
		claims.Audience = jwtlib.ClaimStrings{opts.Audience}
	}
	return jwtlib.NewWithClaims(method, claims).SignedString(opts.Secret)
}

// Verify checks signature, time claims, issuer and audience, and that a
// subject is present.
func Verify(opts Options, token string) (*Claims, error) {
	method, err := signingMethod(opts.Alg)
	if err != nil {
		return nil, err
	}
	parserOpts := []jwtlib.ParserOption{
		jwtlib.WithValidMethods([]string{method.Alg()}),
		jwtlib.WithLeeway(opts.Leeway),
		jwtlib.WithExpirationRequired(),
	}
	if opts.Issuer != "" {
		parserOpts = append(parserOpts, jwtlib.WithIssuer(opts.Issuer))
	}
	if opts.Audience != "" {
		parserOpts = append(parserOpts, jwtlib.WithAudience(opts.Audience))
	}

	var claims Claims
	_, err = jwtlib.ParseWithClaims(token, &claims, func(t *jwtlib.Token) (any, error) {
		return opts.Secret, nil
	}, parserOpts...)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if strings.TrimSpace(claims.Subject) == "" {
		return nil, ErrNoSubject
	}
	return &claims, nil
}

func signingMethod(alg string) (jwtlib.SigningMethod, error) {
	switch strings.ToUpper(strings.TrimSpace(alg)) {
	case "", "HS256":
		return jwtlib.SigningMethodHS256, nil
	case "HS384":
		return jwtlib.SigningMethodHS384, nil
	case "HS512":
		return jwtlib.SigningMethodHS512, nil
	default:
		return nil, fmt.Errorf("unsupported alg %q (use HS256/HS384/HS512)", alg)
	}
}
