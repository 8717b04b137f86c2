package auth

import (
	"time"

	paseto "aidanwoods.dev/go-paseto"
)

type pasetoV4PublicManager struct {
	issuer    string
	ttl       time.Duration
	clockSkew time.Duration

	canSign bool
	secret  paseto.V4AsymmetricSecretKey
	public  paseto.V4AsymmetricPublicKey
}

// NewPasetoV4PublicManager builds a TokenManager based on PASETO v4.public.
//
// A secret key enables Issue; a public key alone is enough to verify.
// Clock skew widens the validity window on both ends: nbf and iat may be up to
// skew in the future, and exp may be up to skew in the past.
func NewPasetoV4PublicManager(cfg Config) (TokenManager, error) {
	m := &pasetoV4PublicManager{
		issuer:    cfg.Issuer,
		ttl:       cfg.AccessTokenTTL,
		clockSkew: cfg.ClockSkew,
	}

	switch {
	case cfg.PasetoV4SecretKeyHex != "":
		secret, err := paseto.NewV4AsymmetricSecretKeyFromHex(cfg.PasetoV4SecretKeyHex)
		if err != nil {
			return nil, ErrConfig
		}
		m.secret = secret
		m.public = secret.Public()
		m.canSign = true
	case cfg.PasetoV4PublicKeyHex != "":
		public, err := paseto.NewV4AsymmetricPublicKeyFromHex(cfg.PasetoV4PublicKeyHex)
		if err != nil {
			return nil, ErrConfig
		}
		m.public = public
	default:
		return nil, ErrConfig
	}

	if m.ttl <= 0 {
		m.ttl = DefaultConfig().AccessTokenTTL
	}
	return m, nil
}

func (m *pasetoV4PublicManager) Issue(subject string, now time.Time) (string, time.Time, error) {
	if !m.canSign {
		return "", time.Time{}, ErrNoSigningKey
	}
	exp := now.Add(m.ttl)

	tok := paseto.NewToken()
	tok.SetIssuer(m.issuer)
	tok.SetSubject(subject)
	tok.SetIssuedAt(now)
	tok.SetNotBefore(now)
	tok.SetExpiration(exp)

	return tok.V4Sign(m.secret, nil), exp, nil
}

func (m *pasetoV4PublicManager) Verify(token string, now time.Time) (Claims, error) {
	// Time claims are checked against the caller's clock below; the default
	// parser would check exp against the wall clock instead.
	p := paseto.NewParserWithoutExpiryCheck()
	p.AddRule(paseto.IssuedBy(m.issuer))

	parsed, err := p.ParseV4Public(m.public, token, nil)
	if err != nil {
		return Claims{}, ErrInvalidToken
	}
	if !timeClaimsValid(parsed, now, m.clockSkew) {
		return Claims{}, ErrInvalidToken
	}

	sub, err := parsed.GetSubject()
	if err != nil || sub == "" {
		// Tokens minted by older issuers carry the user id in "uid".
		sub, err = parsed.GetString("uid")
		if err != nil || sub == "" {
			return Claims{}, ErrInvalidToken
		}
	}

	iss, _ := parsed.GetIssuer()
	exp, _ := parsed.GetExpiration()
	iat, _ := parsed.GetIssuedAt()

	return Claims{
		Subject:   sub,
		Issuer:    iss,
		IssuedAt:  iat,
		ExpiresAt: exp,
	}, nil
}

// timeClaimsValid requires exp and checks nbf and iat when present.
func timeClaimsValid(t *paseto.Token, now time.Time, skew time.Duration) bool {
	exp, err := t.GetExpiration()
	if err != nil || !now.Add(-skew).Before(exp) {
		return false
	}
	latest := now.Add(skew)
	if nbf, err := t.GetNotBefore(); err == nil && nbf.After(latest) {
		return false
	}
	if iat, err := t.GetIssuedAt(); err == nil && iat.After(latest) {
		return false
	}
	return true
}
