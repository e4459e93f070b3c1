package service

import (
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/unclebandit/outreach-sequencer/internal/model"
)

const unsubscribeSubject = "unsubscribe"

// UnsubscribeTokens signs and checks the one-click unsubscribe links carried
// in outgoing mail. A token names the lead id and the address it was sent to.
type UnsubscribeTokens struct {
	Secret  []byte
	MaxAge  time.Duration
	BaseURL string
}

type unsubscribeClaims struct {
	LeadID int    `json:"lead_id"`
	Email  string `json:"email"`
	jwt.RegisteredClaims
}

func (u *UnsubscribeTokens) Issue(lead *model.Lead, now time.Time) (string, error) {
	claims := unsubscribeClaims{
		LeadID: lead.ID,
		Email:  lead.Email,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   unsubscribeSubject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(u.MaxAge)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(u.Secret)
}

// Parse returns the lead id and address of a valid, unexpired token.
func (u *UnsubscribeTokens) Parse(token string, now time.Time) (int, string, error) {
	var claims unsubscribeClaims
	parsed, err := jwt.ParseWithClaims(token, &claims,
		func(*jwt.Token) (interface{}, error) { return u.Secret, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithSubject(unsubscribeSubject),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(func() time.Time { return now }),
	)
	if err != nil {
		return 0, "", err
	}
	if !parsed.Valid || claims.LeadID <= 0 || claims.Email == "" {
		return 0, "", jwt.ErrTokenInvalidClaims
	}
	return claims.LeadID, claims.Email, nil
}

// Link is the unsubscribe URL for lead, or "" when no base URL is configured.
func (u *UnsubscribeTokens) Link(lead *model.Lead, now time.Time) (string, error) {
	if u == nil || u.BaseURL == "" {
		return "", nil
	}
	token, err := u.Issue(lead, now)
	if err != nil {
		return "", fmt.Errorf("sign unsubscribe token: %w", err)
	}
	return strings.TrimRight(u.BaseURL, "/") + "/unsubscribe/" + token, nil
}
