// Package sas issues and verifies signed resource URIs: time-boxed,
// permission-scoped grants for a single queue or blob, carried as an
// HS256 token in the "sig" query parameter.
package sas

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrInvalidSignature = errors.New("sas: invalid signature")
	ErrExpired          = errors.New("sas: signature expired")
	ErrWrongResource    = errors.New("sas: signature not valid for resource")
	ErrPermission       = errors.New("sas: permission not granted")
	ErrNoSecret         = errors.New("sas: signing secret is empty")
)

// Permission is a set of granted operations.
type Permission uint8

const (
	Read Permission = 1 << iota
	Add
	Update
	Process
	Write
	Delete
)

var permLetters = []struct {
	p Permission
	c byte
}{{Read, 'r'}, {Add, 'a'}, {Update, 'u'}, {Process, 'p'}, {Write, 'w'}, {Delete, 'd'}}

func (p Permission) String() string {
	var b strings.Builder
	for _, l := range permLetters {
		if p&l.p != 0 {
			b.WriteByte(l.c)
		}
	}
	return b.String()
}

// Has reports whether every bit of need is granted.
func (p Permission) Has(need Permission) bool {
	return p&need == need
}

// ParsePermission parses the letter form produced by String.
func ParsePermission(s string) (Permission, error) {
	var p Permission
outer:
	for i := 0; i < len(s); i++ {
		for _, l := range permLetters {
			if s[i] == l.c {
				p |= l.p
				continue outer
			}
		}
		return 0, fmt.Errorf("%w: unknown permission %q", ErrInvalidSignature, s[i])
	}
	return p, nil
}

// QueueResource names a queue grant.
func QueueResource(name string) string { return "queue:" + name }

// BlobResource names a blob grant.
func BlobResource(path string) string { return "blob:" + path }

type claims struct {
	Resource    string `json:"res"`
	Permissions string `json:"perm"`
	jwt.RegisteredClaims
}

// Issuer signs and verifies resource grants.
type Issuer struct {
	secret  []byte
	baseURL string
	now     func() time.Time
}

// IssuerOption configures an Issuer.
type IssuerOption func(*Issuer)

// WithClock overrides the time source.
func WithClock(now func() time.Time) IssuerOption {
	return func(i *Issuer) {
		i.now = now
	}
}

// NewIssuer creates an issuer building URIs under baseURL.
func NewIssuer(secret []byte, baseURL string, opts ...IssuerOption) (*Issuer, error) {
	if len(secret) == 0 {
		return nil, ErrNoSecret
	}
	i := &Issuer{
		secret:  secret,
		baseURL: strings.TrimSuffix(baseURL, "/"),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(i)
	}
	return i, nil
}

// Sign returns a token granting perms on resource until now+ttl.
func (i *Issuer) Sign(resource string, perms Permission, ttl time.Duration) (string, time.Time, error) {
	now := i.now()
	expires := now.Add(ttl)
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims{
		Resource:    resource,
		Permissions: perms.String(),
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expires),
		},
	})
	signed, err := token.SignedString(i.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sas: sign %s: %w", resource, err)
	}
	return signed, expires, nil
}

// Verify checks that token grants need on resource.
func (i *Issuer) Verify(token, resource string, need Permission) error {
	var c claims
	parsed, err := jwt.ParseWithClaims(token, &c, func(*jwt.Token) (any, error) {
		return i.secret, nil
	}, jwt.WithValidMethods([]string{"HS256"}), jwt.WithTimeFunc(i.now), jwt.WithExpirationRequired())
	if errors.Is(err, jwt.ErrTokenExpired) {
		return ErrExpired
	}
	if err != nil || !parsed.Valid {
		return fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	if c.Resource != resource {
		return fmt.Errorf("%w: %s", ErrWrongResource, resource)
	}
	granted, err := ParsePermission(c.Permissions)
	if err != nil {
		return err
	}
	if !granted.Has(need) {
		return fmt.Errorf("%w: need %s, have %s", ErrPermission, need, granted)
	}
	return nil
}

// QueueURI returns a signed URI for a private queue.
func (i *Issuer) QueueURI(name string, perms Permission, ttl time.Duration) (string, time.Time, error) {
	token, expires, err := i.Sign(QueueResource(name), perms, ttl)
	if err != nil {
		return "", time.Time{}, err
	}
	return i.baseURL + "/queues/" + url.PathEscape(name) + "?sig=" + url.QueryEscape(token), expires, nil
}

// BlobURI returns a signed URI for container/name.
func (i *Issuer) BlobURI(container, name string, perms Permission, ttl time.Duration) (string, time.Time, error) {
	path := container + "/" + name
	token, expires, err := i.Sign(BlobResource(path), perms, ttl)
	if err != nil {
		return "", time.Time{}, err
	}
	return i.baseURL + "/blobs/" + path + "?sig=" + url.QueryEscape(token), expires, nil
}
