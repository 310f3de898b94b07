package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const metaSuffix = ".meta"

// Local stores objects on the filesystem for development: the payload file
// plus a JSON sidecar for content type and metadata. Signed URLs are HS256
// tokens embedding the object key and expiry; VerifySignedURL checks them.
// Not meant for production use.
type Local struct {
	dir    string
	secret []byte
	now    func() time.Time
}

func NewLocal(dir string, signingSecret string) (*Local, error) {
	if signingSecret == "" {
		return nil, fmt.Errorf("storage: empty local signing secret")
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("storage: resolve dir %q: %w", dir, err)
	}
	if err := os.MkdirAll(abs, 0o700); err != nil {
		return nil, fmt.Errorf("storage: create dir %q: %w", abs, err)
	}
	return &Local{dir: abs, secret: []byte(signingSecret), now: time.Now}, nil
}

// WithClock overrides the expiry clock for tests.
func (l *Local) WithClock(now func() time.Time) *Local {
	l.now = now
	return l
}

type localMeta struct {
	ContentType string            `json:"content_type"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	Size        int64             `json:"size"`
	StoredAt    time.Time         `json:"stored_at"`
}

func (l *Local) pathFor(key string) (string, error) {
	clean := filepath.Join(l.dir, filepath.FromSlash(strings.TrimPrefix(key, "/")))
	if !strings.HasPrefix(clean, l.dir+string(filepath.Separator)) {
		return "", fmt.Errorf("storage: invalid key %q", key)
	}
	return clean, nil
}

func (l *Local) Put(ctx context.Context, input PutInput) error {
	path, err := l.pathFor(input.Key)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("storage: create key dir: %w", err)
	}
	if err := os.WriteFile(path, input.Data, 0o600); err != nil {
		return fmt.Errorf("storage: write %s: %w", input.Key, err)
	}

	meta := localMeta{
		ContentType: input.ContentType,
		Metadata:    input.Metadata,
		Size:        int64(len(input.Data)),
		StoredAt:    l.now().UTC(),
	}
	raw, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("storage: marshal meta: %w", err)
	}
	if err := os.WriteFile(path+metaSuffix, raw, 0o600); err != nil {
		os.Remove(path)
		return fmt.Errorf("storage: write meta %s: %w", input.Key, err)
	}
	return nil
}

func (l *Local) Get(ctx context.Context, key string) ([]byte, ObjectInfo, error) {
	path, err := l.pathFor(key)
	if err != nil {
		return nil, ObjectInfo{}, err
	}
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, ObjectInfo{}, fmt.Errorf("%w: %s", ErrNoObject, key)
	}
	if err != nil {
		return nil, ObjectInfo{}, fmt.Errorf("storage: read %s: %w", key, err)
	}
	info, err := l.Head(ctx, key)
	if err != nil {
		return nil, ObjectInfo{}, err
	}
	return data, info, nil
}

func (l *Local) Head(ctx context.Context, key string) (ObjectInfo, error) {
	path, err := l.pathFor(key)
	if err != nil {
		return ObjectInfo{}, err
	}
	raw, err := os.ReadFile(path + metaSuffix)
	if os.IsNotExist(err) {
		return ObjectInfo{}, fmt.Errorf("%w: %s", ErrNoObject, key)
	}
	if err != nil {
		return ObjectInfo{}, fmt.Errorf("storage: read meta %s: %w", key, err)
	}
	var meta localMeta
	if err := json.Unmarshal(raw, &meta); err != nil {
		return ObjectInfo{}, fmt.Errorf("storage: decode meta %s: %w", key, err)
	}
	return ObjectInfo{
		Key:          key,
		Size:         meta.Size,
		ContentType:  meta.ContentType,
		Metadata:     meta.Metadata,
		LastModified: meta.StoredAt,
	}, nil
}

func (l *Local) Delete(ctx context.Context, key string) error {
	path, err := l.pathFor(key)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("storage: delete %s: %w", key, err)
	}
	if err := os.Remove(path + metaSuffix); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("storage: delete meta %s: %w", key, err)
	}
	return nil
}

type urlClaims struct {
	Key    string `json:"key"`
	Method string `json:"method"`
	jwt.RegisteredClaims
}

func (l *Local) SignedDownloadURL(ctx context.Context, key string, ttl time.Duration) (string, time.Time, error) {
	return l.signedURL(key, "GET", ttl)
}

func (l *Local) SignedUploadURL(ctx context.Context, key string, ttl time.Duration) (string, time.Time, error) {
	return l.signedURL(key, "PUT", ttl)
}

func (l *Local) signedURL(key, method string, ttl time.Duration) (string, time.Time, error) {
	expiresAt := l.now().UTC().Add(ttl)
	claims := urlClaims{
		Key:    key,
		Method: method,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			IssuedAt:  jwt.NewNumericDate(l.now().UTC()),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(l.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("storage: sign url for %s: %w", key, err)
	}
	return fmt.Sprintf("local://objects/%s?token=%s", key, url.QueryEscape(token)), expiresAt, nil
}

// VerifySignedURL validates a signed local URL and returns the object key
// it grants access to. Expired or tampered tokens fail.
func (l *Local) VerifySignedURL(rawURL string) (string, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("storage: parse signed url: %w", err)
	}
	tokenStr := parsed.Query().Get("token")
	if tokenStr == "" {
		return "", fmt.Errorf("storage: signed url missing token")
	}

	var claims urlClaims
	token, err := jwt.ParseWithClaims(tokenStr, &claims, func(t *jwt.Token) (any, error) {
		if t.Method != jwt.SigningMethodHS256 {
			return nil, fmt.Errorf("storage: unexpected signing method %v", t.Header["alg"])
		}
		return l.secret, nil
	}, jwt.WithTimeFunc(func() time.Time { return l.now() }))
	if err != nil {
		return "", fmt.Errorf("storage: verify signed url: %w", err)
	}
	if !token.Valid || claims.Key == "" {
		return "", fmt.Errorf("storage: invalid signed url")
	}
	return claims.Key, nil
}
