package idtoken

import (
	"context"
	"crypto/rsa"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-jose/go-jose/v3"
	"github.com/golang-jwt/jwt/v5"
)

// KeySetFormat is the encoding served by the key set endpoint.
type KeySetFormat string

const (
	// KeySetX509 is a JSON object mapping kid to a PEM certificate or public key.
	KeySetX509 KeySetFormat = "x509"
	// KeySetJWK is a standard JSON Web Key Set.
	KeySetJWK KeySetFormat = "jwk"

	maxKeySetBytes = 1 << 20
)

type publicKeys struct {
	pems map[string]string
	jwks *jose.JSONWebKeySet
}

func (k publicKeys) size() int {
	if k.jwks != nil {
		return len(k.jwks.Keys)
	}
	return len(k.pems)
}

func (k publicKeys) key(kid string) (*rsa.PublicKey, error) {
	if k.jwks != nil {
		found := k.jwks.Key(kid)
		if len(found) == 0 {
			return nil, fmt.Errorf("%w: %s", ErrPublicKeyNotFound, kid)
		}
		pub, ok := found[0].Key.(*rsa.PublicKey)
		if !ok {
			return nil, fmt.Errorf("%w: key %s is %T", ErrDecodingKey, kid, found[0].Key)
		}
		return pub, nil
	}

	pem, ok := k.pems[kid]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrPublicKeyNotFound, kid)
	}
	pub, err := jwt.ParseRSAPublicKeyFromPEM([]byte(pem))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecodingKey, err)
	}
	return pub, nil
}

type keySetCache struct {
	keys    publicKeys
	expires time.Time
	etag    string
}

// publicKeys returns the issuer's key set. With caching disabled every call
// fetches; force bypasses a cached set.
func (v *Verifier) publicKeys(ctx context.Context, force bool) (publicKeys, error) {
	caching := v.cfg.CacheTTL > 0

	v.mu.RLock()
	cache := v.cache
	v.mu.RUnlock()

	if caching && !force && cache.keys.size() > 0 && v.now().Before(cache.expires) {
		return cache.keys, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, v.cfg.KeySetURL, nil)
	if err != nil {
		return publicKeys{}, fmt.Errorf("%w: %v", ErrKeySetRequest, err)
	}
	if caching && cache.etag != "" {
		req.Header.Set("If-None-Match", cache.etag)
	}

	resp, err := v.client.Do(req)
	if err != nil {
		return publicKeys{}, fmt.Errorf("%w: %v", ErrKeySetRequest, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxKeySetBytes))
	if err != nil {
		return publicKeys{}, fmt.Errorf("%w: read body: %v", ErrKeySetRequest, err)
	}

	if caching && resp.StatusCode == http.StatusNotModified && cache.keys.size() > 0 {
		cache.expires = v.now().Add(maxCacheDuration(resp.Header.Get("Cache-Control"), v.cfg.CacheTTL))
		v.store(cache)
		return cache.keys, nil
	}
	if resp.StatusCode != http.StatusOK {
		return publicKeys{}, &StatusError{StatusCode: resp.StatusCode, Body: string(body)}
	}

	keys, err := decodeKeySet(body, v.cfg.KeySetFormat)
	if err != nil {
		return publicKeys{}, err
	}
	v.logger.Debug("idtoken.keyset", "url", v.cfg.KeySetURL, "keys", keys.size())

	if caching {
		v.store(keySetCache{
			keys:    keys,
			etag:    resp.Header.Get("ETag"),
			expires: v.now().Add(maxCacheDuration(resp.Header.Get("Cache-Control"), v.cfg.CacheTTL)),
		})
	}
	return keys, nil
}

func (v *Verifier) store(c keySetCache) {
	v.mu.Lock()
	v.cache = c
	v.mu.Unlock()
}

func decodeKeySet(body []byte, format KeySetFormat) (publicKeys, error) {
	if format == KeySetJWK {
		var set jose.JSONWebKeySet
		if err := json.Unmarshal(body, &set); err != nil {
			return publicKeys{}, fmt.Errorf("%w: %v", ErrKeySetDecode, err)
		}
		if len(set.Keys) == 0 {
			return publicKeys{}, fmt.Errorf("%w: no keys", ErrKeySetDecode)
		}
		return publicKeys{jwks: &set}, nil
	}
	pems := map[string]string{}
	if err := json.Unmarshal(body, &pems); err != nil {
		return publicKeys{}, fmt.Errorf("%w: %v", ErrKeySetDecode, err)
	}
	if len(pems) == 0 {
		return publicKeys{}, fmt.Errorf("%w: no keys", ErrKeySetDecode)
	}
	return publicKeys{pems: pems}, nil
}

func maxCacheDuration(header string, fallback time.Duration) time.Duration {
	parts := strings.Split(header, ",")
	for _, part := range parts {
		kv := strings.SplitN(strings.TrimSpace(part), "=", 2)
		if len(kv) == 2 && strings.EqualFold(kv[0], "max-age") {
			if secs, err := time.ParseDuration(kv[1] + "s"); err == nil {
				return secs
			}
		}
	}
	return fallback
}
