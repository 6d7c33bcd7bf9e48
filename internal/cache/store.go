package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/i2y/toolgate/internal/domain"
)

// ErrMiss is returned by Store.Get when no entry exists.
var ErrMiss = errors.New("cache miss")

// Store persists cache entries and coordinates fills across replicas.
type Store interface {
	Get(ctx context.Context, fingerprint string) (domain.CacheEntry, error)
	Set(ctx context.Context, entry domain.CacheEntry, ttl time.Duration) error
	// Lease claims the right to fill fingerprint for ttl. It reports false
	// when another holder has the lease. The returned token identifies the
	// holder to Release.
	Lease(ctx context.Context, fingerprint string, ttl time.Duration) (token string, ok bool, err error)
	// Release drops the lease only while token still holds it.
	Release(ctx context.Context, fingerprint, token string) error
}

// Request identifies a cacheable call.
type Request struct {
	DeploymentID string
	Tool         string
	Args         map[string]interface{}
	Plan         string

	// Consumer is only mixed in for private directives.
	Consumer string
}

// Fingerprint hashes the request. Argument maps are encoded with sorted keys,
// so logically equal arguments yield the same fingerprint.
func Fingerprint(r Request) (string, error) {
	args, err := json.Marshal(r.Args)
	if err != nil {
		return "", fmt.Errorf("failed to encode arguments for fingerprint: %w", err)
	}
	parts, err := json.Marshal([]string{r.DeploymentID, r.Tool, string(args), r.Plan, r.Consumer})
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(parts)
	return hex.EncodeToString(sum[:]), nil
}
