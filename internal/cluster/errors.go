package cluster

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrNotShardedCluster    = errors.New("not connected to a sharded cluster")
	ErrAuthenticationFailed = errors.New("authentication failed")
	// ErrHashedApproximate means a hashed shard key cannot be ranged over
	// without index bounds.
	ErrHashedApproximate    = errors.New("approximate comparison is not possible on a hashed shard key")
)

// AuthenticationFailedError reports that no configured credential was
// accepted by a shard.
type AuthenticationFailedError struct {
	Shard string
	// Users lists the usernames tried, in order.
	Users []string
	Err   error
}

func (e *AuthenticationFailedError) Error() string {
	if len(e.Users) == 0 {
		return fmt.Sprintf("shard %s: no credentials configured and unauthenticated access is disabled", e.Shard)
	}
	return fmt.Sprintf("shard %s: authentication failed for %s: %v",
		e.Shard, strings.Join(e.Users, ", "), e.Err)
}

func (e *AuthenticationFailedError) Unwrap() error {
	return e.Err
}

func (e *AuthenticationFailedError) Is(target error) bool {
	return target == ErrAuthenticationFailed
}
