package stores

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/archivio/accessctl"
)

// RedisMembershipStore keeps explicit memberships in Redis sorted sets, one
// per user (key: authmem:{uid}) with a mirror per role (key: authrole:{roleID})
// for ListMemberships. The score is the expiry as a unix timestamp; +inf means
// never expires. Expired members are pruned lazily on read.
type RedisMembershipStore struct {
	client  *redis.Client
	userFmt string // format string, e.g. "authmem:%s"
	roleFmt string // format string, e.g. "authrole:%d"
}

func NewRedisMembershipStore(client *redis.Client) *RedisMembershipStore {
	return &RedisMembershipStore{client: client, userFmt: "authmem:%s", roleFmt: "authrole:%d"}
}

func (r *RedisMembershipStore) userKey(uid string) string {
	return fmt.Sprintf(r.userFmt, uid)
}

func (r *RedisMembershipStore) roleKey(roleID int64) string {
	return fmt.Sprintf(r.roleFmt, roleID)
}

func expiryScore(expires time.Time) float64 {
	if expires.IsZero() {
		return math.Inf(1)
	}
	return float64(expires.Unix())
}

func (r *RedisMembershipStore) AssignRole(ctx context.Context, uid string, roleID int64, expires time.Time) error {
	score := expiryScore(expires)
	pipe := r.client.TxPipeline()
	pipe.ZAdd(ctx, r.userKey(uid), redis.Z{Score: score, Member: strconv.FormatInt(roleID, 10)})
	pipe.ZAdd(ctx, r.roleKey(roleID), redis.Z{Score: score, Member: uid})
	_, err := pipe.Exec(ctx)
	return err
}

func (r *RedisMembershipStore) RevokeRole(ctx context.Context, uid string, roleID int64) error {
	pipe := r.client.TxPipeline()
	pipe.ZRem(ctx, r.userKey(uid), strconv.FormatInt(roleID, 10))
	pipe.ZRem(ctx, r.roleKey(roleID), uid)
	_, err := pipe.Exec(ctx)
	return err
}

func (r *RedisMembershipStore) RolesOf(ctx context.Context, uid string, now time.Time) ([]int64, error) {
	key := r.userKey(uid)
	cutoff := strconv.FormatInt(now.Unix(), 10)
	if err := r.client.ZRemRangeByScore(ctx, key, "-inf", "("+cutoff).Err(); err != nil {
		return nil, err
	}
	members, err := r.client.ZRangeByScore(ctx, key, &redis.ZRangeBy{Min: "(" + cutoff, Max: "+inf"}).Result()
	if err != nil {
		return nil, err
	}
	out := make([]int64, 0, len(members))
	for _, m := range members {
		id, err := strconv.ParseInt(m, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("membership set %s holds bad role id %q", key, m)
		}
		out = append(out, id)
	}
	return out, nil
}

func (r *RedisMembershipStore) ListMemberships(ctx context.Context, roleID int64) ([]accessctl.Membership, error) {
	res, err := r.client.ZRangeByScoreWithScores(ctx, r.roleKey(roleID), &redis.ZRangeBy{Min: "-inf", Max: "+inf"}).Result()
	if err != nil {
		return nil, err
	}
	out := make([]accessctl.Membership, 0, len(res))
	for _, z := range res {
		m := accessctl.Membership{UID: fmt.Sprint(z.Member), RoleID: roleID}
		if !math.IsInf(z.Score, 1) {
			m.Expires = time.Unix(int64(z.Score), 0).UTC()
		}
		out = append(out, m)
	}
	return out, nil
}
