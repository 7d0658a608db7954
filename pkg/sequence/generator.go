package sequence

import (
	"context"
	"crypto/rand"
	"fmt"
	"math/big"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("sequence",
	fx.Provide(NewRedisGenerator),
)

// Generator hands out human-readable transaction codes. Codes are display
// identifiers only; ledger idempotency never depends on them.
type Generator interface {
	NextTransactionCode(ctx context.Context) (string, error)
}

type RedisGenerator struct {
	rdb *redis.Client
}

type Params struct {
	fx.In

	Redis *redis.Client
}

func NewRedisGenerator(p Params) Generator {
	return &RedisGenerator{
		rdb: p.Redis,
	}
}

func (g *RedisGenerator) NextTransactionCode(ctx context.Context) (string, error) {
	today := time.Now().UTC().Format("060102")
	key := fmt.Sprintf("seq:TXN:%s", today)

	seq, err := g.rdb.Incr(ctx, key).Result()
	if err != nil {
		// Redis being down must not block ledger writes.
		zap.L().Warn("sequence generator falling back to random code", zap.Error(err))
		return RandomTransactionCode()
	}

	if seq == 1 {
		expire := time.Until(time.Now().Truncate(24 * time.Hour).Add(24*time.Hour - time.Second))
		_ = g.rdb.Expire(ctx, key, expire).Err()
	}

	encodedSeq := strings.ToUpper(fmt.Sprintf("%03s", strconv.FormatInt(seq, 36)))
	randSuffix, err := randomAlphaNumeric(2)
	if err != nil {
		return "", err
	}

	return fmt.Sprintf("TXN-%s-%s%s", today, encodedSeq, randSuffix), nil
}

// RandomTransactionCode builds a code without a sequence backend.
func RandomTransactionCode() (string, error) {
	suffix, err := randomAlphaNumeric(6)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("TXN-%s-%s", time.Now().UTC().Format("060102"), suffix), nil
}

func randomAlphaNumeric(n int) (string, error) {
	const chars = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"
	b := make([]byte, n)
	for i := range b {
		num, err := rand.Int(rand.Reader, big.NewInt(int64(len(chars))))
		if err != nil {
			return "", err
		}
		b[i] = chars[num.Int64()]
	}
	return string(b), nil
}
