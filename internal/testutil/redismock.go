package testutil

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/mock"
)

// RedisCmdable is a testify mock of the Redis command surface used by the
// clients/redis package. Variadic arguments are passed to Called as a
// single slice.
type RedisCmdable struct {
	mock.Mock
}

func (m *RedisCmdable) Get(ctx context.Context, key string) *redis.StringCmd {
	return m.Called(ctx, key).Get(0).(*redis.StringCmd)
}

func (m *RedisCmdable) Set(ctx context.Context, key string, value any, expiration time.Duration) *redis.StatusCmd {
	return m.Called(ctx, key, value, expiration).Get(0).(*redis.StatusCmd)
}

func (m *RedisCmdable) Del(ctx context.Context, keys ...string) *redis.IntCmd {
	return m.Called(ctx, keys).Get(0).(*redis.IntCmd)
}

func (m *RedisCmdable) HGetAll(ctx context.Context, key string) *redis.MapStringStringCmd {
	return m.Called(ctx, key).Get(0).(*redis.MapStringStringCmd)
}

func (m *RedisCmdable) Eval(ctx context.Context, script string, keys []string, args ...any) *redis.Cmd {
	return m.Called(ctx, script, keys, args).Get(0).(*redis.Cmd)
}

func (m *RedisCmdable) Ping(ctx context.Context) *redis.StatusCmd {
	return m.Called(ctx).Get(0).(*redis.StatusCmd)
}

func (m *RedisCmdable) Close() error {
	return m.Called().Error(0)
}

// StatusCmd returns a completed *redis.StatusCmd.
func StatusCmd(val string, err error) *redis.StatusCmd {
	cmd := redis.NewStatusCmd(context.Background())
	if err != nil {
		cmd.SetErr(err)
	} else {
		cmd.SetVal(val)
	}
	return cmd
}

// StringCmd returns a completed *redis.StringCmd.
func StringCmd(val string, err error) *redis.StringCmd {
	cmd := redis.NewStringCmd(context.Background())
	if err != nil {
		cmd.SetErr(err)
	} else {
		cmd.SetVal(val)
	}
	return cmd
}

// IntCmd returns a completed *redis.IntCmd.
func IntCmd(val int64, err error) *redis.IntCmd {
	cmd := redis.NewIntCmd(context.Background())
	if err != nil {
		cmd.SetErr(err)
	} else {
		cmd.SetVal(val)
	}
	return cmd
}

// MapCmd returns a completed *redis.MapStringStringCmd.
func MapCmd(val map[string]string, err error) *redis.MapStringStringCmd {
	cmd := redis.NewMapStringStringCmd(context.Background())
	if err != nil {
		cmd.SetErr(err)
	} else {
		cmd.SetVal(val)
	}
	return cmd
}

// EvalCmd returns a completed *redis.Cmd.
func EvalCmd(val any, err error) *redis.Cmd {
	cmd := redis.NewCmd(context.Background())
	if err != nil {
		cmd.SetErr(err)
	} else {
		cmd.SetVal(val)
	}
	return cmd
}
