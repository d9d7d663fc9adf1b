package redis

import (
	"context"
	"errors"
	"testing"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/StricklySoft/addon-admission/internal/testutil"
	sserr "github.com/StricklySoft/addon-admission/pkg/errors"
)

func newMockClient() (*Client, *testutil.RedisCmdable) {
	m := new(testutil.RedisCmdable)
	return NewFromClient(m, &Config{DB: 2, KeyPrefix: "test:"}), m
}

func TestNewFromClient_AppliesDefaults(t *testing.T) {
	t.Parallel()
	client := NewFromClient(new(testutil.RedisCmdable), nil)

	require.NotNil(t, client.config)
	assert.Equal(t, DefaultKeyPrefix, client.config.KeyPrefix)
	assert.Equal(t, 0, client.dbIndex)
	assert.NotNil(t, client.tracer)
}

func TestClient_Key(t *testing.T) {
	t.Parallel()
	client, _ := newMockClient()
	assert.Equal(t, "test:ratelimit:10.0.0.1", client.Key("ratelimit", "10.0.0.1"))
	assert.Equal(t, "test:workspace", client.Key("workspace"))
}

func TestClient_Get(t *testing.T) {
	t.Parallel()
	client, m := newMockClient()
	m.On("Get", mock.Anything, "k").Return(testutil.StringCmd("v", nil))

	val, err := client.Get(context.Background(), "k")
	require.NoError(t, err)
	assert.Equal(t, "v", val)
	m.AssertExpectations(t)
}

func TestClient_Get_MissingKeyWrapsNil(t *testing.T) {
	t.Parallel()
	client, m := newMockClient()
	m.On("Get", mock.Anything, "missing").Return(testutil.StringCmd("", goredis.Nil))

	_, err := client.Get(context.Background(), "missing")
	require.Error(t, err)
	assert.True(t, errors.Is(err, Nil))
	testutil.RequireErrorCode(t, err, sserr.CodeInternalDatabase)
}

func TestClient_Set(t *testing.T) {
	t.Parallel()
	client, m := newMockClient()
	m.On("Set", mock.Anything, "k", "v", time.Minute).Return(testutil.StatusCmd("OK", nil))

	require.NoError(t, client.Set(context.Background(), "k", "v", time.Minute))
	m.AssertExpectations(t)
}

func TestClient_Del(t *testing.T) {
	t.Parallel()
	client, m := newMockClient()
	m.On("Del", mock.Anything, []string{"a", "b"}).Return(testutil.IntCmd(1, nil))

	n, err := client.Del(context.Background(), "a", "b")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestClient_HGetAll(t *testing.T) {
	t.Parallel()
	client, m := newMockClient()
	m.On("HGetAll", mock.Anything, "h").Return(testutil.MapCmd(map[string]string{"f1": "v1", "f2": "v2"}, nil))

	fields, err := client.HGetAll(context.Background(), "h")
	require.NoError(t, err)
	assert.Equal(t, "v2", fields["f2"])
}

func TestClient_Eval(t *testing.T) {
	t.Parallel()
	client, m := newMockClient()
	m.On("Eval", mock.Anything, "return 1", []string{"k"}, []any{int64(5)}).
		Return(testutil.EvalCmd(int64(1), nil))

	val, err := client.Eval(context.Background(), "return 1", []string{"k"}, int64(5))
	require.NoError(t, err)
	assert.Equal(t, int64(1), val)
}

func TestClient_ErrorClassification(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		err  error
		code sserr.Code
	}{
		{"deadline", context.DeadlineExceeded, sserr.CodeTimeoutDatabase},
		{"canceled", context.Canceled, sserr.CodeInternalDatabase},
		{"other", errors.New("READONLY replica"), sserr.CodeInternalDatabase},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			client, m := newMockClient()
			m.On("HGetAll", mock.Anything, "h").Return(testutil.MapCmd(nil, tt.err))

			_, err := client.HGetAll(context.Background(), "h")
			testutil.AssertErrorCode(t, err, tt.code)
			assert.ErrorIs(t, err, tt.err)
		})
	}
}

func TestClient_DeadlineIsRetryable(t *testing.T) {
	t.Parallel()
	client, m := newMockClient()
	m.On("Set", mock.Anything, "k", "v", time.Duration(0)).Return(testutil.StatusCmd("", context.DeadlineExceeded))

	err := client.Set(context.Background(), "k", "v", 0)
	assert.True(t, sserr.IsRetryable(err))
}

func TestClient_Health(t *testing.T) {
	t.Parallel()
	client, m := newMockClient()
	m.On("Ping", mock.Anything).Return(testutil.StatusCmd("PONG", nil)).Once()
	m.On("Ping", mock.Anything).Return(testutil.StatusCmd("", errors.New("connection refused"))).Once()

	require.NoError(t, client.Health(context.Background()))
	err := client.Health(context.Background())
	testutil.RequireErrorCode(t, err, sserr.CodeUnavailableDependency)
}

func TestClient_HealthAppliesDefaultDeadline(t *testing.T) {
	t.Parallel()
	client, m := newMockClient()
	m.On("Ping", mock.MatchedBy(func(ctx context.Context) bool {
		_, ok := ctx.Deadline()
		return ok
	})).Return(testutil.StatusCmd("PONG", nil))

	require.NoError(t, client.Health(context.Background()))
	m.AssertExpectations(t)
}

func TestClient_Close(t *testing.T) {
	t.Parallel()
	client, m := newMockClient()
	m.On("Close").Return(nil)
	require.NoError(t, client.Close())
}

func TestTruncateStatement(t *testing.T) {
	t.Parallel()
	short := "HGETALL addon:workspace:ws-1"
	assert.Equal(t, short, truncateStatement(short))

	long := make([]rune, maxStatementTruncateLen+20)
	for i := range long {
		long[i] = 'é'
	}
	got := truncateStatement(string(long))
	assert.Len(t, []rune(got), maxStatementTruncateLen+3)
	assert.Equal(t, "...", got[len(got)-3:])
}
