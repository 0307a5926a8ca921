package lockdao

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/savaki/ddb/v2"
	"github.com/savaki/ddb/v2/ddbtest"
	"github.com/segmentio/ksuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type Data struct {
	DAO *DAO
}

func setup(t *testing.T) (ctx context.Context, data Data, cleanup func()) {
	ctx = context.Background()

	cfg, err := config.LoadDefaultConfig(
		ctx,
		config.WithRegion("us-west-2"),
		config.WithBaseEndpoint("http://localhost:8000"),
		config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider("blah", "blah", ""),
		),
	)
	require.NoError(t, err)

	var (
		client    = dynamodb.NewFromConfig(cfg)
		db        = ddb.New(client)
		tableName = fmt.Sprintf("locks-test-%v", ksuid.New().String())
		table     = db.MustTable(tableName, Record{})
		dao       = New(client, tableName)
	)

	if err := table.CreateTableIfNotExists(ctx); err != nil {
		t.Skipf("DynamoDB Local not available on localhost:8000: %v", err)
	}

	return ctx, Data{DAO: dao}, func() {
		_ = table.DeleteTableIfExists(ctx)
	}
}

func TestDAO(t *testing.T) {
	ddbtest.WithTable[Data](t, setup, func(t *testing.T, ctx context.Context, data Data) {
		dao := data.DAO

		t.Run("Acquire_Success", func(t *testing.T) {
			holder := ksuid.New().String()

			acquired, err := dao.Acquire(ctx, "acquire", holder, time.Minute)
			assert.NoError(t, err)
			assert.True(t, acquired)

			lock, err := dao.Find(ctx, "acquire")
			require.NoError(t, err)
			require.NotNil(t, lock)
			assert.Equal(t, holder, lock.Holder)
			assert.Equal(t, NewPK("acquire"), lock.PK)
			assert.Greater(t, lock.ExpiresAt, lock.AcquiredAt)
		})

		t.Run("Acquire_HeldByOther", func(t *testing.T) {
			first := ksuid.New().String()
			second := ksuid.New().String()

			acquired, err := dao.Acquire(ctx, "held", first, time.Minute)
			assert.NoError(t, err)
			assert.True(t, acquired)

			acquired, err = dao.Acquire(ctx, "held", second, time.Minute)
			assert.NoError(t, err)
			assert.False(t, acquired)

			lock, err := dao.Find(ctx, "held")
			require.NoError(t, err)
			require.NotNil(t, lock)
			assert.Equal(t, first, lock.Holder)
		})

		t.Run("Acquire_SameHolderExtends", func(t *testing.T) {
			holder := ksuid.New().String()

			acquired, err := dao.Acquire(ctx, "extend", holder, time.Minute)
			assert.NoError(t, err)
			assert.True(t, acquired)

			acquired, err = dao.Acquire(ctx, "extend", holder, time.Hour)
			assert.NoError(t, err)
			assert.True(t, acquired)
		})

		t.Run("Acquire_ExpiredIsTakenOver", func(t *testing.T) {
			first := ksuid.New().String()
			second := ksuid.New().String()

			start := time.Now()
			dao.now = func() time.Time { return start }
			acquired, err := dao.Acquire(ctx, "expired", first, time.Second)
			assert.NoError(t, err)
			assert.True(t, acquired)

			dao.now = func() time.Time { return start.Add(time.Minute) }
			defer func() { dao.now = time.Now }()

			acquired, err = dao.Acquire(ctx, "expired", second, time.Minute)
			assert.NoError(t, err)
			assert.True(t, acquired)

			lock, err := dao.Find(ctx, "expired")
			require.NoError(t, err)
			require.NotNil(t, lock)
			assert.Equal(t, second, lock.Holder)
		})

		t.Run("Release", func(t *testing.T) {
			holder := ksuid.New().String()

			_, err := dao.Acquire(ctx, "release", holder, time.Minute)
			assert.NoError(t, err)

			err = dao.Release(ctx, "release", holder)
			assert.NoError(t, err)

			lock, err := dao.Find(ctx, "release")
			assert.NoError(t, err)
			assert.Nil(t, lock)

			acquired, err := dao.Acquire(ctx, "release", ksuid.New().String(), time.Minute)
			assert.NoError(t, err)
			assert.True(t, acquired)
		})

		t.Run("Release_OtherHolderIsNoop", func(t *testing.T) {
			holder := ksuid.New().String()

			_, err := dao.Acquire(ctx, "release-other", holder, time.Minute)
			assert.NoError(t, err)

			err = dao.Release(ctx, "release-other", ksuid.New().String())
			assert.NoError(t, err)

			lock, err := dao.Find(ctx, "release-other")
			require.NoError(t, err)
			require.NotNil(t, lock)
			assert.Equal(t, holder, lock.Holder)
		})

		t.Run("Release_Missing", func(t *testing.T) {
			err := dao.Release(ctx, "never-held", ksuid.New().String())
			assert.NoError(t, err)
		})

		t.Run("Find_NotFound", func(t *testing.T) {
			lock, err := dao.Find(ctx, "nobody")
			assert.NoError(t, err)
			assert.Nil(t, lock)
		})
	})
}

func TestPK(t *testing.T) {
	pk := NewPK("sweep")
	assert.Equal(t, "lock/sweep", pk.String())

	name, err := ParsePK(pk)
	assert.NoError(t, err)
	assert.Equal(t, "sweep", name)

	_, err = ParsePK("build/abc")
	assert.Error(t, err)

	_, err = ParsePK("lock/")
	assert.Error(t, err)
}
