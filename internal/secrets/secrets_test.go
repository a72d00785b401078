package secrets

import (
	"context"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	smtypes "github.com/aws/aws-sdk-go-v2/service/secretsmanager/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	lferrors "github.com/leadforge/engine/pkg/errors"
)

func TestEnvVar(t *testing.T) {
	tests := []struct {
		name string
		want string
	}{
		{"openai-api-key", "OPENAI_API_KEY"},
		{"OPENAI_API_KEY", "OPENAI_API_KEY"},
		{"webhook.signing.secret", "WEBHOOK_SIGNING_SECRET"},
		{"s3", "S3"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, EnvVar(tt.name))
	}
}

func TestEnvStore(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "sk-test-123")

	v, err := EnvStore{}.Get(context.Background(), "openai-api-key")
	require.NoError(t, err)
	assert.Equal(t, "sk-test-123", v)

	_, err = EnvStore{}.Get(context.Background(), "never-set-anywhere")
	assert.True(t, lferrors.IsNotFound(err))
}

func TestChainOrderAndFallthrough(t *testing.T) {
	ctx := context.Background()
	chain := Chain{
		Static{"shared": "from-first"},
		Static{"shared": "from-second", "only-second": "v2"},
	}

	v, err := chain.Get(ctx, "shared")
	require.NoError(t, err)
	assert.Equal(t, "from-first", v)

	v, err = chain.Get(ctx, "only-second")
	require.NoError(t, err)
	assert.Equal(t, "v2", v)

	_, err = chain.Get(ctx, "nowhere")
	assert.True(t, lferrors.IsNotFound(err))
}

type fakeSM struct {
	values map[string]string
	calls  int
}

func (f *fakeSM) GetSecretValue(_ context.Context, in *secretsmanager.GetSecretValueInput, _ ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error) {
	f.calls++
	v, ok := f.values[aws.ToString(in.SecretId)]
	if !ok {
		return nil, &smtypes.ResourceNotFoundException{}
	}
	return &secretsmanager.GetSecretValueOutput{SecretString: aws.String(v)}, nil
}

func TestManagerStoreCaching(t *testing.T) {
	ctx := context.Background()
	sm := &fakeSM{values: map[string]string{"leadforge/prod/openai-api-key": "sk-live"}}
	store := newManagerStore(sm, ManagerConfig{Prefix: "leadforge/prod/", CacheTTL: time.Hour})

	for i := 0; i < 3; i++ {
		v, err := store.Get(ctx, "openai-api-key")
		require.NoError(t, err)
		assert.Equal(t, "sk-live", v)
	}
	assert.Equal(t, 1, sm.calls, "repeat reads should hit the cache")

	_, err := store.Get(ctx, "missing")
	assert.True(t, lferrors.IsNotFound(err))
}
