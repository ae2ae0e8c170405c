package config

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/service/secretsmanager"
	"github.com/aws/aws-sdk-go/service/secretsmanager/secretsmanageriface"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSecretsManager struct {
	secretsmanageriface.SecretsManagerAPI
	secrets map[string]string
}

func (f *fakeSecretsManager) GetSecretValue(in *secretsmanager.GetSecretValueInput) (*secretsmanager.GetSecretValueOutput, error) {
	v, ok := f.secrets[aws.StringValue(in.SecretId)]
	if !ok {
		return nil, assert.AnError
	}
	return &secretsmanager.GetSecretValueOutput{SecretString: aws.String(v)}, nil
}

func vaultServer(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "vault-token", r.Header.Get("X-Vault-Token"))
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/v1/secret/data/iocpipe":
			_, _ = w.Write([]byte(`{"data":{"data":{"misp_token":"kv2-token"},"metadata":{"version":3}}}`))
		case "/v1/kv/iocpipe":
			_, _ = w.Write([]byte(`{"data":{"misp_token":"kv1-token","port":6379}}`))
		default:
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"errors":[]}`))
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newVaultResolver(t *testing.T) *SecretResolver {
	var cfg SecretsConfig
	cfg.Vault.Address = vaultServer(t).URL
	cfg.Vault.Token = "vault-token"
	return NewSecretResolver(cfg)
}

func TestResolve_PlainValue(t *testing.T) {
	r := NewSecretResolver(SecretsConfig{})
	v, err := r.Resolve("literal-token")
	require.NoError(t, err)
	assert.Equal(t, "literal-token", v)
}

func TestResolve_Env(t *testing.T) {
	t.Setenv("TEST_SECRET_VALUE", "s3cret")
	r := NewSecretResolver(SecretsConfig{})

	v, err := r.Resolve("env:TEST_SECRET_VALUE")
	require.NoError(t, err)
	assert.Equal(t, "s3cret", v)

	_, err = r.Resolve("env:TEST_SECRET_UNSET")
	assert.ErrorIs(t, err, ErrSecretNotFound)
}

func TestResolve_VaultKV2(t *testing.T) {
	r := newVaultResolver(t)
	v, err := r.Resolve("vault:secret/data/iocpipe#misp_token")
	require.NoError(t, err)
	assert.Equal(t, "kv2-token", v)
}

func TestResolve_VaultKV1(t *testing.T) {
	r := newVaultResolver(t)
	v, err := r.Resolve("vault:kv/iocpipe#misp_token")
	require.NoError(t, err)
	assert.Equal(t, "kv1-token", v)

	_, err = r.Resolve("vault:kv/iocpipe#port")
	assert.ErrorContains(t, err, "not a string")

	_, err = r.Resolve("vault:kv/iocpipe#absent")
	assert.ErrorIs(t, err, ErrSecretNotFound)
}

func TestResolve_VaultMissingPath(t *testing.T) {
	r := newVaultResolver(t)
	_, err := r.Resolve("vault:kv/nothing#key")
	assert.Error(t, err)
}

func TestResolve_VaultMalformedReference(t *testing.T) {
	r := NewSecretResolver(SecretsConfig{})
	_, err := r.Resolve("vault:secret/iocpipe")
	assert.ErrorContains(t, err, "vault:path#key")
}

func TestResolve_AWS(t *testing.T) {
	r := NewSecretResolver(SecretsConfig{})
	r.aws = &fakeSecretsManager{secrets: map[string]string{
		"iocpipe/misp":  "plain-token",
		"iocpipe/mongo": `{"uri":"mongodb://db:27017","user":"ioc"}`,
	}}

	v, err := r.Resolve("awssm:iocpipe/misp")
	require.NoError(t, err)
	assert.Equal(t, "plain-token", v)

	v, err = r.Resolve("awssm:iocpipe/mongo#uri")
	require.NoError(t, err)
	assert.Equal(t, "mongodb://db:27017", v)

	_, err = r.Resolve("awssm:iocpipe/mongo#password")
	assert.ErrorIs(t, err, ErrSecretNotFound)

	_, err = r.Resolve("awssm:iocpipe/misp#key")
	assert.ErrorContains(t, err, "not a JSON object")

	_, err = r.Resolve("awssm:iocpipe/other")
	assert.Error(t, err)
}

func TestResolveSecrets(t *testing.T) {
	t.Setenv("TEST_MISP_TOKEN", "misp-from-env")
	t.Setenv("TEST_ABUSE_KEY", "abuse-from-env")
	cfg := loadValid(t)

	require.NoError(t, ResolveSecrets(cfg, NewSecretResolver(cfg.Secrets)))
	assert.Equal(t, "misp-from-env", cfg.MISP.Token)
	f, _ := cfg.FeedByName("abuse-csv")
	assert.Equal(t, "abuse-from-env", f.Headers["x-api-key"])
}

func TestResolveSecrets_MissingReference(t *testing.T) {
	t.Setenv("TEST_ABUSE_KEY", "abuse-from-env")
	cfg := loadValid(t)

	err := ResolveSecrets(cfg, NewSecretResolver(cfg.Secrets))
	require.ErrorIs(t, err, ErrSecretNotFound)
	assert.Contains(t, err.Error(), "misp.token")
}
