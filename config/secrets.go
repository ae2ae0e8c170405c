package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/secretsmanager"
	"github.com/aws/aws-sdk-go/service/secretsmanager/secretsmanageriface"
	"github.com/hashicorp/vault/api"
)

// ErrSecretNotFound is returned when a reference resolves to nothing
var ErrSecretNotFound = errors.New("secret not found")

// Secret reference schemes. A config value starting with one of these is
// replaced by the referenced secret before use.
const (
	SchemeEnv   = "env:"
	SchemeVault = "vault:"
	SchemeAWS   = "awssm:"
)

// SecretsConfig configures the secret backends
type SecretsConfig struct {
	Vault struct {
		Address string `mapstructure:"address"`
		Token   string `mapstructure:"token"`
	} `mapstructure:"vault"`
	AWS struct {
		Region    string `mapstructure:"region"`
		AccessKey string `mapstructure:"access_key"`
		SecretKey string `mapstructure:"secret_key"`
	} `mapstructure:"aws"`
}

func isSecretRef(value string) bool {
	return strings.HasPrefix(value, SchemeEnv) ||
		strings.HasPrefix(value, SchemeVault) ||
		strings.HasPrefix(value, SchemeAWS)
}

// SecretResolver turns secret references into their values. Backends are
// created on first use so a config without vault or aws references never
// needs their credentials.
type SecretResolver struct {
	cfg SecretsConfig

	vault *api.Client
	aws   secretsmanageriface.SecretsManagerAPI
}

// NewSecretResolver creates a resolver for cfg
func NewSecretResolver(cfg SecretsConfig) *SecretResolver {
	return &SecretResolver{cfg: cfg}
}

// Resolve returns value unchanged unless it is a secret reference.
//
//	env:NAME                environment variable NAME
//	vault:path#key          key of the vault secret at path (KV v1 or v2)
//	awssm:id[#key]          AWS Secrets Manager string, or key of its JSON
func (r *SecretResolver) Resolve(value string) (string, error) {
	switch {
	case strings.HasPrefix(value, SchemeEnv):
		name := strings.TrimPrefix(value, SchemeEnv)
		v, ok := os.LookupEnv(name)
		if !ok || v == "" {
			return "", fmt.Errorf("%w: environment variable %s not set", ErrSecretNotFound, name)
		}
		return v, nil
	case strings.HasPrefix(value, SchemeVault):
		path, key, ok := strings.Cut(strings.TrimPrefix(value, SchemeVault), "#")
		if !ok || path == "" || key == "" {
			return "", fmt.Errorf("vault reference must be vault:path#key")
		}
		return r.vaultSecret(path, key)
	case strings.HasPrefix(value, SchemeAWS):
		id, key, _ := strings.Cut(strings.TrimPrefix(value, SchemeAWS), "#")
		if id == "" {
			return "", fmt.Errorf("aws reference must be awssm:id[#key]")
		}
		return r.awsSecret(id, key)
	}
	return value, nil
}

func (r *SecretResolver) vaultClient() (*api.Client, error) {
	if r.vault != nil {
		return r.vault, nil
	}
	client, err := api.NewClient(&api.Config{
		Address: r.cfg.Vault.Address,
		Timeout: 10 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Vault client: %w", err)
	}

	if r.cfg.Vault.Token != "" {
		client.SetToken(r.cfg.Vault.Token)
	} else if token := os.Getenv("VAULT_TOKEN"); token != "" {
		client.SetToken(token)
	}
	r.vault = client
	return client, nil
}

func (r *SecretResolver) vaultSecret(path, key string) (string, error) {
	client, err := r.vaultClient()
	if err != nil {
		return "", err
	}

	secret, err := client.Logical().Read(path)
	if err != nil {
		return "", fmt.Errorf("failed to read from Vault: %w", err)
	}
	if secret == nil || secret.Data == nil {
		return "", fmt.Errorf("%w: vault path %s", ErrSecretNotFound, path)
	}

	data := secret.Data
	// KV v2 nests the payload one level down
	if nested, ok := data["data"].(map[string]interface{}); ok {
		data = nested
	}

	value, ok := data[key]
	if !ok {
		return "", fmt.Errorf("%w: key %s at vault path %s", ErrSecretNotFound, key, path)
	}
	str, ok := value.(string)
	if !ok {
		return "", fmt.Errorf("secret value for key %s is not a string", key)
	}
	return str, nil
}

func (r *SecretResolver) awsClient() (secretsmanageriface.SecretsManagerAPI, error) {
	if r.aws != nil {
		return r.aws, nil
	}

	awsCfg := &aws.Config{Region: aws.String(r.cfg.AWS.Region)}
	if r.cfg.AWS.AccessKey != "" && r.cfg.AWS.SecretKey != "" {
		awsCfg.Credentials = credentials.NewStaticCredentials(r.cfg.AWS.AccessKey, r.cfg.AWS.SecretKey, "")
	}
	sess, err := session.NewSession(awsCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create AWS session: %w", err)
	}
	r.aws = secretsmanager.New(sess)
	return r.aws, nil
}

func (r *SecretResolver) awsSecret(id, key string) (string, error) {
	client, err := r.awsClient()
	if err != nil {
		return "", err
	}

	out, err := client.GetSecretValue(&secretsmanager.GetSecretValueInput{
		SecretId: aws.String(id),
	})
	if err != nil {
		return "", fmt.Errorf("failed to get secret from AWS: %w", err)
	}
	if out.SecretString == nil {
		return "", fmt.Errorf("%w: aws secret %s has no string value", ErrSecretNotFound, id)
	}
	if key == "" {
		return *out.SecretString, nil
	}

	var fields map[string]interface{}
	if err := json.Unmarshal([]byte(*out.SecretString), &fields); err != nil {
		return "", fmt.Errorf("aws secret %s is not a JSON object: %w", id, err)
	}
	value, ok := fields[key].(string)
	if !ok {
		return "", fmt.Errorf("%w: key %s in aws secret %s", ErrSecretNotFound, key, id)
	}
	return value, nil
}

// ResolveSecrets replaces every secret reference in cfg: the MISP token, the
// MongoDB URI, the Redis password and feed header values.
func ResolveSecrets(cfg *Config, r *SecretResolver) error {
	targets := []struct {
		name string
		ptr  *string
	}{
		{"misp.token", &cfg.MISP.Token},
		{"mongodb.uri", &cfg.MongoDB.URI},
		{"redis.password", &cfg.Redis.Password},
	}
	for _, t := range targets {
		v, err := r.Resolve(*t.ptr)
		if err != nil {
			return fmt.Errorf("%s: %w", t.name, err)
		}
		*t.ptr = v
	}

	for i := range cfg.Feeds {
		for h, v := range cfg.Feeds[i].Headers {
			resolved, err := r.Resolve(v)
			if err != nil {
				return fmt.Errorf("feeds[%s].headers.%s: %w", cfg.Feeds[i].Name, h, err)
			}
			cfg.Feeds[i].Headers[h] = resolved
		}
	}

	if cfg.Storage.Backend == BackendMongoDB &&
		!strings.HasPrefix(cfg.MongoDB.URI, "mongodb://") && !strings.HasPrefix(cfg.MongoDB.URI, "mongodb+srv://") {
		return fmt.Errorf("%w: resolved MongoDB URI must start with mongodb:// or mongodb+srv://", ErrInvalidConfig)
	}
	return nil
}
