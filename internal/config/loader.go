package config

import (
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// DefaultMaxBodySize is used when gateway.max_body_size is empty.
const DefaultMaxBodySize int64 = 1 << 20

// Load reads and parses configuration from a file. A directory is accepted
// and resolved to <dir>/switchboard.yaml.
func Load(configPath string) (*Config, error) {
	absPath, err := filepath.Abs(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve config path %q: %w", configPath, err)
	}

	info, err := os.Stat(absPath)
	if err != nil {
		return nil, fmt.Errorf("config file not found: %s\n"+
			"Hint: Check the path or run with --config flag", absPath)
	}
	if info.IsDir() {
		absPath = filepath.Join(absPath, "switchboard.yaml")
	}

	data, err := os.ReadFile(absPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML over the defaults, interpolates ${VAR} references and
// validates the result.
func Parse(data []byte) (*Config, error) {
	cfg := Defaults()
	if err := yaml.Unmarshal([]byte(interpolateEnv(string(data))), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}
	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// DiscoverConfigPath finds the config file by checking standard locations.
// Priority: $SWITCHBOARD_CONFIG, ~/.config/switchboard/switchboard.yaml,
// /etc/switchboard/switchboard.yaml, ./switchboard.yaml.
func DiscoverConfigPath() (string, error) {
	if p := os.Getenv("SWITCHBOARD_CONFIG"); p != "" {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	candidates := []string{}
	if home, err := os.UserHomeDir(); err == nil {
		candidates = append(candidates, filepath.Join(home, ".config", "switchboard", "switchboard.yaml"))
	}
	candidates = append(candidates, "/etc/switchboard/switchboard.yaml", "./switchboard.yaml")

	for _, c := range candidates {
		if _, err := os.Stat(c); err == nil {
			return c, nil
		}
	}
	return "", fmt.Errorf("no config found (checked: $SWITCHBOARD_CONFIG, %s)", strings.Join(candidates, ", "))
}

// interpolateEnv replaces ${VAR} with environment variable values.
// Undefined variables are left as-is so validation can report them.
func interpolateEnv(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		varName := envVarPattern.FindStringSubmatch(match)[1]
		if value, exists := os.LookupEnv(varName); exists {
			return value
		}
		return match
	})
}

var structValidator = validator.New(validator.WithRequiredStructEnabled())

// validate performs struct-tag validation followed by cross-field checks.
func validate(cfg *Config) error {
	secrets := map[string]string{
		"security.credentials_key":       cfg.Security.CredentialsKey,
		"api.auth.api_key":               cfg.API.Auth.APIKey,
		"idempotency.redis.password":     cfg.Idempotency.Redis.Password,
		"pipeline.analysis_token":        cfg.Pipeline.AnalysisToken,
		"artifacts.s3.secret_access_key": cfg.Artifacts.S3.SecretAccessKey,
	}
	for field, value := range secrets {
		if err := checkUnresolved(field, value); err != nil {
			return err
		}
	}
	for i, tok := range cfg.API.Auth.Tokens {
		if err := checkUnresolved(fmt.Sprintf("api.auth.tokens[%d].token", i), tok.Token); err != nil {
			return err
		}
	}

	if err := structValidator.Struct(cfg); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return fmt.Errorf("%s failed %q validation (got %v)", fe.Namespace(), fe.Tag(), fe.Value())
		}
		return err
	}

	key, err := base64.StdEncoding.DecodeString(cfg.Security.CredentialsKey)
	if err != nil || len(key) != 32 {
		return fmt.Errorf("security.credentials_key must decode to 32 bytes")
	}

	if _, err := ParseSize(cfg.Gateway.MaxBodySize); err != nil {
		return fmt.Errorf("gateway.max_body_size: %w", err)
	}

	if cfg.API.Enabled && cfg.API.Auth.APIKey == "" && len(cfg.API.Auth.Tokens) == 0 {
		return fmt.Errorf("api.auth: api_key or tokens required when api is enabled")
	}
	if cfg.Idempotency.Backend == "redis" && cfg.Idempotency.Redis.Addr == "" {
		return fmt.Errorf("idempotency.redis.addr is required for the redis backend")
	}
	if cfg.Artifacts.Backend == "s3" && (cfg.Artifacts.S3.Bucket == "" || cfg.Artifacts.S3.Region == "") {
		return fmt.Errorf("artifacts.s3.bucket and artifacts.s3.region are required for the s3 backend")
	}
	return nil
}

func checkUnresolved(field, value string) error {
	if m := envVarPattern.FindStringSubmatch(value); len(m) > 1 {
		return fmt.Errorf("%s: environment variable ${%s} is not set", field, m[1])
	}
	return nil
}

// ParseSize parses size strings like "1MB", "512KB", "2048576" to bytes.
// Returns DefaultMaxBodySize if empty.
func ParseSize(size string) (int64, error) {
	if size == "" {
		return DefaultMaxBodySize, nil
	}

	upper := strings.ToUpper(strings.TrimSpace(size))
	multiplier := int64(1)
	for _, unit := range []struct {
		suffix string
		mult   int64
	}{{"KB", 1 << 10}, {"MB", 1 << 20}, {"GB", 1 << 30}} {
		if strings.HasSuffix(upper, unit.suffix) {
			multiplier = unit.mult
			upper = strings.TrimSuffix(upper, unit.suffix)
			break
		}
	}

	value, err := strconv.ParseInt(strings.TrimSpace(upper), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid size value: %w", err)
	}
	if value <= 0 {
		return 0, fmt.Errorf("size must be positive")
	}
	result := value * multiplier
	if result/multiplier != value {
		return 0, fmt.Errorf("size too large")
	}
	return result, nil
}
