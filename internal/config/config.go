// Package config loads agw settings from ~/.ag-wakeup/config.toml and
// AG_WAKEUP_* environment variables into a viper instance.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/bnema/ag-wakeup/internal/domain"
	"github.com/spf13/viper"
)

const (
	EnvPrefix = "AG_WAKEUP"
	Dir       = ".ag-wakeup"
	File      = "config.toml"
)

const (
	KeyTransportMode     = "transport.mode"
	KeyGatewayBaseURL    = "gateway.base_url"
	KeyGatewayBackend    = "gateway.backend"
	KeyGatewayAddr       = "gateway.addr"
	KeyLSBinaryPath      = "langserver.binary_path"
	KeyLSAppVersion      = "langserver.app_version"
	KeyLSExtensionPath   = "langserver.extension_path"
	KeyAccountsPath      = "accounts.path"
	KeyGroupsPath        = "groups.path"
	KeyVerificationPath  = "verification.path"
	KeySecretsDir        = "secrets.dir"
	KeySecretsBackend    = "secrets.backend"
	KeySecretsPassDir    = "secrets.pass_dir"
	KeyOAuthClientID     = "oauth.client_id"
	KeyOAuthClientSecret = "oauth.client_secret"
	KeyOAuthAuthURL      = "oauth.auth_url"
	KeyOAuthTokenURL     = "oauth.token_url"
	KeyOAuthListenAddr   = "oauth.listen_addr"
	KeyCloudCodeBaseURLs = "cloudcode.base_urls"
	KeyLogLevel          = "log.level"
	KeyLogFormat         = "log.format"
)

const (
	BackendOfficialLS = "official_ls"
	BackendDirect     = "direct"

	SecretsBackendChain = "chain"
	SecretsBackendFile  = "file"
)

// envNames lists the variables that do not follow the plain
// AG_WAKEUP_<SECTION>_<KEY> mapping.
var envNames = map[string]string{
	KeyLSBinaryPath:    "AG_WAKEUP_OFFICIAL_LS_BINARY_PATH",
	KeyLSAppVersion:    "AG_WAKEUP_OFFICIAL_APP_VERSION",
	KeyLSExtensionPath: "AG_WAKEUP_OFFICIAL_EXTENSION_PATH",
}

var boundKeys = []string{
	KeyTransportMode, KeyGatewayBaseURL, KeyGatewayBackend, KeyGatewayAddr,
	KeyLSBinaryPath, KeyLSAppVersion, KeyLSExtensionPath,
	KeyAccountsPath, KeyGroupsPath, KeyVerificationPath,
	KeySecretsDir, KeySecretsBackend, KeySecretsPassDir,
	KeyOAuthClientID, KeyOAuthClientSecret, KeyOAuthAuthURL, KeyOAuthTokenURL, KeyOAuthListenAddr,
	KeyCloudCodeBaseURLs, KeyLogLevel, KeyLogFormat,
}

// Load applies defaults, binds the environment and merges the config file.
// path overrides the default file location; a missing file is not an error.
func Load(v *viper.Viper, path string) error {
	v.SetDefault(KeyTransportMode, string(domain.TransportGateway))
	v.SetDefault(KeyGatewayBackend, BackendOfficialLS)
	v.SetDefault(KeyGatewayAddr, "127.0.0.1:0")
	v.SetDefault(KeySecretsBackend, SecretsBackendChain)
	v.SetDefault(KeyOAuthListenAddr, "127.0.0.1:0")
	v.SetDefault(KeyLogLevel, "info")
	v.SetDefault(KeyLogFormat, "text")

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	for _, key := range boundKeys {
		var err error
		if name, ok := envNames[key]; ok {
			err = v.BindEnv(key, name)
		} else {
			err = v.BindEnv(key)
		}
		if err != nil {
			return fmt.Errorf("bind env for %s: %w", key, err)
		}
	}

	if strings.TrimSpace(path) == "" {
		resolved, err := DefaultPath()
		if err != nil {
			return err
		}
		path = resolved
	}
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("stat config file: %w", err)
	}

	v.SetConfigFile(path)
	v.SetConfigType("toml")
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("read config file %s: %w", path, err)
	}
	return nil
}

func DefaultPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home directory: %w", err)
	}
	return filepath.Join(home, Dir, File), nil
}

// TransportMode is read on every call so a changed environment applies to
// the next wakeup.
func TransportMode(v *viper.Viper) domain.TransportMode {
	return domain.ParseTransportMode(v.GetString(KeyTransportMode))
}

// SecretsDir is the file secret store root.
func SecretsDir(v *viper.Viper) (string, error) {
	if dir := strings.TrimSpace(v.GetString(KeySecretsDir)); dir != "" {
		return filepath.Clean(dir), nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home directory: %w", err)
	}
	return filepath.Join(home, Dir, "secrets"), nil
}

// GatewayBackend returns official_ls or direct; unknown values fall back to
// official_ls.
func GatewayBackend(v *viper.Viper) string {
	if strings.EqualFold(strings.TrimSpace(v.GetString(KeyGatewayBackend)), BackendDirect) {
		return BackendDirect
	}
	return BackendOfficialLS
}

// CloudCodeBaseURLs accepts either a TOML array or a comma separated string.
func CloudCodeBaseURLs(v *viper.Viper) []string {
	raw := v.Get(KeyCloudCodeBaseURLs)
	var parts []string
	switch value := raw.(type) {
	case nil:
		return nil
	case string:
		parts = strings.Split(value, ",")
	case []string:
		parts = value
	case []any:
		for _, item := range value {
			parts = append(parts, fmt.Sprint(item))
		}
	default:
		parts = strings.Split(fmt.Sprint(value), ",")
	}

	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
