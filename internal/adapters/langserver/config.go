package langserver

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/bnema/ag-wakeup/internal/adapters/wire/protobuf"
	"github.com/bnema/ag-wakeup/internal/domain"
	"github.com/google/uuid"
)

const (
	DefaultAppVersion = "1.19.5"

	macAppRoot         = "/Applications/Antigravity.app"
	macInfoPlist       = macAppRoot + "/Contents/Info.plist"
	macExtensionPath   = macAppRoot + "/Contents/Resources/app/extensions/antigravity"
	macBinaryPath      = macExtensionPath + "/bin/language_server_macos_arm"
	appDataDirPrefix   = "antigravity-cockpit-tools-wakeup-ls"
	cloudCodeDaily     = "https://daily-cloudcode-pa.googleapis.com"
	cloudCodeProd      = "https://cloudcode-pa.googleapis.com"
	ideName            = "Antigravity"
	extensionName      = "antigravity"
	plistLookupTimeout = 5 * time.Second
)

// Config locates the vendor binary and describes the client it impersonates.
// Empty fields fall back to the platform defaults.
type Config struct {
	BinaryPath    string
	AppVersion    string
	ExtensionPath string
	Lang          string
}

// ResolveBinaryPath returns the configured binary, or the macOS bundle binary
// when present.
func (c Config) ResolveBinaryPath() (string, error) {
	if path := strings.TrimSpace(c.BinaryPath); path != "" {
		if _, err := os.Stat(path); err != nil {
			return "", fmt.Errorf("%w: %s: %v", domain.ErrBinaryNotFound, path, err)
		}
		return path, nil
	}
	if runtime.GOOS == "darwin" {
		if _, err := os.Stat(macBinaryPath); err == nil {
			return macBinaryPath, nil
		}
	}
	return "", fmt.Errorf("%w (set AG_WAKEUP_OFFICIAL_LS_BINARY_PATH)", domain.ErrBinaryNotFound)
}

func (c Config) extensionPath() string {
	if path := strings.TrimSpace(c.ExtensionPath); path != "" {
		return path
	}
	if _, err := os.Stat(macExtensionPath); err == nil {
		return macExtensionPath
	}
	return macAppRoot
}

var (
	bundleVersionOnce sync.Once
	bundleVersion     string
)

func (c Config) appVersion() string {
	if version := strings.TrimSpace(c.AppVersion); version != "" {
		return version
	}
	bundleVersionOnce.Do(func() {
		bundleVersion = readBundleVersion()
	})
	return bundleVersion
}

// readBundleVersion asks plutil for CFBundleShortVersionString.
func readBundleVersion() string {
	if runtime.GOOS != "darwin" {
		return DefaultAppVersion
	}
	ctx, cancel := context.WithTimeout(context.Background(), plistLookupTimeout)
	defer cancel()

	out, err := exec.CommandContext(ctx, "plutil", "-p", macInfoPlist).Output()
	if err != nil {
		return DefaultAppVersion
	}
	if version := parsePlistVersion(out); version != "" {
		return version
	}
	return DefaultAppVersion
}

func parsePlistVersion(out []byte) string {
	scanner := bufio.NewScanner(bytes.NewReader(out))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if !strings.HasPrefix(line, `"CFBundleShortVersionString"`) {
			continue
		}
		_, value, ok := strings.Cut(line, "=>")
		if !ok {
			continue
		}
		if version := strings.Trim(strings.TrimSpace(value), `"`); version != "" {
			return version
		}
	}
	return ""
}

// Metadata builds the stdin handshake message. Every call gets a fresh
// device fingerprint.
func (c Config) Metadata() protobuf.Metadata {
	lang := c.Lang
	if lang == "" {
		lang = os.Getenv("LANG")
	}
	return protobuf.Metadata{
		IDEName:           ideName,
		IDEVersion:        c.appVersion(),
		ExtensionName:     extensionName,
		ExtensionPath:     c.extensionPath(),
		Locale:            protobuf.LocaleFromLang(lang),
		DeviceFingerprint: uuid.NewString(),
	}
}

// CloudCodeEndpoint picks prod for GCP terms-of-service accounts, daily otherwise.
func CloudCodeEndpoint(token domain.Token) string {
	if token.IsGCPToS {
		return cloudCodeProd
	}
	return cloudCodeDaily
}

// AppDataDir is the per-account working directory name passed to the binary.
func AppDataDir(accountID domain.AccountID) string {
	runes := []rune(string(accountID))
	if len(runes) > 8 {
		runes = runes[:8]
	}
	return appDataDirPrefix + "-" + string(runes)
}
