package protobuf

import (
	"encoding/base64"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/bnema/ag-wakeup/internal/domain"
	"google.golang.org/protobuf/encoding/protowire"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/timestamppb"
)

const (
	metadataIDEName           protowire.Number = 1
	metadataLocale            protowire.Number = 4
	metadataIDEVersion        protowire.Number = 7
	metadataExtensionName     protowire.Number = 12
	metadataExtensionPath     protowire.Number = 17
	metadataDeviceFingerprint protowire.Number = 24
)

const (
	OAuthTopicName   = "uss-oauth"
	OAuthSentinelKey = "oauthTokenInfoSentinelKey"
	DefaultLocale    = "zh-CN"
)

// Metadata is the client metadata written to the language server's stdin.
type Metadata struct {
	IDEName           string
	IDEVersion        string
	ExtensionName     string
	ExtensionPath     string
	Locale            string
	DeviceFingerprint string
}

// Marshal omits empty fields; an empty message encodes as a single zero varint.
func (m Metadata) Marshal() []byte {
	var b []byte
	b = AppendString(b, metadataIDEName, m.IDEName)
	b = AppendString(b, metadataLocale, m.Locale)
	b = AppendString(b, metadataIDEVersion, m.IDEVersion)
	b = AppendString(b, metadataExtensionName, m.ExtensionName)
	b = AppendString(b, metadataExtensionPath, m.ExtensionPath)
	b = AppendString(b, metadataDeviceFingerprint, m.DeviceFingerprint)
	if len(b) == 0 {
		return protowire.AppendVarint(nil, 0)
	}
	return b
}

// LocaleFromLang converts a POSIX LANG value ("en_US.UTF-8") to a BCP 47 tag.
func LocaleFromLang(lang string) string {
	lang = strings.TrimSpace(lang)
	if idx := strings.IndexByte(lang, '.'); idx >= 0 {
		lang = lang[:idx]
	}
	if lang == "" || lang == "C" || lang == "POSIX" {
		return DefaultLocale
	}
	return strings.ReplaceAll(lang, "_", "-")
}

// OAuthInfo is the credential message embedded in the OAuth topic.
type OAuthInfo struct {
	AccessToken  string
	TokenType    string
	RefreshToken string
	Expiry       time.Time
}

func (o OAuthInfo) Marshal() ([]byte, error) {
	tokenType := o.TokenType
	if tokenType == "" {
		tokenType = "Bearer"
	}

	var b []byte
	b = AppendString(b, 1, o.AccessToken)
	b = AppendString(b, 2, tokenType)
	b = AppendString(b, 3, o.RefreshToken)
	if !o.Expiry.IsZero() {
		ts, err := proto.Marshal(timestamppb.New(o.Expiry))
		if err != nil {
			return nil, fmt.Errorf("marshal oauth expiry: %w", err)
		}
		b = AppendMessage(b, 4, ts)
	}
	return b, nil
}

// OAuthTopic builds Topic{data: {OAuthSentinelKey: Row{value: base64(info)}}}.
func OAuthTopic(info OAuthInfo) ([]byte, error) {
	raw, err := info.Marshal()
	if err != nil {
		return nil, err
	}

	row := AppendString(nil, 1, base64.StdEncoding.EncodeToString(raw))
	entry := AppendString(nil, 1, OAuthSentinelKey)
	entry = AppendMessage(entry, 2, row)
	return AppendMessage(nil, 1, entry), nil
}

// UnifiedStateSyncUpdate wraps a topic as the initial state of a push update.
func UnifiedStateSyncUpdate(topic []byte) []byte {
	return AppendMessage(nil, 1, topic)
}

// LanguageServerStarted carries the ports the language server bound.
type LanguageServerStarted struct {
	HTTPSPort uint32
	LSPPort   uint32
	HTTPPort  uint32
}

func ParseLanguageServerStarted(msg []byte) (LanguageServerStarted, error) {
	fields, err := Fields(msg)
	if err != nil {
		return LanguageServerStarted{}, err
	}

	var out LanguageServerStarted
	for _, field := range fields {
		if field.Type != protowire.VarintType {
			continue
		}
		switch field.Number {
		case 1:
			out.HTTPSPort = uint32(field.Varint)
		case 2:
			out.LSPPort = uint32(field.Varint)
		case 5:
			out.HTTPPort = uint32(field.Varint)
		}
	}
	if out.HTTPSPort == 0 {
		return LanguageServerStarted{}, &domain.ProtocolError{Op: "parse LanguageServerStarted", Reason: "missing https_port"}
	}
	return out, nil
}

// MarshalLanguageServerStarted is the inverse of ParseLanguageServerStarted.
func MarshalLanguageServerStarted(msg LanguageServerStarted) []byte {
	b := AppendVarint(nil, 1, uint64(msg.HTTPSPort))
	if msg.LSPPort != 0 {
		b = AppendVarint(b, 2, uint64(msg.LSPPort))
	}
	if msg.HTTPPort != 0 {
		b = AppendVarint(b, 5, uint64(msg.HTTPPort))
	}
	return b
}

// ParseSubscribeTopic returns the topic name (field 1) of a subscribe request.
func ParseSubscribeTopic(msg []byte) (string, error) {
	fields, err := Fields(msg)
	if err != nil {
		return "", err
	}
	for _, field := range fields {
		if field.Number == 1 && field.Type == protowire.BytesType {
			if !utf8.Valid(field.Bytes) {
				return "", &domain.ProtocolError{Op: "parse subscribe request", Reason: "topic is not valid UTF-8"}
			}
			return string(field.Bytes), nil
		}
	}
	return "", &domain.ProtocolError{Op: "parse subscribe request", Reason: "missing topic"}
}

func MarshalSubscribeRequest(topic string) []byte {
	return AppendString(nil, 1, topic)
}

// StringField encodes a message whose only field 1 is value, written even when empty.
func StringField(value string) []byte {
	b := protowire.AppendTag(nil, 1, protowire.BytesType)
	return protowire.AppendString(b, value)
}
