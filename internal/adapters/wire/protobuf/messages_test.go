package protobuf

import (
	"encoding/base64"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/encoding/protowire"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/timestamppb"
)

func TestMetadataFieldNumbers(t *testing.T) {
	t.Parallel()

	msg := Metadata{
		IDEName:           "Antigravity",
		IDEVersion:        "1.19.5",
		ExtensionName:     "antigravity",
		ExtensionPath:     "/ext",
		Locale:            "en-US",
		DeviceFingerprint: "fp",
	}.Marshal()

	fields, err := Fields(msg)
	require.NoError(t, err)

	got := map[protowire.Number]string{}
	for _, field := range fields {
		require.Equal(t, protowire.BytesType, field.Type)
		got[field.Number] = string(field.Bytes)
	}
	assert.Equal(t, map[protowire.Number]string{
		1:  "Antigravity",
		4:  "en-US",
		7:  "1.19.5",
		12: "antigravity",
		17: "/ext",
		24: "fp",
	}, got)
}

func TestMetadataOmitsEmptyFields(t *testing.T) {
	t.Parallel()

	fields, err := Fields(Metadata{IDEName: "Antigravity"}.Marshal())
	require.NoError(t, err)
	require.Len(t, fields, 1)
	assert.Equal(t, protowire.Number(1), fields[0].Number)

	assert.Equal(t, []byte{0x00}, Metadata{}.Marshal())
}

func TestLocaleFromLang(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "en-US", LocaleFromLang("en_US.UTF-8"))
	assert.Equal(t, "fr-FR", LocaleFromLang("fr_FR"))
	assert.Equal(t, DefaultLocale, LocaleFromLang(""))
	assert.Equal(t, DefaultLocale, LocaleFromLang("C.UTF-8"))
}

func TestOAuthTopicLayout(t *testing.T) {
	t.Parallel()

	expiry := time.Unix(1_800_000_000, 0).UTC()
	topic, err := OAuthTopic(OAuthInfo{AccessToken: "access", RefreshToken: "refresh", Expiry: expiry})
	require.NoError(t, err)

	topicFields, err := Fields(topic)
	require.NoError(t, err)
	require.Len(t, topicFields, 1)
	require.Equal(t, protowire.Number(1), topicFields[0].Number)

	entryFields, err := Fields(topicFields[0].Bytes)
	require.NoError(t, err)
	require.Len(t, entryFields, 2)
	assert.Equal(t, OAuthSentinelKey, string(entryFields[0].Bytes))

	rowFields, err := Fields(entryFields[1].Bytes)
	require.NoError(t, err)
	require.Len(t, rowFields, 1)

	raw, err := base64.StdEncoding.DecodeString(string(rowFields[0].Bytes))
	require.NoError(t, err)

	infoFields, err := Fields(raw)
	require.NoError(t, err)
	require.Len(t, infoFields, 4)
	assert.Equal(t, "access", string(infoFields[0].Bytes))
	assert.Equal(t, "Bearer", string(infoFields[1].Bytes))
	assert.Equal(t, "refresh", string(infoFields[2].Bytes))

	var ts timestamppb.Timestamp
	require.NoError(t, proto.Unmarshal(infoFields[3].Bytes, &ts))
	assert.Equal(t, expiry.Unix(), ts.GetSeconds())
}

func TestUnifiedStateSyncUpdateWrapsTopic(t *testing.T) {
	t.Parallel()

	fields, err := Fields(UnifiedStateSyncUpdate([]byte{}))
	require.NoError(t, err)
	require.Len(t, fields, 1)
	assert.Empty(t, fields[0].Bytes)
}

func TestParseLanguageServerStarted(t *testing.T) {
	t.Parallel()

	msg := MarshalLanguageServerStarted(LanguageServerStarted{HTTPSPort: 42100, LSPPort: 42101, HTTPPort: 42102})
	// Unknown fields of every supported wire type must be skipped.
	msg = protowire.AppendTag(msg, 3, protowire.Fixed32Type)
	msg = protowire.AppendFixed32(msg, 7)
	msg = protowire.AppendTag(msg, 4, protowire.Fixed64Type)
	msg = protowire.AppendFixed64(msg, 9)
	msg = AppendString(msg, 6, "ignored")

	started, err := ParseLanguageServerStarted(msg)
	require.NoError(t, err)
	assert.Equal(t, LanguageServerStarted{HTTPSPort: 42100, LSPPort: 42101, HTTPPort: 42102}, started)

	_, err = ParseLanguageServerStarted(AppendVarint(nil, 2, 1))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "https_port")
}

func TestFieldsRejectsTruncatedAndGroups(t *testing.T) {
	t.Parallel()

	_, err := Fields([]byte{0x0a, 0x05, 'a'})
	require.Error(t, err)

	_, err = Fields(protowire.AppendTag(nil, 1, protowire.StartGroupType))
	require.Error(t, err)
}

func TestParseSubscribeTopic(t *testing.T) {
	t.Parallel()

	topic, err := ParseSubscribeTopic(MarshalSubscribeRequest(OAuthTopicName))
	require.NoError(t, err)
	assert.Equal(t, OAuthTopicName, topic)

	_, err = ParseSubscribeTopic(nil)
	require.Error(t, err)
}

func TestStringFieldWritesEmptyValue(t *testing.T) {
	t.Parallel()

	assert.Equal(t, []byte{0x0a, 0x00}, StringField(""))
}

func TestFieldsVarintRoundTripProperty(t *testing.T) {
	t.Parallel()

	properties := gopter.NewProperties(gopter.DefaultTestParameters())

	properties.Property("varint fields round-trip", prop.ForAll(
		func(num int, value uint64) bool {
			fields, err := Fields(AppendVarint(nil, protowire.Number(num), value))
			return err == nil && len(fields) == 1 && fields[0].Varint == value && int(fields[0].Number) == num
		},
		gen.IntRange(1, 1<<20),
		gen.UInt64(),
	))

	properties.Property("string fields round-trip", prop.ForAll(
		func(num int, value string) bool {
			fields, err := Fields(AppendString(nil, protowire.Number(num), value))
			if value == "" {
				return err == nil && len(fields) == 0
			}
			return err == nil && len(fields) == 1 && string(fields[0].Bytes) == value
		},
		gen.IntRange(1, 1<<20),
		gen.AnyString(),
	))

	properties.TestingRun(t)
}
