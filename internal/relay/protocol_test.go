package relay

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/calvadev/nostrpow/internal/errors"
	nostr "github.com/nbd-wtf/go-nostr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleEvent = `{"id":"0000ab12","pubkey":"f00d","created_at":1700000000,"kind":1,"tags":[["t","pow"]],"content":"gm","sig":"beef"}`

func TestDecodeFrameVariants(t *testing.T) {
	f, err := DecodeFrame([]byte(`["EVENT","notes_1",` + sampleEvent + `]`))
	require.NoError(t, err)
	assert.Equal(t, FrameEvent, f.Type)
	assert.Equal(t, "notes_1", f.SubscriptionID)
	require.NotNil(t, f.Event)
	assert.Equal(t, "0000ab12", f.Event.ID)
	assert.Equal(t, nostr.Timestamp(1700000000), f.Event.CreatedAt)
	assert.Equal(t, 1, f.Event.Kind)
	assert.Equal(t, "gm", f.Event.Content)

	f, err = DecodeFrame([]byte(`["EOSE","notes_1"]`))
	require.NoError(t, err)
	assert.Equal(t, FrameEOSE, f.Type)
	assert.Equal(t, "notes_1", f.SubscriptionID)

	f, err = DecodeFrame([]byte(`["NOTICE","slow down"]`))
	require.NoError(t, err)
	assert.Equal(t, "slow down", f.Message)

	f, err = DecodeFrame([]byte(`["OK","abcd",true,""]`))
	require.NoError(t, err)
	assert.Equal(t, "abcd", f.EventID)
	assert.True(t, f.Accepted)

	f, err = DecodeFrame([]byte(`["CLOSED","notes_1","auth-required: nope"]`))
	require.NoError(t, err)
	assert.Equal(t, "notes_1", f.SubscriptionID)
	assert.Equal(t, "auth-required: nope", f.Message)

	f, err = DecodeFrame([]byte(`["AUTH","challenge-string"]`))
	require.NoError(t, err)
	assert.Equal(t, "challenge-string", f.Challenge)
	assert.True(t, f.Known())
}

func TestDecodeFrameUnknownLabelIsIgnored(t *testing.T) {
	f, err := DecodeFrame([]byte(`["COUNT","sub",{"count":3}]`))
	require.NoError(t, err)
	assert.Equal(t, "COUNT", f.Type)
	assert.False(t, f.Known())
}

func TestDecodeFrameMalformed(t *testing.T) {
	cases := map[string]string{
		"not json":           `hello`,
		"object":             `{"type":"EVENT"}`,
		"empty array":        `[]`,
		"numeric label":      `[1,"x"]`,
		"event missing body": `["EVENT","sub"]`,
		"event body string":  `["EVENT","sub","{}"]`,
		"event numeric sub":  `["EVENT",5,` + sampleEvent + `]`,
		"event bad field":    `["EVENT","sub",{"id":5}]`,
		"eose extra":         `["EOSE","sub","extra"]`,
		"notice not string":  `["NOTICE",42]`,
		"ok status not bool": `["OK","id","yes",""]`,
		"closed missing id":  `["CLOSED"]`,
		"auth missing":       `["AUTH"]`,
		"truncated":          `["EVENT","sub",{"id":"x"`,
	}

	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := DecodeFrame([]byte(raw))
			require.Error(t, err)
			assert.ErrorIs(t, err, errors.ErrMalformedFrame)
		})
	}
}

func TestEncodeReq(t *testing.T) {
	raw, err := EncodeReq("notes_x", nostr.Filter{Kinds: []int{1}, Limit: 100})
	require.NoError(t, err)

	var arr []json.RawMessage
	require.NoError(t, json.Unmarshal(raw, &arr))
	require.Len(t, arr, 3)
	assert.JSONEq(t, `"REQ"`, string(arr[0]))
	assert.JSONEq(t, `"notes_x"`, string(arr[1]))
	assert.JSONEq(t, `{"kinds":[1],"limit":100}`, string(arr[2]))
}

func TestEncodeClose(t *testing.T) {
	raw, err := EncodeClose("notes_x")
	require.NoError(t, err)
	assert.JSONEq(t, `["CLOSE","notes_x"]`, string(raw))
}

func TestNewSubscriptionID(t *testing.T) {
	a, b := NewSubscriptionID(), NewSubscriptionID()
	assert.True(t, strings.HasPrefix(a, "notes_"))
	assert.NotEqual(t, a, b)
}
