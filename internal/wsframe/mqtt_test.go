package wsframe

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// encodeVarint is the test-side encoder used to round-trip decodeVarint.
func encodeVarint(n int) []byte {
	var out []byte
	for {
		b := byte(n % 128)
		n /= 128
		if n > 0 {
			b |= 0x80
		}
		out = append(out, b)
		if n == 0 {
			break
		}
	}
	return out
}

func TestDecodeVarint_RoundTrip(t *testing.T) {
	cases := []int{0, 1, 127, 128, 16383, 16384, 2097151, 2097152, 268435455}
	for _, n := range cases {
		encoded := encodeVarint(n)
		buf := append(append([]byte{0xAA}, encoded...), 0xFF)
		value, consumed, ok := decodeVarint(buf, 1)
		require.True(t, ok, "n=%d", n)
		assert.Equal(t, n, value)
		assert.Equal(t, len(encoded), consumed)
	}
}

func TestDecodeVarint_TooManyBytes(t *testing.T) {
	buf := []byte{0x80, 0x80, 0x80, 0x80, 0x01}
	_, _, ok := decodeVarint(buf, 0)
	assert.False(t, ok)
}

func TestIsPing(t *testing.T) {
	tests := []struct {
		name string
		buf  []byte
		want bool
	}{
		{"pingreq", []byte{0xC0, 0x00}, true},
		{"pingresp", []byte{0xD0, 0x00}, true},
		{"wrong second byte", []byte{0xC0, 0x01}, false},
		{"wrong first byte", []byte{0x30, 0x00}, false},
		{"too short", []byte{0xC0}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsPing(tt.buf))
		})
	}
}

// buildPublish assembles a raw MQTT PUBLISH frame for tests.
func buildPublish(topic string, payload []byte, qos byte) []byte {
	var body []byte
	topicBytes := []byte(topic)
	body = append(body, byte(len(topicBytes)>>8), byte(len(topicBytes)&0xFF))
	body = append(body, topicBytes...)
	if qos > 0 {
		body = append(body, 0x00, 0x01) // packet identifier
	}
	body = append(body, payload...)

	header := []byte{0x30 | (qos << 1)}
	header = append(header, encodeVarint(len(body))...)
	return append(header, body...)
}

func TestDecodePublish_ExtractsTopicAndPayload(t *testing.T) {
	tests := []struct {
		name    string
		topic   string
		payload string
		qos     byte
	}{
		{"qos0", "pigeon/auctions/245/pigeons/187099", `{"bidid":1}`, 0},
		{"qos1 skips packet id", "bid/pigeons/180808", `{"quote":1500}`, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			raw := buildPublish(tt.topic, []byte(tt.payload), tt.qos)
			pub, err := decodePublish(raw)
			require.NoError(t, err)
			assert.Equal(t, tt.topic, pub.topic)
			assert.Equal(t, tt.payload, string(raw[pub.payloadStart:pub.payloadEnd]))
		})
	}
}

func TestDecodePublish_RejectsNonPublishType(t *testing.T) {
	raw := []byte{0xC0, 0x00}
	_, err := decodePublish(raw)
	assert.ErrorIs(t, err, ErrMalformedFrame)
}

func TestDecodePublish_PreviewTruncatesAt64Bytes(t *testing.T) {
	payload := make([]byte, 100)
	for i := range payload {
		payload[i] = 'x'
	}
	raw := buildPublish("topic/x", payload, 0)
	pub, err := decodePublish(raw)
	require.NoError(t, err)
	preview := previewUTF8(raw[pub.payloadStart:pub.payloadEnd], previewBytes)
	assert.Len(t, preview, 64)
}
