package decoder

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math/rand"
	"strings"
	"testing"
	"testing/iotest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chatrelay/internal/models"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func decodeChunks(t *testing.T, format models.RecordFormat, chunks ...string) []string {
	t.Helper()

	d := New(nil, format, quietLogger())
	var out []string
	for _, chunk := range chunks {
		tokens, err := d.Feed([]byte(chunk))
		require.NoError(t, err)
		out = append(out, tokens...)
	}
	tokens, err := d.Flush()
	require.NoError(t, err)
	return append(out, tokens...)
}

func drain(t *testing.T, d *Decoder) ([]string, error) {
	t.Helper()

	var out []string
	for {
		token, err := d.Next(context.Background())
		if err != nil {
			if errors.Is(err, io.EOF) {
				return out, nil
			}
			return out, err
		}
		out = append(out, token)
	}
}

var streams = []struct {
	name   string
	format models.RecordFormat
	raw    string
	want   []string
}{
	{
		name:   "openai delta with sentinel",
		format: models.FormatOpenAIDelta,
		raw: "data: {\"choices\":[{\"delta\":{\"role\":\"assistant\"}}]}\n\n" +
			"data: {\"choices\":[{\"delta\":{\"content\":\"Hel\"}}]}\n\n" +
			"data: {\"choices\":[{\"delta\":{\"content\":\"lo, \"}}]}\n\n" +
			"data: {\"choices\":[{\"delta\":{\"content\":\"世界\"}}]}\n\n" +
			"data: {\"choices\":[{\"delta\":{},\"finish_reason\":\"stop\"}]}\n\n" +
			"data: [DONE]\n\n",
		want: []string{"Hel", "lo, ", "世界"},
	},
	{
		name:   "native without trailing newline",
		format: models.FormatNative,
		raw: "{\"message\":{\"role\":\"assistant\",\"content\":\"The \"},\"done\":false}\n" +
			"{\"message\":{\"role\":\"assistant\",\"content\":\"sky\"},\"done\":false}\n" +
			"{\"message\":{\"role\":\"assistant\",\"content\":\" is blue\"},\"done\":false}\n" +
			"{\"message\":{\"role\":\"assistant\",\"content\":\"\"},\"done\":true}",
		want: []string{"The ", "sky", " is blue"},
	},
	{
		name:   "token finished with crlf",
		format: models.FormatTokenFinished,
		raw: "data: {\"token\":\"a\",\"finished\":false}\r\n" +
			"data: {\"token\":\"b\",\"finished\":false}\r\n" +
			"data: {\"token\":\"c\",\"finished\":true}\r\n",
		want: []string{"a", "b"},
	},
}

func TestDecodeWholeStream(t *testing.T) {
	for _, tc := range streams {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, decodeChunks(t, tc.format, tc.raw))
		})
	}
}

func TestChunkBoundaryInvariance(t *testing.T) {
	rng := rand.New(rand.NewSource(42))

	for _, tc := range streams {
		t.Run(tc.name, func(t *testing.T) {
			whole := decodeChunks(t, tc.format, tc.raw)

			// Every single split point, including ones inside multi-byte runes.
			for i := 0; i <= len(tc.raw); i++ {
				got := decodeChunks(t, tc.format, tc.raw[:i], tc.raw[i:])
				require.Equal(t, whole, got, "split at byte %d", i)
			}

			for round := 0; round < 200; round++ {
				var chunks []string
				rest := tc.raw
				for len(rest) > 0 {
					n := 1 + rng.Intn(12)
					if n > len(rest) {
						n = len(rest)
					}
					chunks = append(chunks, rest[:n])
					rest = rest[n:]
				}
				require.Equal(t, whole, decodeChunks(t, tc.format, chunks...), "round %d", round)
			}

			tokens, err := drain(t, New(iotest.OneByteReader(strings.NewReader(tc.raw)), tc.format, quietLogger()))
			require.NoError(t, err)
			assert.Equal(t, whole, tokens)
		})
	}
}

func TestTokenFinishedSplitPrefix(t *testing.T) {
	chunks := []string{
		"dat",
		"a: {\"token\":\"hel\",\"finished\":false}\ndata: {\"token\":\"lo\",\"finished\":true}\n",
	}

	got := decodeChunks(t, models.FormatTokenFinished, chunks...)
	assert.Equal(t, []string{"hel"}, got)
	assert.Equal(t, decodeChunks(t, models.FormatTokenFinished, strings.Join(chunks, "")), got)
}

func TestMalformedRecordsAreSkipped(t *testing.T) {
	raw := "{\"message\":{\"content\":\"one\"}}\n" +
		"{\"message\":{\"content\":\n" +
		"not json at all\n" +
		"{\"message\":{\"content\":\"two\"}}\n"

	tokens, err := drain(t, New(strings.NewReader(raw), models.FormatNative, quietLogger()))
	require.NoError(t, err)
	assert.Equal(t, []string{"one", "two"}, tokens)
}

func TestVendorErrorAfterTokens(t *testing.T) {
	raw := "{\"message\":{\"content\":\"partial\"}}\n" +
		"{\"error\":\"model runner crashed\"}\n" +
		"{\"message\":{\"content\":\"never\"}}\n"

	tokens, err := drain(t, New(strings.NewReader(raw), models.FormatNative, quietLogger()))
	require.ErrorIs(t, err, ErrVendorError)
	assert.Contains(t, err.Error(), "model runner crashed")
	assert.Equal(t, []string{"partial"}, tokens)
}

func TestVendorErrorObject(t *testing.T) {
	raw := "data: {\"error\":{\"message\":\"rate limited\",\"type\":\"requests\"}}\n"

	_, err := drain(t, New(strings.NewReader(raw), models.FormatOpenAIDelta, quietLogger()))
	require.ErrorIs(t, err, ErrVendorError)
	assert.Contains(t, err.Error(), "rate limited")
}

func TestReadErrorEndsStream(t *testing.T) {
	boom := errors.New("connection reset by peer")
	src := io.MultiReader(
		strings.NewReader("{\"message\":{\"content\":\"x\"}}\n"),
		iotest.ErrReader(boom),
	)

	tokens, err := drain(t, New(src, models.FormatNative, quietLogger()))
	require.ErrorIs(t, err, boom)
	assert.Equal(t, []string{"x"}, tokens)
}

func TestNextHonoursCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	d := New(strings.NewReader("{\"message\":{\"content\":\"x\"}}\n"), models.FormatNative, quietLogger())
	_, err := d.Next(ctx)
	require.ErrorIs(t, err, context.Canceled)
}

func TestUnknownFormat(t *testing.T) {
	d := New(nil, models.RecordFormat("smoke-signals"), quietLogger())
	_, err := d.Feed([]byte("{\"token\":\"x\"}\n"))
	require.ErrorIs(t, err, ErrUnknownFormat)
}

func TestNonStringContentIgnored(t *testing.T) {
	got := decodeChunks(t, models.FormatOpenAIDelta,
		"data: {\"choices\":[{\"delta\":{\"content\":null}}]}\n",
		"data: {\"choices\":[]}\n",
		"data: {\"choices\":[{\"delta\":{\"content\":\"ok\"}}]}\n",
	)
	assert.Equal(t, []string{"ok"}, got)
}

func TestOversizedRecordIsDropped(t *testing.T) {
	d := New(nil, models.FormatNative, quietLogger())
	d.maxRecord = 64

	huge := "{\"message\":{\"content\":\"" + strings.Repeat("x", 200) + "\"}}"
	var got []string
	for _, chunk := range []string{
		"{\"message\":{\"content\":\"a\"}}\n",
		huge[:40], huge[40:120], huge[120:] + "\n",
		"{\"message\":{\"content\":\"b\"}}\n",
	} {
		tokens, err := d.Feed([]byte(chunk))
		require.NoError(t, err)
		got = append(got, tokens...)
	}
	tail, err := d.Flush()
	require.NoError(t, err)

	assert.Equal(t, []string{"a", "b"}, append(got, tail...))
	assert.Empty(t, d.carry)
}

func TestUnterminatedOversizedTailIsDropped(t *testing.T) {
	d := New(nil, models.FormatNative, quietLogger())
	d.maxRecord = 16

	tokens, err := d.Feed([]byte("{\"message\":{\"content\":\"a\"}}\n" + strings.Repeat("y", 40)))
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, tokens)

	tail, err := d.Flush()
	require.NoError(t, err)
	assert.Empty(t, tail)
}

func TestLongRecordInSmallChunks(t *testing.T) {
	content := strings.Repeat("z", 10000)
	raw := "{\"message\":{\"content\":\"" + content + "\"}}\n"

	var chunks []string
	for i := 0; i < len(raw); i += 7 {
		chunks = append(chunks, raw[i:min(i+7, len(raw))])
	}
	assert.Equal(t, []string{content}, decodeChunks(t, models.FormatNative, chunks...))
}
