package keys

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHashDeterministic(t *testing.T) {
	a, err := Hash(map[string]any{"b": 2, "a": "x"})
	require.NoError(t, err)
	b, err := Hash(map[string]any{"a": "x", "b": 2})
	require.NoError(t, err)

	assert.Equal(t, a, b)
	assert.True(t, strings.HasPrefix(a, Prefix))
	assert.Len(t, a, len(Prefix)+64)

	c, err := Hash(map[string]any{"a": "y", "b": 2})
	require.NoError(t, err)
	assert.NotEqual(t, a, c)
}

func TestSignVerify(t *testing.T) {
	kp, err := FromSeed(bytes.Repeat([]byte{7}, 32))
	require.NoError(t, err)

	sig := kp.Sign("cid:sha256:abc")
	assert.True(t, Verify(kp.PublicString(), "cid:sha256:abc", sig))
	assert.False(t, Verify(kp.PublicString(), "cid:sha256:abd", sig))
	assert.False(t, Verify(kp.PublicString(), "cid:sha256:abc", "not-base64!"))

	other, err := Generate()
	require.NoError(t, err)
	assert.False(t, Verify(other.PublicString(), "cid:sha256:abc", sig))
}

func TestShort(t *testing.T) {
	assert.Equal(t, "0123456789ab", Short(Prefix+"0123456789abcdef"))
	assert.Equal(t, "genesis", Short("genesis"))
}

func TestKeyringRoundTrip(t *testing.T) {
	ring := &Keyring{Dir: t.TempDir()}
	kp, err := Generate()
	require.NoError(t, err)

	id := Prefix + "feedface"
	require.NoError(t, ring.Save(id, "keif", kp))

	got, err := ring.Load(id)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, kp.PublicString(), got.PublicString())

	missing, err := ring.Load(Prefix + "nothere")
	require.NoError(t, err)
	assert.Nil(t, missing)

	entries, err := ring.List()
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "keif", entries[0].Name)
}
