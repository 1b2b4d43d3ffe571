package vault

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zalando/go-keyring"

	"github.com/dnr/craftsync/internal/model"
	"github.com/dnr/craftsync/internal/testutil"
)

type brokenKeyring struct{ err error }

func (b brokenKeyring) Get(string, string) (string, error) { return "", b.err }
func (b brokenKeyring) Set(string, string, string) error { return b.err }
func (b brokenKeyring) Delete(string, string) error { return b.err }

func TestStoreRetrieve(t *testing.T) {
	keyring.MockInit()
	st, ctx := testutil.NewStore(t)
	v := New(st)

	require.NoError(t, v.Store(ctx, "i1", NewSecret("hunter2")))
	got, err := v.Retrieve(ctx, "i1")
	require.NoError(t, err)
	assert.Equal(t, "hunter2", got.Reveal())

	_, ct, err := st.GetCredential(ctx, "i1")
	require.NoError(t, err)
	assert.False(t, bytes.Contains(ct, []byte("hunter2")))

	require.NoError(t, v.Store(ctx, "i1", NewSecret("rotated")))
	got, err = v.Retrieve(ctx, "i1")
	require.NoError(t, err)
	assert.Equal(t, "rotated", got.Reveal())
}

func TestCiphertextBoundToInstance(t *testing.T) {
	keyring.MockInit()
	st, ctx := testutil.NewStore(t)
	v := New(st)
	require.NoError(t, v.Store(ctx, "i1", NewSecret("one")))
	require.NoError(t, v.Store(ctx, "i2", NewSecret("two")))

	nonce, ct, err := st.GetCredential(ctx, "i1")
	require.NoError(t, err)
	require.NoError(t, st.PutCredential(ctx, "i2", nonce, ct))

	_, err = v.Retrieve(ctx, "i2")
	assert.Error(t, err)
}

func TestRetrieveMissing(t *testing.T) {
	keyring.MockInit()
	st, ctx := testutil.NewStore(t)
	v := New(st)

	_, err := v.Retrieve(ctx, "nope")
	assert.ErrorIs(t, err, model.ErrNotFound)
	var ve *Error
	assert.True(t, errors.As(err, &ve))
}

func TestDelete(t *testing.T) {
	keyring.MockInit()
	st, ctx := testutil.NewStore(t)
	v := New(st)
	require.NoError(t, v.Store(ctx, "i1", NewSecret("s")))

	require.NoError(t, v.Delete(ctx, "i1"))
	require.NoError(t, v.Delete(ctx, "i1"))
	_, err := v.Retrieve(ctx, "i1")
	assert.ErrorIs(t, err, model.ErrNotFound)
	_, err = keyring.Get(keyringService, "i1")
	assert.ErrorIs(t, err, keyring.ErrNotFound)
}

func TestKeyringFailure(t *testing.T) {
	st, ctx := testutil.NewStore(t)
	v := New(st, WithKeyring(brokenKeyring{err: errors.New("dbus gone")}))

	err := v.Store(ctx, "i1", NewSecret("s"))
	var ve *Error
	require.True(t, errors.As(err, &ve))
	assert.Equal(t, "store", ve.Op)

	err = v.Delete(ctx, "i1")
	require.True(t, errors.As(err, &ve))
	assert.Equal(t, "delete", ve.Op)
}

func TestValidation(t *testing.T) {
	keyring.MockInit()
	st, ctx := testutil.NewStore(t)
	v := New(st)
	assert.True(t, model.IsValidation(v.Store(ctx, "", NewSecret("s"))))
	assert.True(t, model.IsValidation(v.Store(ctx, "i1", NewSecret(""))))
}

func TestSecretNeverPrinted(t *testing.T) {
	s := NewSecret("hunter2")
	for _, out := range []string{
		fmt.Sprint(s),
		fmt.Sprintf("%v %+v %#v %s", s, s, s, s),
		fmt.Sprintf("%v", struct{ Token Secret }{s}),
	} {
		assert.NotContains(t, out, "hunter2")
	}

	var buf bytes.Buffer
	slog.New(slog.NewJSONHandler(&buf, nil)).Info("auth", "token", s)
	assert.NotContains(t, buf.String(), "hunter2")
	assert.Contains(t, buf.String(), redacted)
}
