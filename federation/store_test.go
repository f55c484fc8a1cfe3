package federation

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestStoreSaveIsIdempotent(t *testing.T) {
	store := newTestStore(t)
	desc := JoinDescriptor{FederationID: "aaaa1111", InviteCode: "fed1qq..."}
	require.NoError(t, store.Save(desc))
	require.NoError(t, store.Save(desc))

	descs, err := store.LoadAll()
	require.NoError(t, err)
	require.Len(t, descs, 1)
	require.Equal(t, "aaaa1111", descs[0].FederationID)
	require.NotZero(t, descs[0].JoinedAt)
}

func TestStoreRoundTrip(t *testing.T) {
	store := newTestStore(t)
	require.NoError(t, store.Save(JoinDescriptor{FederationID: "aaaa1111", InviteCode: "one"}))
	require.NoError(t, store.Save(JoinDescriptor{FederationID: "bbbb2222", InviteCode: "two"}))

	descs, err := store.LoadAll()
	require.NoError(t, err)
	require.Len(t, descs, 2)

	require.NoError(t, store.Delete("aaaa1111"))
	descs, err = store.LoadAll()
	require.NoError(t, err)
	require.Len(t, descs, 1)
	require.Equal(t, "bbbb2222", descs[0].FederationID)
}

func TestStoreDeleteMissingIsNoop(t *testing.T) {
	store := newTestStore(t)
	require.NoError(t, store.Delete("never-joined"))
}
