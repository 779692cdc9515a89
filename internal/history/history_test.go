package history

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "history.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestLoadEmptyConversation(t *testing.T) {
	s := testStore(t)

	msgs, err := s.Load(context.Background(), 42)
	require.NoError(t, err)
	require.Empty(t, msgs)
}

func TestAppendAndLoad(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	err := s.Append(ctx, 42,
		Message{Role: RoleUser, Content: "hello", TokenCount: 1},
		Message{Role: RoleAssistant, Content: "hi there", TokenCount: 2},
	)
	require.NoError(t, err)

	msgs, err := s.Load(ctx, 42)
	require.NoError(t, err)
	require.Len(t, msgs, 2)

	require.Equal(t, RoleUser, msgs[0].Role)
	require.Equal(t, "hello", msgs[0].Content)
	require.Equal(t, 1, msgs[0].TokenCount)
	require.Equal(t, int64(42), msgs[0].UserID)
	require.False(t, msgs[0].CreatedAt.IsZero())

	require.Equal(t, RoleAssistant, msgs[1].Role)
	require.Equal(t, "hi there", msgs[1].Content)
	require.Greater(t, msgs[1].ID, msgs[0].ID)
}

func TestLoadPreservesOrder(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	for i, content := range []string{"first", "second", "third", "fourth"} {
		role := RoleUser
		if i%2 == 1 {
			role = RoleAssistant
		}
		require.NoError(t, s.Append(ctx, 7, Message{Role: role, Content: content, TokenCount: 1}))
	}

	msgs, err := s.Load(ctx, 7)
	require.NoError(t, err)
	require.Len(t, msgs, 4)
	for i, want := range []string{"first", "second", "third", "fourth"} {
		require.Equal(t, want, msgs[i].Content)
	}
}

func TestUsersAreIsolated(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	require.NoError(t, s.Append(ctx, 1, Message{Role: RoleUser, Content: "mine", TokenCount: 1}))
	require.NoError(t, s.Append(ctx, 2, Message{Role: RoleUser, Content: "yours", TokenCount: 1}))

	mine, err := s.Load(ctx, 1)
	require.NoError(t, err)
	require.Len(t, mine, 1)
	require.Equal(t, "mine", mine[0].Content)

	yours, err := s.Load(ctx, 2)
	require.NoError(t, err)
	require.Len(t, yours, 1)
	require.Equal(t, "yours", yours[0].Content)
}

func TestReset(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	require.NoError(t, s.Append(ctx, 42,
		Message{Role: RoleUser, Content: "hello", TokenCount: 1},
		Message{Role: RoleAssistant, Content: "hi", TokenCount: 1},
	))
	require.NoError(t, s.Append(ctx, 99, Message{Role: RoleUser, Content: "keep me", TokenCount: 2}))

	require.NoError(t, s.Reset(ctx, 42))

	gone, err := s.Load(ctx, 42)
	require.NoError(t, err)
	require.Empty(t, gone)

	kept, err := s.Load(ctx, 99)
	require.NoError(t, err)
	require.Len(t, kept, 1)
}

func TestReopenKeepsMessages(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history.db")
	ctx := context.Background()

	s, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, s.Append(ctx, 5, Message{Role: RoleUser, Content: "persisted", TokenCount: 3}))
	require.NoError(t, s.Close())

	s, err = Open(path)
	require.NoError(t, err)
	defer s.Close()

	msgs, err := s.Load(ctx, 5)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	require.Equal(t, "persisted", msgs[0].Content)
	require.Equal(t, 3, msgs[0].TokenCount)
}

func TestOpenCreatesParentDir(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "dir", "history.db")

	s, err := Open(path)
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.Append(context.Background(), 1, Message{Role: RoleUser, Content: "x", TokenCount: 1}))
}
