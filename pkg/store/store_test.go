package store

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(t.TempDir())
	require.NoError(t, err)
	return s
}

func TestRegisterAndAuthenticate(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, s.Register("alice", "secret"))

	ok, err := s.Authenticate("alice", "secret")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.Authenticate("alice", "wrong")
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = s.Authenticate("bob", "secret")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRegisterDuplicate(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, s.Register("alice", "secret"))
	assert.ErrorIs(t, s.Register("alice", "other"), ErrAlreadyRegistered)

	// The original password still authenticates.
	ok, err := s.Authenticate("alice", "secret")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRegisterConcurrentSameUsername(t *testing.T) {
	s := newTestStore(t)

	const attempts = 16
	errs := make([]error, attempts)
	var wg sync.WaitGroup
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = s.Register("alice", fmt.Sprintf("pass%d", i))
		}(i)
	}
	wg.Wait()

	succeeded := 0
	for _, err := range errs {
		if err == nil {
			succeeded++
		} else {
			assert.ErrorIs(t, err, ErrAlreadyRegistered)
		}
	}
	assert.Equal(t, 1, succeeded, "exactly one registration should win")
}

func TestCredentialLogFormat(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, s.Register("alice", "secret"))
	require.NoError(t, s.Register("bob", "hunter2"))

	data, err := os.ReadFile(filepath.Join(s.Dir(), "registration.txt"))
	require.NoError(t, err)
	assert.Equal(t, "alice,secret\nbob,hunter2\n", string(data))
}

func TestUserExists(t *testing.T) {
	s := newTestStore(t)

	exists, err := s.UserExists("alice")
	require.NoError(t, err)
	assert.False(t, exists, "no credential log yet")

	require.NoError(t, s.Register("alice", "secret"))

	exists, err = s.UserExists("alice")
	require.NoError(t, err)
	assert.True(t, exists)
}

func TestMailboxQueueAndDrain(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, s.QueueMailbox("bob", "Message from alice: hi"))
	require.NoError(t, s.QueueMailbox("bob", "Message from alice: still there?"))

	path := filepath.Join(s.Dir(), "bob.txt")
	_, err := os.Stat(path)
	require.NoError(t, err, "mailbox file should exist while queued")

	var lines []string
	err = s.DrainMailbox("bob", func(line string) error {
		lines = append(lines, line)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{
		"Message from alice: hi",
		"Message from alice: still there?",
	}, lines)

	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err), "mailbox file should be deleted after drain")
}

func TestDrainMailboxEmpty(t *testing.T) {
	s := newTestStore(t)

	delivered := false
	err := s.DrainMailbox("nobody", func(string) error {
		delivered = true
		return nil
	})
	require.NoError(t, err)
	assert.False(t, delivered)
}

func TestDrainMailboxKeepsFileOnDeliveryFailure(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, s.QueueMailbox("bob", "Message from alice: hi"))
	require.NoError(t, s.QueueMailbox("bob", "Message from alice: still there?"))

	sentinel := errors.New("connection gone")
	calls := 0
	err := s.DrainMailbox("bob", func(string) error {
		calls++
		if calls == 2 {
			return sentinel
		}
		return nil
	})
	assert.ErrorIs(t, err, sentinel)

	// Nothing was deleted; the next drain sees the full mailbox again.
	var lines []string
	require.NoError(t, s.DrainMailbox("bob", func(line string) error {
		lines = append(lines, line)
		return nil
	}))
	assert.Equal(t, []string{
		"Message from alice: hi",
		"Message from alice: still there?",
	}, lines)

	_, err = os.Stat(filepath.Join(s.Dir(), "bob.txt"))
	assert.True(t, os.IsNotExist(err), "mailbox file should be deleted after the successful drain")
}

func TestHistorySymmetricPairFiles(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, s.AppendHistory("alice", "bob", "From alice: hi"))

	for _, name := range []string{"alicebob.txt", "bobalice.txt"} {
		data, err := os.ReadFile(filepath.Join(s.Dir(), name))
		require.NoError(t, err, "pair file %s", name)
		assert.Equal(t, "From alice: hi\n", string(data))
	}
}

func TestHistoryTail(t *testing.T) {
	s := newTestStore(t)

	for i := 1; i <= 5; i++ {
		require.NoError(t, s.AppendHistory("alice", "bob", fmt.Sprintf("From alice: M%d", i)))
	}

	t.Run("tail smaller than file", func(t *testing.T) {
		lines, err := s.HistoryTail("alice", "bob", 2)
		require.NoError(t, err)
		assert.Equal(t, []string{"From alice: M4", "From alice: M5"}, lines)
	})

	t.Run("tail equal to file", func(t *testing.T) {
		lines, err := s.HistoryTail("alice", "bob", 5)
		require.NoError(t, err)
		assert.Len(t, lines, 5)
		assert.Equal(t, "From alice: M1", lines[0])
	})

	t.Run("tail larger than file", func(t *testing.T) {
		lines, err := s.HistoryTail("bob", "alice", 50)
		require.NoError(t, err)
		assert.Len(t, lines, 5)
		assert.Equal(t, "From alice: M1", lines[0])
		assert.Equal(t, "From alice: M5", lines[4])
	})

	t.Run("no history", func(t *testing.T) {
		lines, err := s.HistoryTail("alice", "carol", 10)
		require.NoError(t, err)
		assert.Empty(t, lines)
	})
}
