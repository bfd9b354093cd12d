package quota

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestOracle() *StaticKeyOracle {
	return NewStaticKeyOracle("key-1", map[string][]byte{
		"key-1": []byte("generation-one-key"),
		"key-2": []byte("generation-two-key"),
	})
}

// acquire is a small test helper that runs the full process/apply pipeline
// for a single acquisition, mirroring what DecisionEngine.Acquire does.
func acquire(
	t *testing.T,
	tok *ResourceTokenizer,
	record AcquisitionRecord,
	items []RequestItem,
	ttl int64,
	now int64,
) ([]TokenizedGroup, int64) {
	t.Helper()
	proc, err := tok.Process(context.Background(), record, now)
	require.NoError(t, err)
	tracked := resourceNames(items)
	tokenized, expires, _, err := tok.ApplyAcquireRequest(context.Background(), "acq-1", proc, items, tracked, ttl, now)
	require.NoError(t, err)
	return tokenized, expires
}

func Test_ResourceTokenizer_ApplyAcquireAndDetokenize(t *testing.T) {
	t.Run("Should round-trip a fresh acquisition", func(t *testing.T) {
		tok := NewResourceTokenizer(newTestOracle())
		items := []RequestItem{{Resource: "seats", Count: 3, Requested: 1000}}
		tokenized, _ := acquire(t, tok, AcquisitionRecord{AcquirerID: "acq-1"}, items, 1_000_000, 1000)
		require.Len(t, tokenized, 1)
		assert.Equal(t, "key-1", tokenized[0].TokenizerID)

		proc, err := tok.Process(context.Background(), AcquisitionRecord{AcquirerID: "acq-1", Tokenized: tokenized, TTL: 1_000_000}, 1000)
		require.NoError(t, err)
		acquired, err := tok.GetUntokenizedAcquisitionMap(context.Background(), "acq-1", proc, []string{"seats"})
		require.NoError(t, err)
		require.Len(t, acquired["seats"], 1)
		assert.Equal(t, 3, acquired["seats"][0].Count)
	})
	t.Run("Should append to the current generation on repeated acquires", func(t *testing.T) {
		tok := NewResourceTokenizer(newTestOracle())
		tokenized, _ := acquire(t, tok, AcquisitionRecord{AcquirerID: "acq-1"},
			[]RequestItem{{Resource: "seats", Count: 1, Requested: 1000}}, 1_000_000, 1000)
		record := AcquisitionRecord{AcquirerID: "acq-1", Tokenized: tokenized, TTL: 1_000_000}
		tokenized, _ = acquire(t, tok, record,
			[]RequestItem{{Resource: "seats", Count: 2, Requested: 2000}}, 1_000_000, 2000)
		require.Len(t, tokenized, 1)

		proc, err := tok.Process(context.Background(), AcquisitionRecord{AcquirerID: "acq-1", Tokenized: tokenized, TTL: 1_000_000}, 2000)
		require.NoError(t, err)
		acquired, err := tok.GetUntokenizedAcquisitionMap(context.Background(), "acq-1", proc, []string{"seats"})
		require.NoError(t, err)
		require.Len(t, acquired["seats"], 2)
		assert.Equal(t, int64(1000), acquired["seats"][0].Requested)
		assert.Equal(t, int64(2000), acquired["seats"][1].Requested)
	})
	t.Run("Should rotate generations when the oracle's current key changes", func(t *testing.T) {
		oracle := newTestOracle()
		tok := NewResourceTokenizer(oracle)
		tokenized, _ := acquire(t, tok, AcquisitionRecord{AcquirerID: "acq-1"},
			[]RequestItem{{Resource: "seats", Count: 1, Requested: 1000}}, 1_000_000, 1000)

		oracle.currentID = "key-2"
		record := AcquisitionRecord{AcquirerID: "acq-1", Tokenized: tokenized, TTL: 1_000_000}
		tokenized, _ = acquire(t, tok, record,
			[]RequestItem{{Resource: "desks", Count: 1, Requested: 2000}}, 1_000_000, 2000)
		require.Len(t, tokenized, 2)
		assert.Equal(t, "key-1", tokenized[0].TokenizerID)
		assert.Equal(t, "key-2", tokenized[1].TokenizerID)
	})
	t.Run("Should migrate a resource from the old generation when re-acquired after rotation (S8)", func(t *testing.T) {
		oracle := newTestOracle()
		tok := NewResourceTokenizer(oracle)
		tokenized, _ := acquire(t, tok, AcquisitionRecord{AcquirerID: "acq-1"},
			[]RequestItem{{Resource: "seats", Count: 1, Requested: 1000}}, 1_000_000, 1000)

		oracle.currentID = "key-2"
		record := AcquisitionRecord{AcquirerID: "acq-1", Tokenized: tokenized, TTL: 1_000_000}
		tokenized, _ = acquire(t, tok, record,
			[]RequestItem{{Resource: "seats", Count: 2, Requested: 2000}}, 1_000_000, 2000)

		// Same resource re-acquired under the new key: the old generation's
		// entry for "seats" must be migrated in, collapsing to one group.
		require.Len(t, tokenized, 1)
		assert.Equal(t, "key-2", tokenized[0].TokenizerID)

		proc, err := tok.Process(context.Background(), AcquisitionRecord{AcquirerID: "acq-1", Tokenized: tokenized, TTL: 1_000_000}, 2000)
		require.NoError(t, err)
		acquired, err := tok.GetUntokenizedAcquisitionMap(context.Background(), "acq-1", proc, []string{"seats"})
		require.NoError(t, err)
		require.Len(t, acquired["seats"], 2)
		assert.Equal(t, int64(1000), acquired["seats"][0].Requested)
		assert.Equal(t, int64(2000), acquired["seats"][1].Requested)
	})
	t.Run("Should leave an unrelated resource unconverted under the old key after rotation (S8)", func(t *testing.T) {
		oracle := newTestOracle()
		tok := NewResourceTokenizer(oracle)
		tokenized, _ := acquire(t, tok, AcquisitionRecord{AcquirerID: "acq-1"},
			[]RequestItem{{Resource: "seats", Count: 1, Requested: 1000}}, 1_000_000, 1000)

		oracle.currentID = "key-2"
		record := AcquisitionRecord{AcquirerID: "acq-1", Tokenized: tokenized, TTL: 1_000_000}
		tokenized, _ = acquire(t, tok, record,
			[]RequestItem{{Resource: "desks", Count: 1, Requested: 2000}}, 1_000_000, 2000)

		require.Len(t, tokenized, 2)
		assert.Equal(t, "key-1", tokenized[0].TokenizerID)
		assert.Equal(t, "key-2", tokenized[1].TokenizerID)

		proc, err := tok.Process(context.Background(), AcquisitionRecord{AcquirerID: "acq-1", Tokenized: tokenized, TTL: 1_000_000}, 2000)
		require.NoError(t, err)
		acquired, err := tok.GetUntokenizedAcquisitionMap(context.Background(), "acq-1", proc, []string{"seats", "desks"})
		require.NoError(t, err)
		require.Len(t, acquired["seats"], 1)
		require.Len(t, acquired["desks"], 1)
	})
	t.Run("Should converge to a single generation once every resource has been touched (Property 6)", func(t *testing.T) {
		oracle := newTestOracle()
		tok := NewResourceTokenizer(oracle)
		tokenized, _ := acquire(t, tok, AcquisitionRecord{AcquirerID: "acq-1"},
			[]RequestItem{
				{Resource: "seats", Count: 1, Requested: 1000},
				{Resource: "desks", Count: 1, Requested: 1000},
			}, 1_000_000, 1000)

		oracle.currentID = "key-2"
		record := AcquisitionRecord{AcquirerID: "acq-1", Tokenized: tokenized, TTL: 1_000_000}
		tokenized, _ = acquire(t, tok, record,
			[]RequestItem{{Resource: "seats", Count: 1, Requested: 2000}}, 1_000_000, 2000)
		require.Len(t, tokenized, 2) // "desks" still unconverted

		record = AcquisitionRecord{AcquirerID: "acq-1", Tokenized: tokenized, TTL: 1_000_000}
		tokenized, _ = acquire(t, tok, record,
			[]RequestItem{{Resource: "desks", Count: 1, Requested: 3000}}, 1_000_000, 3000)
		require.Len(t, tokenized, 1)
		assert.Equal(t, "key-2", tokenized[0].TokenizerID)
	})
	t.Run("Should not write back items that have already aged past their TTL (Property 7)", func(t *testing.T) {
		tok := NewResourceTokenizer(newTestOracle())
		tokenized, _ := acquire(t, tok, AcquisitionRecord{AcquirerID: "acq-1"},
			[]RequestItem{{Resource: "seats", Count: 1, Requested: 1000}}, 500, 1000)
		record := AcquisitionRecord{AcquirerID: "acq-1", Tokenized: tokenized, TTL: 500}

		// "seats" expired at 1500; acquiring a different resource at 10000
		// must prune it from what gets written back, not just from reads.
		tokenized, _ = acquire(t, tok, record,
			[]RequestItem{{Resource: "desks", Count: 1, Requested: 10_000}}, 500, 10_000)

		proc, err := tok.Process(context.Background(), AcquisitionRecord{AcquirerID: "acq-1", Tokenized: tokenized, TTL: 500}, 10_000)
		require.NoError(t, err)
		acquired, err := tok.GetUntokenizedAcquisitionMap(context.Background(), "acq-1", proc, []string{"seats", "desks"})
		require.NoError(t, err)
		assert.Empty(t, acquired["seats"])
		require.Len(t, acquired["desks"], 1)
	})
}

func Test_ResourceTokenizer_ApplyReleaseRequest(t *testing.T) {
	t.Run("Should release from the head by default", func(t *testing.T) {
		tok := NewResourceTokenizer(newTestOracle())
		tokenized, _ := acquire(t, tok, AcquisitionRecord{AcquirerID: "acq-1"},
			[]RequestItem{{Resource: "seats", Count: 2, Requested: 1000}, {Resource: "seats", Count: 3, Requested: 2000}},
			1_000_000, 2000)
		record := AcquisitionRecord{AcquirerID: "acq-1", Tokenized: tokenized, TTL: 1_000_000}

		proc, err := tok.Process(context.Background(), record, 2000)
		require.NoError(t, err)
		released, excess, _, _, err := tok.ApplyReleaseRequest(context.Background(), "acq-1", proc,
			[]RequestItem{{Resource: "seats", Count: 2}})
		require.NoError(t, err)
		assert.Empty(t, excess)

		proc2, err := tok.Process(context.Background(), AcquisitionRecord{AcquirerID: "acq-1", Tokenized: released, TTL: 1_000_000}, 2000)
		require.NoError(t, err)
		acquired, err := tok.GetUntokenizedAcquisitionMap(context.Background(), "acq-1", proc2, []string{"seats"})
		require.NoError(t, err)
		require.Len(t, acquired["seats"], 1)
		assert.Equal(t, int64(2000), acquired["seats"][0].Requested)
		assert.Equal(t, 3, acquired["seats"][0].Count)
	})
	t.Run("Should release from the tail when Latest is set", func(t *testing.T) {
		tok := NewResourceTokenizer(newTestOracle())
		tokenized, _ := acquire(t, tok, AcquisitionRecord{AcquirerID: "acq-1"},
			[]RequestItem{{Resource: "seats", Count: 2, Requested: 1000}, {Resource: "seats", Count: 3, Requested: 2000}},
			1_000_000, 2000)
		record := AcquisitionRecord{AcquirerID: "acq-1", Tokenized: tokenized, TTL: 1_000_000}

		proc, err := tok.Process(context.Background(), record, 2000)
		require.NoError(t, err)
		released, excess, _, _, err := tok.ApplyReleaseRequest(context.Background(), "acq-1", proc,
			[]RequestItem{{Resource: "seats", Count: 3, Latest: true}})
		require.NoError(t, err)
		assert.Empty(t, excess)

		proc2, err := tok.Process(context.Background(), AcquisitionRecord{AcquirerID: "acq-1", Tokenized: released, TTL: 1_000_000}, 2000)
		require.NoError(t, err)
		acquired, err := tok.GetUntokenizedAcquisitionMap(context.Background(), "acq-1", proc2, []string{"seats"})
		require.NoError(t, err)
		require.Len(t, acquired["seats"], 1)
		assert.Equal(t, int64(1000), acquired["seats"][0].Requested)
		assert.Equal(t, 2, acquired["seats"][0].Count)
	})
	t.Run("Should prune empty groups entirely once drained", func(t *testing.T) {
		tok := NewResourceTokenizer(newTestOracle())
		tokenized, _ := acquire(t, tok, AcquisitionRecord{AcquirerID: "acq-1"},
			[]RequestItem{{Resource: "seats", Count: 2, Requested: 1000}}, 1_000_000, 1000)
		record := AcquisitionRecord{AcquirerID: "acq-1", Tokenized: tokenized, TTL: 1_000_000}

		proc, err := tok.Process(context.Background(), record, 1000)
		require.NoError(t, err)
		released, excess, expires, _, err := tok.ApplyReleaseRequest(context.Background(), "acq-1", proc,
			[]RequestItem{{Resource: "seats", Count: 2}})
		require.NoError(t, err)
		assert.Empty(t, excess)
		assert.Empty(t, released)
		assert.Equal(t, int64(0), expires)
	})
	t.Run("Should report excess when a release exceeds what is held", func(t *testing.T) {
		tok := NewResourceTokenizer(newTestOracle())
		tokenized, _ := acquire(t, tok, AcquisitionRecord{AcquirerID: "acq-1"},
			[]RequestItem{{Resource: "seats", Count: 2, Requested: 1000}}, 1_000_000, 1000)
		record := AcquisitionRecord{AcquirerID: "acq-1", Tokenized: tokenized, TTL: 1_000_000}

		proc, err := tok.Process(context.Background(), record, 1000)
		require.NoError(t, err)
		_, excess, _, _, err := tok.ApplyReleaseRequest(context.Background(), "acq-1", proc,
			[]RequestItem{{Resource: "seats", Count: 5}})
		require.NoError(t, err)
		assert.Equal(t, 3, excess["seats"])
	})
	t.Run("Should yield expiries 1ms apart when releasing earliest then latest (S4)", func(t *testing.T) {
		tok := NewResourceTokenizer(newTestOracle())
		ttl := int64(1_000_000)
		tokenized, _ := acquire(t, tok, AcquisitionRecord{AcquirerID: "acq-1"},
			[]RequestItem{
				{Resource: "seats", Count: 1, Requested: 1000},
				{Resource: "seats", Count: 1, Requested: 1001},
			}, ttl, 1001)
		record := AcquisitionRecord{AcquirerID: "acq-1", Tokenized: tokenized, TTL: ttl}

		// Release the earliest item: the surviving item is the one requested
		// at 1001, so expires = 1001 + ttl.
		procEarliest, err := tok.Process(context.Background(), record, 1001)
		require.NoError(t, err)
		_, _, expiresAfterEarliest, _, err := tok.ApplyReleaseRequest(context.Background(), "acq-1", procEarliest,
			[]RequestItem{{Resource: "seats", Count: 1}})
		require.NoError(t, err)
		assert.Equal(t, int64(1001)+ttl, expiresAfterEarliest)

		// From the same starting record, release the latest item instead:
		// the surviving item is the one requested at 1000.
		procLatest, err := tok.Process(context.Background(), record, 1001)
		require.NoError(t, err)
		_, _, expiresAfterLatest, _, err := tok.ApplyReleaseRequest(context.Background(), "acq-1", procLatest,
			[]RequestItem{{Resource: "seats", Count: 1, Latest: true}})
		require.NoError(t, err)
		assert.Equal(t, int64(1000)+ttl, expiresAfterLatest)

		assert.Equal(t, int64(1), expiresAfterEarliest-expiresAfterLatest)
	})
}
