package quota

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func restrictionWithOptions(limit int, window string) Restriction {
	return Restriction{
		ID:            "r1",
		Zone:          "default",
		Resource:      "seats",
		Method:        MethodLimitOverDuration,
		MethodOptions: map[string]any{optLimit: limit, optDuration: window},
	}
}

func Test_LimitOverDuration(t *testing.T) {
	t.Run("Should authorize when total stays within limit", func(t *testing.T) {
		pctx := PolicyContext{
			AcquirerID:  "acq-1",
			Acquired:    map[string]AcquisitionList{"seats": {{Count: 3, Requested: 1000}}},
			Request:     []RequestItem{{Resource: "seats", Count: 2}},
			Restriction: restrictionWithOptions(10, "PT1H"),
			Now:         2000,
		}
		result, err := LimitOverDuration(context.Background(), pctx)
		require.NoError(t, err)
		assert.True(t, result.Authorized)
		assert.Equal(t, 0, result.Excess)
	})
	t.Run("Should deny and report excess when over limit", func(t *testing.T) {
		pctx := PolicyContext{
			AcquirerID:  "acq-1",
			Acquired:    map[string]AcquisitionList{"seats": {{Count: 8, Requested: 1000}}},
			Request:     []RequestItem{{Resource: "seats", Count: 5}},
			Restriction: restrictionWithOptions(10, "PT1H"),
			Now:         2000,
		}
		result, err := LimitOverDuration(context.Background(), pctx)
		require.NoError(t, err)
		assert.False(t, result.Authorized)
		assert.Equal(t, 3, result.Excess)
	})
	t.Run("Should ignore acquisitions outside the trailing window", func(t *testing.T) {
		windowMillis := int64(60 * 60 * 1000)
		pctx := PolicyContext{
			AcquirerID: "acq-1",
			Acquired: map[string]AcquisitionList{
				"seats": {{Count: 9, Requested: 0}},
			},
			Request:     []RequestItem{{Resource: "seats", Count: 1}},
			Restriction: restrictionWithOptions(10, "PT1H"),
			Now:         windowMillis + 10_000,
		}
		result, err := LimitOverDuration(context.Background(), pctx)
		require.NoError(t, err)
		assert.True(t, result.Authorized)
	})
	t.Run("Should reject missing methodOptions", func(t *testing.T) {
		pctx := PolicyContext{
			Restriction: Restriction{ID: "r1", Method: MethodLimitOverDuration},
		}
		_, err := LimitOverDuration(context.Background(), pctx)
		assert.ErrorIs(t, err, ErrInputValidation)
	})
}
