package job

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseBackoff(t *testing.T) {
	t.Run("valid values", func(t *testing.T) {
		for _, s := range []string{"none", "fixed", "exponential"} {
			b, err := ParseBackoff(s)
			require.NoError(t, err)
			assert.Equal(t, Backoff(s), b)
		}
	})

	t.Run("empty defaults to none", func(t *testing.T) {
		b, err := ParseBackoff("")
		require.NoError(t, err)
		assert.Equal(t, BackoffNone, b)
	})

	t.Run("unknown value fails", func(t *testing.T) {
		_, err := ParseBackoff("linear")
		assert.ErrorContains(t, err, "invalid backoff")
	})
}

func TestRetryPolicyValidate(t *testing.T) {
	t.Run("single attempt is valid", func(t *testing.T) {
		assert.NoError(t, SingleAttempt().Validate())
	})

	t.Run("zero attempts is invalid", func(t *testing.T) {
		p := RetryPolicy{MaxAttempts: 0, Backoff: BackoffNone}
		assert.ErrorContains(t, p.Validate(), "max attempts")
	})

	t.Run("unknown backoff is invalid", func(t *testing.T) {
		p := RetryPolicy{MaxAttempts: 1, Backoff: "linear"}
		assert.ErrorContains(t, p.Validate(), "invalid backoff")
	})

	t.Run("negative delay is invalid", func(t *testing.T) {
		p := RetryPolicy{MaxAttempts: 1, Backoff: BackoffFixed, BaseDelay: -time.Second}
		assert.ErrorContains(t, p.Validate(), "negative")
	})
}

func TestRetryPolicyDelay(t *testing.T) {
	t.Run("none never waits", func(t *testing.T) {
		p := RetryPolicy{MaxAttempts: 3, Backoff: BackoffNone, BaseDelay: time.Second}
		assert.Equal(t, time.Duration(0), p.Delay(1))
		assert.Equal(t, time.Duration(0), p.Delay(2))
	})

	t.Run("fixed waits the base delay every time", func(t *testing.T) {
		p := RetryPolicy{MaxAttempts: 3, Backoff: BackoffFixed, BaseDelay: 2 * time.Second}
		assert.Equal(t, 2*time.Second, p.Delay(1))
		assert.Equal(t, 2*time.Second, p.Delay(5))
	})

	t.Run("exponential doubles per attempt", func(t *testing.T) {
		p := RetryPolicy{MaxAttempts: 5, Backoff: BackoffExponential, BaseDelay: time.Second}
		assert.Equal(t, 1*time.Second, p.Delay(1))
		assert.Equal(t, 2*time.Second, p.Delay(2))
		assert.Equal(t, 4*time.Second, p.Delay(3))
		assert.Equal(t, 8*time.Second, p.Delay(4))
	})

	t.Run("exponential is capped at max delay", func(t *testing.T) {
		p := RetryPolicy{MaxAttempts: 10, Backoff: BackoffExponential, BaseDelay: time.Second, MaxDelay: 5 * time.Second}
		assert.Equal(t, 4*time.Second, p.Delay(3))
		assert.Equal(t, 5*time.Second, p.Delay(4))
		assert.Equal(t, 5*time.Second, p.Delay(9))
	})
}

func TestParamAccessors(t *testing.T) {
	params := map[string]any{
		"name":    "fetch",
		"count":   float64(3),
		"enabled": true,
	}

	t.Run("string param", func(t *testing.T) {
		s, err := StringParam(params, "name")
		require.NoError(t, err)
		assert.Equal(t, "fetch", s)

		_, err = StringParam(params, "missing")
		assert.ErrorContains(t, err, "missing required parameter")

		_, err = StringParam(params, "count")
		assert.ErrorContains(t, err, "must be a string")
	})

	t.Run("optional string falls back", func(t *testing.T) {
		s, err := OptionalString(params, "missing", "default")
		require.NoError(t, err)
		assert.Equal(t, "default", s)
	})

	t.Run("optional int accepts json numbers", func(t *testing.T) {
		n, err := OptionalInt(params, "count", 0)
		require.NoError(t, err)
		assert.Equal(t, 3, n)

		n, err = OptionalInt(params, "missing", 7)
		require.NoError(t, err)
		assert.Equal(t, 7, n)
	})

	t.Run("optional bool", func(t *testing.T) {
		b, err := OptionalBool(params, "enabled", false)
		require.NoError(t, err)
		assert.True(t, b)

		b, err = OptionalBool(params, "missing", true)
		require.NoError(t, err)
		assert.True(t, b)
	})
}
