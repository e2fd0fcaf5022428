package classify

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassifyError_MarkerPrecedenceOverExitCode(t *testing.T) {
	assert.Equal(t, StrategyChange, ClassifyError(1, "Error: prompt too long for this model"))
	assert.Equal(t, Unrecoverable, ClassifyError(1, "Error: invalid api key"))
	assert.Equal(t, Retryable, ClassifyError(1, "429 Too Many Requests: rate limit exceeded"))
}

func TestClassifyError_CaseInsensitive(t *testing.T) {
	assert.Equal(t, Retryable, ClassifyError(1, "RATE LIMIT hit"))
}

func TestClassifyError_ExitCodeFallback(t *testing.T) {
	assert.Equal(t, Retryable, ClassifyError(3, "unrelated stderr"))
	assert.Equal(t, Unrecoverable, ClassifyError(130, "unrelated stderr"))
	assert.Equal(t, Unrecoverable, ClassifyError(143, "unrelated stderr"))
	assert.Equal(t, Retryable, ClassifyError(1, "unrelated stderr"))
	assert.Equal(t, Retryable, ClassifyError(2, "unrelated stderr"))
	assert.Equal(t, Unrecoverable, ClassifyError(99, "unrelated stderr"))
}

func TestShouldRetry_StopsAtMaxRetries(t *testing.T) {
	assert.False(t, ShouldRetry(1, "unrelated stderr", 3, 3))
	assert.True(t, ShouldRetry(1, "unrelated stderr", 2, 3))
}

func TestShouldRetry_FalseForUnrecoverable(t *testing.T) {
	assert.False(t, ShouldRetry(1, "invalid api key", 0, 3))
}
