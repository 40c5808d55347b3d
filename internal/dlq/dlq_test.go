package dlq

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseCounters_ReadsKnownFields(t *testing.T) {
	hash := map[string]string{
		"total_enqueued":  "10",
		"total_processed": "7",
		"total_failed":    "2",
	}
	counters := parseCounters(hash)
	assert.Equal(t, int64(10), counters.TotalEnqueued)
	assert.Equal(t, int64(7), counters.TotalProcessed)
	assert.Equal(t, int64(2), counters.TotalFailed)
}

func TestParseCounters_MissingFieldsDefaultZero(t *testing.T) {
	counters := parseCounters(map[string]string{})
	assert.Equal(t, int64(0), counters.TotalEnqueued)
	assert.Equal(t, int64(0), counters.TotalProcessed)
	assert.Equal(t, int64(0), counters.TotalFailed)
}
