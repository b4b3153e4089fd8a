package alert

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

var (
	_ Reporter = (*LogReporter)(nil)
	_ Reporter = (*RollbarReporter)(nil)
)

func TestKvMap(t *testing.T) {
	extra := kvMap([]interface{}{"submissionId", "S1", "attempts", 3})
	assert.Equal(t, map[string]interface{}{"submissionId": "S1", "attempts": 3}, extra)
}

func TestKvMap_SkipsStragglers(t *testing.T) {
	extra := kvMap([]interface{}{"kind", "exhausted", "dangling"})
	assert.Equal(t, map[string]interface{}{"kind": "exhausted"}, extra)

	extra = kvMap([]interface{}{42, "not-a-key", "cause", "timeout"})
	assert.Equal(t, map[string]interface{}{"cause": "timeout"}, extra)
}

func TestLogReporterClose(t *testing.T) {
	r := NewLogReporter()
	r.Warn("noop", "k", "v")
	r.Error("noop", "k", "v")
	assert.NoError(t, r.Close())
}
