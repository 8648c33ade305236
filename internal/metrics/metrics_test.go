package metrics

import (
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func scrape(t *testing.T) string {
	t.Helper()
	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	require.Equal(t, 200, rec.Code)
	return rec.Body.String()
}

func TestRecordersAreExposed(t *testing.T) {
	RecordIteration("ACC9", true)
	RecordTrigger("ACC9", "trailing_stop")
	RecordTrigger("ACC9", "trailing_stop")
	RecordOrder("ACC9", "limit", false)
	SetMonitoredPositions("ACC9", 3)
	RecordIngest("ACC9", 4, 1)
	RecordError("ACC9", "refresh")

	body := scrape(t)
	assert.Contains(t, body, `options_watcher_iterations_total{account="ACC9",session="open"} 1`)
	assert.Contains(t, body, `options_watcher_triggers_total{account="ACC9",kind="trailing_stop"} 2`)
	assert.Contains(t, body, `options_watcher_orders_total{account="ACC9",kind="limit",outcome="failure"} 1`)
	assert.Contains(t, body, `options_watcher_monitored_positions{account="ACC9"} 3`)
	assert.Contains(t, body, `options_watcher_fills_ingested_total{account="ACC9"} 4`)
	assert.Contains(t, body, `options_watcher_fills_skipped_total{account="ACC9"} 1`)
	assert.Contains(t, body, `options_watcher_errors_total{account="ACC9",type="refresh"} 1`)
}
