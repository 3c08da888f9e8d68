package retron_test

import (
	"context"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stevemurr/retrondb/record"
	"github.com/stevemurr/retrondb/retron"
	"github.com/stevemurr/retrondb/store"
)

func TestMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	g := retron.NewGatekeeper(store.NewMemoryStore(), retron.WithMetrics(retron.NewMetrics(reg)))
	ctx := context.Background()

	_, err := g.AddMany(ctx, coll, []record.Record{{"node": "1"}, {"node": "2"}}, false)
	require.NoError(t, err)
	_, err = g.AddOne(ctx, coll, record.Record{"node": "1"}, false)
	require.Error(t, err)
	_, err = g.AddOne(ctx, coll, record.Record{"node": "3", "genus": "E"}, false)
	require.Error(t, err)

	expected := `
# HELP retrondb_records_total Records written or removed by operation
# TYPE retrondb_records_total counter
retrondb_records_total{operation="add_many"} 2
# HELP retrondb_rejections_total Refused gatekeeper calls by operation and reason
# TYPE retrondb_rejections_total counter
retrondb_rejections_total{operation="add_one",reason="duplicate_identity"} 1
retrondb_rejections_total{operation="add_one",reason="unrecognized_property"} 1
`
	require.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected),
		"retrondb_records_total", "retrondb_rejections_total"))

	n, err := testutil.GatherAndCount(reg, "retrondb_operation_duration_seconds")
	require.NoError(t, err)
	assert.Equal(t, 2, n, "one series per operation")
}
