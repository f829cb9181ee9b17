package worker

import (
	"testing"

	"github.com/ardanlabs/txrelay/foundation/blockchain/database"
	"github.com/stretchr/testify/require"
)

func TestPropagated(t *testing.T) {
	const self = "node1:9080"

	tt := []struct {
		name string
		recs []database.TrackingRecord
		exp  bool
	}{
		{"no records", nil, false},
		{"own record without coverage", []database.TrackingRecord{{SourceNode: self}}, false},
		{"own record with coverage", []database.TrackingRecord{{SourceNode: self, Covered: []string{"node2:9080"}}}, true},
		{"record from another node", []database.TrackingRecord{{SourceNode: "node2:9080"}}, true},
	}

	for _, tc := range tt {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.exp, propagated(tc.recs, self))
		})
	}
}
