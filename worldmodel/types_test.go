package worldmodel

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestWorldStateMergeAppendsPerURI(t *testing.T) {
	ws := WorldState{
		"room.1": {{Name: "temperature", CreationDate: 10}},
	}
	ws.Merge(WorldState{
		"room.1": {{Name: "temperature", CreationDate: 20}},
		"room.2": {{Name: "humidity", CreationDate: 15}},
	})

	require.Len(t, ws, 2)
	require.Len(t, ws["room.1"], 2)
	require.Equal(t, Time(10), ws["room.1"][0].CreationDate)
	require.Equal(t, Time(20), ws["room.1"][1].CreationDate)
	require.Equal(t, "humidity", ws["room.2"][0].Name)
}
