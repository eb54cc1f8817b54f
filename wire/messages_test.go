package wire

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/grailplatform/grail-go-sdk/worldmodel"
)

func TestKeepAliveFrames(t *testing.T) {
	for _, frame := range [][]byte{
		MakeClientKeepAlive(),
		MakeSolverKeepAlive(),
		MakeAggregatorKeepAlive(),
	} {
		require.Len(t, frame, MinFrameLen)
		require.Equal(t, uint8(0), frame[HeaderLen])
	}
}

func TestSnapshotRequestCarriesBothBounds(t *testing.T) {
	req := worldmodel.Request{
		SearchURI:  "building\\.4\\..*",
		Attributes: []string{"temperature", "humidity"},
		Start:      1500,
		Stop:       1500,
	}
	frame := MakeSnapshotRequest(req, 17)
	require.Equal(t, ClientMsgSnapshotRequest, frame[HeaderLen])

	got, ticket, err := DecodeSnapshotRequest(frame)
	require.NoError(t, err)
	require.Equal(t, uint32(17), ticket)
	require.Equal(t, req, got)
}

func TestStreamRequestCarriesInterval(t *testing.T) {
	req := worldmodel.Request{SearchURI: "door\\..*", Attributes: []string{".*"}}
	frame := MakeStreamRequest(req, 250, 3)
	require.Equal(t, ClientMsgStreamRequest, frame[HeaderLen])

	got, interval, ticket, err := DecodeStreamRequest(frame)
	require.NoError(t, err)
	require.Equal(t, uint32(3), ticket)
	require.Equal(t, worldmodel.Time(250), interval)
	require.Equal(t, req, got)
}

func TestDataResponseRoundTrip(t *testing.T) {
	wd := AliasedWorldData{
		ObjectURI: "room.12",
		Attributes: []AliasedAttribute{
			{NameAlias: 1, CreationDate: 100, ExpirationDate: 200, OriginAlias: 7, Data: []byte{0xde, 0xad}},
			{NameAlias: 2, CreationDate: 150, OriginAlias: 7, Data: nil},
		},
	}
	frame := MakeDataResponse(wd, 42)
	require.Equal(t, ClientMsgDataResponse, frame[HeaderLen])

	got, ticket, err := DecodeDataResponse(frame)
	require.NoError(t, err)
	require.Equal(t, uint32(42), ticket)
	require.Equal(t, wd.ObjectURI, got.ObjectURI)
	require.Len(t, got.Attributes, 2)
	require.Equal(t, wd.Attributes[0], got.Attributes[0])
	require.Empty(t, got.Attributes[1].Data)
}

func TestAliasTablesUseDistinctIDs(t *testing.T) {
	aliases := []Alias{{ID: 1, Name: "temperature"}, {ID: 2, Name: "rssi"}}
	attr := MakeAttributeAliases(aliases)
	origin := MakeOriginAliases(aliases)
	require.Equal(t, ClientMsgAttributeAlias, attr[HeaderLen])
	require.Equal(t, ClientMsgOriginAlias, origin[HeaderLen])

	got, err := DecodeAttributeAliases(attr)
	require.NoError(t, err)
	require.Equal(t, aliases, got)
}

func TestTypeAnnounceRoundTrip(t *testing.T) {
	types := []worldmodel.AliasType{
		{Alias: 1, Type: "rssi", OnDemand: false},
		{Alias: 2, Type: "position", OnDemand: true},
	}
	frame := MakeTypeAnnounce(types, "locsolver")
	require.Equal(t, SolverMsgTypeAnnounce, frame[HeaderLen])

	got, origin, err := DecodeTypeAnnounce(frame)
	require.NoError(t, err)
	require.Equal(t, types, got)
	require.Equal(t, "locsolver", origin)
}

func TestEmptySolutionFrame(t *testing.T) {
	frame := MakeSolutionMsg(true, nil)
	createURIs, solutions, err := DecodeSolutionMsg(frame)
	require.NoError(t, err)
	require.True(t, createURIs)
	require.Empty(t, solutions)
}

func TestSubscriptionResponseReusesRequestLayout(t *testing.T) {
	sub := worldmodel.Subscription{Rules: []worldmodel.Rule{{
		PhysicalLayer:  1,
		Transmitters:   []worldmodel.Transmitter{{BaseID: 42, Mask: 0xffff}},
		UpdateInterval: 250,
	}}}
	req := MakeSubscribeRequest(sub)
	resp := MakeSubscriptionResponse(sub)
	require.Equal(t, AggregatorMsgSubscriptionRequest, req[HeaderLen])
	require.Equal(t, AggregatorMsgSubscriptionResponse, resp[HeaderLen])

	got, err := DecodeSubscriptionResponse(resp)
	require.NoError(t, err)
	require.Equal(t, sub, got)
}

func TestServerSampleRoundTrip(t *testing.T) {
	sd := worldmodel.SampleData{
		PhysicalLayer: 1,
		TransmitterID: 42,
		ReceiverID:    7,
		Timestamp:     1234,
		RSS:           -61.5,
		SenseData:     []byte{3, 1, 4},
		Valid:         true,
	}
	got, err := DecodeServerSample(MakeServerSample(sd))
	require.NoError(t, err)
	require.Equal(t, sd, got)

	sd.Valid = false
	got, err = DecodeServerSample(MakeServerSample(sd))
	require.NoError(t, err)
	require.False(t, got.Valid)
}
