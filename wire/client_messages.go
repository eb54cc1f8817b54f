package wire

import (
	"fmt"

	"github.com/grailplatform/grail-go-sdk/worldmodel"
)

// Message ids for the client role. The id is always the byte at offset
// HeaderLen of a frame.
const (
	ClientMsgKeepAlive       uint8 = 0
	ClientMsgSnapshotRequest uint8 = 1
	ClientMsgRangeRequest    uint8 = 2
	ClientMsgStreamRequest   uint8 = 3
	ClientMsgAttributeAlias  uint8 = 4
	ClientMsgOriginAlias     uint8 = 5
	ClientMsgRequestComplete uint8 = 6
	ClientMsgCancelRequest   uint8 = 7
	ClientMsgDataResponse    uint8 = 8
)

// MakeClientKeepAlive returns a keep-alive frame for the client role.
func MakeClientKeepAlive() []byte {
	return finishFrame([]byte{ClientMsgKeepAlive})
}

func appendRequestBody(payload []byte, req worldmodel.Request, ticket uint32) []byte {
	payload = appendUint32(payload, ticket)
	payload = appendString(payload, string(req.SearchURI))
	payload = appendUint32(payload, uint32(len(req.Attributes)))
	for _, a := range req.Attributes {
		payload = appendString(payload, a)
	}
	return payload
}

// MakeSnapshotRequest encodes a snapshot request. req.Start and
// req.Stop both travel on the wire, each as given.
func MakeSnapshotRequest(req worldmodel.Request, ticket uint32) []byte {
	payload := []byte{ClientMsgSnapshotRequest}
	payload = appendRequestBody(payload, req, ticket)
	payload = appendInt64(payload, int64(req.Start))
	payload = appendInt64(payload, int64(req.Stop))
	return finishFrame(payload)
}

// MakeRangeRequest encodes a range request for the interval
// [req.Start, req.Stop].
func MakeRangeRequest(req worldmodel.Request, ticket uint32) []byte {
	payload := []byte{ClientMsgRangeRequest}
	payload = appendRequestBody(payload, req, ticket)
	payload = appendInt64(payload, int64(req.Start))
	payload = appendInt64(payload, int64(req.Stop))
	return finishFrame(payload)
}

// MakeStreamRequest encodes a stream request with the given minimum
// update interval in milliseconds.
func MakeStreamRequest(req worldmodel.Request, interval worldmodel.Time, ticket uint32) []byte {
	payload := []byte{ClientMsgStreamRequest}
	payload = appendRequestBody(payload, req, ticket)
	payload = appendInt64(payload, int64(interval))
	return finishFrame(payload)
}

func decodeRequestBody(r *reader) (worldmodel.Request, uint32) {
	ticket := r.uint32()
	var req worldmodel.Request
	req.SearchURI = worldmodel.URI(r.string())
	count := r.uint32()
	for i := uint32(0); i < count; i++ {
		req.Attributes = append(req.Attributes, r.string())
	}
	return req, ticket
}

// DecodeSnapshotRequest parses a snapshot_request frame as a server
// would receive it.
func DecodeSnapshotRequest(frame []byte) (worldmodel.Request, uint32, error) {
	r := newFrameReader(frame)
	r.uint8()
	req, ticket := decodeRequestBody(r)
	req.Start = worldmodel.Time(r.int64())
	req.Stop = worldmodel.Time(r.int64())
	if r.err != nil {
		return worldmodel.Request{}, 0, fmt.Errorf("decoding snapshot request: %w", r.err)
	}
	return req, ticket, nil
}

// DecodeRangeRequest parses a range_request frame as a server would
// receive it.
func DecodeRangeRequest(frame []byte) (worldmodel.Request, uint32, error) {
	req, ticket, err := DecodeSnapshotRequest(frame)
	if err != nil {
		return worldmodel.Request{}, 0, fmt.Errorf("decoding range request: %w", err)
	}
	return req, ticket, nil
}

// DecodeStreamRequest parses a stream_request frame as a server would
// receive it, returning the request, the update interval, and the
// ticket.
func DecodeStreamRequest(frame []byte) (worldmodel.Request, worldmodel.Time, uint32, error) {
	r := newFrameReader(frame)
	r.uint8()
	req, ticket := decodeRequestBody(r)
	interval := worldmodel.Time(r.int64())
	if r.err != nil {
		return worldmodel.Request{}, 0, 0, fmt.Errorf("decoding stream request: %w", r.err)
	}
	return req, interval, ticket, nil
}

// Alias is one entry of an alias table message: a numeric id the server
// will use in data responses and the string it stands for.
type Alias struct {
	ID   uint32
	Name string
}

func decodeAliases(frame []byte) ([]Alias, error) {
	r := newFrameReader(frame)
	r.uint8()
	count := r.uint32()
	aliases := make([]Alias, 0, count)
	for i := uint32(0); i < count; i++ {
		a := Alias{ID: r.uint32(), Name: r.string()}
		if r.err != nil {
			break
		}
		aliases = append(aliases, a)
	}
	if r.err != nil {
		return nil, fmt.Errorf("decoding alias table: %w", r.err)
	}
	return aliases, nil
}

// DecodeAttributeAliases parses an attribute_alias frame.
func DecodeAttributeAliases(frame []byte) ([]Alias, error) {
	return decodeAliases(frame)
}

// DecodeOriginAliases parses an origin_alias frame.
func DecodeOriginAliases(frame []byte) ([]Alias, error) {
	return decodeAliases(frame)
}

func makeAliases(id uint8, aliases []Alias) []byte {
	payload := []byte{id}
	payload = appendUint32(payload, uint32(len(aliases)))
	for _, a := range aliases {
		payload = appendUint32(payload, a.ID)
		payload = appendString(payload, a.Name)
	}
	return finishFrame(payload)
}

// MakeAttributeAliases encodes an attribute_alias frame as a server
// would send it.
func MakeAttributeAliases(aliases []Alias) []byte {
	return makeAliases(ClientMsgAttributeAlias, aliases)
}

// MakeOriginAliases encodes an origin_alias frame as a server would
// send it.
func MakeOriginAliases(aliases []Alias) []byte {
	return makeAliases(ClientMsgOriginAlias, aliases)
}

// AliasedAttribute is an attribute as it travels in a data_response,
// with the name and origin still in alias form.
type AliasedAttribute struct {
	NameAlias      uint32
	CreationDate   worldmodel.Time
	ExpirationDate worldmodel.Time
	OriginAlias    uint32
	Data           []byte
}

// AliasedWorldData is the payload of a data_response: the attributes of
// one URI, aliases unresolved.
type AliasedWorldData struct {
	ObjectURI  worldmodel.URI
	Attributes []AliasedAttribute
}

// DecodeDataResponse parses a data_response frame, returning the
// aliased data and the ticket it answers.
func DecodeDataResponse(frame []byte) (AliasedWorldData, uint32, error) {
	r := newFrameReader(frame)
	r.uint8()
	ticket := r.uint32()
	var wd AliasedWorldData
	wd.ObjectURI = worldmodel.URI(r.string())
	count := r.uint32()
	for i := uint32(0); i < count; i++ {
		attr := AliasedAttribute{
			NameAlias:      r.uint32(),
			CreationDate:   worldmodel.Time(r.int64()),
			ExpirationDate: worldmodel.Time(r.int64()),
			OriginAlias:    r.uint32(),
			Data:           r.data(),
		}
		if r.err != nil {
			break
		}
		wd.Attributes = append(wd.Attributes, attr)
	}
	if r.err != nil {
		return AliasedWorldData{}, 0, fmt.Errorf("decoding data response: %w", r.err)
	}
	return wd, ticket, nil
}

// MakeDataResponse encodes a data_response frame as a server would send
// it.
func MakeDataResponse(wd AliasedWorldData, ticket uint32) []byte {
	payload := []byte{ClientMsgDataResponse}
	payload = appendUint32(payload, ticket)
	payload = appendString(payload, string(wd.ObjectURI))
	payload = appendUint32(payload, uint32(len(wd.Attributes)))
	for _, attr := range wd.Attributes {
		payload = appendUint32(payload, attr.NameAlias)
		payload = appendInt64(payload, int64(attr.CreationDate))
		payload = appendInt64(payload, int64(attr.ExpirationDate))
		payload = appendUint32(payload, attr.OriginAlias)
		payload = appendData(payload, attr.Data)
	}
	return finishFrame(payload)
}

// DecodeRequestComplete parses a request_complete frame and returns the
// ticket whose request finished.
func DecodeRequestComplete(frame []byte) (uint32, error) {
	r := newFrameReader(frame)
	r.uint8()
	ticket := r.uint32()
	if r.err != nil {
		return 0, fmt.Errorf("decoding request complete: %w", r.err)
	}
	return ticket, nil
}

// MakeRequestComplete encodes a request_complete frame as a server
// would send it.
func MakeRequestComplete(ticket uint32) []byte {
	payload := []byte{ClientMsgRequestComplete}
	payload = appendUint32(payload, ticket)
	return finishFrame(payload)
}
