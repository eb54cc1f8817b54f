package wire

import (
	"fmt"

	"github.com/grailplatform/grail-go-sdk/worldmodel"
)

// Message ids for the solver-to-world role.
const (
	SolverMsgKeepAlive       uint8 = 0
	SolverMsgTypeAnnounce    uint8 = 1
	SolverMsgStartOnDemand   uint8 = 2
	SolverMsgStopOnDemand    uint8 = 3
	SolverMsgSolutionData    uint8 = 4
	SolverMsgCreateURI       uint8 = 5
	SolverMsgExpireURI       uint8 = 6
	SolverMsgDeleteURI       uint8 = 7
	SolverMsgExpireAttribute uint8 = 8
	SolverMsgDeleteAttribute uint8 = 9
)

// MakeSolverKeepAlive returns a keep-alive frame for the solver role.
func MakeSolverKeepAlive() []byte {
	return finishFrame([]byte{SolverMsgKeepAlive})
}

// MakeTypeAnnounce encodes a list of solver types together with the
// origin string. After every connect it carries the full registry;
// when types are added later it carries only the new entries.
func MakeTypeAnnounce(types []worldmodel.AliasType, origin string) []byte {
	payload := []byte{SolverMsgTypeAnnounce}
	payload = appendUint32(payload, uint32(len(types)))
	for _, t := range types {
		payload = appendUint32(payload, t.Alias)
		payload = appendString(payload, t.Type)
		payload = appendBool(payload, t.OnDemand)
	}
	payload = appendString(payload, origin)
	return finishFrame(payload)
}

// DecodeTypeAnnounce parses a type_announce frame.
func DecodeTypeAnnounce(frame []byte) ([]worldmodel.AliasType, string, error) {
	r := newFrameReader(frame)
	r.uint8()
	count := r.uint32()
	types := make([]worldmodel.AliasType, 0, count)
	for i := uint32(0); i < count; i++ {
		t := worldmodel.AliasType{
			Alias:    r.uint32(),
			Type:     r.string(),
			OnDemand: r.bool(),
		}
		if r.err != nil {
			break
		}
		types = append(types, t)
	}
	origin := r.string()
	if r.err != nil {
		return nil, "", fmt.Errorf("decoding type announce: %w", r.err)
	}
	return types, origin, nil
}

// SolutionData is one produced attribute value: the announced type it
// instantiates, the time it holds for, the URI it attaches to, and the
// attribute payload.
type SolutionData struct {
	TypeAlias uint32
	Time      worldmodel.Time
	Target    worldmodel.URI
	Data      []byte
}

// MakeSolutionMsg encodes a batch of solution data. createURIs asks the
// server to create target URIs that do not exist yet. An empty batch is
// valid and doubles as a keep-alive.
func MakeSolutionMsg(createURIs bool, solutions []SolutionData) []byte {
	payload := []byte{SolverMsgSolutionData}
	payload = appendBool(payload, createURIs)
	payload = appendUint32(payload, uint32(len(solutions)))
	for _, s := range solutions {
		payload = appendUint32(payload, s.TypeAlias)
		payload = appendInt64(payload, int64(s.Time))
		payload = appendString(payload, string(s.Target))
		payload = appendData(payload, s.Data)
	}
	return finishFrame(payload)
}

// DecodeSolutionMsg parses a solver_data frame.
func DecodeSolutionMsg(frame []byte) (bool, []SolutionData, error) {
	r := newFrameReader(frame)
	r.uint8()
	createURIs := r.bool()
	count := r.uint32()
	solutions := make([]SolutionData, 0, count)
	for i := uint32(0); i < count; i++ {
		s := SolutionData{
			TypeAlias: r.uint32(),
			Time:      worldmodel.Time(r.int64()),
			Target:    worldmodel.URI(r.string()),
			Data:      r.data(),
		}
		if r.err != nil {
			break
		}
		solutions = append(solutions, s)
	}
	if r.err != nil {
		return false, nil, fmt.Errorf("decoding solution data: %w", r.err)
	}
	return createURIs, solutions, nil
}

// OnDemandRequest names the URI patterns the server wants an on-demand
// type produced for, or wants stopped.
type OnDemandRequest struct {
	TypeAlias uint32
	Patterns  []string
}

func decodeOnDemand(frame []byte, what string) ([]OnDemandRequest, error) {
	r := newFrameReader(frame)
	r.uint8()
	count := r.uint32()
	reqs := make([]OnDemandRequest, 0, count)
	for i := uint32(0); i < count; i++ {
		var req OnDemandRequest
		req.TypeAlias = r.uint32()
		npatterns := r.uint32()
		for j := uint32(0); j < npatterns; j++ {
			req.Patterns = append(req.Patterns, r.string())
		}
		if r.err != nil {
			break
		}
		reqs = append(reqs, req)
	}
	if r.err != nil {
		return nil, fmt.Errorf("decoding %s: %w", what, r.err)
	}
	return reqs, nil
}

// DecodeStartOnDemand parses a start_on_demand frame.
func DecodeStartOnDemand(frame []byte) ([]OnDemandRequest, error) {
	return decodeOnDemand(frame, "start on-demand")
}

// DecodeStopOnDemand parses a stop_on_demand frame.
func DecodeStopOnDemand(frame []byte) ([]OnDemandRequest, error) {
	return decodeOnDemand(frame, "stop on-demand")
}

func makeOnDemand(id uint8, reqs []OnDemandRequest) []byte {
	payload := []byte{id}
	payload = appendUint32(payload, uint32(len(reqs)))
	for _, req := range reqs {
		payload = appendUint32(payload, req.TypeAlias)
		payload = appendUint32(payload, uint32(len(req.Patterns)))
		for _, p := range req.Patterns {
			payload = appendString(payload, p)
		}
	}
	return finishFrame(payload)
}

// MakeStartOnDemand encodes a start_on_demand frame as a server would
// send it.
func MakeStartOnDemand(reqs []OnDemandRequest) []byte {
	return makeOnDemand(SolverMsgStartOnDemand, reqs)
}

// MakeStopOnDemand encodes a stop_on_demand frame as a server would
// send it.
func MakeStopOnDemand(reqs []OnDemandRequest) []byte {
	return makeOnDemand(SolverMsgStopOnDemand, reqs)
}

// MakeCreateURI encodes a create_uri frame.
func MakeCreateURI(uri worldmodel.URI, created worldmodel.Time, origin string) []byte {
	payload := []byte{SolverMsgCreateURI}
	payload = appendString(payload, string(uri))
	payload = appendInt64(payload, int64(created))
	payload = appendString(payload, origin)
	return finishFrame(payload)
}

// MakeExpireURI encodes an expire_uri frame.
func MakeExpireURI(uri worldmodel.URI, expires worldmodel.Time, origin string) []byte {
	payload := []byte{SolverMsgExpireURI}
	payload = appendString(payload, string(uri))
	payload = appendInt64(payload, int64(expires))
	payload = appendString(payload, origin)
	return finishFrame(payload)
}

// MakeDeleteURI encodes a delete_uri frame.
func MakeDeleteURI(uri worldmodel.URI, origin string) []byte {
	payload := []byte{SolverMsgDeleteURI}
	payload = appendString(payload, string(uri))
	payload = appendString(payload, origin)
	return finishFrame(payload)
}

// MakeExpireAttribute encodes an expire_attribute frame.
func MakeExpireAttribute(uri worldmodel.URI, name, origin string, expires worldmodel.Time) []byte {
	payload := []byte{SolverMsgExpireAttribute}
	payload = appendString(payload, string(uri))
	payload = appendString(payload, name)
	payload = appendInt64(payload, int64(expires))
	payload = appendString(payload, origin)
	return finishFrame(payload)
}

// MakeDeleteAttribute encodes a delete_attribute frame.
func MakeDeleteAttribute(uri worldmodel.URI, name, origin string) []byte {
	payload := []byte{SolverMsgDeleteAttribute}
	payload = appendString(payload, string(uri))
	payload = appendString(payload, name)
	payload = appendString(payload, origin)
	return finishFrame(payload)
}
