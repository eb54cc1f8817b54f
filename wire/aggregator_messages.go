package wire

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/grailplatform/grail-go-sdk/worldmodel"
)

// Message ids for the solver-to-aggregator role.
const (
	AggregatorMsgKeepAlive            uint8 = 0
	AggregatorMsgCertificate          uint8 = 1
	AggregatorMsgAck                  uint8 = 2
	AggregatorMsgSubscriptionRequest  uint8 = 3
	AggregatorMsgSubscriptionResponse uint8 = 4
	AggregatorMsgDevicePosition       uint8 = 5
	AggregatorMsgServerSample         uint8 = 6
	AggregatorMsgBufferOverrun        uint8 = 7
)

// MakeAggregatorKeepAlive returns a keep-alive frame for the
// aggregator role.
func MakeAggregatorKeepAlive() []byte {
	return finishFrame([]byte{AggregatorMsgKeepAlive})
}

// MakeSubscribeRequest encodes a subscription_request carrying every
// rule of the subscription.
func MakeSubscribeRequest(sub worldmodel.Subscription) []byte {
	payload := []byte{AggregatorMsgSubscriptionRequest}
	payload = appendUint32(payload, uint32(len(sub.Rules)))
	for _, rule := range sub.Rules {
		payload = append(payload, rule.PhysicalLayer)
		payload = appendUint32(payload, uint32(len(rule.Transmitters)))
		for _, tx := range rule.Transmitters {
			payload = appendUint64(payload, tx.BaseID)
			payload = appendUint64(payload, tx.Mask)
		}
		payload = appendInt64(payload, int64(rule.UpdateInterval))
	}
	return finishFrame(payload)
}

// DecodeSubscribeRequest parses a subscription_request frame.
func DecodeSubscribeRequest(frame []byte) (worldmodel.Subscription, error) {
	r := newFrameReader(frame)
	r.uint8()
	var sub worldmodel.Subscription
	nrules := r.uint32()
	for i := uint32(0); i < nrules; i++ {
		var rule worldmodel.Rule
		rule.PhysicalLayer = r.uint8()
		ntx := r.uint32()
		for j := uint32(0); j < ntx; j++ {
			rule.Transmitters = append(rule.Transmitters, worldmodel.Transmitter{
				BaseID: r.uint64(),
				Mask:   r.uint64(),
			})
		}
		rule.UpdateInterval = worldmodel.Time(r.int64())
		if r.err != nil {
			break
		}
		sub.Rules = append(sub.Rules, rule)
	}
	if r.err != nil {
		return worldmodel.Subscription{}, fmt.Errorf("decoding subscription request: %w", r.err)
	}
	return sub, nil
}

// DecodeSubscriptionResponse parses a subscription_response: the rule
// set the aggregator actually granted, which may be narrower than what
// was asked for.
func DecodeSubscriptionResponse(frame []byte) (worldmodel.Subscription, error) {
	sub, err := DecodeSubscribeRequest(frame)
	if err != nil {
		return worldmodel.Subscription{}, fmt.Errorf("decoding subscription response: %w", err)
	}
	return sub, nil
}

// MakeSubscriptionResponse encodes a subscription_response frame as an
// aggregator would send it.
func MakeSubscriptionResponse(sub worldmodel.Subscription) []byte {
	frame := MakeSubscribeRequest(sub)
	frame[HeaderLen] = AggregatorMsgSubscriptionResponse
	return frame
}

// DecodeServerSample parses a server_sample frame into one sensor
// sample. The validity flag travels on the wire; invalid samples still
// arrive here and are filtered by the caller.
func DecodeServerSample(frame []byte) (worldmodel.SampleData, error) {
	r := newFrameReader(frame)
	r.uint8()
	sd := worldmodel.SampleData{
		PhysicalLayer: r.uint8(),
		TransmitterID: r.uint64(),
		ReceiverID:    r.uint64(),
		Timestamp:     worldmodel.Time(r.int64()),
		RSS:           math.Float64frombits(r.uint64()),
		SenseData:     r.data(),
		Valid:         r.bool(),
	}
	if r.err != nil {
		return worldmodel.SampleData{}, fmt.Errorf("decoding server sample: %w", r.err)
	}
	return sd, nil
}

// MakeServerSample encodes a server_sample frame as an aggregator would
// send it.
func MakeServerSample(sd worldmodel.SampleData) []byte {
	payload := []byte{AggregatorMsgServerSample}
	payload = append(payload, sd.PhysicalLayer)
	payload = appendUint64(payload, sd.TransmitterID)
	payload = appendUint64(payload, sd.ReceiverID)
	payload = appendInt64(payload, int64(sd.Timestamp))
	payload = binary.BigEndian.AppendUint64(payload, math.Float64bits(sd.RSS))
	payload = appendData(payload, sd.SenseData)
	payload = appendBool(payload, sd.Valid)
	return finishFrame(payload)
}
