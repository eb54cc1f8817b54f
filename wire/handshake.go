package wire

import (
	"bytes"
	"fmt"

	grailerrors "github.com/grailplatform/grail-go-sdk/errors"
)

// Handshake byte strings. Each role opens its TCP connection by sending
// its handshake and reading the same number of bytes back; the contract
// is strict byte equality, anything else aborts the connection.

const (
	clientProtocolName     = "GRAIL client protocol"
	solverProtocolName     = "GRAIL solver protocol"
	aggregatorProtocolName = "GRAIL aggregator protocol"

	protocolVersionMajor = 0
	protocolVersionMinor = 0
)

func makeHandshake(name string) []byte {
	buf := appendUint32(nil, uint32(len(name)))
	buf = append(buf, name...)
	return append(buf, protocolVersionMajor, protocolVersionMinor)
}

// MakeClientHandshake returns the handshake for the client role.
func MakeClientHandshake() []byte {
	return makeHandshake(clientProtocolName)
}

// MakeSolverHandshake returns the handshake for the solver-to-world role.
func MakeSolverHandshake() []byte {
	return makeHandshake(solverProtocolName)
}

// MakeAggregatorHandshake returns the handshake for the
// solver-to-aggregator role.
func MakeAggregatorHandshake() []byte {
	return makeHandshake(aggregatorProtocolName)
}

// ExchangeHandshake sends the given handshake over the socket, reads the
// same number of bytes back, and verifies strict byte equality. The
// socket is left open on success and untouched on failure; closing a
// failed socket is the caller's decision.
func ExchangeHandshake(fs *FramedSocket, handshake []byte) error {
	if err := fs.SendRaw(handshake); err != nil {
		return fmt.Errorf("sending handshake: %w", err)
	}
	echo, err := fs.ReceiveRaw(len(handshake))
	if err != nil {
		return fmt.Errorf("receiving handshake: %w", err)
	}
	if !bytes.Equal(handshake, echo) {
		return grailerrors.ErrHandshakeFailed
	}
	return nil
}
