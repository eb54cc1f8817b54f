package worldmodel

// SampleData is one raw sensor sample streamed by an aggregator.
// Valid reports whether the aggregator marked the sample as usable;
// invalid samples are delivered on the wire but must not reach callbacks.
type SampleData struct {
	PhysicalLayer uint8
	TransmitterID uint64
	ReceiverID    uint64
	Timestamp     Time
	RSS           float64
	SenseData     []byte
	Valid         bool
}

// Transmitter selects a set of transmitter IDs by base and mask: an ID
// matches when id&Mask == BaseID&Mask.
type Transmitter struct {
	BaseID uint64
	Mask   uint64
}

// Rule asks an aggregator for samples from the given transmitters on one
// physical layer, delivered no faster than UpdateInterval milliseconds.
type Rule struct {
	PhysicalLayer  uint8
	Transmitters   []Transmitter
	UpdateInterval Time
}

// Subscription is a set of rules requested from an aggregator as a unit.
type Subscription struct {
	Rules []Rule
}
