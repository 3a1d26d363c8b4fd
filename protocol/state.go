package protocol

// OperationalMode is the link-level activity of the engine
type OperationalMode uint8

const (
	ModeIdle OperationalMode = iota
	ModeTransmitting
	ModePending
	ModeReceiving
)

func (m OperationalMode) String() string {
	switch m {
	case ModeIdle:
		return "idle"
	case ModeTransmitting:
		return "transmitting"
	case ModePending:
		return "pending"
	case ModeReceiving:
		return "receiving"
	default:
		return "unknown"
	}
}

// TransmissionMode is the transmit sub-state, meaningful only while the
// operational mode is ModeTransmitting
type TransmissionMode uint8

const (
	TxIdle TransmissionMode = iota
	TxBeacon
	TxStream
)

func (m TransmissionMode) String() string {
	switch m {
	case TxIdle:
		return "idle"
	case TxBeacon:
		return "beacon"
	case TxStream:
		return "stream"
	default:
		return "unknown"
	}
}

// txState names the steps of the transmit state machine
type txState uint8

const (
	txIdle txState = iota
	txBeacon
	txStream
	txPending
)

func (s txState) String() string {
	switch s {
	case txIdle:
		return "idle"
	case txBeacon:
		return "beacon"
	case txStream:
		return "stream"
	case txPending:
		return "pending"
	default:
		return "unknown"
	}
}

// modes maps a transmit step to the externally visible mode pair
func (s txState) modes() (OperationalMode, TransmissionMode) {
	switch s {
	case txBeacon:
		return ModeTransmitting, TxBeacon
	case txStream:
		return ModeTransmitting, TxStream
	case txPending:
		return ModePending, TxIdle
	default:
		return ModeIdle, TxIdle
	}
}
