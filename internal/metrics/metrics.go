package metrics

// Collector receives operational counters from the session, connector and
// coordinator. A no-op implementation keeps metrics optional.
type Collector interface {
	// IncrementPolls counts one poll round; ok is false for an empty result.
	IncrementPolls(ok bool)

	// IncrementCommands counts one successfully published command.
	IncrementCommands()

	// IncrementReconnections counts one reconnection cycle start.
	IncrementReconnections()

	// IncrementDecodedFrames counts one register frame merged into state.
	IncrementDecodedFrames()

	// IncrementDroppedDuplicates counts one QoS-1 redelivery suppressed.
	IncrementDroppedDuplicates()

	// SetConnected records the broker connection state.
	SetConnected(online bool)
}

var _ Collector = (*Null)(nil)

// Null is the zero-overhead collector used when metrics are disabled.
type Null struct{}

func (Null) IncrementPolls(bool)         {}
func (Null) IncrementCommands()          {}
func (Null) IncrementReconnections()     {}
func (Null) IncrementDecodedFrames()     {}
func (Null) IncrementDroppedDuplicates() {}
func (Null) SetConnected(bool)           {}
