// Package mode implements the ModeManager (C4): a small state machine over
// SystemMode, executing each transition atomically through a
// TransactionContext (spec §4.4, §9).
package mode

// SystemMode is the enumeration from spec §4.4.
type SystemMode string

const (
	ModeStartup     SystemMode = "STARTUP"
	ModeIdle        SystemMode = "IDLE"
	ModeAmbient     SystemMode = "AMBIENT"
	ModeInteractive SystemMode = "INTERACTIVE"
	ModeSleeping    SystemMode = "SLEEPING"
)

// Valid reports whether m is one of the five recognized modes.
func (m SystemMode) Valid() bool {
	switch m {
	case ModeStartup, ModeIdle, ModeAmbient, ModeInteractive, ModeSleeping:
		return true
	default:
		return false
	}
}
