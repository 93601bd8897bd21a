package exec

import (
	"encoding/json"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// ═══════════════════════════════════════════════════════════════════════════════
// KILL SWITCH - Global order-placement halt
// ═══════════════════════════════════════════════════════════════════════════════
//
// The switch is a marker file so operators can flip it with touch/rm and
// it survives restarts. While set, every placement request is refused no
// matter which path qualified it. Set manually or automatically on a
// daily-loss breach or a wallet error; cleared only explicitly.
//
// ═══════════════════════════════════════════════════════════════════════════════

type killMarker struct {
	Reason string    `json:"reason"`
	At     time.Time `json:"at"`
}

// KillSwitch is the file-backed halt flag
type KillSwitch struct {
	mu   sync.Mutex
	path string
}

// NewKillSwitch creates the switch over a marker path
func NewKillSwitch(path string) *KillSwitch {
	return &KillSwitch{path: path}
}

// Active reports whether the switch is set, with the recorded reason
func (k *KillSwitch) Active() (bool, string) {
	k.mu.Lock()
	defer k.mu.Unlock()

	data, err := os.ReadFile(k.path)
	if os.IsNotExist(err) {
		return false, ""
	}
	if err != nil {
		// Fail closed when the marker cannot be read at all
		return true, "kill switch marker unreadable: " + err.Error()
	}

	var m killMarker
	if err := json.Unmarshal(data, &m); err != nil {
		// A bare touched file still counts as set
		return true, "kill switch set (unreadable marker)"
	}
	return true, m.Reason
}

// Activate sets the switch. Idempotent; the first reason wins.
func (k *KillSwitch) Activate(reason string) error {
	k.mu.Lock()
	defer k.mu.Unlock()

	if _, err := os.Stat(k.path); err == nil {
		return nil
	}

	data, err := json.MarshalIndent(killMarker{Reason: reason, At: time.Now().UTC()}, "", "  ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(k.path, data, 0o644); err != nil {
		return err
	}

	log.Error().Str("reason", reason).Msg("🛑 KILL SWITCH ACTIVATED")
	return nil
}

// Deactivate clears the switch
func (k *KillSwitch) Deactivate() error {
	k.mu.Lock()
	defer k.mu.Unlock()

	err := os.Remove(k.path)
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	log.Info().Msg("✅ Kill switch cleared")
	return nil
}
