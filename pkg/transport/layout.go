// Package transport is the relay's directory-based queue. Artifacts move
// inbox → processing/<instance> → archive by link and unlink, never replacing
// an existing file. Responses land in outbox.
package transport

import (
	"fmt"
	"os"
	"path/filepath"
)

// Layout names the directories under the relay's base directory.
type Layout struct {
	Base string
}

func (l Layout) Inbox() string      { return filepath.Join(l.Base, "inbox") }
func (l Layout) Processing() string { return filepath.Join(l.Base, "processing") }
func (l Layout) Outbox() string     { return filepath.Join(l.Base, "outbox") }
func (l Layout) Archive() string    { return filepath.Join(l.Base, "archive") }
func (l Layout) Deliver() string    { return filepath.Join(l.Base, "deliver") }
func (l Layout) Alerts() string     { return filepath.Join(l.Base, "alerts") }
func (l Layout) Keys() string       { return filepath.Join(l.Base, "keys") }
func (l Layout) Data() string       { return filepath.Join(l.Base, "data") }

// ClaimDir holds the artifacts one relay instance has claimed.
func (l Layout) ClaimDir(instance string) string { return filepath.Join(l.Processing(), instance) }

// InstanceLock is held by the live process owning ClaimDir(instance).
func (l Layout) InstanceLock(instance string) string {
	return filepath.Join(l.Processing(), "."+instance+".lock")
}

// StatusFile is where the daemon publishes its latest status report.
func (l Layout) StatusFile() string { return filepath.Join(l.Data(), "status.json") }

// Ensure creates every directory. keys/ is owner-only.
func (l Layout) Ensure() error {
	for _, dir := range []string{l.Inbox(), l.Processing(), l.Outbox(), l.Archive(), l.Deliver(), l.Alerts(), l.Data()} {
		if err := os.MkdirAll(dir, 0750); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
	}
	if err := os.MkdirAll(l.Keys(), 0700); err != nil {
		return fmt.Errorf("create %s: %w", l.Keys(), err)
	}
	return nil
}
