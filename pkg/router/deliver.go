package router

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/Mindburn-Labs/helm-relay/pkg/canonicalize"
	"github.com/Mindburn-Labs/helm-relay/pkg/contracts"
	"github.com/Mindburn-Labs/helm-relay/pkg/transport"
)

// Deliverer hands an accepted message to its receiver.
type Deliverer interface {
	Deliver(ctx context.Context, msg *contracts.Message, raw []byte) error
}

// DiscardDeliverer accepts and drops everything.
type DiscardDeliverer struct{}

func (DiscardDeliverer) Deliver(context.Context, *contracts.Message, []byte) error { return nil }

// FileDeliverer writes accepted messages verbatim into per-receiver mailboxes:
// <dir>/<receiver_id>/<sender_id>/<message_id>.json. A delivered file is never
// replaced; a repeated message id from the same sender gets a unique sibling.
type FileDeliverer struct {
	dir string
}

func NewFileDeliverer(dir string) *FileDeliverer { return &FileDeliverer{dir: dir} }

// MailboxPath is where msg lands when the name is free.
func (d *FileDeliverer) MailboxPath(msg *contracts.Message, raw []byte) (string, error) {
	if !safeName(msg.ReceiverID) {
		return "", fmt.Errorf("receiver id %q cannot name a mailbox", msg.ReceiverID)
	}
	if !safeName(msg.SenderID) {
		return "", fmt.Errorf("sender id %q cannot name a mailbox", msg.SenderID)
	}
	name := msg.MessageID
	if !safeName(name) {
		name = canonicalize.HashBytes(raw)
	}
	return filepath.Join(d.dir, msg.ReceiverID, msg.SenderID, name+".json"), nil
}

func (d *FileDeliverer) Deliver(_ context.Context, msg *contracts.Message, raw []byte) error {
	path, err := d.MailboxPath(msg, raw)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
		return fmt.Errorf("create mailbox: %w", err)
	}
	if _, err := transport.WriteExclusive(path, raw); err != nil {
		return fmt.Errorf("write mailbox file: %w", err)
	}
	return nil
}

func safeName(s string) bool {
	if s == "" || s == "." || s == ".." || strings.HasPrefix(s, ".") {
		return false
	}
	return !strings.ContainsAny(s, `/\`+"\x00")
}
