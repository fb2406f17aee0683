package client

import (
	"log"
	"sync"

	"github.com/peercode/collab/internal/awareness"
	"github.com/peercode/collab/internal/crdt"
	"github.com/peercode/collab/internal/protocol"
)

// EditorModel is the editor-facing half of the binding. Implementations
// wrap whatever text widget the host application uses.
type EditorModel interface {
	// Text returns the full current buffer.
	Text() string

	// SetText replaces the full buffer without firing OnSplice.
	SetText(text string)

	// ApplySplice applies a remote mutation without firing OnSplice.
	ApplySplice(index, deleteCount int, text string)

	// OnSplice registers the callback for user-driven edits.
	OnSplice(fn func(index, deleteCount int, text string))

	// SetCursor renders a remote participant's cursor decoration.
	SetCursor(clientID string, state awareness.State)

	// RemoveCursor removes a remote participant's cursor decoration.
	RemoveCursor(clientID string)
}

// Binding glues an editor model to a replicated document over a provider:
// user edits become broadcast updates, remote merges become editor splices,
// presence changes become cursor decorations.
type Binding struct {
	doc      *crdt.Doc
	provider *Provider
	model    EditorModel
	registry *awareness.Registry

	mu       sync.Mutex
	applying bool
	closed   bool
	saved    bool

	// SaveCode persists the final buffer when both users agree to end.
	// Optional; invoked at most once.
	SaveCode func(code string) error

	// OnSessionEnd signals the host to leave the room after the final
	// save. Optional.
	OnSessionEnd func()
}

// Bind wires the model to the document and provider. The model's buffer is
// replaced with the live document snapshot, never a cached string, so a
// rebind after reconnect starts from converged state.
func Bind(doc *crdt.Doc, provider *Provider, reg *awareness.Registry, model EditorModel) *Binding {
	b := &Binding{
		doc:      doc,
		provider: provider,
		model:    model,
		registry: reg,
	}

	model.SetText(doc.Snapshot())

	model.OnSplice(b.localSplice)
	doc.OnChange(b.remoteChange)
	reg.OnChange(b.presenceChange)
	provider.OnEvent(b.handleEvent)

	return b
}

// localSplice turns a user edit into a document mutation and broadcasts it.
func (b *Binding) localSplice(index, deleteCount int, text string) {
	b.mu.Lock()
	if b.applying || b.closed {
		b.mu.Unlock()
		return
	}
	b.mu.Unlock()

	update, err := b.doc.Splice(index, deleteCount, text)
	if err != nil {
		log.Printf("Error applying editor splice: %v", err)
		return
	}
	if err := b.provider.Broadcast(update); err != nil {
		log.Printf("Error broadcasting update: %v", err)
	}
}

// remoteChange feeds a merged remote mutation back into the editor. The
// applying guard stops the editor's own change notification from being
// re-broadcast as a local edit.
func (b *Binding) remoteChange(ch crdt.Change) {
	if ch.Origin != crdt.OriginRemote {
		return
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.applying = true
	b.mu.Unlock()

	b.model.ApplySplice(ch.Index, ch.Deleted, ch.Inserted)

	b.mu.Lock()
	b.applying = false
	b.mu.Unlock()
}

func (b *Binding) presenceChange(ch awareness.Change) {
	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()
	if closed {
		return
	}

	for _, id := range ch.Added {
		if state, ok := b.registry.Get(id); ok {
			b.model.SetCursor(id, state)
		}
	}
	for _, id := range ch.Updated {
		if state, ok := b.registry.Get(id); ok {
			b.model.SetCursor(id, state)
		}
	}
	for _, id := range ch.Removed {
		b.model.RemoveCursor(id)
	}
}

func (b *Binding) handleEvent(ev protocol.Event) {
	if _, ok := ev.(protocol.BothUsersAgreedEnd); !ok {
		return
	}

	b.mu.Lock()
	if b.saved || b.closed {
		b.mu.Unlock()
		return
	}
	b.saved = true
	b.mu.Unlock()

	if b.SaveCode != nil {
		if err := b.SaveCode(b.doc.Snapshot()); err != nil {
			log.Printf("Error saving final code: %v", err)
		}
	}
	if b.OnSessionEnd != nil {
		b.OnSessionEnd()
	}
}

// Rebind refreshes the editor from the live document. Call after a
// reconnect resync if the host wants an immediate repaint rather than
// waiting for merge-driven splices.
func (b *Binding) Rebind() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.applying = true
	b.mu.Unlock()

	b.model.SetText(b.doc.Snapshot())

	b.mu.Lock()
	b.applying = false
	b.mu.Unlock()
}

// Close disposes the binding and the provider together. The document
// survives for final reads (the end-session save path uses it).
func (b *Binding) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.mu.Unlock()

	return b.provider.Close()
}
