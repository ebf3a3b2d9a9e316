// Package multimanager aggregates several session managers so a tap on any
// of their readers starts the transaction.
package multimanager

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/dotside-studios/davi-isodep-agent/nfc"
	"github.com/rs/zerolog/log"
)

// ManagerEntry represents a named session manager.
type ManagerEntry struct {
	Name    string
	Manager nfc.SessionManager
}

// MultiManager polls all its session managers concurrently. The first to
// produce a tag wins; the others are cancelled, and any tag they acquired
// while losing the race is released.
type MultiManager struct {
	mu      sync.Mutex
	entries []ManagerEntry
	active  *ManagerEntry
}

// Ensure MultiManager implements SessionManagerCloser
var _ nfc.SessionManagerCloser = (*MultiManager)(nil)

// NewMultiManager creates a MultiManager. Entries with an empty name, a nil
// manager or a duplicate name are skipped.
//
// Example:
//
//	mm := multimanager.NewMultiManager(
//	    multimanager.ManagerEntry{Name: "pcsc", Manager: nfc.NewPCSCSessionManager("")},
//	    multimanager.ManagerEntry{Name: "remote", Manager: relay},
//	)
func NewMultiManager(entries ...ManagerEntry) *MultiManager {
	mm := &MultiManager{}
	for _, e := range entries {
		if err := mm.AddManager(e.Name, e.Manager); err != nil {
			log.Warn().Err(err).Msg("[multi] skipping manager")
		}
	}
	return mm
}

// AddManager appends a named session manager.
func (mm *MultiManager) AddManager(name string, m nfc.SessionManager) error {
	if name == "" {
		return fmt.Errorf("manager name cannot be empty")
	}
	if m == nil {
		return fmt.Errorf("manager %q cannot be nil", name)
	}

	mm.mu.Lock()
	defer mm.mu.Unlock()
	for _, e := range mm.entries {
		if e.Name == name {
			return fmt.Errorf("manager with name '%s' already exists", name)
		}
	}
	mm.entries = append(mm.entries, ManagerEntry{Name: name, Manager: m})
	log.Debug().Str("manager", name).Msg("[multi] manager registered")
	return nil
}

// GetManagerNames returns the names of all registered managers in order.
func (mm *MultiManager) GetManagerNames() []string {
	mm.mu.Lock()
	defer mm.mu.Unlock()
	names := make([]string, len(mm.entries))
	for i, e := range mm.entries {
		names[i] = e.Name
	}
	return names
}

// Active returns the name of the manager holding the current session.
func (mm *MultiManager) Active() (string, bool) {
	mm.mu.Lock()
	defer mm.mu.Unlock()
	if mm.active == nil {
		return "", false
	}
	return mm.active.Name, true
}

type acquired struct {
	entry ManagerEntry
	tag   nfc.TagHandle
	err   error
}

// Acquire races every manager. It fails only when all of them fail, with
// the first failure that is not the race's own cancellation.
func (mm *MultiManager) Acquire(ctx context.Context) (nfc.TagHandle, error) {
	const op = "Acquire"

	mm.mu.Lock()
	entries := append([]ManagerEntry(nil), mm.entries...)
	mm.mu.Unlock()
	if len(entries) == 0 {
		return nil, nfc.NewTransportError(op, nfc.TransportIO, errors.New("no managers registered"))
	}

	raceCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	results := make(chan acquired, len(entries))
	for _, e := range entries {
		go func(e ManagerEntry) {
			tag, err := e.Manager.Acquire(raceCtx)
			results <- acquired{entry: e, tag: tag, err: err}
		}(e)
	}

	var winner *acquired
	var firstErr error
	for range entries {
		r := <-results
		switch {
		case r.err == nil && winner == nil:
			winner = &r
			cancel()
		case r.err == nil:
			log.Debug().Str("manager", r.entry.Name).Msg("[multi] releasing tag that lost the race")
			if err := r.entry.Manager.Release(); err != nil {
				log.Warn().Err(err).Str("manager", r.entry.Name).Msg("[multi] release failed")
			}
		default:
			log.Debug().Err(r.err).Str("manager", r.entry.Name).Msg("[multi] acquire failed")
			if firstErr == nil && !(winner != nil && nfc.IsCancelError(r.err)) {
				firstErr = r.err
			}
		}
	}

	if winner == nil {
		if err := ctx.Err(); err != nil {
			return nil, nfc.ClassifyTransport(op, err)
		}
		return nil, nfc.ClassifyTransport(op, firstErr)
	}

	mm.mu.Lock()
	mm.active = &winner.entry
	mm.mu.Unlock()
	log.Info().Str("manager", winner.entry.Name).Str("uid", winner.tag.UID()).Msg("[multi] tag acquired")
	return winner.tag, nil
}

// Release releases the session on the manager that won the last Acquire.
// It is idempotent.
func (mm *MultiManager) Release() error {
	mm.mu.Lock()
	active := mm.active
	mm.active = nil
	mm.mu.Unlock()

	if active == nil {
		return nil
	}
	return active.Manager.Release()
}

// Close releases the session and closes every manager that supports it.
func (mm *MultiManager) Close() error {
	var errs []error
	if err := mm.Release(); err != nil {
		errs = append(errs, err)
	}

	mm.mu.Lock()
	entries := append([]ManagerEntry(nil), mm.entries...)
	mm.mu.Unlock()

	for _, e := range entries {
		if c, ok := e.Manager.(nfc.SessionManagerCloser); ok {
			if err := c.Close(); err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", e.Name, err))
			}
		}
	}
	return errors.Join(errs...)
}
