package platform

import (
	"context"
	"errors"
	"fmt"
)

// MultiNotifier fans every post and cancel out to a set of notifiers: the
// local surface plus any relays to companion devices. A failure on one
// notifier never prevents delivery to the others.
type MultiNotifier struct {
	names     []string
	notifiers map[string]Notifier
}

// NewMultiNotifier creates a MultiNotifier from a map of name to notifier.
// Delivery order follows names.
func NewMultiNotifier(names []string, notifiers map[string]Notifier) *MultiNotifier {
	return &MultiNotifier{names: names, notifiers: notifiers}
}

// Post delivers n to every notifier and joins their errors.
func (m *MultiNotifier) Post(ctx context.Context, n Notification) error {
	var errs []error
	for _, name := range m.names {
		nt, ok := m.notifiers[name]
		if !ok {
			continue
		}
		if err := nt.Post(ctx, n); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
	}
	return errors.Join(errs...)
}

// Cancel cancels id on every notifier and joins their errors.
func (m *MultiNotifier) Cancel(ctx context.Context, id string) error {
	var errs []error
	for _, name := range m.names {
		nt, ok := m.notifiers[name]
		if !ok {
			continue
		}
		if err := nt.Cancel(ctx, id); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
	}
	return errors.Join(errs...)
}
