package reminder

import (
	"context"
	"errors"
	"fmt"
)

// Notifier is told about each reminder exactly once, after it is settled.
type Notifier interface {
	Notify(ctx context.Context, r Reminder) error
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(ctx context.Context, r Reminder) error

func (f NotifierFunc) Notify(ctx context.Context, r Reminder) error { return f(ctx, r) }

// MultiNotifier fans a notification out to every notifier and joins their
// errors.
type MultiNotifier []Notifier

func (m MultiNotifier) Notify(ctx context.Context, r Reminder) error {
	var errs []error
	for _, n := range m {
		if n == nil {
			continue
		}
		if err := n.Notify(ctx, r); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// NotificationText is the body shown to the user when r fires.
func NotificationText(r Reminder) string {
	return fmt.Sprintf("Đến giờ học %s!", r.Subject)
}
