package core

// NoticeLevel grades user-visible notices surfaced by the coordinator.
type NoticeLevel int

const (
	NoticeInfo NoticeLevel = iota
	NoticeWarn
	NoticeError
)

// Notifier surfaces human-readable notices to whatever UI is attached.
// A nil-safe no-op implementation is fine for tests.
type Notifier interface {
	Notify(level NoticeLevel, message string)
}

// NopNotifier discards all notices.
type NopNotifier struct{}

func (NopNotifier) Notify(NoticeLevel, string) {}
