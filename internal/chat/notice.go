package chat

import (
	"go.uber.org/zap"

	"github.com/capitalize-ai/support-chat/pkg/logger"
)

// NoticeKind names the failed action a notice reports.
type NoticeKind string

const (
	NoticeBootstrapFailed NoticeKind = "bootstrap_failed"
	NoticeSendFailed      NoticeKind = "send_failed"
)

// Notice is a transient, dismissible message for the user.
type Notice struct {
	Kind    NoticeKind
	Message string
	Err     error
}

// Notifier surfaces notices to the user.
type Notifier interface {
	Notify(n Notice)
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(n Notice)

// Notify calls f.
func (f NotifierFunc) Notify(n Notice) { f(n) }

// LogNotifier writes notices to log.
func LogNotifier(log *logger.Logger) Notifier {
	return NotifierFunc(func(n Notice) {
		log.Warn(n.Message, zap.String("notice", string(n.Kind)), zap.Error(n.Err))
	})
}
