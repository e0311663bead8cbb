package participant

import (
	"strings"
	"sync"

	i18ncatalog "github.com/louisbranch/encounter.space/internal/platform/i18n/catalog"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

// DefaultLocale renders notices when no locale is configured.
const DefaultLocale = "en-US"

// NoticeKind identifies a user-facing message.
type NoticeKind string

const (
	NoticeWaiting            NoticeKind = "notice.waiting"
	NoticeCallStarted        NoticeKind = "notice.call_started"
	NoticeCallEnding         NoticeKind = "notice.call_ending"
	NoticeCallCompleted      NoticeKind = "notice.call_completed"
	NoticeNoShow             NoticeKind = "notice.no_show"
	NoticeRefundIssued       NoticeKind = "notice.refund_issued"
	NoticeFinalizationFailed NoticeKind = "notice.finalization_failed"
	NoticeCredentialRetry    NoticeKind = "notice.credential_retry"
	NoticePeerLeft           NoticeKind = "notice.peer_left"
	NoticeSelfLeft           NoticeKind = "notice.self_left"
	NoticeRecordingStopped   NoticeKind = "notice.recording_stopped"
	NoticeSessionFailed      NoticeKind = "notice.session_failed"
)

// Notice is a rendered message for the participant's screen.
type Notice struct {
	Kind    NoticeKind
	Message string
	// Err is the cause for error notices.
	Err error
}

var loadNoticeCatalog = sync.OnceValues(func() (*i18ncatalog.Bundle, error) {
	return i18ncatalog.LoadEmbedded()
})

// noticePrinter renders notices in one locale.
type noticePrinter struct {
	printer *message.Printer
}

func newNoticePrinter(locale string) (*noticePrinter, error) {
	bundle, err := loadNoticeCatalog()
	if err != nil {
		return nil, err
	}
	builder, err := bundle.Builder()
	if err != nil {
		return nil, err
	}
	tag := matchLocale(bundle.Tags(), locale)
	return &noticePrinter{printer: message.NewPrinter(tag, message.Catalog(builder))}, nil
}

func matchLocale(supported []language.Tag, locale string) language.Tag {
	locale = strings.TrimSpace(locale)
	if locale == "" {
		locale = DefaultLocale
	}
	_, index, _ := language.NewMatcher(supported).Match(language.Make(locale))
	return supported[index]
}

func (p *noticePrinter) notice(kind NoticeKind, err error, args ...any) Notice {
	return Notice{Kind: kind, Message: p.printer.Sprintf(string(kind), args...), Err: err}
}
