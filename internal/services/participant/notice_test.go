package participant

import (
	"testing"

	i18ncatalog "github.com/louisbranch/encounter.space/internal/platform/i18n/catalog"
)

func TestNoticePrinter_Locales(t *testing.T) {
	tests := []struct {
		locale string
		kind   NoticeKind
		args   []any
		want   string
	}{
		{"", NoticeCallStarted, []any{int64(30)}, "Your call has started and runs for 30 minutes."},
		{"en-US", NoticeRefundIssued, []any{int64(60)}, "60 credits were refunded."},
		{"pt-BR", NoticeCallCompleted, []any{int64(30)}, "Sessão concluída. 30 créditos cobrados."},
		{"pt", NoticeWaiting, nil, "Aguardando o outro participante entrar."},
		{"fr-FR", NoticePeerLeft, nil, "The other participant disconnected."},
	}
	for _, tc := range tests {
		printer, err := newNoticePrinter(tc.locale)
		if err != nil {
			t.Fatalf("printer %q: %v", tc.locale, err)
		}
		got := printer.notice(tc.kind, nil, tc.args...)
		if got.Message != tc.want {
			t.Fatalf("%q %s = %q, want %q", tc.locale, tc.kind, got.Message, tc.want)
		}
		if got.Kind != tc.kind {
			t.Fatalf("kind = %s", got.Kind)
		}
	}
}

func TestNoticeCatalog_CoversEveryKind(t *testing.T) {
	bundle, err := i18ncatalog.LoadEmbedded()
	if err != nil {
		t.Fatalf("load catalog: %v", err)
	}
	kinds := []NoticeKind{
		NoticeWaiting, NoticeCallStarted, NoticeCallEnding, NoticeCallCompleted,
		NoticeNoShow, NoticeRefundIssued, NoticeFinalizationFailed, NoticeCredentialRetry,
		NoticePeerLeft, NoticeSelfLeft, NoticeRecordingStopped, NoticeSessionFailed,
	}
	for _, locale := range bundle.Locales() {
		messages := bundle.NamespaceMessages(locale, "notice")
		for _, kind := range kinds {
			if messages[string(kind)] == "" {
				t.Fatalf("%s has no text for %s", locale, kind)
			}
		}
	}
}
