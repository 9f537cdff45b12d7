package telegram

import (
	"testing"

	"github.com/leshchenko1979/mtproto-rest/internal/domain"
)

func TestParseMessageLink(t *testing.T) {
	valid := []struct {
		link     string
		username string
		msgID    int
	}{
		{"https://t.me/somechat/123", "somechat", 123},
		{"http://t.me/somechat/123", "somechat", 123},
		{"t.me/somechat/123", "somechat", 123},
		{"@somechat/123", "somechat", 123},
		{"somechat/123", "somechat", 123},
		{"  https://t.me/somechat/123  ", "somechat", 123},
		{"https://t.me/somechat/123/", "somechat", 123},
	}
	for _, tc := range valid {
		username, msgID, err := ParseMessageLink(tc.link)
		if err != nil {
			t.Errorf("ParseMessageLink(%q) error: %v", tc.link, err)
			continue
		}
		if username != tc.username || msgID != tc.msgID {
			t.Errorf("ParseMessageLink(%q) = %q, %d; want %q, %d",
				tc.link, username, msgID, tc.username, tc.msgID)
		}
	}

	invalid := []string{
		"",
		"https://t.me/somechat",
		"t.me/somechat",
		"somechat",
		"https://example.com/somechat/123",
		"ftp://t.me/somechat/123",
		"t.me/somechat/abc",
		"t.me/somechat/0",
		"t.me/somechat/-5",
		"t.me//123",
	}
	for _, link := range invalid {
		_, _, err := ParseMessageLink(link)
		if !domain.IsKind(err, domain.KindInvalidArgument) {
			t.Errorf("ParseMessageLink(%q) error = %v, want invalid_argument", link, err)
		}
	}
}

func TestNormalizeUsername(t *testing.T) {
	valid := map[string]string{
		"somechat":              "somechat",
		"@somechat":             "somechat",
		"t.me/somechat":         "somechat",
		"https://t.me/somechat": "somechat",
		"t.me/somechat/":        "somechat",
	}
	for in, want := range valid {
		got, err := normalizeUsername(in)
		if err != nil {
			t.Errorf("normalizeUsername(%q) error: %v", in, err)
			continue
		}
		if got != want {
			t.Errorf("normalizeUsername(%q) = %q, want %q", in, got, want)
		}
	}

	for _, in := range []string{"", "@", "t.me/", "some/chat", "some?chat"} {
		if _, err := normalizeUsername(in); err == nil {
			t.Errorf("normalizeUsername(%q) succeeded, want error", in)
		}
	}
}
