package telegram

import (
	"strconv"
	"strings"

	"github.com/leshchenko1979/mtproto-rest/internal/domain"
)

// ParseMessageLink extracts the chat username and message id from a public
// Telegram message link. Accepted forms:
//
//	https://t.me/somechat/123
//	http://t.me/somechat/123
//	t.me/somechat/123
//	@somechat/123
//	somechat/123
func ParseMessageLink(link string) (username string, msgID int, err error) {
	raw := strings.TrimSpace(link)
	s := strings.TrimPrefix(raw, "@")
	if i := strings.Index(s, "://"); i >= 0 {
		if !strings.HasPrefix(s, "https://t.me/") && !strings.HasPrefix(s, "http://t.me/") {
			return "", 0, domain.InvalidArgumentf("invalid telegram message link %q", raw)
		}
		s = s[i+len("://"):]
	}
	s = strings.TrimPrefix(s, "t.me/")
	s = strings.Trim(s, "/")

	parts := strings.Split(s, "/")
	if len(parts) != 2 || parts[0] == "" {
		return "", 0, domain.InvalidArgumentf("invalid telegram message link %q", raw)
	}

	id, convErr := strconv.Atoi(parts[1])
	if convErr != nil || id <= 0 {
		return "", 0, domain.InvalidArgumentf("invalid message id in link %q", raw)
	}
	return parts[0], id, nil
}
