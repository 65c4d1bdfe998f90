package connector

import (
	"net/url"
	"regexp"
	"strings"
)

// mask keeps the first half of s and stars out the rest.
func mask(s string) string {
	switch l := len(s); l {
	case 0:
		return s
	case 1:
		return "*"
	default:
		h := l / 2
		return s[:h] + strings.Repeat("*", l-h)
	}
}

var keyValuePassword = regexp.MustCompile(`(?i)\b(password|pwd)=('(?:[^'\\]|\\.)*'|\S+)`)

// MaskDSN hides the password in a connection string so that it can be
// logged. URL userinfo passwords and key=value password pairs are masked;
// anything else is returned as is.
func MaskDSN(dsn string) string {
	if u, err := url.Parse(dsn); err == nil && u.Scheme != "" && u.User != nil {
		pass, ok := u.User.Password()
		if !ok {
			return dsn
		}
		user := u.User.Username()
		u.User = nil
		prefix := u.Scheme + "://"
		return prefix + user + ":" + mask(pass) + "@" + strings.TrimPrefix(u.String(), prefix)
	}
	return keyValuePassword.ReplaceAllStringFunc(dsn, func(m string) string {
		k, v, _ := strings.Cut(m, "=")
		return k + "=" + mask(strings.Trim(v, "'"))
	})
}
