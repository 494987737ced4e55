package tgui

import "strings"

// Data formats inline callback data as "prefix:payload".
// It returns ErrCallbackDataTooLong when the result exceeds Telegram's limit.
func Data(prefix, payload string) (string, error) {
	prefix = strings.TrimSpace(prefix)
	s := prefix + ":" + payload
	if len(s) > MaxCallbackDataLen {
		return "", ErrCallbackDataTooLong
	}
	return s, nil
}

// Parse splits callback data produced by Data.
// ok is false when data has no prefix separator or an empty payload.
func Parse(data string) (prefix, payload string, ok bool) {
	i := strings.IndexByte(data, ':')
	if i <= 0 || i == len(data)-1 {
		return "", "", false
	}
	return data[:i], data[i+1:], true
}
