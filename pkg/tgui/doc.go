// Package tgui provides small Telegram text helpers:
//   - HTML escaping for ParseMode="HTML" replies
//   - Callback data encoding ("prefix:payload") with Telegram's size limit
//   - Rune-safe truncation for list output
package tgui
