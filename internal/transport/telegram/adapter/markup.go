package adapter

import (
	tele "gopkg.in/telebot.v4"

	"postbot/internal/delivery"
)

// toMarkup converts a keyboard to telebot markup. An empty keyboard yields nil.
func toMarkup(kb delivery.Keyboard) *tele.ReplyMarkup {
	if kb.Empty() {
		return nil
	}
	rows := make([][]tele.InlineButton, 0, len(kb))
	for _, row := range kb {
		btns := make([]tele.InlineButton, 0, len(row))
		for _, b := range row {
			btns = append(btns, tele.InlineButton{Text: b.Text, URL: b.URL, Data: b.Data})
		}
		if len(btns) > 0 {
			rows = append(rows, btns)
		}
	}
	return &tele.ReplyMarkup{InlineKeyboard: rows}
}
