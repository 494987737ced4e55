package delivery

import (
	"strconv"
	"strings"

	"postbot/internal/storage"
	"postbot/pkg/tgui"
)

// ReactionPrefix is the callback data prefix of reaction buttons ("r:<emoji>").
const ReactionPrefix = "r"

const reactionsPerRow = 4

// Button is a keyboard button: URL buttons carry URL, reaction buttons carry Data.
type Button struct {
	Text string
	URL  string
	Data string
}

type Keyboard [][]Button

func (k Keyboard) Empty() bool { return len(k) == 0 }

// BuildKeyboard lays out reaction buttons four per row, with counts when
// non-zero, followed by URL buttons one per row.
func BuildKeyboard(reactions []string, counts map[string]int, buttons []storage.Button) Keyboard {
	var kb Keyboard
	var row []Button
	for _, emoji := range reactions {
		data, err := tgui.Data(ReactionPrefix, emoji)
		if err != nil {
			continue
		}
		text := emoji
		if n := counts[emoji]; n > 0 {
			text += " " + strconv.Itoa(n)
		}
		row = append(row, Button{Text: text, Data: data})
		if len(row) == reactionsPerRow {
			kb = append(kb, row)
			row = nil
		}
	}
	if len(row) > 0 {
		kb = append(kb, row)
	}
	for _, b := range buttons {
		label := strings.TrimSpace(b.Label)
		url := strings.TrimSpace(b.URL)
		if label == "" || url == "" {
			continue
		}
		kb = append(kb, []Button{{Text: label, URL: url}})
	}
	return kb
}

// Reactions returns the emoji offered on p, or defaults when it has none.
func Reactions(p storage.Post, defaults []string) []string {
	if len(p.Reactions) > 0 {
		return p.Reactions
	}
	return defaults
}

// Render builds the payload for p. A fresh post has no votes yet.
func Render(p storage.Post, defaults []string) Payload {
	return Payload{
		ChatRef:    p.ChannelRef,
		Kind:       p.Kind,
		ContentRef: p.ContentRef,
		Caption:    p.Caption,
		Keyboard:   BuildKeyboard(Reactions(p, defaults), nil, p.Buttons),
		Size:       p.FileSize,
	}
}
