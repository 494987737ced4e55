package adapter

import (
	"errors"
	"strings"
	"testing"
	"time"

	tele "gopkg.in/telebot.v4"

	"postbot/internal/delivery"
	"postbot/internal/storage"
	logx "postbot/pkg/logx"
)

func TestClassify(t *testing.T) {
	t.Parallel()
	cases := []struct {
		in   string
		want error
	}{
		{"telegram: Bad Request: chat not found (400)", delivery.ErrPeerUnresolvable},
		{"telegram: Request Entity Too Large (413)", delivery.ErrTooLarge},
		{"telegram: Bad Request: file is too big (400)", delivery.ErrTooLarge},
		{"telegram: Forbidden: bot is not a member of the channel chat (403)", delivery.ErrPermissionDenied},
		{"telegram: Bad Request: not enough rights to send photos (400)", delivery.ErrPermissionDenied},
		{"Post \"https://api.telegram.org\": net/http: request canceled (Client.Timeout exceeded)", delivery.ErrTimeout},
		{"telegram: Bad Request: message text is empty (400)", delivery.ErrOther},
	}
	for _, tc := range cases {
		if got := classify(errors.New(tc.in)); !errors.Is(got, tc.want) {
			t.Errorf("classify(%q) = %v, want %v", tc.in, got, tc.want)
		}
	}
}

func TestClassifyRetryAfter(t *testing.T) {
	t.Parallel()
	err := classify(errors.New("telegram: Too Many Requests: retry after 30 (429)"))
	wait, ok := delivery.WaitHint(err)
	if !ok || wait != 30*time.Second {
		t.Fatalf("WaitHint = %v, %v", wait, ok)
	}
	if delivery.Classify(err) != delivery.ClassTransient {
		t.Fatalf("class = %v", delivery.Classify(err))
	}
}

func TestSplitText(t *testing.T) {
	t.Parallel()
	short := "hello"
	if got := splitText(short, 10, ""); len(got) != 1 || got[0] != short {
		t.Fatalf("short = %q", got)
	}

	long := strings.Repeat("a", 8) + "\n" + strings.Repeat("b", 8)
	got := splitText(long, 10, "")
	if len(got) != 2 || got[0] != strings.Repeat("a", 8) || got[1] != strings.Repeat("b", 8) {
		t.Fatalf("newline split = %q", got)
	}

	html := "abcdef<b>xyz</b>"
	for _, chunk := range splitText(html, 8, "HTML") {
		if strings.Count(chunk, "<") != strings.Count(chunk, ">") {
			t.Fatalf("chunk %q cuts a tag", chunk)
		}
	}
}

func TestToMarkup(t *testing.T) {
	t.Parallel()
	if toMarkup(nil) != nil {
		t.Fatal("empty keyboard must give nil markup")
	}
	kb := delivery.BuildKeyboard([]string{"👍"}, map[string]int{"👍": 2}, []storage.Button{{Label: "site", URL: "https://example.com"}})
	rm := toMarkup(kb)
	if len(rm.InlineKeyboard) != 2 {
		t.Fatalf("rows = %d", len(rm.InlineKeyboard))
	}
	if b := rm.InlineKeyboard[0][0]; b.Text != "👍 2" || b.Data != "r:👍" {
		t.Fatalf("reaction button = %+v", b)
	}
	if b := rm.InlineKeyboard[1][0]; b.URL != "https://example.com" {
		t.Fatalf("url button = %+v", b)
	}
}

func TestContentAndRecipient(t *testing.T) {
	t.Parallel()
	what, err := content(delivery.Payload{Kind: storage.KindImage, ContentRef: "AgAD", Caption: "c"})
	if err != nil {
		t.Fatalf("content: %v", err)
	}
	if p, ok := what.(*tele.Photo); !ok || p.FileID != "AgAD" || p.Caption != "c" {
		t.Fatalf("photo = %#v", what)
	}
	if what, _ := content(delivery.Payload{Kind: storage.KindText, ContentRef: "hi"}); what != "hi" {
		t.Fatalf("text = %#v", what)
	}

	r, err := recipient("-1001234")
	if err != nil || r.Recipient() != "-1001234" {
		t.Fatalf("numeric recipient = %v, %v", r, err)
	}
	r, _ = recipient("news")
	if r.Recipient() != "@news" {
		t.Fatalf("handle recipient = %q", r.Recipient())
	}
}

func TestClientRejectsOversize(t *testing.T) {
	t.Parallel()
	c := newClient(ClientConfig{Name: "primary", MaxSize: 10}, nil, logx.Nop())
	_, err := c.Send(t.Context(), delivery.Payload{Kind: storage.KindFile, ContentRef: "x", Size: 11})
	if !errors.Is(err, delivery.ErrTooLarge) {
		t.Fatalf("err = %v", err)
	}
	if !c.Supports(delivery.OpUpload) || c.MaxSize() != 10 {
		t.Fatal("defaults not applied")
	}
}
