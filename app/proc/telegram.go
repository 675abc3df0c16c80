package proc

import (
	"fmt"
	"strings"
	"time"

	"github.com/microcosm-cc/bluemonday"
	"github.com/pkg/errors"
	"golang.org/x/net/html"
	tb "gopkg.in/tucnak/telebot.v2"

	"github.com/invisibleman/feedsync/app/models"
)

// TelegramClient announces newly discovered articles to a channel.
type TelegramClient struct {
	Bot *tb.Bot
}

// NewTelegramClient init telegram client
func NewTelegramClient(token, apiURL string, timeout time.Duration) (*TelegramClient, error) {
	if timeout == 0 {
		timeout = time.Second * 60
	}

	if token == "" {
		return nil, errors.New("empty telegram token")
	}

	bot, err := tb.NewBot(tb.Settings{
		URL:    apiURL,
		Token:  token,
		Poller: &tb.LongPoller{Timeout: timeout},
	})
	if err != nil {
		return nil, err
	}

	return &TelegramClient{Bot: bot}, nil
}

// Send posts the article to the channel as an HTML message.
func (client *TelegramClient) Send(channelID string, feed models.Feed, article models.Article) error {
	if channelID == "" {
		return nil
	}
	_, err := client.Bot.Send(
		recipient{chatID: channelID},
		client.getMessageHTML(feed, article),
		tb.ModeHTML,
		tb.NoPreview,
	)
	return errors.Wrapf(err, "can't send to %s", channelID)
}

// https://core.telegram.org/bots/api#html-style
func (client *TelegramClient) tagLinkOnlySupport(htmlText string) string {
	p := bluemonday.NewPolicy()
	p.AllowAttrs("href").OnElements("a")
	return html.UnescapeString(p.Sanitize(htmlText))
}

// getMessageHTML generates HTML message from the article
func (client *TelegramClient) getMessageHTML(feed models.Feed, article models.Article) string {
	content := strings.TrimPrefix(article.Content, "<![CDATA[")
	content = strings.TrimSuffix(content, "]]>")

	// apparently bluemonday doesn't remove escaped HTML tags
	content = client.tagLinkOnlySupport(html.UnescapeString(content))
	content = strings.TrimSpace(content)

	messageHTML := content

	title := strings.TrimSpace(article.Title)
	if title != "" {
		switch {
		case article.Link == "":
			messageHTML = fmt.Sprintf("%s\n\n", title) + messageHTML
		default:
			messageHTML = fmt.Sprintf("<a href=%q>%s</a>\n\n", article.Link, title) + messageHTML
		}
	}

	if feed.Title != "" {
		messageHTML += fmt.Sprintf("\n\n%s", feed.Title)
	}

	return messageHTML
}

type recipient struct {
	chatID string
}

func (r recipient) Recipient() string {
	if !strings.HasPrefix(r.chatID, "@") {
		return "@" + r.chatID
	}
	return r.chatID
}
