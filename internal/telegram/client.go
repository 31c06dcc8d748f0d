// Package telegram is the approver surface: it sends approval cards to the
// approver chat, edits them with outcomes, and long-polls for button taps
// and slash commands.
package telegram

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

const defaultAPIBase = "https://api.telegram.org/bot"

// Button is one inline keyboard button.
type Button struct {
	Text         string `json:"text"`
	CallbackData string `json:"callback_data"`
}

// Keyboard is rows of inline buttons.
type Keyboard struct {
	InlineKeyboard [][]Button `json:"inline_keyboard"`
}

// Row builds a single-row keyboard.
func Row(buttons ...Button) *Keyboard {
	return &Keyboard{InlineKeyboard: [][]Button{buttons}}
}

// Client talks to the Bot API. A client with an empty token swallows every
// send, so the broker runs headless in tests and local setups.
type Client struct {
	token   string
	chatID  string
	apiBase string
	http    *http.Client
	log     *zap.Logger
}

// NewClient builds a client for one bot and one approver chat.
func NewClient(token, chatID string, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		token:   token,
		chatID:  chatID,
		apiBase: defaultAPIBase,
		http:    &http.Client{Timeout: 10 * time.Second},
		log:     logger.Named("telegram"),
	}
}

// EscapeMarkdown escapes the Markdown V1 specials so user-controlled text
// cannot change the card's formatting.
func EscapeMarkdown(text string) string {
	for _, ch := range []string{`\`, "*", "_", "`", "["} {
		text = strings.ReplaceAll(text, ch, `\`+ch)
	}
	return text
}

type apiResponse struct {
	OK     bool            `json:"ok"`
	Result json.RawMessage `json:"result"`
}

// call posts one Bot API method. A 400 on a parse_mode send retries without
// formatting: a card with broken markdown still has to reach the approver.
func (c *Client) call(ctx context.Context, method string, params url.Values) (json.RawMessage, error) {
	if c.token == "" {
		return nil, nil
	}
	raw, status, err := c.post(ctx, method, params)
	if err == nil && status == http.StatusBadRequest && params.Get("parse_mode") != "" {
		c.log.Warn("telegram rejected formatting, retrying plain", zap.String("method", method))
		params.Del("parse_mode")
		raw, status, err = c.post(ctx, method, params)
	}
	if err != nil {
		return nil, fmt.Errorf("telegram %s: %w", method, err)
	}
	if status != http.StatusOK {
		return nil, fmt.Errorf("telegram %s: status %d", method, status)
	}
	var resp apiResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, fmt.Errorf("telegram %s: decode: %w", method, err)
	}
	if !resp.OK {
		return nil, fmt.Errorf("telegram %s: api not ok", method)
	}
	return resp.Result, nil
}

func (c *Client) post(ctx context.Context, method string, params url.Values) ([]byte, int, error) {
	endpoint := c.apiBase + c.token + "/" + method
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint,
		strings.NewReader(params.Encode()))
	if err != nil {
		return nil, 0, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	return body, resp.StatusCode, err
}

// SendMessage posts a Markdown card to the approver chat and returns the
// message id for later edits.
func (c *Client) SendMessage(ctx context.Context, text string, keyboard *Keyboard) (int64, error) {
	return c.send(ctx, text, keyboard, false)
}

// SendSilent posts without ringing the approver's phone. Used for
// informational notices like trust auto-approvals and extra output pages.
func (c *Client) SendSilent(ctx context.Context, text string, keyboard *Keyboard) (int64, error) {
	return c.send(ctx, text, keyboard, true)
}

func (c *Client) send(ctx context.Context, text string, keyboard *Keyboard, silent bool) (int64, error) {
	params := url.Values{}
	params.Set("chat_id", c.chatID)
	params.Set("text", text)
	params.Set("parse_mode", "Markdown")
	if silent {
		params.Set("disable_notification", "true")
	}
	if keyboard != nil {
		markup, _ := json.Marshal(keyboard)
		params.Set("reply_markup", string(markup))
	}
	raw, err := c.call(ctx, "sendMessage", params)
	if err != nil || raw == nil {
		return 0, err
	}
	var msg struct {
		MessageID int64 `json:"message_id"`
	}
	_ = json.Unmarshal(raw, &msg)
	return msg.MessageID, nil
}

// SendTo posts plain text to an arbitrary chat. Slash command replies go
// through here.
func (c *Client) SendTo(ctx context.Context, chatID, text string) error {
	params := url.Values{}
	params.Set("chat_id", chatID)
	params.Set("text", text)
	_, err := c.call(ctx, "sendMessage", params)
	return err
}

// EditMessage rewrites a card. removeButtons clears the inline keyboard so
// a decided card cannot be tapped again.
func (c *Client) EditMessage(ctx context.Context, messageID int64, text string, removeButtons bool) error {
	params := url.Values{}
	params.Set("chat_id", c.chatID)
	params.Set("message_id", strconv.FormatInt(messageID, 10))
	params.Set("text", text)
	params.Set("parse_mode", "Markdown")
	if removeButtons {
		params.Set("reply_markup", `{"inline_keyboard":[]}`)
	}
	_, err := c.call(ctx, "editMessageText", params)
	return err
}

// AnswerCallback acknowledges a button tap with a toast.
func (c *Client) AnswerCallback(ctx context.Context, callbackID, text string) error {
	params := url.Values{}
	params.Set("callback_query_id", callbackID)
	params.Set("text", text)
	_, err := c.call(ctx, "answerCallbackQuery", params)
	return err
}

// UpdateAndAnswer edits the card and acknowledges the tap in parallel; the
// two calls are independent and waiting on them serially doubles the
// approver's perceived latency.
func (c *Client) UpdateAndAnswer(ctx context.Context, messageID int64, text, callbackID, callbackText string) {
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		if err := c.EditMessage(ctx, messageID, text, false); err != nil {
			c.log.Warn("edit message failed", zap.Error(err))
		}
	}()
	go func() {
		defer wg.Done()
		if err := c.AnswerCallback(ctx, callbackID, callbackText); err != nil {
			c.log.Warn("answer callback failed", zap.Error(err))
		}
	}()
	wg.Wait()
}

// BotCommand is one entry in the slash command menu.
type BotCommand struct {
	Command     string `json:"command"`
	Description string `json:"description"`
}

// SetMyCommands registers the slash command menu.
func (c *Client) SetMyCommands(ctx context.Context, commands []BotCommand) error {
	body, _ := json.Marshal(commands)
	params := url.Values{}
	params.Set("commands", string(body))
	_, err := c.call(ctx, "setMyCommands", params)
	return err
}
