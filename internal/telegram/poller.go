package telegram

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
)

const (
	// longPollTimeout is the getUpdates hold time.
	longPollTimeout = 25 * time.Second
	// maxUpdateAge drops stale updates after a broker restart so old taps
	// cannot replay decisions.
	maxUpdateAge = 300 * time.Second
)

// User is the Telegram sender.
type User struct {
	ID int64 `json:"id"`
}

// Chat is where a message lives.
type Chat struct {
	ID int64 `json:"id"`
}

// Message is an incoming chat message.
type Message struct {
	MessageID int64  `json:"message_id"`
	From      User   `json:"from"`
	Chat      Chat   `json:"chat"`
	Date      int64  `json:"date"`
	Text      string `json:"text"`
}

// CallbackQuery is a button tap.
type CallbackQuery struct {
	ID      string   `json:"id"`
	From    User     `json:"from"`
	Message *Message `json:"message"`
	Data    string   `json:"data"`
}

// Update is one getUpdates entry.
type Update struct {
	UpdateID      int64          `json:"update_id"`
	Message       *Message       `json:"message"`
	CallbackQuery *CallbackQuery `json:"callback_query"`
}

// Callback is a parsed button tap handed to the handler.
type Callback struct {
	Action     string
	ID         string
	CallbackID string
	MessageID  int64
	UserID     string
}

// SlashCommand is a parsed slash command handed to the handler.
type SlashCommand struct {
	Command string
	Args    []string
	ChatID  string
	UserID  string
}

// Handler reacts to approver input. Implementations decide; the poller only
// parses and filters.
type Handler interface {
	HandleCallback(ctx context.Context, cb Callback)
	HandleSlashCommand(ctx context.Context, cmd SlashCommand)
}

// Poller long-polls getUpdates and dispatches to the handler. Input from
// users outside the approved set is dropped without a reply.
type Poller struct {
	client   *Client
	handler  Handler
	approved map[string]bool
	log      *zap.Logger
	http     *http.Client
	offset   int64
	now      func() time.Time
}

// NewPoller builds a poller. approvedUsers are the Telegram user ids allowed
// to decide.
func NewPoller(client *Client, handler Handler, approvedUsers []string, logger *zap.Logger) *Poller {
	if logger == nil {
		logger = zap.NewNop()
	}
	approved := make(map[string]bool, len(approvedUsers))
	for _, id := range approvedUsers {
		approved[id] = true
	}
	return &Poller{
		client:   client,
		handler:  handler,
		approved: approved,
		log:      logger.Named("telegram.poller"),
		http:     &http.Client{Timeout: longPollTimeout + 10*time.Second},
		now:      time.Now,
	}
}

// Run polls until the context ends. Transient API failures back off and
// retry; the offset only advances past updates that were dispatched.
func (p *Poller) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		updates, err := p.getUpdates(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			p.log.Warn("getUpdates failed", zap.Error(err))
			select {
			case <-time.After(3 * time.Second):
			case <-ctx.Done():
				return ctx.Err()
			}
			continue
		}
		for _, u := range updates {
			p.dispatch(ctx, u)
			if u.UpdateID >= p.offset {
				p.offset = u.UpdateID + 1
			}
		}
	}
}

func (p *Poller) getUpdates(ctx context.Context) ([]Update, error) {
	params := url.Values{}
	params.Set("timeout", strconv.Itoa(int(longPollTimeout.Seconds())))
	params.Set("allowed_updates", `["message","callback_query"]`)
	if p.offset > 0 {
		params.Set("offset", strconv.FormatInt(p.offset, 10))
	}

	endpoint := p.client.apiBase + p.client.token + "/getUpdates"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint,
		strings.NewReader(params.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := p.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var body struct {
		OK     bool     `json:"ok"`
		Result []Update `json:"result"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, err
	}
	return body.Result, nil
}

func (p *Poller) dispatch(ctx context.Context, u Update) {
	switch {
	case u.CallbackQuery != nil:
		cb := u.CallbackQuery
		userID := strconv.FormatInt(cb.From.ID, 10)
		if !p.approved[userID] {
			p.log.Warn("callback from unapproved user", zap.String("user_id", userID))
			return
		}
		action, id, ok := strings.Cut(cb.Data, ":")
		if !ok || id == "" {
			p.log.Warn("malformed callback data", zap.String("data", cb.Data))
			return
		}
		parsed := Callback{
			Action:     action,
			ID:         id,
			CallbackID: cb.ID,
			UserID:     userID,
		}
		if cb.Message != nil {
			parsed.MessageID = cb.Message.MessageID
		}
		p.handler.HandleCallback(ctx, parsed)

	case u.Message != nil && strings.HasPrefix(u.Message.Text, "/"):
		msg := u.Message
		userID := strconv.FormatInt(msg.From.ID, 10)
		if !p.approved[userID] {
			return
		}
		if msg.Date > 0 && p.now().Sub(time.Unix(msg.Date, 0)) > maxUpdateAge {
			return
		}
		fields := strings.Fields(msg.Text)
		command := strings.TrimPrefix(fields[0], "/")
		// "/stats@my_bot" and "/stats" are the same command
		if at := strings.IndexByte(command, '@'); at >= 0 {
			command = command[:at]
		}
		p.handler.HandleSlashCommand(ctx, SlashCommand{
			Command: command,
			Args:    fields[1:],
			ChatID:  strconv.FormatInt(msg.Chat.ID, 10),
			UserID:  userID,
		})
	}
}
