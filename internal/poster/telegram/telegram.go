// Package telegram implements the poster capability on top of the
// Telegram Bot API. Targets are group chat ids, either numeric
// ("-1001234567890") or public usernames ("@mygroup").
package telegram

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"

	"github.com/groupcast/groupcast/internal/pkg/logs"
	"github.com/groupcast/groupcast/internal/poster"
)

var _ poster.Poster = (*Poster)(nil)

type Poster struct {
	bot *bot.Bot

	mu          sync.Mutex
	botUsername string
}

// New creates a Poster for the given bot token. The token is verified
// lazily by Ready, not here, so a daemon can start while Telegram is
// unreachable.
func New(token string) (*Poster, error) {
	if strings.TrimSpace(token) == "" {
		return nil, errors.New("telegram bot token cannot be empty")
	}

	b, err := bot.New(token, bot.WithSkipGetMe())
	if err != nil {
		return nil, fmt.Errorf("create telegram bot: %w", err)
	}
	return &Poster{bot: b}, nil
}

// Ready verifies the bot identity against the API.
func (p *Poster) Ready(ctx context.Context) error {
	me, err := p.bot.GetMe(ctx)
	if err != nil {
		return fmt.Errorf("telegram identity check: %w", err)
	}

	p.mu.Lock()
	if p.botUsername == "" {
		p.botUsername = me.Username
		logs.CtxInfo(ctx, "[poster:telegram] bot identity: @%s (id=%d)", me.Username, me.ID)
	}
	p.mu.Unlock()
	return nil
}

// Post delivers the payload to one group chat. The first image (if any)
// is sent as a photo carrying the content as its caption; remaining
// images follow uncaptioned.
func (p *Poster) Post(ctx context.Context, target string, payload poster.Payload) error {
	chatID, err := parseChatID(target)
	if err != nil {
		return err
	}

	if len(payload.Images) == 0 {
		_, err = p.bot.SendMessage(ctx, &bot.SendMessageParams{
			ChatID: chatID,
			Text:   payload.Content,
		})
		if err != nil {
			return fmt.Errorf("send message to %s: %w", target, err)
		}
		return nil
	}

	for i, image := range payload.Images {
		photo, closeFn, err := inputFile(image)
		if err != nil {
			return fmt.Errorf("prepare image %s: %w", image, err)
		}

		params := &bot.SendPhotoParams{ChatID: chatID, Photo: photo}
		if i == 0 {
			params.Caption = payload.Content
		}
		_, err = p.bot.SendPhoto(ctx, params)
		closeFn()
		if err != nil {
			return fmt.Errorf("send photo to %s: %w", target, err)
		}
	}
	return nil
}

// parseChatID accepts a numeric chat id or an @username target.
func parseChatID(target string) (any, error) {
	target = strings.TrimSpace(target)
	if target == "" {
		return nil, errors.New("empty target chat id")
	}
	if strings.HasPrefix(target, "@") {
		return target, nil
	}
	id, err := strconv.ParseInt(target, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid chat id %q: %w", target, err)
	}
	return id, nil
}

// inputFile turns an image reference into a telegram input file: URLs
// pass through by reference, local paths are uploaded.
func inputFile(image string) (models.InputFile, func(), error) {
	u := strings.ToLower(image)
	if strings.HasPrefix(u, "http://") || strings.HasPrefix(u, "https://") {
		return &models.InputFileString{Data: image}, func() {}, nil
	}

	f, err := os.Open(image)
	if err != nil {
		return nil, nil, err
	}
	return &models.InputFileUpload{Filename: filepath.Base(image), Data: f}, func() { _ = f.Close() }, nil
}
