package telegram

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"path"
	"strings"

	"github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"
)

// Button is an inline keyboard button carrying callback data.
type Button struct {
	Text string
	Data string
}

// Keyboard is rows of inline buttons.
type Keyboard [][]Button

// Command is a bot command advertised in the client menu.
type Command struct {
	Name        string
	Description string
}

// File is a downloaded Telegram file.
type File struct {
	Path string
	Data []byte
}

// ErrEmptyFile is returned when Telegram reports a file without a path.
var ErrEmptyFile = errors.New("telegram file has no path")

// SendHTML sends an HTML formatted message with an optional inline keyboard.
func (c *Client) SendHTML(ctx context.Context, chatID int64, text string, keyboard Keyboard) error {
	if c == nil || c.bot == nil {
		return errors.New("telegram client is not initialized")
	}
	if ctx == nil {
		return errors.New("context is required")
	}

	params := &bot.SendMessageParams{
		ChatID:    chatID,
		Text:      text,
		ParseMode: models.ParseModeHTML,
	}
	if markup := keyboard.markup(); markup != nil {
		params.ReplyMarkup = markup
	}

	if _, err := c.bot.SendMessage(ctx, params); err != nil {
		return fmt.Errorf("send message: %w", err)
	}

	return nil
}

// EditHTML replaces the text of a sent message and drops or replaces its
// keyboard.
func (c *Client) EditHTML(ctx context.Context, chatID int64, messageID int, text string, keyboard Keyboard) error {
	if c == nil || c.bot == nil {
		return errors.New("telegram client is not initialized")
	}
	if ctx == nil {
		return errors.New("context is required")
	}

	params := &bot.EditMessageTextParams{
		ChatID:    chatID,
		MessageID: messageID,
		Text:      text,
		ParseMode: models.ParseModeHTML,
	}
	if markup := keyboard.markup(); markup != nil {
		params.ReplyMarkup = markup
	}

	if _, err := c.bot.EditMessageText(ctx, params); err != nil {
		return fmt.Errorf("edit message: %w", err)
	}

	return nil
}

// AnswerCallback acknowledges a callback query, optionally with a toast.
func (c *Client) AnswerCallback(ctx context.Context, callbackID, text string) error {
	if c == nil || c.bot == nil {
		return errors.New("telegram client is not initialized")
	}
	if ctx == nil {
		return errors.New("context is required")
	}

	_, err := c.bot.AnswerCallbackQuery(ctx, &bot.AnswerCallbackQueryParams{
		CallbackQueryID: callbackID,
		Text:            text,
	})
	if err != nil {
		return fmt.Errorf("answer callback: %w", err)
	}

	return nil
}

// SetCommands publishes the command menu.
func (c *Client) SetCommands(ctx context.Context, commands []Command) error {
	if c == nil || c.bot == nil {
		return errors.New("telegram client is not initialized")
	}
	if ctx == nil {
		return errors.New("context is required")
	}

	list := make([]models.BotCommand, 0, len(commands))
	for _, cmd := range commands {
		list = append(list, models.BotCommand{Command: cmd.Name, Description: cmd.Description})
	}

	if _, err := c.bot.SetMyCommands(ctx, &bot.SetMyCommandsParams{Commands: list}); err != nil {
		return fmt.Errorf("set commands: %w", err)
	}

	return nil
}

// Download resolves fileID and fetches its content from the file endpoint.
func (c *Client) Download(ctx context.Context, fileID string) (File, error) {
	if c == nil || c.bot == nil || c.files == nil {
		return File{}, errors.New("telegram client is not initialized")
	}
	if ctx == nil {
		return File{}, errors.New("context is required")
	}

	info, err := c.bot.GetFile(ctx, &bot.GetFileParams{FileID: fileID})
	if err != nil {
		return File{}, fmt.Errorf("get file %s: %w", fileID, err)
	}
	if info == nil || strings.TrimSpace(info.FilePath) == "" {
		return File{}, ErrEmptyFile
	}

	resp, err := c.files.R().
		SetContext(ctx).
		SetPathParams(map[string]string{"token": c.token}).
		Get("/file/bot{token}/" + info.FilePath)
	if err != nil {
		return File{}, fmt.Errorf("download file: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return File{}, fmt.Errorf("download file: status %d", resp.StatusCode())
	}

	return File{Path: path.Base(info.FilePath), Data: resp.Body()}, nil
}

func (k Keyboard) markup() *models.InlineKeyboardMarkup {
	if len(k) == 0 {
		return nil
	}

	rows := make([][]models.InlineKeyboardButton, 0, len(k))
	for _, row := range k {
		buttons := make([]models.InlineKeyboardButton, 0, len(row))
		for _, b := range row {
			buttons = append(buttons, models.InlineKeyboardButton{Text: b.Text, CallbackData: b.Data})
		}
		rows = append(rows, buttons)
	}

	return &models.InlineKeyboardMarkup{InlineKeyboard: rows}
}
