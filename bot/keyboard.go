package bot

import (
	"fmt"
	"strconv"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/pkg/errors"

	"media-fetch-bot/shared"
)

const callbackPrefix = "choice"

var errBadCallback = errors.New("malformed callback data")

// CallbackData encodes a button payload as choice:<token>:<index>
func CallbackData(token string, index int) string {
	return fmt.Sprintf("%s:%s:%d", callbackPrefix, token, index)
}

// ParseCallbackData is the inverse of CallbackData
func ParseCallbackData(data string) (string, int, error) {
	parts := strings.Split(data, ":")
	if len(parts) != 3 || parts[0] != callbackPrefix || parts[1] == "" {
		return "", 0, errBadCallback
	}
	idx, err := strconv.Atoi(parts[2])
	if err != nil {
		return "", 0, errBadCallback
	}
	return parts[1], idx, nil
}

// FormatKeyboard renders one button per candidate, in order
func FormatKeyboard(token string, candidates []shared.FormatCandidate) tgbotapi.InlineKeyboardMarkup {
	rows := make([][]tgbotapi.InlineKeyboardButton, 0, len(candidates))
	for i, c := range candidates {
		rows = append(rows, tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData(c.Label, CallbackData(token, i)),
		))
	}
	return tgbotapi.NewInlineKeyboardMarkup(rows...)
}
