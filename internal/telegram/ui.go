package telegram

import (
	"errors"
	"fmt"
	"strings"

	"github.com/PaulSonOfLars/gotgbot/v2"
	"github.com/PaulSonOfLars/gotgbot/v2/ext"

	"pterobot/internal/auth"
	"pterobot/internal/dispatch"
	"pterobot/internal/panel"
)

const (
	cbPrefix = "pb:"

	cbSelect     = cbPrefix + "sel:"
	cbEgg        = cbPrefix + "egg:"
	cbConfirmYes = cbPrefix + "confirm_yes"
	cbConfirmNo  = cbPrefix + "confirm_no"
	cbCancel     = cbPrefix + "cancel"
)

// renderErr maps any failure onto one short title and one explanatory
// sentence. Validation detail is passed through verbatim since it is the
// panel's own field-level diagnostic.
func renderErr(err error) string {
	switch {
	case errors.Is(err, auth.ErrNotBound):
		return "Not bound. Link your panel account first with /bind."
	case errors.Is(err, auth.ErrAlreadyBound):
		return "Already bound. Use /unbind first if you want to link a different account."
	case errors.Is(err, auth.ErrPanelAccountTaken):
		return "Account taken. That panel account is already linked to another user."
	case errors.Is(err, auth.ErrIdentityMismatch):
		return "Identity mismatch. The API key does not belong to the identity you supplied."
	case errors.Is(err, auth.ErrNotAdmin):
		return "Admins only. This command requires operator access."
	case errors.Is(err, dispatch.ErrServerNotFound):
		return "Server not found. No server of yours matches that identifier."
	case errors.Is(err, dispatch.ErrNoServerTypes):
		return "No server types. The panel has no usable server templates right now."
	case errors.Is(err, dispatch.ErrNoNodes):
		return "No nodes. The panel has no nodes available for deployment."
	case errors.Is(err, dispatch.ErrFlowExpired):
		return "Timed out. The selection expired; run the command again."
	case errors.Is(err, panel.ErrValidation):
		var perr *panel.Error
		if errors.As(err, &perr) && perr.Detail != "" {
			return "Validation failed. " + perr.Detail
		}
		return "Validation failed. The panel rejected the request parameters."
	case errors.Is(err, panel.ErrInvalidCredential):
		return "Invalid credential. The panel rejected the API key; rebind with a fresh one."
	case errors.Is(err, panel.ErrTimeout):
		return "Panel timeout. The panel took too long to respond; try again shortly."
	case errors.Is(err, panel.ErrUnreachable):
		return "Panel unreachable. Could not connect to the panel; try again shortly."
	case errors.Is(err, panel.ErrNotFound):
		return "Not found. The panel does not know that resource."
	default:
		return "Something went wrong. Please try again later."
	}
}

func statusEmoji(status string) string {
	switch status {
	case panel.StatusRunning:
		return "🟢"
	case panel.StatusStarting:
		return "🟡"
	case panel.StatusStopping:
		return "🟠"
	case panel.StatusOffline, panel.StatusStopped:
		return "🔴"
	default:
		return "⚪"
	}
}

func formatServerList(servers []panel.Server) string {
	if len(servers) == 0 {
		return "You have no servers."
	}
	lines := []string{"Your servers:"}
	for _, s := range servers {
		lines = append(lines, fmt.Sprintf("%s %s — %s (%s)", statusEmoji(s.Status), s.Name, s.Status, shortUUID(s.UUID)))
	}
	lines = append(lines, "", "Use /power, /monitor or /delete with a name, id or uuid.")
	return strings.Join(lines, "\n")
}

func formatSnapshot(snap dispatch.Snapshot) string {
	s := snap.Server
	lines := []string{
		fmt.Sprintf("%s %s", statusEmoji(snap.Status), s.Name),
		fmt.Sprintf("status: %s", snap.Status),
		fmt.Sprintf("uuid: %s", s.UUID),
	}
	if snap.Degraded {
		lines = append(lines, "live usage unavailable right now")
		return strings.Join(lines, "\n")
	}
	r := snap.Resources
	lines = append(lines,
		fmt.Sprintf("memory: %.1f MiB / %d MiB", float64(r.MemoryBytes)/(1<<20), s.Limits.Memory),
		fmt.Sprintf("cpu: %.1f%% / %d%%", r.CPUAbsolute, s.Limits.CPU),
		fmt.Sprintf("disk: %.1f MiB / %d MiB", float64(r.DiskBytes)/(1<<20), s.Limits.Disk),
	)
	if r.UptimeMS > 0 {
		lines = append(lines, fmt.Sprintf("uptime: %s", formatUptime(r.UptimeMS)))
	}
	return strings.Join(lines, "\n")
}

func formatUptime(ms int64) string {
	secs := ms / 1000
	h := secs / 3600
	m := (secs % 3600) / 60
	if h > 0 {
		return fmt.Sprintf("%dh %dm", h, m)
	}
	return fmt.Sprintf("%dm %ds", m, secs%60)
}

func shortUUID(uuid string) string {
	if len(uuid) > 8 {
		return uuid[:8]
	}
	return uuid
}

func serverKeyboard(options []dispatch.FlowOption) *gotgbot.InlineKeyboardMarkup {
	rows := make([][]gotgbot.InlineKeyboardButton, 0, len(options)+1)
	for _, opt := range options {
		rows = append(rows, []gotgbot.InlineKeyboardButton{
			{Text: opt.Name, CallbackData: cbSelect + opt.UUID},
		})
	}
	rows = append(rows, []gotgbot.InlineKeyboardButton{{Text: "Cancel", CallbackData: cbCancel}})
	return &gotgbot.InlineKeyboardMarkup{InlineKeyboard: rows}
}

func confirmKeyboard() *gotgbot.InlineKeyboardMarkup {
	return &gotgbot.InlineKeyboardMarkup{InlineKeyboard: [][]gotgbot.InlineKeyboardButton{
		{
			{Text: "Confirm", CallbackData: cbConfirmYes},
			{Text: "Cancel", CallbackData: cbConfirmNo},
		},
	}}
}

func eggKeyboard(eggs []panel.Egg) *gotgbot.InlineKeyboardMarkup {
	rows := make([][]gotgbot.InlineKeyboardButton, 0, len(eggs)+1)
	for _, e := range eggs {
		label := e.Name
		if e.NestName != "" {
			label = e.NestName + " / " + e.Name
		}
		rows = append(rows, []gotgbot.InlineKeyboardButton{
			{Text: label, CallbackData: fmt.Sprintf("%s%d", cbEgg, e.ID)},
		})
	}
	rows = append(rows, []gotgbot.InlineKeyboardButton{{Text: "Cancel", CallbackData: cbCancel}})
	return &gotgbot.InlineKeyboardMarkup{InlineKeyboard: rows}
}

func (s *Service) reply(ctx *ext.Context, b *gotgbot.Bot, text string) error {
	if ctx.EffectiveChat == nil {
		return nil
	}
	_, err := b.SendMessage(ctx.EffectiveChat.Id, text, nil)
	return err
}

func (s *Service) replyWithMarkup(ctx *ext.Context, b *gotgbot.Bot, text string, markup *gotgbot.InlineKeyboardMarkup) error {
	if ctx == nil || ctx.EffectiveChat == nil {
		return nil
	}
	opts := &gotgbot.SendMessageOpts{}
	if markup != nil {
		opts.ReplyMarkup = *markup
	}
	_, err := b.SendMessage(ctx.EffectiveChat.Id, text, opts)
	return err
}

func commandRemainder(text string) string {
	parts := strings.SplitN(strings.TrimSpace(text), " ", 2)
	if len(parts) < 2 {
		return ""
	}
	return parts[1]
}

func splitFirstWord(s string) (first string, rest string) {
	s = strings.TrimSpace(s)
	if s == "" {
		return "", ""
	}
	idx := strings.IndexByte(s, ' ')
	if idx < 0 {
		return s, ""
	}
	return s[:idx], strings.TrimSpace(s[idx+1:])
}
