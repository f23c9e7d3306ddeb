package telegram

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/PaulSonOfLars/gotgbot/v2"
	"github.com/PaulSonOfLars/gotgbot/v2/ext"

	"pterobot/internal/dispatch"
	"pterobot/internal/queue"
)

func (s *Service) onCallback(b *gotgbot.Bot, ctx *ext.Context) error {
	if ctx == nil || ctx.CallbackQuery == nil || ctx.EffectiveUser == nil {
		return nil
	}
	data := strings.TrimSpace(ctx.CallbackQuery.Data)
	uid := userID(ctx)

	switch {
	case data == cbCancel, data == cbConfirmNo:
		_ = s.flows.Cancel(context.Background(), chatUserKey(uid))
		_ = s.wizard.ClearCreate(context.Background(), uid)
		s.answerCallback(b, ctx, "", false)
		return s.editCallbackMessage(ctx, b, "Cancelled.")

	case strings.HasPrefix(data, cbSelect):
		return s.onServerSelected(b, ctx, uid, strings.TrimPrefix(data, cbSelect))

	case data == cbConfirmYes:
		return s.onConfirmed(b, ctx, uid)

	case strings.HasPrefix(data, cbEgg):
		return s.onEggSelected(b, ctx, uid, strings.TrimPrefix(data, cbEgg))

	default:
		s.answerCallback(b, ctx, fmt.Sprintf("Unknown action: %s", data), true)
		return nil
	}
}

func (s *Service) onServerSelected(b *gotgbot.Bot, ctx *ext.Context, uid int64, choice string) error {
	flow, err := s.flows.Select(context.Background(), chatUserKey(uid), choice)
	if err != nil {
		if errors.Is(err, dispatch.ErrFlowExpired) {
			s.answerCallback(b, ctx, "This menu expired. Run the command again.", true)
			return s.editCallbackMessage(ctx, b, renderErr(err))
		}
		s.answerCallback(b, ctx, "That choice is no longer valid.", true)
		return nil
	}
	s.answerCallback(b, ctx, "", false)

	switch flow.Action {
	case "delete":
		name := choice
		for _, opt := range flow.Options {
			if opt.UUID == choice {
				name = opt.Name
				break
			}
		}
		return s.editCallbackMessageWithMarkup(ctx, b,
			fmt.Sprintf("Delete %s? This destroys the server and its data.", name),
			confirmKeyboard())
	case "power", "monitor":
		return s.runFlowAction(b, ctx, uid, flow)
	default:
		return s.editCallbackMessage(ctx, b, "Unknown pending action.")
	}
}

func (s *Service) onConfirmed(b *gotgbot.Bot, ctx *ext.Context, uid int64) error {
	flow, err := s.flows.Get(context.Background(), chatUserKey(uid))
	if err != nil {
		s.answerCallback(b, ctx, "This confirmation expired.", true)
		return s.editCallbackMessage(ctx, b, renderErr(dispatch.ErrFlowExpired))
	}
	if flow.State != dispatch.StateResolved {
		s.answerCallback(b, ctx, "Nothing is awaiting confirmation.", true)
		return nil
	}
	s.answerCallback(b, ctx, "", false)
	return s.runFlowAction(b, ctx, uid, flow)
}

// runFlowAction executes the action a flow has settled on. Past this point a
// timeout no longer cancels anything; the action's own outcome is reported.
func (s *Service) runFlowAction(b *gotgbot.Bot, ctx *ext.Context, uid int64, flow dispatch.Flow) error {
	key := chatUserKey(uid)
	bg := context.Background()
	if _, err := s.flows.MarkExecuting(bg, key); err != nil {
		return s.editCallbackMessage(ctx, b, renderErr(err))
	}

	if flow.Action == "unbind" {
		if err := s.auth.Unbind(bg, key); err != nil {
			_ = s.flows.Finish(bg, key, true)
			return s.editCallbackMessage(ctx, b, renderErr(err))
		}
		_ = s.flows.Finish(bg, key, false)
		return s.editCallbackMessage(ctx, b, "Unbound. Your API key and server records were removed.")
	}

	sess, err := s.auth.RequireBound(bg, key)
	if err != nil {
		_ = s.flows.Finish(bg, key, true)
		return s.editCallbackMessage(ctx, b, renderErr(err))
	}

	switch flow.Action {
	case "delete":
		if err := s.dispatcher.ExecuteDelete(bg, sess, flow.Choice); err != nil {
			_ = s.flows.Finish(bg, key, true)
			return s.editCallbackMessage(ctx, b, renderErr(err))
		}
		_ = s.flows.Finish(bg, key, false)
		return s.editCallbackMessage(ctx, b, "Server deleted.")

	case "power":
		after, err := s.dispatcher.ExecutePower(bg, sess, flow.Choice, flow.Signal)
		if err != nil {
			_ = s.flows.Finish(bg, key, true)
			return s.editCallbackMessage(ctx, b, renderErr(err))
		}
		_ = s.flows.Finish(bg, key, false)
		return s.editCallbackMessage(ctx, b,
			fmt.Sprintf("Signal %q sent to %q. Status: %s %s", flow.Signal, after.Name, statusEmoji(after.Status), after.Status))

	case "monitor":
		snap, err := s.dispatcher.ExecuteMonitor(bg, sess, flow.Choice)
		if err != nil {
			_ = s.flows.Finish(bg, key, true)
			return s.editCallbackMessage(ctx, b, renderErr(err))
		}
		_ = s.flows.Finish(bg, key, false)
		return s.editCallbackMessage(ctx, b, formatSnapshot(snap))

	default:
		_ = s.flows.Finish(bg, key, true)
		return s.editCallbackMessage(ctx, b, "Unknown pending action.")
	}
}

func (s *Service) onEggSelected(b *gotgbot.Bot, ctx *ext.Context, uid int64, rawID string) error {
	eggID, err := strconv.ParseInt(rawID, 10, 64)
	if err != nil {
		s.answerCallback(b, ctx, "Invalid server type.", true)
		return nil
	}
	pending, err := s.wizard.GetCreate(context.Background(), uid)
	if err != nil || pending == nil {
		s.answerCallback(b, ctx, "This creation expired. Run /create again.", true)
		return s.editCallbackMessage(ctx, b, "Creation expired. Run /create again.")
	}
	_ = s.wizard.ClearCreate(context.Background(), uid)

	job := queue.CreateJob{
		ChatID:      pending.ChatID,
		UserID:      uid,
		MessageID:   pending.MessageID,
		ChatUserID:  chatUserKey(uid),
		Name:        pending.Name,
		Description: pending.Description,
		EggID:       eggID,
		MemoryMB:    pending.MemoryMB,
		DiskMB:      pending.DiskMB,
		CPUPercent:  pending.CPUPercent,
	}
	if _, err := s.queue.Enqueue(context.Background(), job); err != nil {
		s.logger.Error().Err(err).Msg("failed to enqueue create job")
		s.answerCallback(b, ctx, "Queue is unavailable right now.", true)
		return nil
	}
	s.metrics.EnqueuedJobs.Inc()
	s.answerCallback(b, ctx, "", false)
	return s.editCallbackMessage(ctx, b,
		fmt.Sprintf("Creating %q in the background. You'll get a reply when it's done.", pending.Name))
}

func (s *Service) answerCallback(b *gotgbot.Bot, ctx *ext.Context, text string, alert bool) {
	if ctx == nil || ctx.CallbackQuery == nil {
		return
	}
	opts := &gotgbot.AnswerCallbackQueryOpts{ShowAlert: alert}
	if text != "" {
		opts.Text = text
	}
	_, _ = b.AnswerCallbackQuery(ctx.CallbackQuery.Id, opts)
}

func (s *Service) editCallbackMessage(ctx *ext.Context, b *gotgbot.Bot, text string) error {
	return s.editCallbackMessageWithMarkup(ctx, b, text, nil)
}

func (s *Service) editCallbackMessageWithMarkup(ctx *ext.Context, b *gotgbot.Bot, text string, markup *gotgbot.InlineKeyboardMarkup) error {
	if ctx != nil && ctx.CallbackQuery != nil && ctx.CallbackQuery.Message != nil {
		opts := &gotgbot.EditMessageTextOpts{}
		if markup != nil {
			opts.ReplyMarkup = *markup
		}
		_, _, err := ctx.CallbackQuery.Message.EditText(b, text, opts)
		if err == nil {
			return nil
		}
		if strings.Contains(strings.ToLower(err.Error()), "message is not modified") {
			return nil
		}
		// Fallback to sending a regular message if edit failed.
	}
	return s.replyWithMarkup(ctx, b, text, markup)
}
