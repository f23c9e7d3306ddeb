package telegram

import (
	"context"

	"github.com/PaulSonOfLars/gotgbot/v2"
	"github.com/PaulSonOfLars/gotgbot/v2/ext"
	"github.com/rs/zerolog"

	"pterobot/internal/metrics"
	"pterobot/internal/queue"
)

// Processor screens raw updates before dispatch. Telegram redelivers updates
// on webhook retries and restarts; a redelivered /delete or /power must not
// execute twice, so duplicates are dropped on the redis marker before any
// handler runs.
type Processor struct {
	Base    ext.BaseProcessor
	Dedupe  *queue.UpdateDeduplicator
	Metrics *metrics.Metrics
	Logger  zerolog.Logger
}

func (p Processor) ProcessUpdate(d *ext.Dispatcher, b *gotgbot.Bot, ctx *ext.Context) error {
	if p.Metrics != nil {
		p.Metrics.UpdatesTotal.Inc()
	}
	if p.Dedupe != nil {
		first, err := p.Dedupe.MarkFirst(context.Background(), ctx.UpdateId)
		if err != nil {
			// redis trouble: let the update through rather than drop commands
			p.Logger.Error().Err(err).Int64("update_id", ctx.UpdateId).Msg("update dedupe check failed")
		} else if !first {
			p.Logger.Debug().Int64("update_id", ctx.UpdateId).Int64("chat_id", updateChatID(ctx)).Msg("dropping redelivered update")
			return nil
		}
	}
	return p.Base.ProcessUpdate(d, b, ctx)
}

func updateChatID(ctx *ext.Context) int64 {
	if ctx == nil || ctx.EffectiveChat == nil {
		return 0
	}
	return ctx.EffectiveChat.Id
}
