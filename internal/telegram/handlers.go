package telegram

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/PaulSonOfLars/gotgbot/v2"
	"github.com/PaulSonOfLars/gotgbot/v2/ext"

	"pterobot/internal/auth"
	"pterobot/internal/dispatch"
	"pterobot/internal/panel"
)

func (s *Service) start(b *gotgbot.Bot, ctx *ext.Context) error {
	return s.help(b, ctx)
}

func (s *Service) help(b *gotgbot.Bot, ctx *ext.Context) error {
	lines := []string{
		"Commands:",
		"/bind - link your panel account (private chat)",
		"/unbind - remove the link and forget your servers",
		"/status - your binding status",
		"/servers - list your servers with live status",
		"/create <name> <memoryMB> <diskMB> <cpu%> [description...] - provision a server",
		"/delete [server] - delete one of your servers",
		"/power <start|stop|restart|kill> [server] - send a power signal",
		"/monitor [server] - live resource usage",
	}
	if s.isAdmin(userID(ctx)) {
		lines = append(lines,
			"Operator:",
			"/suspend <server>, /unsuspend <server>",
		)
	}
	lines = append(lines,
		"",
		"[server] may be a name, id, uuid or uuid prefix; omit it to pick from a menu.",
		"/cancel aborts any pending wizard or selection.",
	)
	return s.reply(ctx, b, strings.Join(lines, "\n"))
}

func (s *Service) bind(b *gotgbot.Bot, ctx *ext.Context) error {
	if ctx.EffectiveChat == nil || ctx.EffectiveUser == nil {
		return nil
	}
	if ctx.EffectiveChat.Type != "private" {
		text := "Binding involves your API key. Message me privately and run /bind there."
		if s.botUsername != "" {
			text = fmt.Sprintf("Binding involves your API key. Message me privately (t.me/%s) and run /bind there.", s.botUsername)
		}
		return s.reply(ctx, b, text)
	}
	uid := userID(ctx)
	bound, err := s.auth.IsBound(context.Background(), chatUserKey(uid))
	if err != nil {
		s.logger.Error().Err(err).Msg("bind pre-check failed")
		return s.reply(ctx, b, renderErr(err))
	}
	if bound {
		return s.reply(ctx, b, renderErr(auth.ErrAlreadyBound))
	}

	if err := s.wizard.SetBind(context.Background(), uid, bindWizardState{Step: "method"}); err != nil {
		return s.reply(ctx, b, "Failed to start binding. Try again.")
	}
	return s.reply(ctx, b, strings.Join([]string{
		"Let's link your panel account. Pick a verification method:",
		"- api_key: just the API key",
		"- email_api: your panel email plus the API key",
		"- username_api: your panel username plus the API key",
		"",
		"Reply with one of: api_key, email_api, username_api",
	}, "\n"))
}

func (s *Service) privateText(b *gotgbot.Bot, ctx *ext.Context) error {
	if ctx.EffectiveChat == nil || ctx.EffectiveUser == nil || ctx.EffectiveMessage == nil {
		return nil
	}
	if ctx.EffectiveChat.Type != "private" {
		return nil
	}
	text := strings.TrimSpace(ctx.EffectiveMessage.GetText())
	if text == "" || strings.HasPrefix(text, "/") {
		return nil
	}

	uid := userID(ctx)
	state, err := s.wizard.GetBind(context.Background(), uid)
	if err != nil {
		s.logger.Error().Err(err).Msg("bind wizard load failed")
		return s.reply(ctx, b, "Wizard state error. Start again with /bind.")
	}
	if state == nil {
		return nil
	}

	switch state.Step {
	case "method":
		method := strings.ToLower(text)
		switch method {
		case "api_key", "email_api", "username_api":
		default:
			return s.reply(ctx, b, "Reply with one of: api_key, email_api, username_api")
		}
		state.Method = method
		if method == "api_key" {
			state.Step = "key"
			if err := s.wizard.SetBind(context.Background(), uid, *state); err != nil {
				return s.reply(ctx, b, "Failed to persist wizard state.")
			}
			return s.reply(ctx, b, "Send your panel client API key (panel account settings, API credentials).")
		}
		state.Step = "identifier"
		if err := s.wizard.SetBind(context.Background(), uid, *state); err != nil {
			return s.reply(ctx, b, "Failed to persist wizard state.")
		}
		if method == "email_api" {
			return s.reply(ctx, b, "Send the email of your panel account.")
		}
		return s.reply(ctx, b, "Send the username of your panel account.")

	case "identifier":
		state.Identifier = text
		state.Step = "key"
		if err := s.wizard.SetBind(context.Background(), uid, *state); err != nil {
			return s.reply(ctx, b, "Failed to persist wizard state.")
		}
		return s.reply(ctx, b, "Now send your panel client API key.")

	case "key":
		// the key just transited the chat; scrub the message either way
		_, _ = b.DeleteMessage(ctx.EffectiveChat.Id, ctx.EffectiveMessage.MessageId, nil)
		_ = s.wizard.ClearBind(context.Background(), uid)

		acct, err := s.auth.Bind(context.Background(), chatUserKey(uid), auth.BindMethod(state.Method), state.Identifier, text)
		if err != nil {
			s.logger.Warn().Err(err).Int64("user_id", uid).Msg("bind failed")
			return s.reply(ctx, b, renderErr(err))
		}
		return s.reply(ctx, b, fmt.Sprintf("Bound to panel account #%d. Your key message was deleted. Try /servers.", acct.PanelUserID))
	}

	return nil
}

func (s *Service) unbind(b *gotgbot.Bot, ctx *ext.Context) error {
	if ctx.EffectiveUser == nil {
		return nil
	}
	uid := userID(ctx)
	bound, err := s.auth.IsBound(context.Background(), chatUserKey(uid))
	if err != nil {
		return s.reply(ctx, b, renderErr(err))
	}
	if !bound {
		return s.reply(ctx, b, "Nothing to unbind; no panel account is linked.")
	}

	if _, err := s.flows.BeginConfirm(context.Background(), chatUserKey(uid), "unbind", ""); err != nil {
		s.logger.Error().Err(err).Msg("failed to start unbind confirmation")
		return s.reply(ctx, b, "Failed to start confirmation. Try again.")
	}
	return s.replyWithMarkup(ctx, b,
		"Unbind your panel account? Your stored API key and server records will be removed. The servers themselves are untouched.",
		confirmKeyboard())
}

func (s *Service) status(b *gotgbot.Bot, ctx *ext.Context) error {
	if ctx.EffectiveUser == nil {
		return nil
	}
	uid := userID(ctx)
	sess, err := s.auth.RequireBound(context.Background(), chatUserKey(uid))
	if err != nil {
		return s.reply(ctx, b, renderErr(err))
	}
	owned, _ := s.auth.OwnedServers(context.Background(), sess)

	lines := []string{
		"Binding status",
		fmt.Sprintf("panel account: #%d", sess.Account.PanelUserID),
		fmt.Sprintf("bound since: %s", sess.Account.BoundAt.Format("2006-01-02 15:04 UTC")),
		fmt.Sprintf("servers created here: %d", len(owned)),
	}
	if sess.IsAdmin {
		lines = append(lines, "operator access: yes")
	}
	return s.reply(ctx, b, strings.Join(lines, "\n"))
}

func (s *Service) servers(b *gotgbot.Bot, ctx *ext.Context) error {
	sess, ok := s.boundSession(b, ctx)
	if !ok {
		return nil
	}
	if !s.allowRate(b, ctx) {
		return nil
	}
	list, err := s.dispatcher.ExecuteList(context.Background(), sess)
	if err != nil {
		s.logger.Error().Err(err).Msg("list servers failed")
		return s.reply(ctx, b, renderErr(err))
	}
	return s.reply(ctx, b, formatServerList(list))
}

func (s *Service) create(b *gotgbot.Bot, ctx *ext.Context) error {
	msg := ctx.EffectiveMessage
	if msg == nil {
		return nil
	}
	if _, ok := s.boundSession(b, ctx); !ok {
		return nil
	}
	if !s.allowRate(b, ctx) {
		return nil
	}

	rest := strings.TrimSpace(commandRemainder(msg.GetText()))
	name, rest := splitFirstWord(rest)
	memStr, rest := splitFirstWord(rest)
	diskStr, rest := splitFirstWord(rest)
	cpuStr, description := splitFirstWord(rest)
	if name == "" || memStr == "" || diskStr == "" || cpuStr == "" {
		return s.reply(ctx, b, "Usage: /create <name> <memoryMB> <diskMB> <cpu%> [description...]")
	}
	mem, err1 := strconv.ParseInt(memStr, 10, 64)
	disk, err2 := strconv.ParseInt(diskStr, 10, 64)
	cpu, err3 := strconv.ParseInt(cpuStr, 10, 64)
	if err1 != nil || err2 != nil || err3 != nil || mem <= 0 || disk <= 0 || cpu <= 0 {
		return s.reply(ctx, b, "Memory, disk and cpu must be positive numbers. Example: /create mars 2048 10240 100")
	}

	eggs, err := s.dispatcher.EggCatalog(context.Background())
	if err != nil {
		s.logger.Error().Err(err).Msg("egg catalog failed")
		return s.reply(ctx, b, renderErr(err))
	}
	if len(eggs) == 0 {
		return s.reply(ctx, b, renderErr(dispatch.ErrNoServerTypes))
	}

	uid := userID(ctx)
	pending := pendingCreate{
		Name:        name,
		Description: strings.TrimSpace(description),
		MemoryMB:    mem,
		DiskMB:      disk,
		CPUPercent:  cpu,
		ChatID:      ctx.EffectiveChat.Id,
		MessageID:   msg.MessageId,
	}
	if err := s.wizard.SetCreate(context.Background(), uid, pending); err != nil {
		return s.reply(ctx, b, "Failed to stage the creation. Try again.")
	}
	return s.replyWithMarkup(ctx, b,
		fmt.Sprintf("Creating %q with %d MB memory, %d MB disk, %d%% cpu.\nPick a server type:", name, mem, disk, cpu),
		eggKeyboard(eggs))
}

func (s *Service) deleteServer(b *gotgbot.Bot, ctx *ext.Context) error {
	sess, ok := s.boundSession(b, ctx)
	if !ok {
		return nil
	}
	if !s.allowRate(b, ctx) {
		return nil
	}
	identifier := strings.TrimSpace(commandRemainder(ctx.EffectiveMessage.GetText()))

	if identifier == "" {
		return s.startSelection(b, ctx, sess, "delete", "")
	}

	target, err := s.dispatcher.ResolveOwnedServer(context.Background(), sess, identifier)
	if err != nil {
		return s.reply(ctx, b, renderErr(err))
	}
	if _, err := s.flows.BeginResolved(context.Background(), chatUserKey(userID(ctx)), "delete", "", dispatch.FlowOption{UUID: target.UUID, Name: target.Name}); err != nil {
		s.logger.Error().Err(err).Msg("failed to start delete confirmation")
		return s.reply(ctx, b, "Failed to start confirmation. Try again.")
	}
	return s.replyWithMarkup(ctx, b,
		fmt.Sprintf("Delete %q (%s)? This destroys the server and its data.", target.Name, shortUUID(target.UUID)),
		confirmKeyboard())
}

func (s *Service) power(b *gotgbot.Bot, ctx *ext.Context) error {
	sess, ok := s.boundSession(b, ctx)
	if !ok {
		return nil
	}
	if !s.allowRate(b, ctx) {
		return nil
	}
	rest := strings.TrimSpace(commandRemainder(ctx.EffectiveMessage.GetText()))
	action, identifier := splitFirstWord(rest)
	action = strings.ToLower(action)
	if !panel.ValidPowerAction(action) {
		return s.reply(ctx, b, "Usage: /power <start|stop|restart|kill> [server]")
	}

	if identifier == "" {
		return s.startSelection(b, ctx, sess, "power", action)
	}

	after, err := s.dispatcher.ExecutePower(context.Background(), sess, identifier, action)
	if err != nil {
		return s.reply(ctx, b, renderErr(err))
	}
	return s.reply(ctx, b, fmt.Sprintf("Signal %q sent to %q. Status: %s %s", action, after.Name, statusEmoji(after.Status), after.Status))
}

func (s *Service) monitor(b *gotgbot.Bot, ctx *ext.Context) error {
	sess, ok := s.boundSession(b, ctx)
	if !ok {
		return nil
	}
	if !s.allowRate(b, ctx) {
		return nil
	}
	identifier := strings.TrimSpace(commandRemainder(ctx.EffectiveMessage.GetText()))
	if identifier == "" {
		return s.startSelection(b, ctx, sess, "monitor", "")
	}
	snap, err := s.dispatcher.ExecuteMonitor(context.Background(), sess, identifier)
	if err != nil {
		return s.reply(ctx, b, renderErr(err))
	}
	return s.reply(ctx, b, formatSnapshot(snap))
}

func (s *Service) suspend(b *gotgbot.Bot, ctx *ext.Context) error {
	return s.setSuspended(b, ctx, true)
}

func (s *Service) unsuspend(b *gotgbot.Bot, ctx *ext.Context) error {
	return s.setSuspended(b, ctx, false)
}

func (s *Service) setSuspended(b *gotgbot.Bot, ctx *ext.Context, suspend bool) error {
	if ctx.EffectiveUser == nil {
		return nil
	}
	sess, err := s.auth.RequireAdmin(context.Background(), chatUserKey(userID(ctx)))
	if err != nil {
		return s.reply(ctx, b, renderErr(err))
	}
	identifier := strings.TrimSpace(commandRemainder(ctx.EffectiveMessage.GetText()))
	if identifier == "" {
		if suspend {
			return s.reply(ctx, b, "Usage: /suspend <server>")
		}
		return s.reply(ctx, b, "Usage: /unsuspend <server>")
	}
	if err := s.dispatcher.SetSuspended(context.Background(), sess, identifier, suspend); err != nil {
		return s.reply(ctx, b, renderErr(err))
	}
	if suspend {
		return s.reply(ctx, b, "Server suspended.")
	}
	return s.reply(ctx, b, "Server unsuspended.")
}

func (s *Service) cancel(b *gotgbot.Bot, ctx *ext.Context) error {
	if ctx.EffectiveUser == nil {
		return nil
	}
	uid := userID(ctx)
	_ = s.wizard.ClearBind(context.Background(), uid)
	_ = s.wizard.ClearCreate(context.Background(), uid)
	_ = s.flows.Cancel(context.Background(), chatUserKey(uid))
	return s.reply(ctx, b, "Cancelled.")
}

// startSelection opens an inline menu of the caller's servers for the given
// action. The menu expires on its own; an expired pick just reports a
// timeout.
func (s *Service) startSelection(b *gotgbot.Bot, ctx *ext.Context, sess auth.Session, action, signal string) error {
	list, err := s.dispatcher.ExecuteList(context.Background(), sess)
	if err != nil {
		return s.reply(ctx, b, renderErr(err))
	}
	if len(list) == 0 {
		return s.reply(ctx, b, "You have no servers.")
	}
	options := make([]dispatch.FlowOption, 0, len(list))
	for _, srv := range list {
		options = append(options, dispatch.FlowOption{UUID: srv.UUID, Name: fmt.Sprintf("%s %s", statusEmoji(srv.Status), srv.Name)})
	}
	if _, err := s.flows.Begin(context.Background(), chatUserKey(userID(ctx)), action, signal, options); err != nil {
		s.logger.Error().Err(err).Msg("failed to start selection flow")
		return s.reply(ctx, b, "Failed to start selection. Try again.")
	}
	title := map[string]string{
		"delete":  "Pick a server to delete:",
		"power":   fmt.Sprintf("Pick a server for %q:", signal),
		"monitor": "Pick a server to monitor:",
	}[action]
	return s.replyWithMarkup(ctx, b, title, serverKeyboard(options))
}

func (s *Service) boundSession(b *gotgbot.Bot, ctx *ext.Context) (auth.Session, bool) {
	if ctx.EffectiveUser == nil || ctx.EffectiveChat == nil {
		return auth.Session{}, false
	}
	sess, err := s.auth.RequireBound(context.Background(), chatUserKey(userID(ctx)))
	if err != nil {
		_ = s.reply(ctx, b, renderErr(err))
		return auth.Session{}, false
	}
	return sess, true
}

func (s *Service) allowRate(b *gotgbot.Bot, ctx *ext.Context) bool {
	if s.rateLimiter == nil || ctx.EffectiveChat == nil {
		return true
	}
	uid := userID(ctx)
	if uid == 0 {
		return true
	}
	ok, _, resetAt, err := s.rateLimiter.Allow(context.Background(), ctx.EffectiveChat.Id, uid, s.now())
	if err != nil {
		s.logger.Error().Err(err).Msg("rate limiter failed")
		return true
	}
	if ok {
		return true
	}
	_ = s.reply(ctx, b, "Rate limit exceeded. Try again after "+resetAt.Format("15:04 UTC"))
	return false
}
