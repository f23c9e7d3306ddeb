package telegram

import (
	"strconv"
	"time"

	"github.com/PaulSonOfLars/gotgbot/v2"
	"github.com/PaulSonOfLars/gotgbot/v2/ext"
	"github.com/PaulSonOfLars/gotgbot/v2/ext/handlers"
	"github.com/PaulSonOfLars/gotgbot/v2/ext/handlers/filters/callbackquery"
	"github.com/PaulSonOfLars/gotgbot/v2/ext/handlers/filters/message"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"pterobot/internal/auth"
	"pterobot/internal/dispatch"
	"pterobot/internal/metrics"
	"pterobot/internal/queue"
)

type Service struct {
	auth        *auth.Service
	dispatcher  *dispatch.Dispatcher
	flows       *dispatch.FlowStore
	queue       *queue.StreamQueue
	rateLimiter *queue.RateLimiter
	wizard      *wizardStore
	redis       *redis.Client
	logger      zerolog.Logger
	metrics     *metrics.Metrics
	botUsername string
	isAdmin     func(userID int64) bool
}

type Config struct {
	Auth        *auth.Service
	Dispatcher  *dispatch.Dispatcher
	Flows       *dispatch.FlowStore
	Queue       *queue.StreamQueue
	RateLimiter *queue.RateLimiter
	Redis       *redis.Client
	Logger      zerolog.Logger
	Metrics     *metrics.Metrics
	WizardTTL   time.Duration
	BotUsername string
	IsAdmin     func(userID int64) bool
}

func NewService(cfg Config) *Service {
	m := cfg.Metrics
	if m == nil {
		m = metrics.Global()
	}
	if cfg.WizardTTL <= 0 {
		cfg.WizardTTL = 10 * time.Minute
	}
	isAdmin := cfg.IsAdmin
	if isAdmin == nil {
		isAdmin = func(int64) bool { return false }
	}
	return &Service{
		auth:        cfg.Auth,
		dispatcher:  cfg.Dispatcher,
		flows:       cfg.Flows,
		queue:       cfg.Queue,
		rateLimiter: cfg.RateLimiter,
		wizard:      newWizardStore(cfg.Redis, cfg.WizardTTL),
		redis:       cfg.Redis,
		logger:      cfg.Logger,
		metrics:     m,
		botUsername: cfg.BotUsername,
		isAdmin:     isAdmin,
	}
}

func (s *Service) Register(d *ext.Dispatcher) {
	d.AddHandler(handlers.NewCommand("start", s.command(s.start)))
	d.AddHandler(handlers.NewCommand("help", s.command(s.help)))
	d.AddHandler(handlers.NewCommand("bind", s.command(s.bind)))
	d.AddHandler(handlers.NewCommand("unbind", s.command(s.unbind)))
	d.AddHandler(handlers.NewCommand("status", s.command(s.status)))
	d.AddHandler(handlers.NewCommand("servers", s.command(s.servers)))
	d.AddHandler(handlers.NewCommand("create", s.command(s.create)))
	d.AddHandler(handlers.NewCommand("delete", s.command(s.deleteServer)))
	d.AddHandler(handlers.NewCommand("power", s.command(s.power)))
	d.AddHandler(handlers.NewCommand("monitor", s.command(s.monitor)))
	d.AddHandler(handlers.NewCommand("suspend", s.command(s.suspend)))
	d.AddHandler(handlers.NewCommand("unsuspend", s.command(s.unsuspend)))
	d.AddHandler(handlers.NewCommand("cancel", s.command(s.cancel)))
	d.AddHandler(handlers.NewCallback(callbackquery.Prefix(cbPrefix), s.onCallback))
	d.AddHandler(handlers.NewMessage(func(msg *gotgbot.Message) bool {
		return message.Private(msg) && message.Text(msg)
	}, s.privateText))
}

func (s *Service) command(fn handlers.Response) handlers.Response {
	return func(b *gotgbot.Bot, ctx *ext.Context) error {
		s.metrics.CommandsTotal.Inc()
		return fn(b, ctx)
	}
}

func (s *Service) now() time.Time {
	return time.Now().UTC()
}

// chatUserKey is the stable string identity used by the core layers. The
// storage schema keys on it, so it must never change format.
func chatUserKey(userID int64) string {
	return strconv.FormatInt(userID, 10)
}

func userID(ctx *ext.Context) int64 {
	if ctx.EffectiveUser == nil {
		return 0
	}
	return ctx.EffectiveUser.Id
}
