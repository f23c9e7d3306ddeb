package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"pterobot/internal/auth"
	"pterobot/internal/metrics"
	"pterobot/internal/panel"
	"pterobot/internal/storage"
)

var (
	// ErrServerNotFound means the identifier matched nothing in the caller's
	// own server set. Another user's server is indistinguishable from a
	// nonexistent one on purpose.
	ErrServerNotFound = errors.New("no matching server")
	ErrNoServerTypes  = errors.New("no server types available")
	ErrNoNodes        = errors.New("no nodes available")
)

type Config struct {
	Store   *storage.Store
	Panel   *panel.Client
	Logger  zerolog.Logger
	Metrics *metrics.Metrics
}

// Dispatcher executes user-facing server operations. Every mutating action
// re-resolves the target against the caller's live server list in the same
// invocation, so a stale cache can never direct an action at a server the
// caller no longer owns. Owned-server bookkeeping happens only here; nothing
// above this layer writes those records.
type Dispatcher struct {
	store   *storage.Store
	panel   *panel.Client
	logger  zerolog.Logger
	metrics *metrics.Metrics
}

func New(cfg Config) *Dispatcher {
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.Global()
	}
	return &Dispatcher{
		store:   cfg.Store,
		panel:   cfg.Panel,
		logger:  cfg.Logger,
		metrics: cfg.Metrics,
	}
}

type CreateSpec struct {
	Name        string
	Description string
	EggID       int64
	MemoryMB    int64
	DiskMB      int64
	CPUPercent  int64
	LocationID  int64
}

// Snapshot is the monitor result. Degraded marks a snapshot whose resource
// lookup failed transiently; Status is unknown in that case.
type Snapshot struct {
	Server    panel.Server
	Resources panel.Resources
	Status    string
	Degraded  bool
}

// ResolveOwnedServer matches an identifier against the caller's live server
// set. Precedence: exact uuid, then exact numeric id, then uuid prefix, then
// case-insensitive exact name; within a rule the first listed server wins.
func (d *Dispatcher) ResolveOwnedServer(ctx context.Context, sess auth.Session, identifier string) (panel.Server, error) {
	servers, err := d.panel.User(sess.APIKey).ListServers(ctx)
	if err != nil {
		return panel.Server{}, err
	}
	return matchServer(servers, identifier)
}

func matchServer(servers []panel.Server, identifier string) (panel.Server, error) {
	if identifier == "" {
		return panel.Server{}, ErrServerNotFound
	}
	for _, s := range servers {
		if s.UUID == identifier {
			return s, nil
		}
	}
	for _, s := range servers {
		if s.ID != 0 && strconv.FormatInt(s.ID, 10) == identifier {
			return s, nil
		}
	}
	for _, s := range servers {
		if strings.HasPrefix(s.UUID, identifier) {
			return s, nil
		}
	}
	for _, s := range servers {
		if strings.EqualFold(s.Name, identifier) {
			return s, nil
		}
	}
	return panel.Server{}, ErrServerNotFound
}

// EggCatalog lists the usable server templates for selection UIs. The
// catalog is already filtered of malformed entries by the panel layer.
func (d *Dispatcher) EggCatalog(ctx context.Context) ([]panel.Egg, error) {
	return d.panel.ListEggs(ctx)
}

// ExecuteList returns the caller's servers with live status.
func (d *Dispatcher) ExecuteList(ctx context.Context, sess auth.Session) ([]panel.Server, error) {
	return d.panel.User(sess.APIKey).ListServers(ctx)
}

// ExecuteCreate validates that usable eggs and nodes exist, provisions the
// server under the caller's panel account using the admin scope, and records
// the ownership association.
func (d *Dispatcher) ExecuteCreate(ctx context.Context, sess auth.Session, spec CreateSpec) (panel.Server, error) {
	eggs, err := d.panel.ListEggs(ctx)
	if err != nil {
		return panel.Server{}, err
	}
	if len(eggs) == 0 {
		return panel.Server{}, ErrNoServerTypes
	}
	nodes, err := d.panel.ListNodes(ctx)
	if err != nil {
		return panel.Server{}, err
	}
	if len(nodes) == 0 {
		return panel.Server{}, ErrNoNodes
	}

	created, err := d.panel.CreateServer(ctx, panel.CreateServerInput{
		Name:        spec.Name,
		Description: spec.Description,
		PanelUserID: sess.Account.PanelUserID,
		EggID:       spec.EggID,
		MemoryMB:    spec.MemoryMB,
		DiskMB:      spec.DiskMB,
		CPUPercent:  spec.CPUPercent,
		LocationID:  spec.LocationID,
	})
	if err != nil {
		return panel.Server{}, err
	}

	if err := d.store.AddOwnedServer(ctx, sess.Account.ChatUserID, created.UUID, created.Name); err != nil {
		// the server exists on the panel now; failing here would send the job
		// back through the queue and provision a duplicate. The server stays
		// reachable through live resolution, only the local record is missing.
		d.logger.Warn().Err(err).Str("chat_user", sess.Account.ChatUserID).Str("server", created.UUID).Msg("server created but ownership record failed")
		_ = d.store.LogAction(ctx, storage.AuditEntry{
			ChatUserID: sess.Account.ChatUserID,
			Action:     "server_create",
			MetaJSON:   fmt.Sprintf(`{"uuid":%q,"name":%q,"record_failed":true}`, created.UUID, created.Name),
		})
		return created, nil
	}
	d.logger.Info().Str("chat_user", sess.Account.ChatUserID).Str("server", created.UUID).Str("name", created.Name).Msg("server created")
	_ = d.store.LogAction(ctx, storage.AuditEntry{
		ChatUserID: sess.Account.ChatUserID,
		Action:     "server_create",
		MetaJSON:   fmt.Sprintf(`{"uuid":%q,"name":%q}`, created.UUID, created.Name),
	})
	return created, nil
}

// ExecuteDelete resolves ownership, deletes through the admin scope (the
// delete endpoint is application-side only), and drops the ownership record.
func (d *Dispatcher) ExecuteDelete(ctx context.Context, sess auth.Session, identifier string) error {
	target, err := d.ResolveOwnedServer(ctx, sess, identifier)
	if err != nil {
		return err
	}
	if err := d.panel.DeleteServer(ctx, target.UUID); err != nil {
		return err
	}
	if err := d.store.RemoveOwnedServer(ctx, sess.Account.ChatUserID, target.UUID); err != nil {
		return fmt.Errorf("remove owned server record: %w", err)
	}
	d.logger.Info().Str("chat_user", sess.Account.ChatUserID).Str("server", target.UUID).Msg("server deleted")
	_ = d.store.LogAction(ctx, storage.AuditEntry{
		ChatUserID: sess.Account.ChatUserID,
		Action:     "server_delete",
		MetaJSON:   fmt.Sprintf(`{"uuid":%q,"name":%q}`, target.UUID, target.Name),
	})
	return nil
}

// ExecutePower resolves ownership, sends the signal, and re-fetches details.
// Power actions are asynchronous on the panel, so the reported status may
// still show the pre-transition state.
func (d *Dispatcher) ExecutePower(ctx context.Context, sess auth.Session, identifier, action string) (panel.Server, error) {
	target, err := d.ResolveOwnedServer(ctx, sess, identifier)
	if err != nil {
		return panel.Server{}, err
	}
	uc := d.panel.User(sess.APIKey)
	if err := uc.PowerAction(ctx, clientIdentifier(target), action); err != nil {
		return panel.Server{}, err
	}
	_ = d.store.LogAction(ctx, storage.AuditEntry{
		ChatUserID: sess.Account.ChatUserID,
		Action:     "server_power",
		MetaJSON:   fmt.Sprintf(`{"uuid":%q,"signal":%q}`, target.UUID, action),
	})

	after, err := uc.ServerDetails(ctx, clientIdentifier(target))
	if err != nil {
		d.logger.Warn().Err(err).Str("server", target.UUID).Msg("post-power detail fetch failed")
		return target, nil
	}
	if usage, err := uc.ResourceUsage(ctx, clientIdentifier(target)); err == nil && usage.CurrentState != "" {
		after.Status = usage.CurrentState
	}
	return after, nil
}

// ExecuteMonitor resolves ownership and fetches details and resource usage
// concurrently. A transient resource failure degrades status to unknown
// instead of failing the whole snapshot.
func (d *Dispatcher) ExecuteMonitor(ctx context.Context, sess auth.Session, identifier string) (Snapshot, error) {
	target, err := d.ResolveOwnedServer(ctx, sess, identifier)
	if err != nil {
		return Snapshot{}, err
	}
	uc := d.panel.User(sess.APIKey)
	id := clientIdentifier(target)

	var (
		wg         sync.WaitGroup
		details    panel.Server
		detailsErr error
		usage      panel.ResourceUsage
		usageErr   error
	)
	wg.Add(2)
	go func() {
		defer wg.Done()
		details, detailsErr = uc.ServerDetails(ctx, id)
	}()
	go func() {
		defer wg.Done()
		usage, usageErr = uc.ResourceUsage(ctx, id)
	}()
	wg.Wait()

	if detailsErr != nil {
		return Snapshot{}, detailsErr
	}
	snap := Snapshot{Server: details}
	if usageErr != nil {
		d.logger.Warn().Err(usageErr).Str("server", target.UUID).Msg("resource lookup failed, degrading status")
		snap.Status = panel.StatusUnknown
		snap.Degraded = true
		return snap, nil
	}
	snap.Resources = usage.Resources
	snap.Status = usage.CurrentState
	if snap.Status == "" {
		snap.Status = panel.StatusOffline
	}
	return snap, nil
}

// SetSuspended toggles suspension through the admin scope. The target is
// still resolved against the caller's own servers, same as delete.
func (d *Dispatcher) SetSuspended(ctx context.Context, sess auth.Session, identifier string, suspend bool) error {
	target, err := d.ResolveOwnedServer(ctx, sess, identifier)
	if err != nil {
		return err
	}
	internalID, err := d.internalID(ctx, target.UUID)
	if err != nil {
		return err
	}
	if suspend {
		err = d.panel.SuspendServer(ctx, internalID)
	} else {
		err = d.panel.UnsuspendServer(ctx, internalID)
	}
	if err != nil {
		return err
	}
	action := "server_unsuspend"
	if suspend {
		action = "server_suspend"
	}
	_ = d.store.LogAction(ctx, storage.AuditEntry{
		ChatUserID: sess.Account.ChatUserID,
		Action:     action,
		MetaJSON:   fmt.Sprintf(`{"uuid":%q}`, target.UUID),
	})
	return nil
}

func (d *Dispatcher) internalID(ctx context.Context, uuid string) (int64, error) {
	servers, err := d.panel.ListAllServers(ctx)
	if err != nil {
		return 0, err
	}
	for _, s := range servers {
		if s.UUID == uuid {
			return s.ID, nil
		}
	}
	return 0, ErrServerNotFound
}

// clientIdentifier picks the identifier usable against /api/client, which
// wants the short identifier when the panel provides one.
func clientIdentifier(s panel.Server) string {
	if s.Identifier != "" {
		return s.Identifier
	}
	return s.UUID
}
