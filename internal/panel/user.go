package panel

import (
	"context"
	"fmt"
	"net/http"
)

// UserClient issues calls against /api/client with a caller-supplied key.
// Construct one per invocation via Client.User; it is immutable.
type UserClient struct {
	rest rest
}

// AccountInfo resolves the account owning the key. Used during bind to
// verify the credential before anything is persisted.
func (u *UserClient) AccountInfo(ctx context.Context) (Account, error) {
	body, err := u.rest.do(ctx, http.MethodGet, "/account", nil)
	if err != nil {
		return Account{}, err
	}
	var a Account
	if err := decodeObject(body, &a); err != nil {
		return Account{}, err
	}
	return a, nil
}

// ListServers returns the caller's servers with live status. The status comes
// from a secondary per-server resource lookup; if that lookup fails for one
// server its status degrades to unknown instead of failing the listing.
func (u *UserClient) ListServers(ctx context.Context) ([]Server, error) {
	body, err := u.rest.do(ctx, http.MethodGet, "/", nil)
	if err != nil {
		return nil, err
	}
	items, err := decodeList(body)
	if err != nil {
		return nil, err
	}

	out := make([]Server, 0, len(items))
	for _, raw := range items {
		var s Server
		if err := decodeObject(raw, &s); err != nil {
			return nil, err
		}
		usage, err := u.ResourceUsage(ctx, s.UUID)
		if err != nil {
			u.rest.logger.Warn().Err(err).Str("server", s.UUID).Msg("failed to fetch server status")
			s.Status = StatusUnknown
		} else if usage.CurrentState != "" {
			s.Status = usage.CurrentState
		} else {
			s.Status = StatusOffline
		}
		out = append(out, s)
	}
	return out, nil
}

func (u *UserClient) ServerDetails(ctx context.Context, identifier string) (Server, error) {
	body, err := u.rest.do(ctx, http.MethodGet, "/servers/"+identifier, nil)
	if err != nil {
		return Server{}, err
	}
	var s Server
	if err := decodeObject(body, &s); err != nil {
		return Server{}, err
	}
	return s, nil
}

func (u *UserClient) ResourceUsage(ctx context.Context, identifier string) (ResourceUsage, error) {
	body, err := u.rest.do(ctx, http.MethodGet, "/servers/"+identifier+"/resources", nil)
	if err != nil {
		return ResourceUsage{}, err
	}
	var usage ResourceUsage
	if err := decodeObject(body, &usage); err != nil {
		return ResourceUsage{}, err
	}
	return usage, nil
}

// PowerAction sends a power signal. The panel applies it asynchronously, so a
// success here only means the signal was accepted.
func (u *UserClient) PowerAction(ctx context.Context, identifier, action string) error {
	if !ValidPowerAction(action) {
		return fmt.Errorf("invalid power action %q", action)
	}
	_, err := u.rest.do(ctx, http.MethodPost, "/servers/"+identifier+"/power", map[string]string{"signal": action})
	return err
}
