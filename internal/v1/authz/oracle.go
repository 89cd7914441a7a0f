// Package authz implements the Authorization Oracle the registry
// consumes: "may user U create/join the room for diagram D?". The real
// implementation delegates to the host application's permission service
// over HTTP, the same way auth.Validator delegates token verification to
// Auth0 rather than re-implementing JWT validation locally.
package authz

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/schemacollab/liveshare-core/internal/v1/types"
)

// HTTPOracle calls out to an external permission service for both
// create and join decisions. The service is expected to expose
// GET {baseURL}/diagrams/{diagram_id}/permissions/{user_id} returning
// {"owner": bool, "can_edit": bool, "can_view": bool}.
type HTTPOracle struct {
	baseURL string
	client  *http.Client
}

func NewHTTPOracle(baseURL string, client *http.Client) *HTTPOracle {
	if client == nil {
		client = &http.Client{Timeout: 3 * time.Second}
	}
	return &HTTPOracle{baseURL: baseURL, client: client}
}

type permissionResponse struct {
	Owner   bool `json:"owner"`
	CanEdit bool `json:"can_edit"`
	CanView bool `json:"can_view"`
}

func (o *HTTPOracle) fetch(ctx context.Context, userID types.UserId, diagramID types.DiagramId) (permissionResponse, error) {
	url := fmt.Sprintf("%s/diagrams/%s/permissions/%s", o.baseURL, diagramID.String(), userID.String())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return permissionResponse{}, err
	}
	resp, err := o.client.Do(req)
	if err != nil {
		return permissionResponse{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return permissionResponse{}, nil
	}
	if resp.StatusCode != http.StatusOK {
		return permissionResponse{}, fmt.Errorf("authz: permission service returned %d", resp.StatusCode)
	}
	var out permissionResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return permissionResponse{}, err
	}
	return out, nil
}

// CanCreate requires ownership or edit permission, per spec.md §6.
func (o *HTTPOracle) CanCreate(ctx context.Context, userID types.UserId, diagramID types.DiagramId) (bool, error) {
	perm, err := o.fetch(ctx, userID, diagramID)
	if err != nil {
		return false, err
	}
	return perm.Owner || perm.CanEdit, nil
}

// CanJoin allows owner or any shared view/edit permission; guests are
// denied since they never resolve to a userID at all.
func (o *HTTPOracle) CanJoin(ctx context.Context, userID types.UserId, diagramID types.DiagramId) (bool, error) {
	perm, err := o.fetch(ctx, userID, diagramID)
	if err != nil {
		return false, err
	}
	return perm.Owner || perm.CanEdit || perm.CanView, nil
}

// AllowAllOracle grants every request. Development-only, mirroring
// auth.MockValidator's SKIP_AUTH escape hatch.
type AllowAllOracle struct{}

func (AllowAllOracle) CanCreate(context.Context, types.UserId, types.DiagramId) (bool, error) {
	return true, nil
}

func (AllowAllOracle) CanJoin(context.Context, types.UserId, types.DiagramId) (bool, error) {
	return true, nil
}
