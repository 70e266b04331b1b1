package orchestrator

import (
	"context"
	"time"

	"github.com/google/uuid"

	"labflow/internal/domain"
	"labflow/internal/store"
)

// WorkstationView is a workstation plus its live queue depth.
type WorkstationView struct {
	*domain.Workstation
	QueueDepth int `json:"queue_depth"`
}

func (s *Service) CreateWorkstation(ctx context.Context, actor string, in domain.NewWorkstation) (*domain.Workstation, error) {
	in.Normalize()
	if err := domain.Validate(in); err != nil {
		return nil, err
	}
	now := s.now()
	ws := &domain.Workstation{
		ID:                 "ws_" + uuid.NewString(),
		Name:               in.Name,
		Description:        in.Description,
		Location:           in.Location,
		Capabilities:       in.Capabilities,
		Equipment:          in.Equipment,
		MaxConcurrentTasks: in.MaxConcurrentTasks,
		Status:             domain.WorkstationOffline,
		Endpoint:           in.Endpoint,
		APIKey:             in.APIKey,
		CommandTimeout:     in.CommandTimeout,
		IsActive:           true,
		CreatedBy:          actor,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	if err := s.store.AddWorkstation(ctx, ws); err != nil {
		return nil, err
	}
	s.log.Info().Str("workstation_id", ws.ID).Str("name", ws.Name).Int("capacity", ws.MaxConcurrentTasks).Msg("workstation registered")
	return ws.Clone(), nil
}

// UpdateWorkstation applies administrative changes. Status may only be set to
// MAINTENANCE or ERROR, or back to ONLINE to leave them; ONLINE takes effect
// only when the last heartbeat is fresh and no reconciliation is pending,
// otherwise the workstation waits OFFLINE.
func (s *Service) UpdateWorkstation(ctx context.Context, id string, in domain.WorkstationUpdate) (*domain.Workstation, error) {
	if err := domain.Validate(in); err != nil {
		return nil, err
	}
	var out *domain.Workstation
	err := s.store.Update(ctx, id, func(tx *store.Tx) error {
		now := s.now()
		ws := tx.Workstation()
		if in.Name != nil {
			ws.Name = *in.Name
		}
		if in.Description != nil {
			ws.Description = *in.Description
		}
		if in.Location != nil {
			ws.Location = *in.Location
		}
		if in.Capabilities != nil {
			ws.Capabilities = domain.OrderedSet(in.Capabilities)
		}
		if in.Equipment != nil {
			ws.Equipment = in.Equipment
		}
		if in.Endpoint != nil {
			ws.Endpoint = *in.Endpoint
		}
		if in.APIKey != nil {
			ws.APIKey = *in.APIKey
		}
		if in.CommandTimeout != nil {
			ws.CommandTimeout = *in.CommandTimeout
		}
		if in.MaxConcurrentTasks != nil {
			if *in.MaxConcurrentTasks < ws.CurrentTaskCount {
				return domain.Conflict(ws.ID, "workstation %s has %d running task(s); max_concurrent_tasks cannot drop to %d",
					ws.ID, ws.CurrentTaskCount, *in.MaxConcurrentTasks)
			}
			ws.MaxConcurrentTasks = *in.MaxConcurrentTasks
		}
		if in.IsActive != nil {
			ws.IsActive = *in.IsActive
		}
		if in.Status != nil {
			if err := s.setAdminStatus(ws, *in.Status, now); err != nil {
				return err
			}
		}
		ws.SyncBusy()
		ws.UpdatedAt = now
		out = ws.Clone()
		tx.OnCommit(s.Kick)
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.log.Info().Str("workstation_id", id).Str("status", string(out.Status)).Bool("active", out.IsActive).Msg("workstation updated")
	return out, nil
}

func (s *Service) setAdminStatus(ws *domain.Workstation, to domain.WorkstationStatus, now time.Time) error {
	switch to {
	case domain.WorkstationMaintenance, domain.WorkstationError:
		ws.Status = to
	case domain.WorkstationOnline:
		if ws.Live() {
			return nil
		}
		if ws.Status == domain.WorkstationOffline {
			return domain.Conflict(ws.ID, "workstation %s is OFFLINE; it comes back through heartbeats and reconciliation", ws.ID)
		}
		if !ws.ReconcilePending && s.fresh(ws, now) {
			ws.Status = domain.WorkstationOnline
		} else {
			ws.Status = domain.WorkstationOffline
		}
	default:
		return domain.Validation("status %s cannot be set administratively", to).
			WithDetail("status", "must be MAINTENANCE, ERROR or ONLINE")
	}
	return nil
}

// DeactivateWorkstation soft-deletes a workstation. Its record and tasks are
// kept; queued tasks stay queued but are not dispatched while inactive.
func (s *Service) DeactivateWorkstation(ctx context.Context, id string) (*domain.Workstation, error) {
	inactive := false
	return s.UpdateWorkstation(ctx, id, domain.WorkstationUpdate{IsActive: &inactive})
}

func (s *Service) GetWorkstation(id string) (WorkstationView, error) {
	ws, err := s.store.Workstation(id)
	if err != nil {
		return WorkstationView{}, err
	}
	return WorkstationView{Workstation: ws, QueueDepth: s.queue.Depth(id)}, nil
}

func (s *Service) ListWorkstations(includeInactive bool) []WorkstationView {
	all := s.store.Workstations()
	out := make([]WorkstationView, 0, len(all))
	for _, ws := range all {
		if !ws.IsActive && !includeInactive {
			continue
		}
		out = append(out, WorkstationView{Workstation: ws, QueueDepth: s.queue.Depth(ws.ID)})
	}
	return out
}
