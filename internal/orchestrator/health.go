package orchestrator

import (
	"context"
	"errors"
	"strings"
	"time"

	"labflow/internal/domain"
	"labflow/internal/notify"
	"labflow/internal/store"
)

// Heartbeat is what a workstation reports about itself.
type Heartbeat struct {
	Status  string                  `json:"status" validate:"required,oneof=online busy error"`
	Metrics *domain.ResourceMetrics `json:"resource_metrics"`
}

func (s *Service) fresh(ws *domain.Workstation, now time.Time) bool {
	return ws.LastHeartbeat != nil && now.Sub(*ws.LastHeartbeat) <= s.cfg.HeartbeatTimeout
}

// Heartbeat records liveness. A workstation that went OFFLINE with work in
// flight only sets awaiting_ack here; it needs Acknowledge to return ONLINE.
func (s *Service) Heartbeat(ctx context.Context, wsID string, hb Heartbeat) (*domain.Workstation, error) {
	hb.Status = strings.ToLower(strings.TrimSpace(hb.Status))
	if err := domain.Validate(hb); err != nil {
		return nil, err
	}
	reportsError := hb.Status == "error"

	var out *domain.Workstation
	var from domain.WorkstationStatus
	err := s.store.Update(ctx, wsID, func(tx *store.Tx) error {
		now := s.now()
		ws := tx.Workstation()
		from = ws.Status
		ws.LastHeartbeat = domain.Ptr(now)
		if hb.Metrics != nil {
			ws.LastMetrics = hb.Metrics
		}

		switch ws.Status {
		case domain.WorkstationOffline:
			switch {
			case ws.ReconcilePending:
				ws.AwaitingAck = true
			case reportsError:
				ws.Status = domain.WorkstationError
			default:
				ws.Status = domain.WorkstationOnline
			}
		case domain.WorkstationError:
			if !reportsError {
				ws.Status = domain.WorkstationOnline
			}
		case domain.WorkstationOnline, domain.WorkstationBusy:
			if reportsError {
				ws.Status = domain.WorkstationError
			}
		}
		ws.SyncBusy()
		ws.UpdatedAt = now
		out = ws.Clone()
		if out.Status != from {
			tx.OnCommit(s.Kick)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if out.Status != from {
		s.log.Info().Str("workstation_id", wsID).Str("from", string(from)).Str("to", string(out.Status)).Msg("workstation status changed")
	} else if out.AwaitingAck {
		s.log.Debug().Str("workstation_id", wsID).Msg("heartbeat while awaiting reconciliation ack")
	}
	return out, nil
}

// Acknowledge confirms that the operator reconciled a workstation after it went
// OFFLINE. It returns to ONLINE right away if its heartbeat is fresh, otherwise
// on its next heartbeat.
func (s *Service) Acknowledge(ctx context.Context, wsID string) (*domain.Workstation, error) {
	var out *domain.Workstation
	err := s.store.Update(ctx, wsID, func(tx *store.Tx) error {
		now := s.now()
		view := tx.View()
		if view.Status != domain.WorkstationOffline || !view.ReconcilePending {
			return domain.Conflict(wsID, "workstation %s has no pending reconciliation (status %s)", wsID, view.Status)
		}
		ws := tx.Workstation()
		ws.ReconcilePending = false
		ws.AwaitingAck = false
		if s.fresh(ws, now) {
			ws.Status = domain.WorkstationOnline
			ws.SyncBusy()
		}
		ws.UpdatedAt = now
		out = ws.Clone()
		ev := notify.Event{
			Type:          notify.WorkstationReconcile,
			WorkstationID: wsID,
			Status:        string(ws.Status),
			Message:       "reconciliation acknowledged",
		}
		tx.OnCommit(func() {
			s.emit(ev)
			s.Kick()
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.log.Info().Str("workstation_id", wsID).Str("status", string(out.Status)).Msg("reconciliation acknowledged")
	return out, nil
}

// Sweep demotes ONLINE/BUSY workstations whose heartbeat is older than the
// heartbeat timeout. The demotion and the failure of every RUNNING task on the
// workstation are one store transaction. It returns the demoted ids.
func (s *Service) Sweep(ctx context.Context) ([]string, error) {
	if ok, err := s.store.Healthy(); !ok {
		s.log.Warn().Err(err).Msg("store unhealthy, health sweep skipped")
		return nil, nil
	}
	var (
		demoted []string
		errs    []error
	)
	for _, snap := range s.store.Workstations() {
		if !snap.Live() || s.fresh(snap, s.now()) {
			continue
		}
		ok, err := s.demote(ctx, snap.ID)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if ok {
			demoted = append(demoted, snap.ID)
		}
	}
	return demoted, errors.Join(errs...)
}

func (s *Service) demote(ctx context.Context, wsID string) (bool, error) {
	demoted := false
	err := s.store.Update(ctx, wsID, func(tx *store.Tx) error {
		now := s.now()
		// Re-check under the partition lock; a heartbeat may have landed since the snapshot.
		if view := tx.View(); !view.Live() || s.fresh(view, now) {
			return nil
		}
		ws := tx.Workstation()
		var last string
		if ws.LastHeartbeat != nil {
			last = ws.LastHeartbeat.Format(time.RFC3339)
		} else {
			last = "never"
		}
		ws.Status = domain.WorkstationOffline
		ws.ReconcilePending = true
		ws.AwaitingAck = false
		ws.UpdatedAt = now

		running := tx.TaskIDs(domain.TaskRunning)
		msg := "workstation " + wsID + " went OFFLINE (last heartbeat " + last + "), outcome unknown"
		for _, id := range running {
			t, err := tx.Task(id)
			if err != nil {
				return err
			}
			if err := s.failInTx(tx, t, domain.KindWorkstationUnavailable, msg); err != nil {
				return err
			}
		}
		demoted = true

		n := len(running)
		tx.OnCommit(func() {
			s.metrics.Reconciliations.WithLabelValues(wsID).Inc()
			s.log.Warn().Str("workstation_id", wsID).Str("last_heartbeat", last).Int("failed_in_flight", n).Msg("workstation offline, reconciled")
			s.emit(notify.Event{
				Type:          notify.WorkstationOffline,
				WorkstationID: wsID,
				Status:        string(domain.WorkstationOffline),
				ErrorKind:     string(domain.KindWorkstationUnavailable),
				Message:       msg,
				Data:          map[string]any{"failed_in_flight": n},
			})
		})
		return nil
	})
	return demoted, err
}

type HealthReport struct {
	Status      string         `json:"status"`
	Time        time.Time      `json:"time"`
	QueueDepths map[string]int `json:"queue_depths"`
}

type DetailedHealthReport struct {
	HealthReport
	Version      string         `json:"version"`
	Environment  string         `json:"environment"`
	Uptime       string         `json:"uptime"`
	StoreHealthy bool           `json:"store_healthy"`
	StoreError   string         `json:"store_error,omitempty"`
	Workstations map[string]int `json:"workstations"`
	RunningTasks int            `json:"running_tasks"`
	AwaitingAck  []string       `json:"awaiting_ack,omitempty"`
}

func (s *Service) Health() HealthReport {
	status := "ok"
	if ok, _ := s.store.Healthy(); !ok {
		status = "degraded"
	}
	return HealthReport{Status: status, Time: s.now().UTC(), QueueDepths: s.queue.Depths()}
}

func (s *Service) DetailedHealth() DetailedHealthReport {
	r := DetailedHealthReport{
		HealthReport: s.Health(),
		Version:      s.cfg.Version,
		Environment:  s.cfg.Environment,
		Uptime:       s.now().Sub(s.started).Round(time.Second).String(),
		Workstations: make(map[string]int),
	}
	ok, err := s.store.Healthy()
	r.StoreHealthy = ok
	if err != nil {
		r.StoreError = err.Error()
	}
	for _, ws := range s.store.Workstations() {
		if !ws.IsActive {
			r.Workstations["INACTIVE"]++
			continue
		}
		r.Workstations[string(ws.Status)]++
		r.RunningTasks += ws.CurrentTaskCount
		if ws.AwaitingAck {
			r.AwaitingAck = append(r.AwaitingAck, ws.ID)
		}
	}
	return r
}
