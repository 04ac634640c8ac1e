package commands

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	"schedbot/internal/jobqueue"
	"schedbot/internal/storage"
	"schedbot/internal/transport/telegram/router"
	logx "schedbot/pkg/logx"
)

func (s *Service) cmdQueue(ctx context.Context, req *router.Request) error {
	_, err := req.Reply(ctx, formatSnapshot(s.jobs.Snapshot(), time.Since(s.startedAt)), nil)
	return err
}

func formatSnapshot(snap jobqueue.Snapshot, up time.Duration) string {
	state := "stopped"
	if snap.Running {
		state = "running"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Queue: %s, up %s\n", state, up.Truncate(time.Second))
	fmt.Fprintf(&b, "Queued: %d/%d, pending jobs: %d\n", snap.QueueLen, snap.QueueCap, snap.Pending)
	fmt.Fprintf(&b, "Guilds: %d/%d (max %d jobs each)\n", snap.Groups, snap.Limits.MaxGuilds, snap.Limits.MaxGuildReqs)
	if snap.Limits.JobTimeout > 0 {
		fmt.Fprintf(&b, "Job timeout: %s\n", snap.Limits.JobTimeout)
	}
	fmt.Fprintf(&b, "Admitted: %d, completed: %d, failed: %d, flushed: %d",
		snap.Admitted, snap.Completed, snap.Failed, snap.Flushed)
	if snap.Undelivered > 0 {
		fmt.Fprintf(&b, ", undelivered: %d", snap.Undelivered)
	}

	if len(snap.Rejected) > 0 {
		codes := make([]jobqueue.Code, 0, len(snap.Rejected))
		for c := range snap.Rejected {
			codes = append(codes, c)
		}
		slices.Sort(codes)
		parts := make([]string, 0, len(codes))
		for _, c := range codes {
			parts = append(parts, fmt.Sprintf("%s=%d", c, snap.Rejected[c]))
		}
		b.WriteString("\nRejected: " + strings.Join(parts, ", "))
	}

	if len(snap.PerGroup) > 0 {
		groups := make([]jobqueue.GroupID, 0, len(snap.PerGroup))
		for g := range snap.PerGroup {
			groups = append(groups, g)
		}
		slices.Sort(groups)
		b.WriteString("\nPer guild:")
		for _, g := range groups {
			fmt.Fprintf(&b, "\n- %d: %d", g, snap.PerGroup[g])
		}
	}
	return b.String()
}

func (s *Service) cmdFlush(ctx context.Context, req *router.Request) error {
	start := time.Now()
	queued := s.jobs.Snapshot().QueueLen
	s.jobs.Flush()
	req.Logger.Warn("queue flush requested", logx.Int("queued", queued))
	s.audit(ctx, req, "flush", fmt.Sprintf("queued=%d", queued), nil, time.Since(start))

	_, err := req.Reply(ctx, fmt.Sprintf("Flush requested; %d queued job(s) will be discarded.", queued), nil)
	return err
}

func (s *Service) audit(ctx context.Context, req *router.Request, action, target string, actErr error, took time.Duration) {
	if s.store == nil {
		return
	}
	e := storage.AuditEntry{
		At:            time.Now(),
		ActorID:       req.FromID,
		ActorUsername: req.FromUsername,
		ChatID:        req.Chat.ChatID,
		Action:        action,
		Target:        target,
		OK:            actErr == nil,
		TookMS:        took.Milliseconds(),
	}
	if actErr != nil {
		e.Error = actErr.Error()
	}
	if err := s.store.AppendAudit(ctx, e); err != nil {
		req.Logger.Debug("audit append failed", logx.String("action", action), logx.Err(err))
	}
}
