package commands

import (
	"context"
	"errors"
	"strings"
	"time"

	"schedbot/internal/jobqueue"
	"schedbot/internal/schedule"
	kit "schedbot/internal/transport"
	"schedbot/internal/transport/telegram/router"
	logx "schedbot/pkg/logx"
)

// submit admits a job for req and replies with the admission outcome.
func (s *Service) submit(ctx context.Context, req *router.Request, cmd string, args []string) error {
	out := s.jobs.Add(jobqueue.Request{
		Group:     jobqueue.GroupID(req.Chat.ChatID),
		Requester: jobqueue.RequesterID(req.FromID),
		Command:   cmd,
		Args:      args,
		Meta:      map[string]string{"rid": req.ReqID},
		Result: jobqueue.ResultContext{
			Domain:  s.domain,
			Deliver: s.deliverTo(req),
		},
	})
	if out.Accepted() {
		req.Logger.Debug("job admitted", logx.String("job_id", out.JobID))
	} else {
		req.Logger.Info("job not admitted", logx.String("outcome", out.String()), logx.Err(out.Err()))
	}
	_, err := req.Reply(ctx, out.Message(), nil)
	return err
}

// deliverTo returns the result callback for a job submitted by req. It runs
// on the router's worker pool, after the request context is gone.
func (s *Service) deliverTo(req *router.Request) func(jobqueue.Result) {
	chat := req.Chat
	replyTo := req.MessageID
	adapter := req.Adapter
	log := req.Logger
	return func(res jobqueue.Result) {
		text := resultText(res)
		ctx, cancel := context.WithTimeout(context.Background(), s.sendTimeout)
		defer cancel()

		ref, err := adapter.SendText(ctx, chat, text, &kit.SendOptions{DisablePreview: true, ReplyTo: replyTo})
		if err != nil {
			log.Warn("job result not sent", logx.String("job_id", res.JobID), logx.Err(err))
			return
		}
		log.Debug("job result sent", logx.String("job_id", res.JobID), logx.Bool("ok", res.OK()), logx.Duration("took", res.Took))

		if d := time.Duration(s.deleteAfter.Load()); d > 0 && ref.MessageID != 0 {
			time.AfterFunc(d, func() {
				dctx, dcancel := context.WithTimeout(context.Background(), s.sendTimeout)
				defer dcancel()
				if err := adapter.DeleteMessage(dctx, ref); err != nil {
					log.Debug("delete reply failed", logx.Err(err))
				}
			})
		}
	}
}

func resultText(res jobqueue.Result) string {
	if res.Err == nil {
		if text, ok := res.Data.(string); ok && strings.TrimSpace(text) != "" {
			return text
		}
		return "Done."
	}
	return userMessage(res.Err)
}

// userMessage turns a job or argument error into something safe to show in chat.
func userMessage(err error) string {
	switch {
	case errors.Is(err, schedule.ErrBadInput):
		msg := err.Error()
		if i := strings.Index(msg, schedule.ErrBadInput.Error()+": "); i >= 0 {
			msg = msg[i+len(schedule.ErrBadInput.Error())+2:]
		}
		return msg
	case errors.Is(err, jobqueue.ErrFlushed):
		return "Your job was discarded because the queue was flushed. Please try again."
	case errors.Is(err, jobqueue.ErrStopped):
		return "The bot is restarting and your job was not run. Please try again shortly."
	case errors.Is(err, context.DeadlineExceeded):
		return "Your job took too long and was cancelled."
	default:
		return "Your job failed because of an internal error."
	}
}
