package router

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"mutebot/internal/metrics"
	logx "mutebot/pkg/logx"
)

type Middleware func(next HandlerFunc) HandlerFunc

func Chain(h HandlerFunc, m ...Middleware) HandlerFunc {
	for i := len(m) - 1; i >= 0; i-- {
		h = m[i](h)
	}
	return h
}

func MWTimeout(d time.Duration) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *Request) error {
			if d <= 0 {
				return next(ctx, req)
			}
			cctx, cancel := context.WithTimeout(ctx, d)
			defer cancel()
			return next(cctx, req)
		}
	}
}

func MWPanicRecover(log logx.Logger) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *Request) (err error) {
			defer func() {
				if r := recover(); r != nil {
					logger := log
					if req != nil && !req.Logger.IsZero() {
						logger = req.Logger
					}
					logger.Error("panic recovered",
						logx.Any("panic", r),
						logx.String("stack", string(debug.Stack())),
					)
					err = fmt.Errorf("panic: %v", r)
				}
			}()
			return next(ctx, req)
		}
	}
}

func MWRequestLog(log logx.Logger) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *Request) error {
			start := time.Now()
			logger := log
			if !req.Logger.IsZero() {
				logger = req.Logger
			}
			err := next(ctx, req)
			d := time.Since(start)

			fields := []logx.Field{
				logx.Int64("chat_id", req.Chat.ChatID),
				logx.Int("thread_id", req.Chat.ThreadID),
				logx.Int64("from_id", req.FromID),
				logx.String("cmd", req.Command),
				logx.Duration("dur", d),
			}
			if err != nil {
				logger.Warn("request failed", append(fields, logx.Err(err))...)
			} else if d >= 750*time.Millisecond {
				logger.Info("request ok", fields...)
			} else {
				logger.Debug("request ok", fields...)
			}
			return err
		}
	}
}

// MWMetrics counts handled commands by result: ok, usage or error.
func MWMetrics(m *metrics.Metrics) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		if m == nil {
			return next
		}
		return func(ctx context.Context, req *Request) error {
			err := next(ctx, req)
			result := "ok"
			var ue *UsageError
			switch {
			case errors.As(err, &ue):
				result = "usage"
			case err != nil:
				result = "error"
			}
			m.Commands.WithLabelValues(req.Command, result).Inc()
			return err
		}
	}
}

// MWReplyErrors turns handler errors into a chat reply so the operator sees
// them. Usage errors show the command's usage line.
func MWReplyErrors(cmd Command) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *Request) error {
			err := next(ctx, req)
			if err == nil {
				return nil
			}
			var ue *UsageError
			text := "error: " + err.Error()
			if errors.As(err, &ue) {
				text = ue.Msg
				if cmd.Usage != "" {
					text += "\nusage: " + cmd.Usage
				}
			}
			// The handler's context may already be expired.
			sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
			defer cancel()
			if serr := req.Reply(sctx, text, false); serr != nil {
				req.Logger.Debug("error reply failed", logx.Err(serr))
			}
			return err
		}
	}
}
