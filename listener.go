package corosched

import (
	"log/slog"
	"sync/atomic"

	zapslog "github.com/tommoulard/zap-slog"
	"go.uber.org/zap"

	"github.com/kmrgirish/corosched/coroutines"
)

// ZapListener is a coroutines.ThreadListener that logs coroutine starts and
// ends with zap. Its records are forwarded to a slog logger, so they end up
// in the same stream as the manager's own. The bridge adds the logger name
// as "name" and turns non-string fields into slog.Any, so coroutine fields
// are logged as plain strings under their own keys.
type ZapListener struct {
	log     *zap.Logger
	started atomic.Int64
	ended   atomic.Int64
}

var _ coroutines.ThreadListener = (*ZapListener)(nil)

func NewZapListener(logger *slog.Logger) (*ZapListener, error) {
	z, err := zap.NewProduction(zapslog.WrapCore(logger))
	if err != nil {
		return nil, err
	}
	return &ZapListener{log: z.Named("listener")}, nil
}

func (l *ZapListener) OnThreadStart(co *coroutines.Coroutine) {
	l.started.Add(1)
	l.log.Info("coroutine started",
		zap.Uint64("id", uint64(co.ID())),
		zap.String("coroutine", co.Name()),
		zap.String("type", co.Type().String()),
		zap.String("priority", co.Priority().String()),
	)
}

func (l *ZapListener) OnThreadEnd(co *coroutines.Coroutine) {
	l.ended.Add(1)
	l.log.Info("coroutine ended",
		zap.Uint64("id", uint64(co.ID())),
		zap.String("coroutine", co.Name()),
		zap.String("status", co.Status().String()),
	)
}

// Counts returns how many starts and ends the listener has seen.
func (l *ZapListener) Counts() (started, ended int64) {
	return l.started.Load(), l.ended.Load()
}

func (l *ZapListener) Sync() error {
	return l.log.Sync()
}
