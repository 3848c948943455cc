package app

import (
	"context"
	"os/signal"
	"syscall"
)

// Run is the entrypoint used by `gateway serve`.
// It returns an error instead of calling os.Exit to keep defers effective.
func Run() error {
	cfg, err := LoadConfig()
	if err != nil {
		return err
	}
	log := NewLogger(cfg.LogLevel, cfg.LogFormat)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	a, err := New(ctx, cfg, log)
	if err != nil {
		return err
	}
	return a.Run(ctx)
}

// WipeAuth deletes everything stored for one session and reports how many keys
// were removed.
func WipeAuth(ctx context.Context, cfg Config, log Logger, sessionID int64) (int, error) {
	st, closeFn, err := OpenAuthStore(ctx, cfg, log)
	if err != nil {
		return 0, err
	}
	defer closeFn()
	return st.Cleanup(ctx, sessionID)
}
