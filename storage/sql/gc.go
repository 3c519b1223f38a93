package sql

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/ssoforge/idcore/storage"
)

// defaultAuditRetention is the fixed audit window withGC's sweep prunes to;
// it is independent of the configurable retention window of cmd/ssod's
// sweeper. DeleteAuditOlderThan is still exposed so callers needing a
// different window can invoke it directly.
const defaultAuditRetention = 90 * 24 * time.Hour

type gc struct {
	now    func() time.Time
	conn   *conn
	logger logrus.FieldLogger
}

func (g gc) run() error {
	if n, err := g.conn.DeleteExpiredCsrf(context.Background(), g.now()); err != nil {
		return err
	} else if n > 0 {
		g.logger.WithField("count", n).Debug("swept expired csrf rows")
	}

	if n, err := g.conn.DeleteAuditOlderThan(context.Background(), g.now().Add(-defaultAuditRetention)); err != nil {
		return err
	} else if n > 0 {
		g.logger.WithField("count", n).Info("pruned expired audit rows")
	}
	return nil
}

type withCancel struct {
	storage.Storage
	cancel context.CancelFunc
}

func (w withCancel) Close() error {
	w.cancel()
	return w.Storage.Close()
}

// withGC wraps a conn with a background sweep of expired CSRF rows and
// aged-out audit rows, running every 30 seconds until Close is called.
func withGC(c *conn, now func() time.Time) storage.Storage {
	ctx, cancel := context.WithCancel(context.Background())
	run := (gc{now, c, c.logger}).run
	go func() {
		for {
			select {
			case <-time.After(30 * time.Second):
				if err := run(); err != nil {
					c.logger.WithError(err).Error("storage gc failed")
				}
			case <-ctx.Done():
				return
			}
		}
	}()
	return withCancel{c, cancel}
}
