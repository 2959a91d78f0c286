package service

import (
	"context"
	"database/sql"
	"log"
	"time"

	"github.com/iliyamo/account-guard/internal/model"
)

// PurgeSessions archives up to batch live sessions issued more than maxAge
// ago and returns how many were archived.  Rows failing their checksum are
// reported once and left untouched, never resealed; the scan pages past them.
func (s *AccountService) PurgeSessions(ctx context.Context, maxAge time.Duration, batch int) (int, error) {
	if batch <= 0 {
		batch = 500
	}
	cutoff := model.Unix(s.now().Add(-maxAge))
	archived := 0
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		var after uint64
		for archived < batch {
			stale, err := s.sessions.ListIssuedBeforeTx(ctx, tx, cutoff, after, batch)
			if err != nil {
				return err
			}
			if len(stale) == 0 {
				return nil
			}
			for _, sess := range stale {
				after = sess.ID
				res, err := s.checker.Validate(sess)
				if err != nil {
					return err
				}
				if !res.Trusted() {
					if _, seen := s.purgeSkipped.LoadOrStore(sess.ID, struct{}{}); !seen {
						s.untrusted(res.Table, res.ID, "checksum mismatch during retention purge")
					}
					continue
				}
				if err := s.ledger.Archive(ctx, tx, sess); err != nil {
					return err
				}
				if archived++; archived == batch {
					return nil
				}
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return archived, nil
}

// RunRetention purges stale sessions every interval until ctx is done.
func (s *AccountService) RunRetention(ctx context.Context, every, maxAge time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			n, err := s.PurgeSessions(ctx, maxAge, 0)
			if err != nil {
				log.Printf("retention: purge failed: %v", err)
				continue
			}
			if n > 0 {
				log.Printf("retention: archived %d sessions", n)
			}
		}
	}
}
