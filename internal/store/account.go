package store

import (
	"github.com/ternarybob/crawlctl/internal/crawlerr"
	"github.com/ternarybob/crawlctl/internal/models"
)

// UpsertAccount records the authorization handle an authorization-accepted
// event carries. The core treats this as a local cache of externally-owned
// data (spec §3 "Account / Authorization" is read-only input), not a
// system of record — nothing in this package ever mutates accessToken or
// refreshToken once written, and the only writer is the intake path that
// receives the external authorization event.
func (s *Store) UpsertAccount(acct *models.Account) error {
	if err := s.db.Upsert(acct.ID, acct); err != nil {
		return crawlerr.Wrap(crawlerr.KindDatabase, crawlerr.SeverityHigh, "failed to upsert account", err)
	}
	return nil
}

// GetAccount satisfies provisioner.AccountStore.
func (s *Store) GetAccount(accountID string) (*models.Account, error) {
	var acct models.Account
	if err := s.db.Get(accountID, &acct); err != nil {
		return nil, crawlerr.Wrap(crawlerr.KindDatabase, crawlerr.SeverityLow, "account not found", err)
	}
	return &acct, nil
}
