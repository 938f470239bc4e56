package store

import (
	"github.com/timshannon/badgerhold/v4"

	"github.com/ternarybob/crawlctl/internal/crawlerr"
	"github.com/ternarybob/crawlctl/internal/models"
)

// InsertAreaIfAbsent creates an Area row on first discovery. Areas are never
// destroyed by the core (spec §3).
func (s *Store) InsertAreaIfAbsent(area *models.Area) (inserted bool, err error) {
	var existing models.Area
	getErr := s.db.Get(area.FullPath, &existing)
	if getErr == nil {
		return false, nil
	}
	if getErr != badgerhold.ErrNotFound {
		return false, crawlerr.Wrap(crawlerr.KindDatabase, crawlerr.SeverityMedium, "failed to look up area", getErr)
	}

	if err := s.db.Insert(area.FullPath, area); err != nil {
		return false, crawlerr.Wrap(crawlerr.KindDatabase, crawlerr.SeverityHigh, "failed to insert area", err)
	}
	return true, nil
}

// GetArea fetches an area by its full path.
func (s *Store) GetArea(fullPath string) (*models.Area, error) {
	var area models.Area
	if err := s.db.Get(fullPath, &area); err != nil {
		return nil, crawlerr.Wrap(crawlerr.KindDatabase, crawlerr.SeverityLow, "area not found", err)
	}
	return &area, nil
}
