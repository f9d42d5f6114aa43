package service

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/septivank/tracket-noise-api/internal/repository"
	"github.com/septivank/tracket-noise-api/tools/timeparser"
)

// SoftwareRelease is the latest published firmware
type SoftwareRelease struct {
	Version     string `json:"version"`
	ReleaseTime string `json:"releaseTime"`
	URL         string `json:"url"`
}

// SoftwareService reports the latest firmware release
type SoftwareService struct {
	store          repository.Store
	publicationURL string
	loc            *time.Location
}

// NewSoftwareService creates a new software service. Download URLs are
// built from publicationURL.
func NewSoftwareService(store repository.Store, publicationURL string, loc *time.Location) *SoftwareService {
	return &SoftwareService{store: store, publicationURL: publicationURL, loc: loc}
}

// Latest returns the most recent release
func (s *SoftwareService) Latest(ctx context.Context) (*SoftwareRelease, error) {
	update, err := s.store.LatestSoftwareUpdate(ctx)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, notFoundError("Unable to find latest update information.")
	}
	if err != nil {
		return nil, persistenceError("Unable to find latest update information.", err)
	}

	if s.publicationURL == "" {
		return nil, notFoundError("Unable to find publication information.")
	}

	return &SoftwareRelease{
		Version:     update.Version,
		ReleaseTime: timeparser.Format(update.ReleaseTime, s.loc),
		URL:         strings.TrimRight(s.publicationURL, "/") + "/" + strings.TrimLeft(update.Filename, "/"),
	}, nil
}
