package clients

import (
	"context"
	"time"

	"github.com/google/uuid"

	"librarium/internal/catalog"
	"librarium/internal/membership"
)

// Directory implements circulation's pre-checks over the catalog and
// membership services.
type Directory struct {
	catalog    *CatalogClient
	membership *MembershipClient
}

func NewDirectory(catalog *CatalogClient, membership *MembershipClient) *Directory {
	return &Directory{catalog: catalog, membership: membership}
}

func (d *Directory) CheckTitle(ctx context.Context, titleID uuid.UUID) error {
	t, err := d.catalog.GetTitle(ctx, titleID)
	if err != nil {
		return err
	}
	if t.Status == catalog.TitleRetired {
		return catalog.ErrTitleRetired
	}
	return nil
}

func (d *Directory) CheckBorrower(ctx context.Context, memberID uuid.UUID) error {
	m, err := d.membership.GetMember(ctx, memberID)
	if err != nil {
		return err
	}
	if !m.Eligible(time.Now()) {
		return membership.ErrMemberNotEligible
	}
	return nil
}
