package catalog

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

// TitleStatus is the catalog lifecycle of a title. Physical copies have
// their own lifecycle in circulation; retiring a title only stops new
// copies from being registered against it.
type TitleStatus string

const (
	TitleActive  TitleStatus = "ACTIVE"
	TitleRetired TitleStatus = "RETIRED"
)

var (
	ErrTitleNotFound = errors.New("title not found")
	ErrTitleRetired  = errors.New("title is retired")
	ErrStaleTitle    = errors.New("title was modified concurrently")
)

// Title is a catalog entry: the bibliographic work that physical
// copies are instances of.
type Title struct {
	ID            uuid.UUID   `json:"id" db:"id"`
	ISBN          string      `json:"isbn" db:"isbn"`
	Name          string      `json:"name" db:"name"`
	Author        string      `json:"author" db:"author"`
	Publisher     string      `json:"publisher,omitempty" db:"publisher"`
	PublishedYear int         `json:"published_year,omitempty" db:"published_year"`
	Status        TitleStatus `json:"status" db:"status"`
	Version       int         `json:"version" db:"version"`
	CreatedAt     time.Time   `json:"created_at" db:"created_at"`
	UpdatedAt     time.Time   `json:"updated_at" db:"updated_at"`
}
