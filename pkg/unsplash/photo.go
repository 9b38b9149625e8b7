package unsplash

import (
	"github.com/photopool/photopool/pkg/photo"
)

// apiPhoto is the subset of the provider's photo representation that
// we read.
type apiPhoto struct {
	ID             string `json:"id"`
	Width          int    `json:"width"`
	Height         int    `json:"height"`
	Description    string `json:"description"`
	AltDescription string `json:"alt_description"`
	URLs           struct {
		Raw     string `json:"raw"`
		Full    string `json:"full"`
		Regular string `json:"regular"`
		Small   string `json:"small"`
		Thumb   string `json:"thumb"`
	} `json:"urls"`
	Links struct {
		DownloadLocation string `json:"download_location"`
	} `json:"links"`
	User struct {
		Name  string `json:"name"`
		Links struct {
			HTML string `json:"html"`
		} `json:"links"`
	} `json:"user"`
	Collections []struct {
		ID string `json:"id"`
	} `json:"current_user_collections"`
}

func (p apiPhoto) record() photo.Record {
	r := photo.Record{
		ID: p.ID,
		URLs: photo.URLs{
			Raw:     p.URLs.Raw,
			Full:    p.URLs.Full,
			Regular: p.URLs.Regular,
			Small:   p.URLs.Small,
			Thumb:   p.URLs.Thumb,
		},
		Creator: photo.Creator{
			Name:       p.User.Name,
			ProfileURL: p.User.Links.HTML,
		},
		Width:            p.Width,
		Height:           p.Height,
		Description:      p.Description,
		DownloadLocation: p.Links.DownloadLocation,
	}
	if r.Description == "" {
		r.Description = p.AltDescription
	}
	for _, c := range p.Collections {
		r.Collections = append(r.Collections, c.ID)
	}
	return r
}
