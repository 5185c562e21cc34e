package models

import "time"

// Document is an uploaded or scraped artifact attributed to a user.
// Content is kept verbatim; previews are cut at read time.
type Document struct {
	Filename   string    `json:"filename"`
	Content    string    `json:"content,omitempty"`
	Size       int64     `json:"size"`
	MediaType  string    `json:"media_type"`
	UploadedAt time.Time `json:"uploaded_at"`
}
